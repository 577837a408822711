// Package health serves the liveness endpoint used by the hosting platform.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	e      *echo.Echo
	addr   string
	logger *slog.Logger
}

func New(port int, logger *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	ok := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}
	e.GET("/", ok)
	e.GET("/healthz", ok)

	return &Server{e: e, addr: fmt.Sprintf(":%d", port), logger: logger}
}

func (s *Server) Handler() http.Handler { return s.e }

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("liveness endpoint listening", "addr", s.addr)
		errCh <- s.e.Start(s.addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.e.Shutdown(shutdownCtx)
}
