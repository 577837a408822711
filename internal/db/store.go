package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/centromex/photo-relay/internal/models"
)

var (
	// ErrNotFound is returned when no request matches a lookup.
	ErrNotFound = errors.New("request not found")
	// ErrInvalidRequest is returned by Create for a request that can never
	// be stored, as opposed to a store that is unavailable.
	ErrInvalidRequest = errors.New("invalid request")
)

// PersistenceError wraps a failure of the backing store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// Store keeps one record per submitted image.
type Store interface {
	// Create persists a new request and returns its ID.
	Create(ctx context.Context, req *models.Request) (string, error)
	// FindLatestByRequester returns the most recently created request of a chat.
	FindLatestByRequester(ctx context.Context, chatID int64) (*models.Request, error)
	// FindByForwardedMessageID resolves a group reply to its request.
	FindByForwardedMessageID(ctx context.Context, forwardedID int) (*models.Request, error)
	// MarkCompleted flips a Processing request to Completed.
	// Completing an already completed request is a no-op.
	MarkCompleted(ctx context.Context, forwardedID int) error
	// CountOutstanding counts Processing requests created before now-olderThan.
	CountOutstanding(ctx context.Context, olderThan time.Duration) (int, error)
	Close() error
}

// Open selects a backend from the connection string.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "mongodb://"), strings.HasPrefix(dsn, "mongodb+srv://"):
		return NewMongo(ctx, dsn, logger)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return New("postgres", dsn, logger)
	case strings.HasPrefix(dsn, "memory://"):
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return New("sqlite3", strings.TrimPrefix(dsn, "sqlite://"), logger)
	case dsn == "":
		return nil, fmt.Errorf("empty database connection string")
	default:
		return New("sqlite3", dsn, logger)
	}
}

// prepare fills the defaults every backend applies before insert.
// Validation failures wrap ErrInvalidRequest; anything else is a
// PersistenceError.
func prepare(req *models.Request) error {
	if req.ForwardedMessageID == 0 {
		return fmt.Errorf("%w: forwarded message id is required", ErrInvalidRequest)
	}
	if req.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return persistErr("create", fmt.Errorf("generate request id: %w", err))
		}
		req.ID = id.String()
	}
	if req.Status == "" {
		req.Status = models.StatusProcessing
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.RequesterHandle == "" {
		req.RequesterHandle = models.UnknownHandle
	}
	return nil
}
