package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/centromex/photo-relay/internal/assets"
	"github.com/centromex/photo-relay/internal/audit"
	"github.com/centromex/photo-relay/internal/bot"
	"github.com/centromex/photo-relay/internal/config"
	"github.com/centromex/photo-relay/internal/db"
	"github.com/centromex/photo-relay/internal/health"
	"github.com/centromex/photo-relay/internal/jobs"
	"github.com/centromex/photo-relay/internal/relay"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "photo-relay",
		Short:        "Relay user photos to an operator group and route the replies back",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "optional YAML config file (environment variables take precedence)")

	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(outstandingCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the liveness endpoint and the scheduled reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting photo relay bot")

	store, err := db.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	telegram, err := bot.New(bot.Config{
		Token:     cfg.BotToken,
		GroupChat: cfg.GroupChatID,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	var resolver relay.AssetResolver
	if cfg.Minio.Enabled() {
		mirror, err := assets.NewMirror(ctx, assets.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
			Logger:    logger,
		}, telegram)
		if err != nil {
			return err
		}
		resolver = mirror
	}

	auditors := audit.Multi{audit.NewLog(logger)}
	if cfg.AMQP.Enabled() {
		publisher, err := audit.NewAMQP(cfg.AMQP.URL, cfg.AMQP.Queue, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		auditors = append(auditors, publisher)
	}

	engine := relay.New(relay.Config{
		GroupChatID:       cfg.GroupChatID,
		AckText:           cfg.AckText,
		CompletionCaption: cfg.CompletionCaption,
		Logger:            logger,
	}, telegram, store, resolver, auditors)
	defer engine.Wait()

	dispatcher := relay.NewDispatcher(relay.DispatcherConfig{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Logger:    logger,
	})
	// Queued events drain on shutdown, so workers do not inherit cancellation.
	dispatcher.Start(context.WithoutCancel(ctx))
	defer dispatcher.Stop()

	scheduler := jobs.NewScheduler(logger)
	if err := scheduler.AddOutstandingReport(cfg.OutstandingSchedule, cfg.OutstandingAfter, store); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return health.New(cfg.Port, logger).Run(gctx)
	})
	g.Go(func() error {
		return telegram.Run(gctx, engine, dispatcher)
	})

	logger.Info("bot is running, press Ctrl+C to stop", "group_chat_id", cfg.GroupChatID)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <chat-id>",
		Short: "Print the latest request of a requester chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid chat id %q: %w", args[0], err)
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := db.Open(cmd.Context(), cfg.DatabaseURL, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			req, err := store.FindLatestByRequester(cmd.Context(), chatID)
			if errors.Is(err, db.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "no request found")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id: %s\nrequester: %d (%s)\nforwarded message: %d\ncreated: %s\n%s\n",
				req.ID, req.RequesterChatID, req.RequesterHandle, req.ForwardedMessageID,
				req.CreatedAt.Format("2006-01-02 15:04:05 UTC"), bot.FormatStatus(req))
			return nil
		},
	}
}

func outstandingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outstanding",
		Short: "Count requests still waiting for a group reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := db.Open(cmd.Context(), cfg.DatabaseURL, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.CountOutstanding(cmd.Context(), cfg.OutstandingAfter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d requests processing for longer than %s\n", n, cfg.OutstandingAfter)
			return nil
		},
	}
}
