package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/italolelis/torbox_blackhole/internal/cleanup"
	"github.com/italolelis/torbox_blackhole/internal/config"
	"github.com/italolelis/torbox_blackhole/internal/fetcher"
	"github.com/italolelis/torbox_blackhole/internal/http/rest"
	"github.com/italolelis/torbox_blackhole/internal/job"
	"github.com/italolelis/torbox_blackhole/internal/job/putio"
	"github.com/italolelis/torbox_blackhole/internal/job/torbox"
	"github.com/italolelis/torbox_blackhole/internal/logctx"
	"github.com/italolelis/torbox_blackhole/internal/notifier"
	"github.com/italolelis/torbox_blackhole/internal/poller"
	"github.com/italolelis/torbox_blackhole/internal/storage"
	"github.com/italolelis/torbox_blackhole/internal/storage/sqlite"
	"github.com/italolelis/torbox_blackhole/internal/telemetry"
	"github.com/italolelis/torbox_blackhole/internal/tracker"
	"github.com/italolelis/torbox_blackhole/internal/watcher"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		slog.Error("telemetry error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	slog.Info("torbox blackhole starting...", "log_level", cfg.LogLevel, "service", cfg.DownloadService)

	if err := run(logctx.WithLogger(ctx, logger), cfg, tel); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	history := sqlite.NewInstrumentedHistoryRepository(database, tel)

	// =========================================================================
	// Start Remote Service Client
	client, err := buildClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to build download service client: %w", err)
	}

	if err := client.Authenticate(ctx); err != nil {
		return fmt.Errorf("authentication error: %w", err)
	}

	logger.Info("authenticated with download service", "service", cfg.DownloadService)

	// =========================================================================
	// Start Core Loop Components
	store := tracker.NewStore()

	pairs := cfg.DirectoryPairs()

	w := watcher.New(client, store, tel, pairs, watcher.SubmitDefaults{
		Seed:             cfg.SeedPreference,
		AllowZip:         cfg.AllowZip,
		QueueImmediately: cfg.QueueImmediately,
		PostProcessing:   cfg.PostProcessing,
	})

	if err := w.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to prepare directories: %w", err)
	}

	for _, pair := range pairs {
		logger.Info("watching directory pair", "pair", pair.Name, "watch_dir", pair.WatchDir, "download_dir", pair.DownloadDir)
	}

	f := fetcher.New(client, tel, cfg.AllowZip, cfg.ProgressInterval)
	p := poller.New(client, store, f, tel, cfg.MaxStatusCheckFailures)

	setupNotifications(ctx, p, history, cfg)

	go w.Run(ctx, cfg.WatchInterval)
	go p.Run(ctx, cfg.CheckInterval)

	// =========================================================================
	// Start Cleanup
	if cfg.KeepDownloadedFor > 0 {
		go cleanup.Run(ctx, history, cfg.KeepDownloadedFor, cfg.CleanupInterval)
	}

	// =========================================================================
	// Start Ops Server

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, store, history, tel, cfg)

	go func() {
		logger.Info("initializing ops endpoints", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for watch files...",
		"watch_interval", cfg.WatchInterval.String(),
		"check_interval", cfg.CheckInterval.String(),
		"retention", cfg.KeepDownloadedFor.String(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}

		return nil
	}
}

// setupNotifications drains the poller's terminal events into the
// history table and, when configured, a Discord webhook.
func setupNotifications(ctx context.Context, p *poller.Poller, history storage.HistoryWriteRepository, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	record := func(item job.Item, outcome, contentPath string) {
		if err := history.RecordOutcome(storage.HistoryRecord{
			JobID:       item.ID,
			Kind:        string(item.Kind),
			Label:       item.Label,
			ContentPath: contentPath,
			Outcome:     outcome,
			FinishedAt:  time.Now().Format(time.RFC3339),
		}); err != nil {
			logger.Error("failed to record job outcome", "job_id", item.ID, "err", err)
		}
	}

	send := func(content string) {
		if notif == nil {
			return
		}

		if err := notif.Notify(ctx, content); err != nil {
			logger.Error("failed to send notification", "err", err)
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case fetched := <-p.OnItemFetched:
				record(fetched.Item, storage.OutcomeFetched, fetched.ContentPath)
				send("✅ Download finished: " + fetched.Item.Label + " (" + fetched.Item.ID + ")")
			case item := <-p.OnItemDropped:
				record(item, storage.OutcomeDropped, "")
				send("❌ Download dropped after repeated failures: " + item.Label + " (" + item.ID + ")")
			}
		}
	}()
}

// This is an abstract factory for the download service client.
func buildClient(cfg *config.Config) (job.Client, error) {
	switch cfg.DownloadService {
	case "torbox":
		return torbox.NewClient(cfg.TorboxBaseURL, cfg.TorboxAPIVersion, cfg.TorboxAPIKey, cfg.MaxRetries), nil
	case "putio":
		return putio.NewClient(cfg.PutioToken), nil
	}

	return nil, fmt.Errorf("invalid download service: %s", cfg.DownloadService)
}

// setupServer prepares the handlers for the ops http server.
func setupServer(ctx context.Context, store *tracker.Store, history storage.HistoryReadRepository, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	handler := rest.NewOpsHandler(store, history, tel)

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      handler.Routes(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
