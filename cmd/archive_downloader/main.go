package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/archive_downloader/internal/batch"
	"github.com/italolelis/archive_downloader/internal/cleanup"
	"github.com/italolelis/archive_downloader/internal/config"
	"github.com/italolelis/archive_downloader/internal/downloader/progress"
	"github.com/italolelis/archive_downloader/internal/http/rest"
	"github.com/italolelis/archive_downloader/internal/logctx"
	"github.com/italolelis/archive_downloader/internal/notifier"
	"github.com/italolelis/archive_downloader/internal/storage"
	"github.com/italolelis/archive_downloader/internal/storage/bolt"
	"github.com/italolelis/archive_downloader/internal/storage/sqlite"
	"github.com/italolelis/archive_downloader/internal/target"
	"github.com/italolelis/archive_downloader/internal/telemetry"
	"github.com/italolelis/archive_downloader/internal/transport"
	"github.com/samber/lo"
)

// errBatchFailed makes the process exit non-zero when a target failed.
var errBatchFailed = errors.New("one or more targets failed")

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("archive downloader starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		ExportInterval: cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Metrics.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	journal, closeJournal, err := openJournal(cfg, tel)
	if err != nil {
		logger.Error("DB error", "err", err, "backend", cfg.JournalBackend)

		return err
	}
	defer closeJournal()

	// =========================================================================
	// Start Download Directory
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create download directory %s: %w", cfg.DownloadDir, err)
	}

	// =========================================================================
	// Start Orchestrator
	client := transport.NewInstrumentedClient(transport.NewClient(ctx, transport.Options{
		HeaderTimeout: cfg.HTTPTimeout,
		RetryMax:      cfg.HTTPRetryMax,
		UserAgent:     cfg.UserAgent,
		Referer:       cfg.Referer,
	}), tel)

	orchestrator := batch.New(batch.Options{
		MaxParallel:      cfg.MaxParallel,
		DownloadAttempts: cfg.DownloadAttempts,
		RetryDelay:       cfg.RetryDelay,
		Resume:           cfg.Resume,
		ReverifyExisting: cfg.ReverifyExisting,
		ProgressInterval: cfg.ProgressInterval,
	}, client, journal, tel, progress.LogReporter{})

	// =========================================================================
	// Start Notification
	var notif notifier.Notifier = notifier.Nop{}
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	if cfg.Metrics.BindAddress != "" {
		server := setupServer(ctx, cfg, tel, journal, summarySource{orchestrator})

		go func() {
			logger.Info("Initializing API support", "host", cfg.Metrics.BindAddress)

			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- err
			}
		}()

		defer shutdownServer(ctx, server, cfg.Metrics.ShutdownTimeout)
	}

	// =========================================================================
	// Start Batch
	runOnce := func() (*batch.Report, error) {
		targets, err := readTargets(ctx, cfg.LinksFile, cfg.DownloadDir)
		if err != nil {
			return nil, err
		}

		report := orchestrator.Run(ctx, targets)
		report.Log(ctx)
		logDiskUsage(ctx, report)

		if err := notif.Notify(ctx, report.Summary()); err != nil {
			logger.Error("failed to send notification", "err", err)
		}

		if cfg.StagedRetention > 0 {
			runCleanup(ctx, journal, cfg, targets)
		}

		return report, nil
	}

	if cfg.WatchInterval <= 0 {
		report, err := runOnce()
		if err != nil {
			return err
		}

		if report.Failed() {
			return errBatchFailed
		}

		return nil
	}

	// =========================================================================
	// Start Main Loop
	logger.Info("watching links file",
		"links_file", cfg.LinksFile,
		"download_dir", cfg.DownloadDir,
		"watch_interval", cfg.WatchInterval.String(),
		"staged_retention", cfg.StagedRetention.String(),
	)

	if _, err := runOnce(); err != nil {
		return err
	}

	ticker := time.NewTicker(cfg.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)
		case <-ctx.Done():
			logger.Info("start shutdown")

			return nil
		case <-ticker.C:
			if _, err := runOnce(); err != nil {
				logger.Error("failed to run batch", "err", err)
			}
		}
	}
}

// This is an abstract factory for the journal backend.
func openJournal(cfg *config.Config, tel *telemetry.Telemetry) (storage.Journal, func() error, error) {
	switch cfg.JournalBackend {
	case "bolt":
		j, err := bolt.Open(cfg.DBPath, tel)
		if err != nil {
			return nil, nil, err
		}

		return j, j.Close, nil
	case "sqlite":
		db, err := sqlite.InitDB(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}

		return sqlite.NewInstrumentedJournalRepository(db, tel), db.Close, nil
	}

	return nil, nil, fmt.Errorf("invalid journal backend: %s", cfg.JournalBackend)
}

// readTargets parses the links file. Lines that are not valid URLs are logged
// and skipped; an unreadable file is fatal.
func readTargets(ctx context.Context, path, dir string) ([]target.Target, error) {
	logger := logctx.LoggerFromContext(ctx)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open links file: %w", err)
	}
	defer f.Close()

	targets, warnings, err := target.ParseList(f, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read links file: %w", err)
	}

	for _, w := range warnings {
		logger.Warn("skipping line", "line", w.Line, "text", w.Text, "reason", w.Reason)
	}

	logger.Info("links file loaded", "file", path, "targets", len(targets), "skipped", len(warnings))

	return targets, nil
}

func runCleanup(ctx context.Context, journal storage.JournalReadRepository, cfg *config.Config, targets []target.Target) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := journal.List(ctx)
	if err != nil {
		logger.Error("failed to list journal for cleanup", "err", err)

		return
	}

	active := lo.SliceToMap(targets, func(t target.Target) (string, bool) {
		return t.ID, true
	})

	n, err := cleanup.DeleteStaleStaged(ctx, records, cfg.DownloadDir, cfg.StagedRetention, active)
	if err != nil {
		logger.Error("failed to delete stale staged files", "err", err)
	}

	if n > 0 {
		logger.Info("cleanup finished", "deleted", n)
	}
}

func logDiskUsage(ctx context.Context, report *batch.Report) {
	total := lo.SumBy(report.Results, func(r batch.Result) int64 { return r.Bytes })
	if total > 0 {
		logctx.LoggerFromContext(ctx).Info("downloaded in this run", "size", humanize.Bytes(uint64(total)))
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, journal storage.JournalReadRepository, runs rest.SummarySource) *http.Server {
	status := rest.NewStatusHandler(cfg.Metrics.Username, cfg.Metrics.Password, journal, runs)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", status.Routes())

	return &http.Server{
		Addr:         cfg.Metrics.BindAddress,
		ReadTimeout:  cfg.Metrics.ReadTimeout,
		WriteTimeout: cfg.Metrics.WriteTimeout,
		IdleTimeout:  cfg.Metrics.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func shutdownServer(ctx context.Context, server *http.Server, timeout time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	// Give outstanding requests a deadline for completion.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			logger.Error("could not stop server gracefully", "err", err)
		}
	}
}

// summarySource exposes the last batch report to the status API.
type summarySource struct {
	orchestrator *batch.Orchestrator
}

func (s summarySource) LastSummary() (rest.Summary, bool) {
	report, ok := s.orchestrator.LastReport()
	if !ok {
		return rest.Summary{}, false
	}

	return rest.Summary{
		RunID:      report.RunID,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Outcomes:   lo.MapKeys(report.Counts(), func(_ int, o batch.Outcome) string { return string(o) }),
		Failed:     report.Failed(),
	}, true
}
