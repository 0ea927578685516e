package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/geoip_updater/internal/auth"
	"github.com/italolelis/geoip_updater/internal/cleanup"
	"github.com/italolelis/geoip_updater/internal/config"
	"github.com/italolelis/geoip_updater/internal/downloader"
	"github.com/italolelis/geoip_updater/internal/lock"
	"github.com/italolelis/geoip_updater/internal/logctx"
	"github.com/italolelis/geoip_updater/internal/notifier"
	"github.com/italolelis/geoip_updater/internal/telemetry"
	"github.com/italolelis/geoip_updater/internal/transport"
)

const (
	// infoTimeout bounds the single-attempt requests of the informational commands.
	infoTimeout     = 10 * time.Second
	shutdownTimeout = 5 * time.Second
	notifyTimeout   = 10 * time.Second
)

type app struct {
	stdout io.Writer
	stderr io.Writer
}

func (a *app) dispatch(ctx context.Context, f *flags, o config.Overrides) error {
	cfg, err := config.Resolve(o)
	if err != nil {
		slog.New(slog.NewTextHandler(a.stderr, nil)).Error("configuration error", "err", err)

		return reported(err)
	}

	logger, closer, err := logctx.New(logctx.Options{
		Console: a.stderr,
		Quiet:   cfg.Quiet,
		Verbose: cfg.Verbose,
		LogFile: cfg.LogFile,
		Level:   cfg.LogLevel,
	})
	if err != nil {
		slog.New(slog.NewTextHandler(a.stderr, nil)).Error("failed to set up logging", "err", err)

		return reported(err)
	}
	defer closer.Close()

	ctx = logctx.WithLogger(ctx, logger)

	switch {
	case f.listDatabases:
		return a.listDatabases(ctx, cfg)
	case f.showExamples:
		return a.showExamples(ctx, cfg)
	case f.checkNames:
		return a.checkNames(ctx, cfg)
	case f.validateOnly:
		return a.validateOnly(ctx, cfg)
	default:
		return a.sync(ctx, cfg)
	}
}

func userAgent() string {
	return "geoip_updater/" + version
}

// infoClient is used by the informational commands: one attempt, short timeout.
func infoClient(cfg *config.Config) *transport.Client {
	return transport.New(transport.Config{
		MaxRetries: 1,
		Timeout:    infoTimeout,
		UserAgent:  userAgent(),
		Insecure:   cfg.Insecure,
	}, transport.WithTransportWrapper(func(rt http.RoundTripper) http.RoundTripper {
		return telemetry.NewRequestIDTransport(telemetry.NewLoggingTransport(rt))
	}))
}

// sync performs a full update run: lock, authenticate, download, report.
func (a *app) sync(ctx context.Context, cfg *config.Config) error {
	runID := uuid.New().String()
	host, _ := os.Hostname()

	logger := logctx.LoggerFromContext(ctx).With("run_id", runID)
	ctx = logctx.WithLogger(ctx, logger)

	if err := cfg.Validate(); err != nil {
		logger.ErrorContext(ctx, "configuration error", "err", err)

		return reported(err)
	}

	if err := config.EnsureTargetDir(cfg.TargetDir); err != nil {
		logger.ErrorContext(ctx, "configuration error", "err", err)

		return reported(err)
	}

	if cfg.Deadline > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, cfg.Deadline)
		defer cancel()
	}

	tel, terr := telemetry.New(ctx, telemetry.Config{
		ServiceName:    "geoip_updater",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		TextfilePath:   cfg.MetricsTextfile,
	})
	if terr != nil {
		logger.WarnContext(ctx, "telemetry disabled", "err", terr)
	}

	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(sctx); err != nil {
			logger.WarnContext(ctx, "failed to flush telemetry", "err", err)
		}
	}()

	logger.InfoContext(ctx, "starting update",
		"endpoint", cfg.Endpoint,
		"target_dir", cfg.TargetDir,
		"databases", cfg.Databases.String(),
		"max_retries", cfg.MaxRetries,
		"max_concurrent", cfg.MaxConcurrency)

	locker := lock.NewManager(cfg.UseLock())

	if _, err := locker.Acquire(ctx); err != nil {
		logger.ErrorContext(ctx, "cannot start update", "err", err)
		tel.RecordRun(ctx, "failure")

		return reported(err)
	}

	defer func() {
		if err := locker.Release(context.WithoutCancel(ctx)); err != nil {
			logger.WarnContext(ctx, "failed to release lock", "err", err)
		}
	}()

	if removed, err := cleanup.RemoveStaleScratchDirs(ctx, "", downloader.ScratchPrefix, cfg.ScratchRetention); err != nil {
		logger.WarnContext(ctx, "failed to clean up stale scratch directories", "err", err)
	} else if removed > 0 {
		logger.InfoContext(ctx, "removed stale scratch directories", "count", removed)
	}

	start := time.Now()
	results, runErr := a.fetch(ctx, cfg, tel)

	ok, failed, bytes := downloader.Summarize(results)
	summary := notifier.RunSummary{
		RunID:     runID,
		Host:      host,
		Installed: ok,
		Failed:    downloader.FailedNames(results),
		Total:     len(results),
		Bytes:     bytes,
		Duration:  time.Since(start),
		Err:       runErr,
	}

	switch {
	case runErr == nil:
		logctx.Success(ctx, logger, "update completed",
			"installed", ok, "duration", summary.Duration.Round(time.Millisecond))
	case downloader.IsPartialFailure(runErr):
		logger.ErrorContext(ctx, "update finished with failures",
			"installed", ok, "failed", failed, "databases", summary.Failed, "err", runErr)
	default:
		logger.ErrorContext(ctx, "update failed", "err", runErr)
	}

	tel.RecordRun(ctx, summary.Status())
	a.notify(ctx, cfg, summary)

	return reported(runErr)
}

func (a *app) fetch(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) ([]downloader.Result, error) {
	client := transport.New(transport.Config{
		MaxRetries: cfg.MaxRetries,
		Timeout:    cfg.Timeout,
		UserAgent:  userAgent(),
		Insecure:   cfg.Insecure,
		Jitter:     cfg.Jitter,
	}, transport.WithObserver(tel), transport.WithTransportWrapper(tel.WrapTransport))

	var urls map[string]string

	err := tel.InstrumentOperation(ctx, auth.OperationAuthenticate, "auth", func(ctx context.Context) error {
		var err error

		urls, err = auth.NewClient(cfg.Endpoint, cfg.APIKey, client).Authenticate(ctx, cfg.Databases)

		return err
	})
	if err != nil {
		return nil, err
	}

	tasks := downloader.TasksFromURLs(urls)
	dl := downloader.NewDownloader(cfg.TargetDir, cfg.MaxConcurrency, client, downloader.WithRecorder(tel))

	var results []downloader.Result

	err = tel.InstrumentOperation(ctx, "fetch_all", "downloader", func(ctx context.Context) error {
		var err error

		results, err = dl.FetchAll(ctx, tasks)

		return err
	})

	return results, err
}

func (a *app) notify(ctx context.Context, cfg *config.Config, summary notifier.RunSummary) {
	if cfg.DiscordWebhookURL == "" {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	var n notifier.Notifier = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	if err := n.Notify(nctx, summary.Message()); err != nil {
		logger.WarnContext(ctx, "failed to send notification", "err", err)
	}
}

func fprintf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
