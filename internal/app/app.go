// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/histpull/histpull/internal/clock/system"
	"github.com/histpull/histpull/internal/config"
	"github.com/histpull/histpull/internal/fetcher/browser"
	"github.com/histpull/histpull/internal/fetcher/httpfetch"
	"github.com/histpull/histpull/internal/history"
	"github.com/histpull/histpull/internal/logging"
	"github.com/histpull/histpull/internal/progress"
	pub "github.com/histpull/histpull/internal/publisher/pubsub"
	"github.com/histpull/histpull/internal/ratelimit"
	"github.com/histpull/histpull/internal/runner"
	"github.com/histpull/histpull/internal/scraper"
	"github.com/histpull/histpull/internal/state"
	"github.com/histpull/histpull/internal/storage"
	"github.com/histpull/histpull/internal/storage/gcs"
	"github.com/histpull/histpull/internal/storage/local"
	"github.com/histpull/histpull/internal/validate"
)

// App holds all the shared, long-lived services for the application. It is
// built once at startup from the typed configuration and passed to the
// commands that need it.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     *system.Clock
	store     *state.Store
	limiter   *ratelimit.Adaptive
	registry  *prometheus.Registry
	metrics   *progress.Metrics
	fetcher   scraper.Fetcher
	validator scraper.Validator
	publisher scraper.Publisher
	histRepo  *history.Repository

	closers []func()
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Clock returns the real clock used for state timestamps.
func (a *App) Clock() *system.Clock { return a.clock }

// Store exposes the resumable state snapshot.
func (a *App) Store() *state.Store { return a.store }

// Limiter exposes the adaptive rate controller.
func (a *App) Limiter() *ratelimit.Adaptive { return a.limiter }

// Registry exposes the Prometheus registry backing /metrics.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Metrics exposes the pass instrumentation.
func (a *App) Metrics() *progress.Metrics { return a.metrics }

// NewEngine builds a pass engine with a fresh tracker sized to total.
func (a *App) NewEngine(total int) (*runner.Engine, error) {
	tracker := progress.NewTracker(total, a.logger, a.metrics)
	eng, err := runner.New(
		a.store,
		a.limiter,
		a.fetcher,
		a.validator,
		tracker,
		a.publisher,
		a.passRecorder(),
		a.clock,
		runner.Config{
			MaxRetries: a.cfg.Runner.MaxRetries,
			RetryDelay: a.cfg.RetryDelay(),
			Validate:   a.cfg.Runner.Validate,
			EventTopic: a.eventTopic(),
		},
		a.logger,
	)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	return eng, nil
}

func (a *App) passRecorder() runner.PassRecorder {
	// A typed nil inside a non-nil interface would defeat the engine's nil
	// checks.
	if a.histRepo == nil {
		return nil
	}
	return a.histRepo
}

func (a *App) eventTopic() string {
	if a.publisher == nil {
		return ""
	}
	return a.cfg.Runner.EventTopic
}

// New creates and initializes an App from the loaded configuration. It fails
// fast if any critical service cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger.Info("initializing services")

	a := &App{
		cfg:      cfg,
		logger:   logger,
		clock:    system.New(),
		registry: prometheus.NewRegistry(),
	}
	a.closers = append(a.closers, func() {
		_ = logger.Sync() //nolint:errcheck // best-effort flush
	})

	a.metrics, err = progress.NewMetrics(a.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	a.store, err = state.Open(cfg.State.Path, a.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("open state snapshot: %w", err)
	}

	a.limiter = ratelimit.New(ratelimit.Config{
		InitialRPM:    cfg.Rate.InitialRPM,
		BackoffFactor: cfg.Rate.BackoffFactor,
	}, logger)

	blobs, err := a.initBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.initFetcher(blobs); err != nil {
		return nil, err
	}
	a.initValidator()
	if err := a.initPublisher(ctx); err != nil {
		return nil, err
	}
	if err := a.initHistory(ctx); err != nil {
		return nil, err
	}

	logger.Info("services initialized",
		zap.String("fetch_mode", cfg.Fetch.Mode),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("history", a.histRepo != nil),
		zap.Bool("events", a.publisher != nil),
	)
	return a, nil
}

func (a *App) initBlobStore(ctx context.Context) (storage.BlobStore, error) {
	if a.cfg.Fetch.Mode == config.FetchModeBrowser {
		// Browser exports land in the download directory directly.
		return nil, nil
	}
	switch a.cfg.Storage.Backend {
	case "gcs":
		if a.cfg.Runner.Validate {
			return nil, fmt.Errorf("runner.validate must be off with gcs storage: the validator reads local paths")
		}
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if cerr := client.Close(); cerr != nil {
				a.logger.Warn("close gcs client", zap.Error(cerr))
			}
		})
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs store: %w", err)
		}
		a.logger.Info("using gcs blob store", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

func (a *App) initFetcher(blobs storage.BlobStore) error {
	switch a.cfg.Fetch.Mode {
	case config.FetchModeHTTP:
		f, err := httpfetch.New(httpfetch.Config{
			URLTemplate: a.cfg.Fetch.URLTemplate,
			UserAgent:   a.cfg.Fetch.UserAgent,
			Timeout:     a.cfg.FetchTimeout(),
			CourtesyRPS: a.cfg.Fetch.CourtesyRPS,
			BlobPrefix:  a.cfg.Storage.Prefix,
			ContentType: a.cfg.Storage.ContentType,
		}, blobs, a.logger)
		if err != nil {
			return fmt.Errorf("init http fetcher: %w", err)
		}
		a.fetcher = f
	case config.FetchModeBrowser:
		f, err := browser.New(browser.Config{
			PageTemplate:      a.cfg.Fetch.PageTemplate,
			ExportSelector:    a.cfg.Fetch.ExportSelector,
			DownloadDir:       a.cfg.Fetch.DownloadDir,
			UserAgent:         a.cfg.Fetch.UserAgent,
			NavigationTimeout: a.cfg.FetchTimeout(),
			MaxParallel:       a.cfg.Fetch.MaxParallel,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("init browser fetcher: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		a.fetcher = f
	default:
		return fmt.Errorf("unknown fetch mode %q", a.cfg.Fetch.Mode)
	}
	return nil
}

func (a *App) initValidator() {
	if !a.cfg.Runner.Validate {
		return
	}
	a.validator = validate.NewCSV(validate.CSVConfig{
		MinFileSize:     a.cfg.Validation.MinFileSize,
		RequiredColumns: a.cfg.Validation.RequiredColumns,
		MinRows:         a.cfg.Validation.MinRows,
	})
}

func (a *App) initPublisher(ctx context.Context) error {
	if !a.cfg.PubSub.Enabled {
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("init pubsub client: %w", err)
	}
	a.closers = append(a.closers, func() {
		if cerr := client.Close(); cerr != nil {
			a.logger.Warn("close pubsub client", zap.Error(cerr))
		}
	})
	p, err := pub.New(client)
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}
	a.publisher = p
	a.logger.Info("publishing pass events",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.Runner.EventTopic))
	return nil
}

func (a *App) initHistory(ctx context.Context) error {
	if !a.cfg.History.Enabled {
		return nil
	}
	repo, err := history.New(ctx, history.Config{
		DSN:      a.cfg.History.DSN,
		MaxConns: a.cfg.History.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("init pass history: %w", err)
	}
	a.histRepo = repo
	a.closers = append(a.closers, repo.Close)
	return nil
}

// Close shuts down all services in reverse initialization order.
func (a *App) Close() {
	a.logger.Info("shutting down services")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
