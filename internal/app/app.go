// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"

	gcsstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/crm-phone-scraper/internal/api"
	"github.com/JakeFAU/crm-phone-scraper/internal/checkpoint"
	"github.com/JakeFAU/crm-phone-scraper/internal/clock/system"
	"github.com/JakeFAU/crm-phone-scraper/internal/config"
	"github.com/JakeFAU/crm-phone-scraper/internal/id/uuid"
	"github.com/JakeFAU/crm-phone-scraper/internal/metrics"
	"github.com/JakeFAU/crm-phone-scraper/internal/progress"
	"github.com/JakeFAU/crm-phone-scraper/internal/progress/sinks"
	"github.com/JakeFAU/crm-phone-scraper/internal/publisher/pubsub"
	"github.com/JakeFAU/crm-phone-scraper/internal/report"
	"github.com/JakeFAU/crm-phone-scraper/internal/scraper"
	"github.com/JakeFAU/crm-phone-scraper/internal/storage/gcs"
	"github.com/JakeFAU/crm-phone-scraper/internal/storage/local"
	"github.com/JakeFAU/crm-phone-scraper/internal/storage/memory"
	"github.com/JakeFAU/crm-phone-scraper/internal/storage/postgres"
	"github.com/JakeFAU/crm-phone-scraper/internal/storage/sqlite"
	"github.com/JakeFAU/crm-phone-scraper/internal/store"
)

// Options overrides collaborators that are normally built from the config.
type Options struct {
	// Registerer receives the progress collectors. Defaults to the global
	// Prometheus registry.
	Registerer prometheus.Registerer
	// Publisher replaces the Pub/Sub client for lifecycle events. It is used
	// only when events.topic is set.
	Publisher sinks.Publisher
	// Clock replaces the system clock.
	Clock scraper.Clock
	// Store replaces the configured store.
	Store store.Repository
}

// App holds the shared, long-lived services of one run. It is built once at
// startup and closed when the command finishes.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	repo       store.Repository
	clock      scraper.Clock
	runID      string
	hub        *progress.Hub
	reporter   progress.Reporter
	checkpoint *checkpoint.Policy
	stop       *scraper.Stop
	closers    []func() error
}

// New creates and initializes an App from cfg. It fails fast if any
// configured service cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger, clock: opts.Clock, stop: &scraper.Stop{}}
	if a.clock == nil {
		a.clock = system.New()
	}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	if a.runID, err = uuid.New().NewID(); err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}

	a.repo = opts.Store
	if a.repo == nil {
		if a.repo, err = openStore(ctx, cfg.Store, a.clock); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.repo.Close)
	}

	mirrors, err := a.openMirrors(ctx, cfg.Mirror)
	if err != nil {
		return nil, err
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink: %w", err)
	}
	hubSinks := []progress.Sink{sinks.NewLogSink(logger), promSink}
	if cfg.Events.Topic != "" {
		pubSink, err := a.publisherSink(ctx, cfg.Events, opts.Publisher)
		if err != nil {
			return nil, err
		}
		hubSinks = append(hubSinks, pubSink)
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger}, hubSinks...)
	a.reporter = progress.NewReporter(a.hub, a.runID, a.clock.Now)

	a.checkpoint, err = checkpoint.New(a.repo, checkpoint.Config{
		Interval: cfg.Store.BackupInterval,
		Mirrors:  mirrors,
		Logger:   logger,
		Reporter: a.reporter,
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint policy: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("run_id", a.runID),
		zap.String("store", cfg.Store.Driver),
		zap.Int("mirrors", len(mirrors)),
		zap.Bool("events", cfg.Events.Topic != ""),
	)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, clock scraper.Clock) (store.Repository, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, sqlite.Config{
			Path:        cfg.Path,
			BackupDir:   cfg.BackupDir,
			BusyTimeout: cfg.BusyTimeout,
			Now:         clock.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, postgres.Config{DSN: cfg.DSN, Now: clock.Now})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	case config.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

func (a *App) openMirrors(ctx context.Context, cfg config.MirrorConfig) ([]scraper.BlobStore, error) {
	var mirrors []scraper.BlobStore
	if cfg.Dir != "" {
		m, err := local.New(local.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("local mirror: %w", err)
		}
		mirrors = append(mirrors, m)
	}
	if cfg.GCSBucket != "" {
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		m, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs mirror: %w", err)
		}
		mirrors = append(mirrors, m)
	}
	return mirrors, nil
}

func (a *App) publisherSink(ctx context.Context, cfg config.EventsConfig, pub sinks.Publisher) (*sinks.PublisherSink, error) {
	if pub == nil {
		p, err := pubsub.Dial(ctx, cfg.ProjectID)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, p.Close)
		pub = p
	}
	s, err := sinks.NewPublisherSink(pub, cfg.Topic, a.logger)
	if err != nil {
		return nil, fmt.Errorf("publisher sink: %w", err)
	}
	return s, nil
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger { return a.logger }

// GetConfig returns the configuration the App was built from.
func (a *App) GetConfig() config.Config { return a.cfg }

// GetRepository exposes the persistent store.
func (a *App) GetRepository() store.Repository { return a.repo }

// GetClock returns the time source shared by every component.
func (a *App) GetClock() scraper.Clock { return a.clock }

// GetRunID returns the identifier stamped on claims and events of this run.
func (a *App) GetRunID() string { return a.runID }

// GetReporter returns the progress reporter bound to this run.
func (a *App) GetReporter() progress.Reporter { return a.reporter }

// GetCheckpoint returns the backup cadence policy.
func (a *App) GetCheckpoint() *checkpoint.Policy { return a.checkpoint }

// GetStop returns the cooperative stop flag polled between accounts.
func (a *App) GetStop() *scraper.Stop { return a.stop }

// GetServer builds the status server over the store.
func (a *App) GetServer() *api.Server {
	return api.NewServer(a.repo, a.cfg.Server, a.logger)
}

// WriteReport writes the Excel report to report.path and returns the path.
func (a *App) WriteReport(ctx context.Context) (string, error) {
	path := a.cfg.Report.Path
	if err := report.New(a.repo, a.logger).WriteFile(ctx, path); err != nil {
		return "", err
	}
	return path, nil
}

// Close flushes pending progress events and releases every service in
// reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	errs = append(errs, a.closeAll())
	// Best effort; stderr cannot be synced on some platforms.
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for _, c := range slices.Backward(a.closers) {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
