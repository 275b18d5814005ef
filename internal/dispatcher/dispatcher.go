// Package dispatcher runs the parallel mode: a bounded pool of workers, each
// with its own browser session, sharing the store through atomic claims.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crm-phone-scraper/internal/checkpoint"
	"github.com/JakeFAU/crm-phone-scraper/internal/progress"
	"github.com/JakeFAU/crm-phone-scraper/internal/scraper"
	"github.com/JakeFAU/crm-phone-scraper/internal/store"
	"github.com/JakeFAU/crm-phone-scraper/internal/worker"
)

// Session is one worker's browser-backed view of the CRM.
type Session interface {
	scraper.PhoneSource
	Close() error
}

// SessionFactory opens the session for worker n (1-based).
type SessionFactory func(ctx context.Context, n int) (Session, error)

// Config controls pool size and pacing.
type Config struct {
	// Workers is the requested pool size; the pool never exceeds the
	// number of unfinished accounts.
	Workers int
	// Owner stamps every claim of this run.
	Owner string
	// StartDelay staggers worker start-up; worker 1 starts immediately.
	StartDelay   scraper.Range
	AccountDelay scraper.Range
	ClaimRetries int
	Scrape       worker.ScrapeConfig
}

// Result aggregates the pool's work.
type Result struct {
	Workers   int
	Tally     scraper.Tally
	PerWorker []scraper.Tally
	Backup    string
	Elapsed   time.Duration
}

// Dispatcher fans claims out to a pool of workers.
type Dispatcher struct {
	repo       store.Repository
	sessions   SessionFactory
	clock      scraper.Clock
	checkpoint *checkpoint.Policy
	stop       *scraper.Stop
	cfg        Config
	logger     *zap.Logger
	reporter   progress.Reporter
}

// New creates a Dispatcher.
func New(
	repo store.Repository,
	sessions SessionFactory,
	clock scraper.Clock,
	cp *checkpoint.Policy,
	stop *scraper.Stop,
	cfg Config,
	logger *zap.Logger,
	reporter progress.Reporter,
) (*Dispatcher, error) {
	if repo == nil || sessions == nil || clock == nil || cp == nil {
		return nil, errors.New("dispatcher: repo, sessions, clock and checkpoint are required")
	}
	if cfg.Owner == "" {
		return nil, errors.New("dispatcher: owner is required")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		repo:       repo,
		sessions:   sessions,
		clock:      clock,
		checkpoint: cp,
		stop:       stop,
		cfg:        cfg,
		logger:     logger,
		reporter:   reporter,
	}, nil
}

// PoolSize returns min(requested, pending+in_progress).
func PoolSize(requested int, counts map[store.Status]int) int {
	return min(max(requested, 1), store.PendingCount(counts))
}

// Run starts the pool and blocks until every worker has drained the queue,
// stopped, or failed. A worker's failure does not stop its peers; the first
// failure is returned after the pool drains. One backup is taken at the
// end whenever the pool ran.
func (d *Dispatcher) Run(ctx context.Context) (Result, error) {
	began := d.clock.Now()
	counts, err := d.repo.CountByStatus(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("count accounts: %w", err)
	}
	n := PoolSize(d.cfg.Workers, counts)
	if n == 0 {
		d.logger.Info("every account is already processed")
		return Result{}, nil
	}
	d.logger.Info("starting worker pool",
		zap.Int("requested", d.cfg.Workers),
		zap.Int("workers", n),
		zap.Int("accounts", store.PendingCount(counts)),
	)

	res := Result{Workers: n, PerWorker: make([]scraper.Tally, n)}
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			tally, err := d.runWorker(ctx, i+1)
			res.PerWorker[i] = tally
			if err != nil {
				d.logger.Error("worker failed", zap.Int("worker", i+1), zap.Error(err))
			}
			return err
		})
	}
	runErr := g.Wait()

	for _, t := range res.PerWorker {
		res.Tally.Merge(t)
	}
	path, backupErr := d.checkpoint.Backup(context.WithoutCancel(ctx))
	res.Backup = path
	res.Elapsed = d.clock.Now().Sub(began)

	fields := []zap.Field{
		zap.Duration("elapsed", res.Elapsed),
		zap.Int("processed", res.Tally.Processed()),
		zap.Int("phones_added", res.Tally.PhonesAdded),
	}
	if p := res.Tally.Processed(); p > 0 {
		fields = append(fields, zap.Duration("per_account", res.Elapsed/time.Duration(p)))
	}
	d.logger.Info("worker pool finished", fields...)
	return res, errors.Join(runErr, backupErr)
}

func (d *Dispatcher) runWorker(ctx context.Context, n int) (scraper.Tally, error) {
	logger := d.logger.With(zap.Int("worker", n))
	if n > 1 {
		delay := d.cfg.StartDelay.Pick()
		logger.Info("staggering start", zap.Duration("delay", delay))
		if err := d.clock.Sleep(ctx, delay); err != nil {
			return scraper.Tally{}, nil
		}
	}
	if d.stop.Requested() {
		return scraper.Tally{}, nil
	}
	session, err := d.sessions(ctx, n)
	if err != nil {
		return scraper.Tally{}, fmt.Errorf("worker %d: open session: %w", n, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("close session", zap.Error(err))
		}
	}()

	reporter := d.reporter.WithWorker(n)
	s := worker.NewScraper(session, d.repo, d.clock, d.cfg.Scrape, logger, reporter)
	w := worker.New(d.repo, s, d.clock, d.checkpoint, d.stop, worker.Config{
		ID:           n,
		Owner:        d.cfg.Owner,
		AccountDelay: d.cfg.AccountDelay,
		ClaimRetries: d.cfg.ClaimRetries,
	}, d.logger)
	tally, err := w.Run(ctx)
	if err != nil {
		return tally, fmt.Errorf("worker %d: %w", n, err)
	}
	return tally, nil
}
