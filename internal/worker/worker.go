// Package worker implements the scrape stage and the claim loop that feeds
// it from the shared store.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crm-phone-scraper/internal/checkpoint"
	"github.com/JakeFAU/crm-phone-scraper/internal/metrics"
	"github.com/JakeFAU/crm-phone-scraper/internal/scraper"
	"github.com/JakeFAU/crm-phone-scraper/internal/store"
)

// Config controls the claim loop.
type Config struct {
	// ID is the 1-based worker number used in logs.
	ID int
	// Owner stamps claims; workers of one run share it.
	Owner string
	// AccountDelay is slept after each processed account.
	AccountDelay scraper.Range
	// ClaimRetries bounds consecutive StoreBusy retries of one claim.
	ClaimRetries int
}

// Worker claims accounts one at a time until the queue is empty.
type Worker struct {
	repo       store.Repository
	scraper    *Scraper
	clock      scraper.Clock
	checkpoint *checkpoint.Policy
	stop       *scraper.Stop
	retry      *scraper.ExponentialRetryPolicy
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker. checkpoint and stop may be nil.
func New(
	repo store.Repository,
	s *Scraper,
	clock scraper.Clock,
	cp *checkpoint.Policy,
	stop *scraper.Stop,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		repo:       repo,
		scraper:    s,
		clock:      clock,
		checkpoint: cp,
		stop:       stop,
		retry:      scraper.NewExponentialRetryPolicy(cfg.ClaimRetries),
		cfg:        cfg,
		logger:     logger.With(zap.Int("worker", cfg.ID)),
	}
}

// Run loops claim, scrape, delay until no account is left, the stop flag is
// raised, or ctx ends. Per-account failures are counted in the tally; only
// store failures are returned.
func (w *Worker) Run(ctx context.Context) (scraper.Tally, error) {
	var tally scraper.Tally
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for {
		if w.stop.Requested() {
			w.logger.Info("stop requested; leaving claim loop")
			break
		}
		if ctx.Err() != nil {
			break
		}
		acct, ok, err := w.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return tally, err
		}
		if !ok {
			w.logger.Info("queue drained")
			break
		}

		res := w.scraper.ScrapeAccount(ctx, acct.ID, acct.TokenURL, acct.StartPage())
		tally.Add(res)
		if res.Outcome == scraper.OutcomeSkipped {
			break
		}
		if errors.Is(res.Err, scraper.ErrMissingToken) {
			// Nothing was attempted, so no backup tick and no pause.
			continue
		}
		if w.checkpoint != nil {
			if _, err := w.checkpoint.AccountProcessed(ctx); err != nil {
				w.logger.Error("periodic backup failed", zap.Error(err))
			}
		}
		if err := w.clock.Sleep(ctx, w.cfg.AccountDelay.Pick()); err != nil {
			break
		}
	}
	w.logger.Info("worker finished",
		zap.Int("succeeded", tally.Succeeded),
		zap.Int("failed", tally.Failed),
		zap.Int("phones_added", tally.PhonesAdded),
	)
	return tally, nil
}

// claim retries ClaimNext while the store reports contention.
func (w *Worker) claim(ctx context.Context) (store.Account, bool, error) {
	for attempt := 1; ; attempt++ {
		acct, ok, err := w.repo.ClaimNext(ctx, w.cfg.Owner)
		if err == nil {
			return acct, ok, nil
		}
		if !w.retry.ShouldRetry(err, attempt) {
			if errors.Is(err, store.ErrStoreBusy) {
				return store.Account{}, false, fmt.Errorf("claim after %d attempts: %w", attempt, err)
			}
			return store.Account{}, false, fmt.Errorf("claim: %w", err)
		}
		metrics.ObserveStoreBusy("claim")
		backoff := w.retry.Backoff(attempt)
		w.logger.Debug("store busy; retrying claim", zap.Int("attempt", attempt), zap.Duration("backoff", backoff))
		if err := w.clock.Sleep(ctx, backoff); err != nil {
			return store.Account{}, false, err
		}
	}
}

