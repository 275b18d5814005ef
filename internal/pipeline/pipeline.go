// Package pipeline runs the sequential mode: log in, harvest the listing,
// then scrape every unfinished account in one browser session.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crm-phone-scraper/internal/checkpoint"
	"github.com/JakeFAU/crm-phone-scraper/internal/harvest"
	"github.com/JakeFAU/crm-phone-scraper/internal/scraper"
	"github.com/JakeFAU/crm-phone-scraper/internal/store"
	"github.com/JakeFAU/crm-phone-scraper/internal/worker"
)

// Config controls pacing between phases and accounts.
type Config struct {
	// PhasePause separates harvest from scrape in a full run.
	PhasePause time.Duration
	// AccountDelay is slept between accounts, not after the last one.
	AccountDelay scraper.Range
}

// Summary reports what a run did.
type Summary struct {
	Harvest harvest.Stats
	Scrape  scraper.Tally
	// Interrupted is set when the stop flag ended the run early.
	Interrupted bool
	Backup      string
}

// Pipeline sequences the harvest and scrape stages.
type Pipeline struct {
	auth       scraper.Authenticator
	harvester  *harvest.Harvester
	scraper    *worker.Scraper
	repo       store.Repository
	clock      scraper.Clock
	checkpoint *checkpoint.Policy
	stop       *scraper.Stop
	cfg        Config
	logger     *zap.Logger
}

// Deps bundles the collaborators of a Pipeline.
type Deps struct {
	Auth       scraper.Authenticator
	Harvester  *harvest.Harvester
	Scraper    *worker.Scraper
	Repo       store.Repository
	Clock      scraper.Clock
	Checkpoint *checkpoint.Policy
	// Stop is polled between accounts; nil never stops.
	Stop   *scraper.Stop
	Logger *zap.Logger
}

// New builds a Pipeline.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	if deps.Repo == nil || deps.Clock == nil {
		return nil, errors.New("pipeline: repo and clock are required")
	}
	if deps.Checkpoint == nil {
		return nil, errors.New("pipeline: checkpoint policy is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		auth:       deps.Auth,
		harvester:  deps.Harvester,
		scraper:    deps.Scraper,
		repo:       deps.Repo,
		clock:      deps.Clock,
		checkpoint: deps.Checkpoint,
		stop:       deps.Stop,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Full logs in, harvests, pauses, and scrapes.
func (p *Pipeline) Full(ctx context.Context) (Summary, error) {
	var sum Summary
	stats, err := p.Harvest(ctx)
	sum.Harvest = stats
	if err != nil {
		return sum, err
	}
	if p.stop.Requested() {
		sum.Interrupted = true
		return sum, nil
	}
	p.logger.Info("pausing before scrape", zap.Duration("pause", p.cfg.PhasePause))
	if err := p.clock.Sleep(ctx, p.cfg.PhasePause); err != nil {
		return sum, err
	}
	scraped, err := p.Scrape(ctx)
	scraped.Harvest = stats
	return scraped, err
}

// Harvest logs in and records tokens for every listed account.
func (p *Pipeline) Harvest(ctx context.Context) (harvest.Stats, error) {
	if p.auth == nil || p.harvester == nil {
		return harvest.Stats{}, errors.New("pipeline: harvest is not configured")
	}
	p.logger.Info("phase 1: harvesting accounts and tokens")
	if err := p.auth.Login(ctx); err != nil {
		return harvest.Stats{}, fmt.Errorf("login: %w", err)
	}
	stats, err := p.harvester.Run(ctx)
	if err != nil {
		return stats, fmt.Errorf("harvest: %w", err)
	}
	return stats, nil
}

// Scrape processes in_progress accounts, then pending ones, in the order
// they were listed when the phase began. The stop flag is checked between
// accounts; a final backup is taken when anything was processed.
func (p *Pipeline) Scrape(ctx context.Context) (Summary, error) {
	if p.scraper == nil {
		return Summary{}, errors.New("pipeline: scrape is not configured")
	}
	p.logger.Info("phase 2: scraping phone numbers")
	queue, err := p.snapshot(ctx)
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	if len(queue) == 0 {
		p.logger.Info("every account is already processed")
		return sum, nil
	}

	for i, acct := range queue {
		if p.stop.Requested() {
			p.logger.Warn("scrape paused by operator", zap.Int("remaining", len(queue)-i))
			sum.Interrupted = true
			break
		}
		if ctx.Err() != nil {
			break
		}
		p.logger.Info("processing account",
			zap.Int("n", i+1),
			zap.Int("total", len(queue)),
			zap.String("account_id", acct.ID),
			zap.String("username", acct.Username),
		)

		current, err := p.repo.GetAccount(ctx, acct.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				sum.Scrape.Add(scraper.Result{AccountID: acct.ID, Outcome: scraper.OutcomeSkipped})
				continue
			}
			return sum, fmt.Errorf("reload account %s: %w", acct.ID, err)
		}
		if !store.CanTransition(current.Status, store.StatusInProgress) {
			p.logger.Info("account changed since snapshot; skipping",
				zap.String("account_id", acct.ID), zap.String("status", string(current.Status)))
			sum.Scrape.Add(scraper.Result{AccountID: acct.ID, Outcome: scraper.OutcomeSkipped})
			continue
		}

		res := p.scraper.ScrapeAccount(ctx, current.ID, current.TokenURL, current.StartPage())
		sum.Scrape.Add(res)
		if res.Outcome == scraper.OutcomeSkipped {
			break
		}
		if errors.Is(res.Err, scraper.ErrMissingToken) {
			// Nothing was attempted, so no backup tick and no pause.
			continue
		}
		if _, err := p.checkpoint.AccountProcessed(ctx); err != nil {
			p.logger.Error("periodic backup failed", zap.Error(err))
		}
		if i < len(queue)-1 {
			if err := p.clock.Sleep(ctx, p.cfg.AccountDelay.Pick()); err != nil {
				break
			}
		}
	}

	// The final backup must not be lost to a canceled run context.
	path, err := p.checkpoint.Finish(context.WithoutCancel(ctx))
	if err != nil {
		p.logger.Error("final backup failed", zap.Error(err))
	}
	sum.Backup = path
	p.logger.Info("scrape finished",
		zap.Int("succeeded", sum.Scrape.Succeeded),
		zap.Int("failed", sum.Scrape.Failed),
		zap.Int("skipped", sum.Scrape.Skipped),
		zap.Int("phones_added", sum.Scrape.PhonesAdded),
	)
	return sum, ctx.Err()
}

func (p *Pipeline) snapshot(ctx context.Context) ([]store.Account, error) {
	inProgress, err := p.repo.AccountsByStatus(ctx, store.StatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("list in_progress accounts: %w", err)
	}
	pending, err := p.repo.AccountsByStatus(ctx, store.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending accounts: %w", err)
	}
	p.logger.Info("accounts to process",
		zap.Int("in_progress", len(inProgress)),
		zap.Int("pending", len(pending)),
	)
	return append(inProgress, pending...), nil
}
