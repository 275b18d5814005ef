// Package harvest walks the CRM accounts listing, generates a token for
// every account, and records the results in the store.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crm-phone-scraper/internal/progress"
	"github.com/JakeFAU/crm-phone-scraper/internal/scraper"
	"github.com/JakeFAU/crm-phone-scraper/internal/store"
)

// Config controls retries and pacing.
type Config struct {
	// RetryAttempts bounds listing page loads and token acquisitions.
	RetryAttempts int
	RetryDelay    time.Duration
	// RequestDelay is slept after every token request.
	RequestDelay scraper.Range
	// MaxPages stops discovery after that many listing pages; zero means no limit.
	MaxPages int
}

// Stats summarizes one harvest.
type Stats struct {
	Discovered int
	Tokens     int
	Failed     int
}

// Harvester discovers accounts and acquires their tokens.
type Harvester struct {
	site     scraper.AccountSource
	repo     store.Repository
	clock    scraper.Clock
	cfg      Config
	logger   *zap.Logger
	reporter progress.Reporter
}

// New constructs a Harvester.
func New(
	site scraper.AccountSource,
	repo store.Repository,
	clock scraper.Clock,
	cfg Config,
	logger *zap.Logger,
	reporter progress.Reporter,
) *Harvester {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harvester{site: site, repo: repo, clock: clock, cfg: cfg, logger: logger, reporter: reporter}
}

// Discover lazily yields every account on the listing, page by page. The
// listing page stays open while the consumer handles a yielded account, so
// row-level actions such as AcquireToken are valid inside the loop body. A
// page that cannot be loaded after retries yields a final error.
func (h *Harvester) Discover(ctx context.Context) iter.Seq2[scraper.Listing, error] {
	return func(yield func(scraper.Listing, error) bool) {
		if err := h.retry(ctx, "open listing", h.site.OpenListing); err != nil {
			yield(scraper.Listing{}, err)
			return
		}
		seen := make(map[string]struct{})
		for page := 1; ; page++ {
			var accounts []scraper.Listing
			err := h.retry(ctx, "read listing", func(ctx context.Context) error {
				var err error
				accounts, err = h.site.ListAccounts(ctx)
				return err
			})
			if err != nil {
				yield(scraper.Listing{}, fmt.Errorf("listing page %d: %w", page, err))
				return
			}
			fresh := 0
			for _, acct := range accounts {
				if _, dup := seen[acct.AccountID]; dup {
					continue
				}
				seen[acct.AccountID] = struct{}{}
				fresh++
				if !yield(acct, nil) {
					return
				}
			}
			h.logger.Info("listing page read",
				zap.Int("page", page),
				zap.Int("accounts", len(accounts)),
				zap.Int("new", fresh),
			)
			// A page with nothing new means the pager did not move.
			if fresh == 0 {
				return
			}
			if h.cfg.MaxPages > 0 && page >= h.cfg.MaxPages {
				return
			}
			var more bool
			err = h.retry(ctx, "advance listing", func(ctx context.Context) error {
				var err error
				more, err = h.site.NextListingPage(ctx)
				return err
			})
			if err != nil {
				yield(scraper.Listing{}, fmt.Errorf("advance past listing page %d: %w", page, err))
				return
			}
			if !more {
				return
			}
		}
	}
}

// Run harvests every discovered account. Token failures are counted and
// logged; only listing or store failures end the harvest with an error.
func (h *Harvester) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	for acct, err := range h.Discover(ctx) {
		if err != nil {
			return stats, err
		}
		stats.Discovered++
		token, err := h.acquire(ctx, acct.AccountID)
		h.reporter.Token(acct.AccountID, err)
		switch {
		case err == nil:
			if err := h.repo.UpsertAccount(ctx, acct.AccountID, acct.Username, token); err != nil {
				return stats, fmt.Errorf("store account %s: %w", acct.AccountID, err)
			}
			stats.Tokens++
			h.logger.Debug("token stored", zap.String("account_id", acct.AccountID), zap.String("username", acct.Username))
		case ctx.Err() != nil:
			return stats, ctx.Err()
		default:
			stats.Failed++
			h.logger.Warn("token not acquired", zap.String("account_id", acct.AccountID), zap.Error(err))
		}
		if err := h.clock.Sleep(ctx, h.cfg.RequestDelay.Pick()); err != nil {
			return stats, err
		}
	}
	h.logger.Info("harvest finished",
		zap.Int("discovered", stats.Discovered),
		zap.Int("tokens", stats.Tokens),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}

func (h *Harvester) acquire(ctx context.Context, accountID string) (string, error) {
	var token string
	err := scraper.Retry(ctx, h.clock, h.cfg.RetryAttempts, h.cfg.RetryDelay, func(attempt int) error {
		var err error
		token, err = h.site.AcquireToken(ctx, accountID)
		if err != nil && attempt < h.cfg.RetryAttempts {
			h.logger.Debug("token attempt failed", zap.String("account_id", accountID), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
	return token, err
}

func (h *Harvester) retry(ctx context.Context, what string, fn func(context.Context) error) error {
	return scraper.Retry(ctx, h.clock, h.cfg.RetryAttempts, h.cfg.RetryDelay, func(attempt int) error {
		err := fn(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Warn(what+" failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
}
