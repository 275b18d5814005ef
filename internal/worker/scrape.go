package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crm-phone-scraper/internal/progress"
	"github.com/JakeFAU/crm-phone-scraper/internal/scraper"
	"github.com/JakeFAU/crm-phone-scraper/internal/store"
)

// ScrapeConfig controls paging retries and pacing.
type ScrapeConfig struct {
	// RetryAttempts bounds each page interaction before the account fails.
	RetryAttempts int
	RetryDelay    time.Duration
	// RequestDelay is slept between pages.
	RequestDelay scraper.Range
}

// Scraper extracts one account's phones page by page, committing every page
// before moving on so a crash loses at most the page in flight.
type Scraper struct {
	site     scraper.PhoneSource
	repo     store.Repository
	clock    scraper.Clock
	cfg      ScrapeConfig
	logger   *zap.Logger
	reporter progress.Reporter
}

// NewScraper constructs a Scraper.
func NewScraper(
	site scraper.PhoneSource,
	repo store.Repository,
	clock scraper.Clock,
	cfg ScrapeConfig,
	logger *zap.Logger,
	reporter progress.Reporter,
) *Scraper {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{site: site, repo: repo, clock: clock, cfg: cfg, logger: logger, reporter: reporter}
}

// ScrapeAccount scrapes account id starting at startPage and marks it
// completed when the pager runs out. Any other error marks it failed and
// the result keeps the phones committed so far. A canceled ctx leaves the
// account in_progress so the next run resumes it.
func (s *Scraper) ScrapeAccount(ctx context.Context, id, tokenURL string, startPage int) scraper.Result {
	if startPage < 1 {
		startPage = 1
	}
	began := s.clock.Now()
	logger := s.logger.With(zap.String("account_id", id))
	res := scraper.Result{AccountID: id}

	err := s.scrape(ctx, logger, id, tokenURL, startPage, &res)
	dur := s.clock.Now().Sub(began)
	switch {
	case err == nil:
		if err := s.repo.SetStatus(ctx, id, store.StatusCompleted); err != nil {
			res.Outcome, res.Err = scraper.OutcomeFailed, fmt.Errorf("mark completed: %w", err)
			s.reporter.AccountFinished(progress.StageAccountFailed, id, res.LastPage, res.PhonesAdded, dur, res.Err)
			return res
		}
		res.Outcome = scraper.OutcomeSucceeded
		logger.Info("account completed", zap.Int("last_page", res.LastPage), zap.Int("phones_added", res.PhonesAdded))
		s.reporter.AccountFinished(progress.StageAccountDone, id, res.LastPage, res.PhonesAdded, dur, nil)
	case ctx.Err() != nil:
		res.Outcome, res.Err = scraper.OutcomeSkipped, err
		logger.Warn("account interrupted", zap.Int("last_page", res.LastPage))
		s.reporter.AccountFinished(progress.StageAccountSkipped, id, res.LastPage, res.PhonesAdded, dur, err)
	default:
		res.Outcome, res.Err = scraper.OutcomeFailed, err
		if markErr := s.repo.SetStatus(ctx, id, store.StatusFailed); markErr != nil {
			res.Err = errors.Join(err, fmt.Errorf("mark failed: %w", markErr))
		}
		logger.Error("account failed", zap.Int("last_page", res.LastPage), zap.Error(err))
		s.reporter.AccountFinished(progress.StageAccountFailed, id, res.LastPage, res.PhonesAdded, dur, res.Err)
	}
	return res
}

func (s *Scraper) scrape(ctx context.Context, logger *zap.Logger, id, tokenURL string, page int, res *scraper.Result) error {
	if tokenURL == "" {
		return scraper.ErrMissingToken
	}
	if err := s.repo.SetStatus(ctx, id, store.StatusInProgress); err != nil {
		return fmt.Errorf("mark in_progress: %w", err)
	}
	s.reporter.AccountStarted(id, page)
	logger.Info("scraping account", zap.Int("start_page", page))

	if err := s.retry(ctx, logger, "open account", func(ctx context.Context, _ int) error {
		if err := s.site.OpenAccount(ctx, tokenURL); err != nil {
			return err
		}
		if page > 1 {
			return s.site.GoToPage(ctx, page)
		}
		return nil
	}); err != nil {
		return err
	}

	for {
		pageStart := s.clock.Now()
		var phones []string
		if err := s.retry(ctx, logger, "read phones", func(ctx context.Context, attempt int) error {
			// A reload is the only remedy for a page that failed to render.
			if attempt > 1 {
				if err := s.site.GoToPage(ctx, page); err != nil {
					return err
				}
			}
			var err error
			phones, err = s.site.ListPhones(ctx)
			return err
		}); err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}

		added := 0
		if phones = store.NormalizePhones(phones); len(phones) > 0 {
			n, err := s.repo.AddPhones(ctx, id, phones)
			if err != nil {
				return fmt.Errorf("store phones of page %d: %w", page, err)
			}
			added = n
		}
		if err := s.repo.Checkpoint(ctx, id, store.StatusInProgress, page); err != nil {
			return fmt.Errorf("checkpoint page %d: %w", page, err)
		}
		res.PhonesAdded += added
		res.LastPage = page
		s.reporter.PageDone(id, page, added, s.clock.Now().Sub(pageStart))
		logger.Debug("page committed", zap.Int("page", page), zap.Int("found", len(phones)), zap.Int("added", added))

		var more bool
		if err := s.retry(ctx, logger, "read pager", func(ctx context.Context, _ int) error {
			var err error
			more, err = s.site.HasNextPage(ctx)
			return err
		}); err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
		if !more {
			return nil
		}
		if err := s.clock.Sleep(ctx, s.cfg.RequestDelay.Pick()); err != nil {
			return err
		}
		page++
		if err := s.retry(ctx, logger, "open page", func(ctx context.Context, _ int) error {
			return s.site.GoToPage(ctx, page)
		}); err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
	}
}

func (s *Scraper) retry(ctx context.Context, logger *zap.Logger, what string, fn func(context.Context, int) error) error {
	return scraper.Retry(ctx, s.clock, s.cfg.RetryAttempts, s.cfg.RetryDelay, func(attempt int) error {
		err := fn(ctx, attempt)
		if err != nil && ctx.Err() == nil {
			logger.Warn(what+" failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
}
