package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crm-phone-scraper/internal/browser"
	"github.com/JakeFAU/crm-phone-scraper/internal/crm"
	"github.com/JakeFAU/crm-phone-scraper/internal/dispatcher"
	"github.com/JakeFAU/crm-phone-scraper/internal/harvest"
	"github.com/JakeFAU/crm-phone-scraper/internal/pipeline"
	"github.com/JakeFAU/crm-phone-scraper/internal/scraper"
	"github.com/JakeFAU/crm-phone-scraper/internal/worker"
)

// Site is everything the orchestrators need from one logged-in CRM tab.
type Site interface {
	scraper.Authenticator
	scraper.AccountSource
	scraper.PhoneSource
}

// Session is a CRM site bound to its own Chrome process.
type Session struct {
	*crm.Site
	browser *browser.Browser
	page    *browser.Page
}

var _ Site = (*Session)(nil)

// Close closes the tab and terminates Chrome.
func (s *Session) Close() error {
	err := s.page.Close()
	s.browser.Close()
	return err
}

// OpenSession starts Chrome and opens one tab on the CRM. The caller logs in.
func (a *App) OpenSession(ctx context.Context, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = a.logger
	}
	b, err := browser.New(a.cfg.Browser, logger)
	if err != nil {
		return nil, fmt.Errorf("browser: %w", err)
	}
	page, err := b.NewPage(ctx)
	if err != nil {
		b.Close()
		return nil, err
	}
	site, err := crm.New(page, a.clock, a.cfg.Site(), logger)
	if err != nil {
		_ = page.Close()
		b.Close()
		return nil, err
	}
	return &Session{Site: site, browser: b, page: page}, nil
}

// BrowserSessions returns a factory that gives every parallel worker its own
// logged-in browser.
func (a *App) BrowserSessions() dispatcher.SessionFactory {
	return func(ctx context.Context, n int) (dispatcher.Session, error) {
		logger := a.logger.With(zap.Int("worker", n))
		s, err := a.OpenSession(ctx, logger)
		if err != nil {
			return nil, err
		}
		if err := s.Login(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	}
}

func (a *App) scrapeConfig() worker.ScrapeConfig {
	return worker.ScrapeConfig{
		RetryAttempts: a.cfg.Scrape.RetryAttempts,
		RetryDelay:    a.cfg.Scrape.RetryDelay,
		RequestDelay:  a.cfg.Scrape.RequestDelay,
	}
}

// Pipeline wires the sequential orchestrator over site.
func (a *App) Pipeline(site Site) (*pipeline.Pipeline, error) {
	sc := a.cfg.Scrape
	h := harvest.New(site, a.repo, a.clock, harvest.Config{
		RetryAttempts: sc.RetryAttempts,
		RetryDelay:    sc.RetryDelay,
		RequestDelay:  sc.RequestDelay,
		MaxPages:      sc.MaxListingPages,
	}, a.logger, a.reporter)
	s := worker.NewScraper(site, a.repo, a.clock, a.scrapeConfig(), a.logger, a.reporter)
	return pipeline.New(pipeline.Deps{
		Auth:       site,
		Harvester:  h,
		Scraper:    s,
		Repo:       a.repo,
		Clock:      a.clock,
		Checkpoint: a.checkpoint,
		Stop:       a.stop,
		Logger:     a.logger,
	}, pipeline.Config{
		PhasePause:   sc.PhasePause,
		AccountDelay: sc.AccountDelay,
	})
}

// Dispatcher wires the parallel orchestrator. A workers value below one
// falls back to workers.max.
func (a *App) Dispatcher(workers int, sessions dispatcher.SessionFactory) (*dispatcher.Dispatcher, error) {
	if workers < 1 {
		workers = a.cfg.Workers.Max
	}
	return dispatcher.New(a.repo, sessions, a.clock, a.checkpoint, a.stop, dispatcher.Config{
		Workers:      workers,
		Owner:        a.runID,
		StartDelay:   a.cfg.Workers.StartDelay,
		AccountDelay: a.cfg.Scrape.AccountDelay,
		ClaimRetries: a.cfg.Workers.ClaimRetries,
		Scrape:       a.scrapeConfig(),
	}, a.logger, a.reporter)
}
