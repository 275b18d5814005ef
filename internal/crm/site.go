// Package crm knows the markup of the CRM admin panel. Site drives a
// scraper.PageDriver through login, the accounts listing, token generation
// and an account's phone listing. HTML is parsed with goquery from DOM
// snapshots; the driver is only used to navigate and click.
package crm

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crm-phone-scraper/internal/scraper"
)

// Config describes the CRM instance and its timing.
type Config struct {
	BaseURL      string `mapstructure:"base_url"`
	LoginPath    string `mapstructure:"login_path"`
	AccountsPath string `mapstructure:"accounts_path"`
	Login        string `mapstructure:"login"`
	Password     string `mapstructure:"password"`
	// PhonesPerPage is selected in the page-size dropdown before scraping.
	PhonesPerPage int `mapstructure:"phones_per_page"`
	// PageTimeout bounds each navigation.
	PageTimeout time.Duration `mapstructure:"page_timeout"`
	// Settle is the pause after navigations for the page's scripts to render.
	Settle time.Duration `mapstructure:"settle"`
	// DialogWait is how long to wait for a token after clicking its control.
	DialogWait time.Duration `mapstructure:"dialog_wait"`
	// LoginWait bounds the redirect after submitting credentials.
	LoginWait time.Duration `mapstructure:"login_wait"`
	// DebugDir receives failure screenshots; empty disables them.
	DebugDir string `mapstructure:"debug_dir"`
}

// Site implements scraper.Authenticator, scraper.AccountSource and
// scraper.PhoneSource for one browser tab.
type Site struct {
	page   scraper.PageDriver
	clock  scraper.Clock
	cfg    Config
	logger *zap.Logger
}

var (
	_ scraper.Authenticator = (*Site)(nil)
	_ scraper.AccountSource = (*Site)(nil)
	_ scraper.PhoneSource   = (*Site)(nil)
)

// New validates cfg and binds it to page.
func New(page scraper.PageDriver, clock scraper.Clock, cfg Config, logger *zap.Logger) (*Site, error) {
	if page == nil {
		return nil, fmt.Errorf("page driver is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("crm.base_url: %w", err)
	}
	if cfg.PhonesPerPage <= 0 {
		cfg.PhonesPerPage = 50
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 120 * time.Second
	}
	if cfg.DialogWait <= 0 {
		cfg.DialogWait = 2 * time.Second
	}
	if cfg.LoginWait <= 0 {
		cfg.LoginWait = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Site{page: page, clock: clock, cfg: cfg, logger: logger}, nil
}

func (s *Site) absolute(path string) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// LoginURL is the admin entry point.
func (s *Site) LoginURL() string { return s.absolute(s.cfg.LoginPath) }

// AccountsURL is the first page of the accounts listing.
func (s *Site) AccountsURL() string { return s.absolute(s.cfg.AccountsPath) }

func (s *Site) navigate(ctx context.Context, target string) error {
	if err := s.page.Navigate(ctx, target, s.cfg.PageTimeout); err != nil {
		return err
	}
	return s.settle(ctx)
}

func (s *Site) settle(ctx context.Context) error {
	if s.cfg.Settle <= 0 {
		return nil
	}
	return s.clock.Sleep(ctx, s.cfg.Settle)
}

// firstMatch tries selectors in order and returns the first element found.
func (s *Site) firstMatch(ctx context.Context, q querier, selectors ...string) (scraper.Element, string, error) {
	for _, sel := range selectors {
		el, ok, err := q.QueryOne(ctx, sel)
		if err != nil {
			return nil, "", err
		}
		if ok {
			return el, sel, nil
		}
	}
	return nil, "", nil
}

type querier interface {
	QueryOne(ctx context.Context, selector string) (scraper.Element, bool, error)
}

// debugShot saves a screenshot named name under DebugDir. Failures are logged.
func (s *Site) debugShot(ctx context.Context, name string) {
	if s.cfg.DebugDir == "" {
		return
	}
	path := filepath.Join(s.cfg.DebugDir, name)
	if err := s.page.Screenshot(ctx, path); err != nil {
		s.logger.Debug("debug screenshot failed", zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Info("debug screenshot saved", zap.String("path", path))
}

func (s *Site) snapshot(ctx context.Context) (string, error) {
	html, err := s.page.HTML(ctx)
	if err != nil {
		return "", fmt.Errorf("read page html: %w", err)
	}
	return html, nil
}
