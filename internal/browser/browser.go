// Package browser drives Chrome through chromedp and exposes each tab as a
// scraper.PageDriver.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls the Chrome process and per-tab behavior.
type Config struct {
	Headless bool `mapstructure:"headless"`
	// PageTimeout bounds navigations that do not pass their own timeout.
	PageTimeout time.Duration `mapstructure:"page_timeout"`
	// MinNavInterval spaces navigations of one browser. Zero disables pacing.
	MinNavInterval time.Duration `mapstructure:"min_nav_interval"`
	UserAgent      string        `mapstructure:"user_agent"`
	// DebugDir receives failure screenshots.
	DebugDir     string `mapstructure:"debug_dir"`
	WindowWidth  int    `mapstructure:"window_width"`
	WindowHeight int    `mapstructure:"window_height"`
	// ExecPath overrides Chrome discovery.
	ExecPath string `mapstructure:"exec_path"`
}

const (
	defaultPageTimeout  = 120 * time.Second
	defaultWindowWidth  = 1920
	defaultWindowHeight = 1080
)

// Browser owns one Chrome process. Each worker gets its own Browser so
// sessions and cookies never leak between workers.
type Browser struct {
	cfg         Config
	logger      *zap.Logger
	pacer       *rate.Limiter
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New prepares a Chrome allocator. The process starts lazily with the first page.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.PageTimeout < 0 || cfg.MinNavInterval < 0 {
		return nil, fmt.Errorf("browser timeouts must be >= 0")
	}
	if cfg.PageTimeout == 0 {
		cfg.PageTimeout = defaultPageTimeout
	}
	if cfg.WindowWidth <= 0 {
		cfg.WindowWidth = defaultWindowWidth
	}
	if cfg.WindowHeight <= 0 {
		cfg.WindowHeight = defaultWindowHeight
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	return &Browser{
		cfg:         cfg,
		logger:      logger,
		pacer:       newPacer(cfg.MinNavInterval),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

func newPacer(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// NewPage opens a tab with the network domain enabled, the user agent applied
// and clipboard access granted.
func (b *Browser) NewPage(ctx context.Context) (*Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.allocator,
		chromedp.WithLogf(b.logger.Sugar().Debugf),
		chromedp.WithErrorf(b.logger.Sugar().Debugf),
	)
	p := newPage(tabCtx, tabCancel, b.cfg, b.pacer, b.logger)
	chromedp.ListenTarget(tabCtx, p.handleEvent)

	// The first Run allocates the browser and must use the tab context itself;
	// a derived deadline would tear Chrome down when it fires.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	setupCtx, cancel := p.bind(ctx, b.cfg.PageTimeout)
	defer cancel()
	if err := chromedp.Run(setupCtx, b.setupAction()); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return p, nil
}

func (b *Browser) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := page.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable page domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		perms := []browser.PermissionType{
			browser.PermissionTypeClipboardReadWrite,
			browser.PermissionTypeClipboardSanitizedWrite,
		}
		if err := browser.GrantPermissions(perms).Do(ctx); err != nil {
			return fmt.Errorf("grant clipboard permissions: %w", err)
		}
		return nil
	})
}

// Close terminates the Chrome process.
func (b *Browser) Close() {
	b.allocCancel()
}
