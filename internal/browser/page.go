package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crm-phone-scraper/internal/metrics"
	"github.com/JakeFAU/crm-phone-scraper/internal/scraper"
)

const urlPollInterval = 250 * time.Millisecond

// Page is one Chrome tab. Calls are serialized by the caller.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	pacer  *rate.Limiter
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[int]func(string)
	nextID   int
	// accept answers an open dialog; replaced in tests.
	accept func()
}

var _ scraper.PageDriver = (*Page)(nil)

func newPage(ctx context.Context, cancel context.CancelFunc, cfg Config, pacer *rate.Limiter, logger *zap.Logger) *Page {
	p := &Page{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		pacer:    pacer,
		logger:   logger,
		handlers: make(map[int]func(string)),
	}
	p.accept = func() {
		go func() {
			if err := chromedp.Run(p.ctx, page.HandleJavaScriptDialog(true)); err != nil {
				p.logger.Debug("accept dialog", zap.Error(err))
			}
		}()
	}
	return p
}

// bind derives a context from the tab that is also canceled with ctx and
// bounded by timeout.
func (p *Page) bind(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(p.ctx)
	if timeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, timeout)
		prev := cancel
		cancel = func() { tcancel(); prev() }
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := p.bind(ctx, p.cfg.PageTimeout)
	defer cancel()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// Navigate waits for the pacer, loads url and waits for the body.
func (p *Page) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.cfg.PageTimeout
	}
	start := time.Now()
	if err := p.pacer.Wait(ctx); err != nil {
		return fmt.Errorf("navigation pacer: %w", err)
	}
	waited := time.Since(start)

	runCtx, cancel := p.bind(ctx, timeout)
	defer cancel()
	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	metrics.ObserveNavigation(url, waited, err)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// URL returns the current location.
func (p *Page) URL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	return loc, nil
}

// HTML returns the serialized document.
func (p *Page) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("outer html: %w", err)
	}
	return html, nil
}

// QueryOne returns the first match without waiting.
func (p *Page) QueryOne(ctx context.Context, selector string) (scraper.Element, bool, error) {
	return first(p.QueryAll(ctx, selector))
}

// QueryAll returns every match without waiting.
func (p *Page) QueryAll(ctx context.Context, selector string) ([]scraper.Element, error) {
	return p.query(ctx, selector)
}

func (p *Page) query(ctx context.Context, selector string, opts ...chromedp.QueryOption) ([]scraper.Element, error) {
	var nodes []*cdp.Node
	opts = append([]chromedp.QueryOption{chromedp.ByQueryAll, chromedp.AtLeast(0)}, opts...)
	if err := p.run(ctx, chromedp.Nodes(selector, &nodes, opts...)); err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	out := make([]scraper.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &element{page: p, node: n})
	}
	return out, nil
}

func first(els []scraper.Element, err error) (scraper.Element, bool, error) {
	if err != nil {
		return nil, false, err
	}
	if len(els) == 0 {
		return nil, false, nil
	}
	return els[0], true, nil
}

// WaitForURL polls the location until match accepts it.
func (p *Page) WaitForURL(ctx context.Context, match func(string) bool, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(urlPollInterval)
	defer ticker.Stop()
	var last string
	for {
		loc, err := p.URL(ctx)
		if err == nil {
			last = loc
			if match(loc) {
				return loc, nil
			}
		}
		if !time.Now().Before(deadline) {
			return last, fmt.Errorf("wait for url: timed out after %s at %q", timeout, last)
		}
		select {
		case <-ctx.Done():
			return last, fmt.Errorf("wait for url: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// OnDialog registers handler for JavaScript dialogs.
func (p *Page) OnDialog(handler func(string)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.handlers[id] = handler
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.handlers, id)
	}
}

func (p *Page) handleEvent(ev any) {
	dialog, ok := ev.(*page.EventJavascriptDialogOpening)
	if !ok {
		return
	}
	p.mu.Lock()
	handlers := make([]func(string), 0, len(p.handlers))
	for _, h := range p.handlers {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()
	for _, h := range handlers {
		h(dialog.Message)
	}
	p.accept()
}

// ReadClipboard returns navigator.clipboard text.
func (p *Page) ReadClipboard(ctx context.Context) (string, error) {
	var text string
	err := p.run(ctx, chromedp.Evaluate(`navigator.clipboard.readText()`, &text,
		func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
			return ep.WithAwaitPromise(true).WithUserGesture(true)
		}))
	if err != nil {
		return "", fmt.Errorf("read clipboard: %w", err)
	}
	return text, nil
}

// Screenshot writes a full-page PNG to path.
func (p *Page) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := p.run(ctx, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return fmt.Errorf("screenshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("screenshot dir: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	return nil
}

// Close closes the tab.
func (p *Page) Close() error {
	p.cancel()
	return nil
}

type element struct {
	page *Page
	node *cdp.Node
}

func (e *element) ids() []cdp.NodeID {
	return []cdp.NodeID{e.node.NodeID}
}

func (e *element) Click(ctx context.Context) error {
	if err := e.page.run(ctx, chromedp.Click(e.ids(), chromedp.ByNodeID)); err != nil {
		return fmt.Errorf("click: %w", err)
	}
	return nil
}

func (e *element) Fill(ctx context.Context, value string) error {
	err := e.page.run(ctx,
		chromedp.Clear(e.ids(), chromedp.ByNodeID),
		chromedp.SendKeys(e.ids(), value, chromedp.ByNodeID),
	)
	if err != nil {
		return fmt.Errorf("fill: %w", err)
	}
	return nil
}

func (e *element) Text(ctx context.Context) (string, error) {
	var text string
	if err := e.page.run(ctx, chromedp.TextContent(e.ids(), &text, chromedp.ByNodeID)); err != nil {
		return "", fmt.Errorf("text: %w", err)
	}
	return text, nil
}

func (e *element) Attr(ctx context.Context, name string) (string, error) {
	var (
		value string
		ok    bool
	)
	if err := e.page.run(ctx, chromedp.AttributeValue(e.ids(), name, &value, &ok, chromedp.ByNodeID)); err != nil {
		return "", fmt.Errorf("attr %s: %w", name, err)
	}
	return value, nil
}

func (e *element) QueryOne(ctx context.Context, selector string) (scraper.Element, bool, error) {
	return first(e.QueryAll(ctx, selector))
}

func (e *element) QueryAll(ctx context.Context, selector string) ([]scraper.Element, error) {
	return e.page.query(ctx, selector, chromedp.FromNode(e.node))
}
