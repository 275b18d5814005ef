package crm

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/crm-phone-scraper/internal/scraper"
)

type instantClock struct{ slept time.Duration }

func (c *instantClock) Now() time.Time { return time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC) }

func (c *instantClock) Sleep(ctx context.Context, d time.Duration) error {
	c.slept += d
	return ctx.Err()
}

type fakeElement struct {
	text     string
	attrs    map[string]string
	children map[string][]*fakeElement
	onClick  func()
	clicks   int
	filled   string
}

func (e *fakeElement) Click(context.Context) error {
	e.clicks++
	if e.onClick != nil {
		e.onClick()
	}
	return nil
}

func (e *fakeElement) Fill(_ context.Context, v string) error {
	e.filled = v
	return nil
}

func (e *fakeElement) Text(context.Context) (string, error) { return e.text, nil }

func (e *fakeElement) Attr(_ context.Context, name string) (string, error) {
	return e.attrs[name], nil
}

func (e *fakeElement) QueryOne(_ context.Context, sel string) (scraper.Element, bool, error) {
	if els := e.children[sel]; len(els) > 0 {
		return els[0], true, nil
	}
	return nil, false, nil
}

func (e *fakeElement) QueryAll(_ context.Context, sel string) ([]scraper.Element, error) {
	return asElements(e.children[sel]), nil
}

func asElements(in []*fakeElement) []scraper.Element {
	out := make([]scraper.Element, len(in))
	for i, e := range in {
		out[i] = e
	}
	return out
}

type fakePage struct {
	mu         sync.Mutex
	url        string
	html       string
	elements   map[string][]*fakeElement
	navigated  []string
	onNavigate func(string)

	dialogs   map[int]func(string)
	dialogSeq int

	clipboard    string
	clipboardErr error
	shots        []string
}

func newFakePage() *fakePage {
	return &fakePage{elements: map[string][]*fakeElement{}, dialogs: map[int]func(string){}}
}

func (p *fakePage) Navigate(_ context.Context, u string, _ time.Duration) error {
	p.url = u
	p.navigated = append(p.navigated, u)
	if p.onNavigate != nil {
		p.onNavigate(u)
	}
	return nil
}

func (p *fakePage) URL(context.Context) (string, error)  { return p.url, nil }
func (p *fakePage) HTML(context.Context) (string, error) { return p.html, nil }

func (p *fakePage) QueryOne(_ context.Context, sel string) (scraper.Element, bool, error) {
	if els := p.elements[sel]; len(els) > 0 {
		return els[0], true, nil
	}
	return nil, false, nil
}

func (p *fakePage) QueryAll(_ context.Context, sel string) ([]scraper.Element, error) {
	return asElements(p.elements[sel]), nil
}

func (p *fakePage) WaitForURL(_ context.Context, match func(string) bool, _ time.Duration) (string, error) {
	if match(p.url) {
		return p.url, nil
	}
	return p.url, context.DeadlineExceeded
}

func (p *fakePage) OnDialog(h func(string)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialogSeq++
	id := p.dialogSeq
	p.dialogs[id] = h
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.dialogs, id)
	}
}

func (p *fakePage) fireDialog(msg string) {
	p.mu.Lock()
	handlers := make([]func(string), 0, len(p.dialogs))
	for _, h := range p.dialogs {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (p *fakePage) ReadClipboard(context.Context) (string, error) {
	return p.clipboard, p.clipboardErr
}

func (p *fakePage) Screenshot(_ context.Context, path string) error {
	p.shots = append(p.shots, path)
	return nil
}

func (p *fakePage) Close() error { return nil }
