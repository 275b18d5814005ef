package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/crm-phone-scraper/internal/progress"
	"github.com/JakeFAU/crm-phone-scraper/internal/store"
)

type fakeClock struct {
	mu    sync.Mutex
	slept time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC) }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.slept += d
	c.mu.Unlock()
	return ctx.Err()
}

// fakeSite serves phone pages keyed by token URL.
type fakeSite struct {
	accounts map[string][][]string

	pages []([]string)
	page  int

	// listFailures makes ListPhones fail on the given page that many times.
	listFailures map[int]int
	// hasNextHook runs before HasNextPage answers.
	hasNextHook func(page int) error

	opened   []string
	visited  []int
	listings int
}

func (s *fakeSite) OpenAccount(_ context.Context, tokenURL string) error {
	pages, ok := s.accounts[tokenURL]
	if !ok {
		return errors.New("token expired")
	}
	s.opened = append(s.opened, tokenURL)
	s.pages = pages
	s.page = 1
	return nil
}

func (s *fakeSite) GoToPage(_ context.Context, page int) error {
	if page < 1 || page > len(s.pages) {
		return fmt.Errorf("page %d out of range", page)
	}
	s.page = page
	s.visited = append(s.visited, page)
	return nil
}

func (s *fakeSite) ListPhones(context.Context) ([]string, error) {
	s.listings++
	if s.listFailures[s.page] > 0 {
		s.listFailures[s.page]--
		return nil, errors.New("table not rendered")
	}
	return append([]string(nil), s.pages[s.page-1]...), nil
}

func (s *fakeSite) HasNextPage(ctx context.Context) (bool, error) {
	if s.hasNextHook != nil {
		if err := s.hasNextHook(s.page); err != nil {
			return false, err
		}
	}
	return s.page < len(s.pages), nil
}

// busyRepo fails ClaimNext with ErrStoreBusy a fixed number of times.
type busyRepo struct {
	store.Repository
	mu    sync.Mutex
	busy  int
	calls int
}

func (r *busyRepo) ClaimNext(ctx context.Context, owner string) (store.Account, bool, error) {
	r.mu.Lock()
	r.calls++
	if r.busy != 0 {
		if r.busy > 0 {
			r.busy--
		}
		r.mu.Unlock()
		return store.Account{}, false, store.ErrStoreBusy
	}
	r.mu.Unlock()
	return r.Repository.ClaimNext(ctx, owner)
}

var progressDiscard progress.Reporter
