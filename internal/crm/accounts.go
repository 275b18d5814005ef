package crm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crm-phone-scraper/internal/scraper"
)

var (
	tokenButtonSelectors = []string{
		`a[onclick*="create-token"]`,
		`[data-url*="create-token"]`,
		`a[title*="ссылк"]`,
		"a",
	}
	listingNextSelectors = []string{
		`button[aria-label*="next"]:not(:disabled)`,
		"li.next:not(.disabled) a",
		`a[rel="next"]:not(.disabled)`,
	}
	listingPagination = ".v-datatable__actions__pagination, .pagination, .summary"
)

// pagerPolls bounds how long NextListingPage waits for the pager to change.
const pagerPolls = 10

// OpenListing loads the first page of the accounts listing.
func (s *Site) OpenListing(ctx context.Context) error {
	if err := s.navigate(ctx, s.AccountsURL()); err != nil {
		return fmt.Errorf("open accounts listing: %w", err)
	}
	return nil
}

// ListAccounts parses the current listing page. An empty page is saved to
// DebugDir for inspection.
func (s *Site) ListAccounts(ctx context.Context) ([]scraper.Listing, error) {
	html, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	accounts, err := ParseAccounts(html)
	if err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}
	if len(accounts) == 0 {
		s.debugShot(ctx, "accounts_page.png")
	}
	return accounts, nil
}

// AcquireToken clicks the account's token control and captures the sign-in
// URL from a dialog, the clipboard or a notification, in that order.
func (s *Site) AcquireToken(ctx context.Context, accountID string) (string, error) {
	html, err := s.snapshot(ctx)
	if err != nil {
		return "", err
	}
	idx, err := rowIndex(html, accountID)
	if err != nil {
		return "", fmt.Errorf("locate account row: %w", err)
	}
	if idx < 0 {
		return "", fmt.Errorf("%w: row for #%s not on page", scraper.ErrTokenNotFound, accountID)
	}
	trs, err := s.page.QueryAll(ctx, "tr")
	if err != nil {
		return "", fmt.Errorf("locate account row: %w", err)
	}
	if idx >= len(trs) {
		return "", fmt.Errorf("%w: row for #%s vanished", scraper.ErrTokenNotFound, accountID)
	}
	button, sel, err := s.firstMatch(ctx, trs[idx], tokenButtonSelectors...)
	if err != nil {
		return "", fmt.Errorf("locate token button: %w", err)
	}
	if button == nil {
		return "", fmt.Errorf("%w: no token control for #%s", scraper.ErrTokenNotFound, accountID)
	}

	var (
		mu      sync.Mutex
		fromBox string
	)
	remove := s.page.OnDialog(func(message string) {
		if token := ExtractTokenURL(message); token != "" {
			mu.Lock()
			fromBox = token
			mu.Unlock()
		}
	})
	defer remove()

	clickCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = button.Click(clickCtx)
	cancel()
	if err != nil {
		return "", fmt.Errorf("click token control %q: %w", sel, err)
	}
	if err := s.clock.Sleep(ctx, s.cfg.DialogWait); err != nil {
		return "", err
	}

	mu.Lock()
	token := fromBox
	mu.Unlock()
	if token != "" {
		return token, nil
	}
	if clip, err := s.page.ReadClipboard(ctx); err == nil {
		if token := ExtractTokenURL(clip); token != "" {
			return token, nil
		}
		if clip = strings.TrimSpace(clip); strings.Contains(clip, tokenMarker) {
			return strings.Fields(clip)[0], nil
		}
	} else {
		s.logger.Debug("clipboard unavailable", zap.Error(err))
	}
	html, err = s.snapshot(ctx)
	if err != nil {
		return "", err
	}
	token, err = tokenInPage(html)
	if err != nil {
		return "", fmt.Errorf("scan notifications: %w", err)
	}
	if token != "" {
		return token, nil
	}
	s.debugShot(ctx, "token_"+accountID+".png")
	return "", fmt.Errorf("%w: account #%s", scraper.ErrTokenNotFound, accountID)
}

// NextListingPage clicks the listing's next control and waits for the pager
// text to change.
func (s *Site) NextListingPage(ctx context.Context) (bool, error) {
	next, _, err := s.firstMatch(ctx, s.page, listingNextSelectors...)
	if err != nil {
		return false, fmt.Errorf("find next page control: %w", err)
	}
	if next == nil {
		return false, nil
	}
	before := s.pagerText(ctx)
	if err := next.Click(ctx); err != nil {
		return false, fmt.Errorf("click next page: %w", err)
	}
	for range pagerPolls {
		if err := s.clock.Sleep(ctx, time.Second); err != nil {
			return false, err
		}
		if after := s.pagerText(ctx); after != before {
			break
		}
	}
	if err := s.settle(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Site) pagerText(ctx context.Context) string {
	el, ok, err := s.page.QueryOne(ctx, listingPagination)
	if err != nil || !ok {
		return ""
	}
	text, err := el.Text(ctx)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}
