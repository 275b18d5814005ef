package crm

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

var pageSizeToggles = []string{
	`button[data-toggle="dropdown"]`,
	".btn-group button.dropdown-toggle",
}

// OpenAccount follows a token URL into the account's phone listing and
// selects the configured page size.
func (s *Site) OpenAccount(ctx context.Context, tokenURL string) error {
	if err := s.navigate(ctx, tokenURL); err != nil {
		return fmt.Errorf("open account: %w", err)
	}
	if err := s.setPageSize(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("page size not changed", zap.Int("size", s.cfg.PhonesPerPage), zap.Error(err))
	}
	return nil
}

// setPageSize is best effort; the listing still works with the default size.
func (s *Site) setPageSize(ctx context.Context) error {
	html, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	if active, err := pageSizeActive(html, s.cfg.PhonesPerPage); err == nil && active {
		return nil
	}
	toggle, _, err := s.firstMatch(ctx, s.page, pageSizeToggles...)
	if err != nil {
		return err
	}
	if toggle == nil {
		return fmt.Errorf("page size dropdown not found")
	}
	if err := toggle.Click(ctx); err != nil {
		return fmt.Errorf("open page size dropdown: %w", err)
	}
	option, ok, err := s.page.QueryOne(ctx, `a[href*="updatepagesize?pageSize=`+strconv.Itoa(s.cfg.PhonesPerPage)+`"]`)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("page size option %d not found", s.cfg.PhonesPerPage)
	}
	if err := option.Click(ctx); err != nil {
		return fmt.Errorf("select page size: %w", err)
	}
	return s.settle(ctx)
}

// GoToPage navigates to page of the current listing by rewriting the page
// query parameter.
func (s *Site) GoToPage(ctx context.Context, page int) error {
	if page < 1 {
		return fmt.Errorf("page must be >= 1, got %d", page)
	}
	current, err := s.page.URL(ctx)
	if err != nil {
		return err
	}
	target, err := PageURL(current, page)
	if err != nil {
		return fmt.Errorf("build page url: %w", err)
	}
	if err := s.navigate(ctx, target); err != nil {
		return fmt.Errorf("open page %d: %w", page, err)
	}
	return nil
}

// ListPhones parses the numbers on the current page.
func (s *Site) ListPhones(ctx context.Context) ([]string, error) {
	html, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	phones, ok, err := ParsePhones(html)
	if err != nil {
		return nil, fmt.Errorf("parse phones: %w", err)
	}
	if !ok {
		current, _ := s.page.URL(ctx)
		s.logger.Warn("phone table not found", zap.String("url", redact(current)))
		s.debugShot(ctx, "phones_page.png")
	}
	return phones, nil
}

// HasNextPage reports whether the pager offers a page after the current one.
func (s *Site) HasNextPage(ctx context.Context) (bool, error) {
	html, err := s.snapshot(ctx)
	if err != nil {
		return false, err
	}
	current, err := s.page.URL(ctx)
	if err != nil {
		return false, err
	}
	return hasNextPhonePage(html, CurrentPage(current))
}

// redact drops the query string, which carries the sign-in token.
func redact(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
