package crm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crm-phone-scraper/internal/scraper"
)

var (
	usernameSelectors = []string{
		`input[name="LoginForm[username]"]`,
		`input[name="username"]`,
		`input[type="text"]`,
		`#loginform-username`,
	}
	passwordSelectors = []string{
		`input[name="LoginForm[password]"]`,
		`input[name="password"]`,
		`input[type="password"]`,
		`#loginform-password`,
	}
	submitSelectors = []string{
		`button[type="submit"]`,
		`input[type="submit"]`,
		`.btn-primary`,
	}
	adminMarkers = `.main-header, .navbar, [class*="admin"]`
	loginErrors  = `.alert-danger, .error, [class*="error"]`
)

// IsAdminURL reports whether u is inside the admin panel rather than on a
// login or signin page.
func IsAdminURL(u string) bool {
	lower := strings.ToLower(u)
	return strings.Contains(lower, "/admin") &&
		!strings.Contains(lower, "/login") &&
		!strings.Contains(lower, "/signin")
}

// Login opens the admin panel and submits credentials unless a session is
// already active.
func (s *Site) Login(ctx context.Context) error {
	if s.cfg.Login == "" || s.cfg.Password == "" {
		return fmt.Errorf("%w: credentials are not configured", scraper.ErrLoginFailed)
	}
	if err := s.navigate(ctx, s.LoginURL()); err != nil {
		return fmt.Errorf("open login page: %w", err)
	}
	current, err := s.page.URL(ctx)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if IsAdminURL(current) {
		if form, _, err := s.firstMatch(ctx, s.page, passwordSelectors...); err == nil && form == nil {
			s.logger.Info("admin session already active")
			return nil
		}
	}

	user, sel, err := s.firstMatch(ctx, s.page, usernameSelectors...)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if user == nil {
		s.debugShot(ctx, "login_page.png")
		return fmt.Errorf("%w: username field not found", scraper.ErrLoginFailed)
	}
	s.logger.Debug("username field", zap.String("selector", sel))
	pass, _, err := s.firstMatch(ctx, s.page, passwordSelectors...)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if pass == nil {
		s.debugShot(ctx, "login_page.png")
		return fmt.Errorf("%w: password field not found", scraper.ErrLoginFailed)
	}
	if err := user.Fill(ctx, s.cfg.Login); err != nil {
		return fmt.Errorf("fill username: %w", err)
	}
	if err := pass.Fill(ctx, s.cfg.Password); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}
	submit, _, err := s.firstMatch(ctx, s.page, submitSelectors...)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if submit == nil {
		return fmt.Errorf("%w: submit button not found", scraper.ErrLoginFailed)
	}
	if err := submit.Click(ctx); err != nil {
		return fmt.Errorf("submit login: %w", err)
	}

	if _, err := s.page.WaitForURL(ctx, IsAdminURL, s.cfg.LoginWait); err == nil {
		s.logger.Info("logged in")
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("login: %w", ctx.Err())
	}
	// The redirect may not change the path; the admin chrome is proof enough.
	if _, ok, err := s.page.QueryOne(ctx, adminMarkers); err == nil && ok {
		s.logger.Info("logged in (admin markup present)")
		return nil
	}
	reason := "unknown reason"
	if el, ok, err := s.page.QueryOne(ctx, loginErrors); err == nil && ok {
		if text, err := el.Text(ctx); err == nil && strings.TrimSpace(text) != "" {
			reason = strings.TrimSpace(text)
		}
	}
	s.debugShot(ctx, "login_failed.png")
	return fmt.Errorf("%w: %s", scraper.ErrLoginFailed, reason)
}
