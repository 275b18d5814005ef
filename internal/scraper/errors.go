package scraper

import "errors"

var (
	// ErrMissingToken marks an account that cannot be scraped until it is
	// harvested again.
	ErrMissingToken = errors.New("account has no token url")
	// ErrLoginFailed is returned when the admin session cannot be established.
	ErrLoginFailed = errors.New("login failed")
	// ErrTokenNotFound is returned when token generation produced no URL.
	ErrTokenNotFound = errors.New("token url not found")
	// ErrNoListing is returned when a page shows no recognizable table.
	ErrNoListing = errors.New("listing table not found")
)
