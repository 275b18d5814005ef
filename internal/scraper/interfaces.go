package scraper

import (
	"context"
	"io"
	"time"
)

// PageDriver is one browser tab. Calls are serial; implementations are not
// required to be safe for concurrent use.
type PageDriver interface {
	// Navigate loads url and waits for the document body, bounded by timeout.
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	// URL returns the current location.
	URL(ctx context.Context) (string, error)
	// HTML returns the serialized DOM of the current document.
	HTML(ctx context.Context) (string, error)
	// QueryOne returns the first element matching selector; ok is false when
	// nothing matches. It never waits for the element to appear.
	QueryOne(ctx context.Context, selector string) (el Element, ok bool, err error)
	// QueryAll returns every element matching selector, possibly none.
	QueryAll(ctx context.Context, selector string) ([]Element, error)
	// WaitForURL polls the location until match accepts it or timeout expires.
	WaitForURL(ctx context.Context, match func(string) bool, timeout time.Duration) (string, error)
	// OnDialog registers a handler for JavaScript dialogs. Dialogs are
	// accepted after the handler runs. The returned func unregisters it.
	OnDialog(handler func(message string)) (remove func())
	ReadClipboard(ctx context.Context) (string, error)
	Screenshot(ctx context.Context, path string) error
	Close() error
}

// Element is a handle to a DOM node owned by a PageDriver.
type Element interface {
	Click(ctx context.Context) error
	// Fill replaces the value of an input.
	Fill(ctx context.Context, value string) error
	// Text returns the rendered text content.
	Text(ctx context.Context) (string, error)
	// Attr returns the attribute value, or "" when absent.
	Attr(ctx context.Context, name string) (string, error)
	QueryOne(ctx context.Context, selector string) (el Element, ok bool, err error)
	QueryAll(ctx context.Context, selector string) ([]Element, error)
}

// Listing is an account row discovered on the CRM accounts page.
type Listing struct {
	AccountID string
	Username  string
}

// Authenticator establishes an admin session.
type Authenticator interface {
	Login(ctx context.Context) error
}

// AccountSource walks the paginated accounts listing.
type AccountSource interface {
	// OpenListing loads the first listing page.
	OpenListing(ctx context.Context) error
	// ListAccounts parses the accounts on the current listing page.
	ListAccounts(ctx context.Context) ([]Listing, error)
	// AcquireToken triggers token generation for the account and returns the
	// token URL. It mutates CRM state.
	AcquireToken(ctx context.Context, accountID string) (string, error)
	// NextListingPage advances the listing. It returns false on the last page.
	NextListingPage(ctx context.Context) (bool, error)
}

// PhoneSource reads one account's paginated phone listing.
type PhoneSource interface {
	// OpenAccount follows the token URL and prepares the listing.
	OpenAccount(ctx context.Context, tokenURL string) error
	GoToPage(ctx context.Context, page int) error
	// ListPhones returns the deduplicated numbers on the current page.
	ListPhones(ctx context.Context) ([]string, error)
	HasNextPage(ctx context.Context) (bool, error)
}

// Clock returns the current time and sleeps cooperatively.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Publisher pushes account lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore stores an artifact and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
