package store

import (
	"fmt"
	"strings"
	"time"
)

// Status is the processing state of an account.
type Status string

// Account statuses persisted in accounts.status.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// ParseStatus converts user input into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("invalid status %q", raw)
	}
	return s, nil
}

// CanTransition reports whether an account may move between two statuses.
// Completed is terminal. Failed and in_progress return to pending only
// through re-harvest or an operator reset.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusPending:
		return from == StatusPending || from == StatusInProgress || from == StatusFailed
	case StatusInProgress:
		return from == StatusPending || from == StatusInProgress
	case StatusCompleted:
		return from == StatusInProgress
	case StatusFailed:
		return from == StatusPending || from == StatusInProgress
	default:
		return false
	}
}

// Account is one CRM account targeted for phone extraction.
type Account struct {
	// ID is the CRM account identifier and the unique key.
	ID string
	// Username is the display label; it changes when the CRM renames the account.
	Username string
	// TokenURL grants direct access to the phone listing. Empty when absent.
	TokenURL string
	Status   Status
	// LastPage is the last checkpointed page; 0 means scraping never started.
	LastPage int
	// PhonesCount mirrors the number of phone rows owned by the account.
	PhonesCount int
	UpdatedAt   time.Time
}

// StartPage returns the page a scrape of this account should begin on.
func (a Account) StartPage() int {
	if a.LastPage > 0 {
		return a.LastPage + 1
	}
	return 1
}

// HasToken reports whether the account can be scraped.
func (a Account) HasToken() bool {
	return strings.TrimSpace(a.TokenURL) != ""
}

// AccountSummary is the reporting view of an account.
type AccountSummary struct {
	ID          string
	Username    string
	Status      Status
	PhonesCount int
}

// Summary converts the account into its reporting view.
func (a Account) Summary() AccountSummary {
	return AccountSummary{
		ID:          a.ID,
		Username:    a.Username,
		Status:      a.Status,
		PhonesCount: a.PhonesCount,
	}
}
