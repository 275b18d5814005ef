package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound signals that the requested account does not exist.
	ErrNotFound = errors.New("account not found")
	// ErrStoreBusy signals that the store could not grant a write lock within
	// its bounded wait. Callers treat it as transient.
	ErrStoreBusy = errors.New("store busy")
	// ErrBackupUnsupported is returned by stores that cannot produce a
	// point-in-time file copy.
	ErrBackupUnsupported = errors.New("backup not supported by store")
)

// ClearKind selects a bulk maintenance operation.
type ClearKind string

// Supported bulk maintenance operations.
const (
	ClearTokens        ClearKind = "tokens"
	ClearAccounts      ClearKind = "accounts"
	ClearPhones        ClearKind = "phones"
	ClearAll           ClearKind = "all"
	ClearResetFailed   ClearKind = "reset-failed"
	ClearResetProgress ClearKind = "reset-progress"
)

// ClearKinds lists every supported maintenance operation.
var ClearKinds = []ClearKind{
	ClearTokens, ClearAccounts, ClearPhones, ClearAll, ClearResetFailed, ClearResetProgress,
}

// ParseClearKind validates a maintenance operation name.
func ParseClearKind(raw string) (ClearKind, error) {
	k := ClearKind(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range ClearKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("invalid clear kind %q", raw)
}

// Destructive reports whether the operation deletes or discards data.
func (k ClearKind) Destructive() bool {
	switch k {
	case ClearTokens, ClearAccounts, ClearPhones, ClearAll:
		return true
	default:
		return false
	}
}

// Repository is the durable source of truth for accounts, phones, and their
// processing status. Every method is safe for concurrent use.
type Repository interface {
	// UpsertAccount inserts the account as pending or updates username and
	// token. An existing completed account keeps its status; any other status
	// is reset to pending.
	UpsertAccount(ctx context.Context, id, username, tokenURL string) error
	// SetTokenURL replaces the token URL. Returns ErrNotFound for unknown ids.
	SetTokenURL(ctx context.Context, id, tokenURL string) error
	// SetStatus updates the status. Returns ErrNotFound for unknown ids.
	SetStatus(ctx context.Context, id string, status Status) error
	// Checkpoint updates the status and persists lastPage in one write.
	// Returns ErrNotFound for unknown ids.
	Checkpoint(ctx context.Context, id string, status Status, lastPage int) error
	// AddPhones inserts numbers for the account, ignoring duplicates, and
	// recomputes phones_count in the same transaction. It returns how many
	// rows were newly inserted.
	AddPhones(ctx context.Context, id string, numbers []string) (int, error)

	// AccountsByStatus returns accounts in insertion order.
	AccountsByStatus(ctx context.Context, status Status) ([]Account, error)
	// GetAccount returns ErrNotFound for unknown ids.
	GetAccount(ctx context.Context, id string) (Account, error)
	// Summary returns every account in insertion order.
	Summary(ctx context.Context) ([]AccountSummary, error)
	// TotalPhones counts phone rows across all accounts.
	TotalPhones(ctx context.Context) (int, error)
	// CountByStatus returns the number of accounts per status. Statuses with
	// no accounts are present with a zero count.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// ClaimNext atomically hands out the next account to process and marks
	// it in_progress for owner. Abandoned in_progress rows (claimed by a
	// different owner, or never claimed) come before pending rows; ties break
	// by insertion order. ok is false when nothing is left. Returns
	// ErrStoreBusy when the write lock is not granted in time.
	ClaimNext(ctx context.Context, owner string) (acct Account, ok bool, err error)

	// Backup writes a point-in-time copy of the store and returns its path.
	Backup(ctx context.Context) (string, error)
	// Clear runs one bulk maintenance operation and returns the number of
	// account rows it affected.
	Clear(ctx context.Context, kind ClearKind) (int64, error)

	Close() error
}

// PendingCount returns the number of accounts still to be scraped.
func PendingCount(counts map[Status]int) int {
	return counts[StatusPending] + counts[StatusInProgress]
}

// NormalizePhones trims and deduplicates numbers, dropping blanks, while
// keeping first-seen order.
func NormalizePhones(numbers []string) []string {
	seen := make(map[string]struct{}, len(numbers))
	out := make([]string, 0, len(numbers))
	for _, n := range numbers {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
