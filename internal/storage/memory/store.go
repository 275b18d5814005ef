// Package memory provides an in-memory store.Repository for tests and dry
// runs. It mirrors the SQLite semantics, including claim ordering.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/crm-phone-scraper/internal/store"
)

type record struct {
	seq       int
	acct      store.Account
	claimedBy string
}

// Store keeps accounts and phones in maps guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	seq     int
	records map[string]*record
	phones  map[string]map[string]struct{}
	backups []Snapshot
	now     func() time.Time
}

// Snapshot is a point-in-time copy produced by Backup.
type Snapshot struct {
	Path     string
	Accounts []store.Account
	Phones   int
}

var _ store.Repository = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		records: make(map[string]*record),
		phones:  make(map[string]map[string]struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// UpsertAccount follows the SQLite upsert: completed is preserved, anything
// else returns to pending.
func (s *Store) UpsertAccount(_ context.Context, id, username, tokenURL string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("account id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		s.seq++
		rec = &record{seq: s.seq, acct: store.Account{ID: id, Status: store.StatusPending}}
		s.records[id] = rec
	}
	rec.acct.Username = username
	rec.acct.TokenURL = strings.TrimSpace(tokenURL)
	if rec.acct.Status != store.StatusCompleted {
		rec.acct.Status = store.StatusPending
	}
	rec.acct.UpdatedAt = s.now()
	return nil
}

// SetTokenURL replaces the token URL.
func (s *Store) SetTokenURL(_ context.Context, id, tokenURL string) error {
	return s.mutate(id, func(a *store.Account) {
		a.TokenURL = strings.TrimSpace(tokenURL)
	})
}

// SetStatus updates the status.
func (s *Store) SetStatus(_ context.Context, id string, status store.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	return s.mutate(id, func(a *store.Account) {
		a.Status = status
	})
}

// Checkpoint updates status and last page together.
func (s *Store) Checkpoint(_ context.Context, id string, status store.Status, lastPage int) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	return s.mutate(id, func(a *store.Account) {
		a.Status = status
		a.LastPage = lastPage
	})
}

func (s *Store) mutate(id string, fn func(*store.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	fn(&rec.acct)
	rec.acct.UpdatedAt = s.now()
	return nil
}

// AddPhones inserts unseen numbers and recomputes the cached count.
func (s *Store) AddPhones(_ context.Context, id string, numbers []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return 0, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	set := s.phones[id]
	if set == nil {
		set = make(map[string]struct{})
		s.phones[id] = set
	}
	added := 0
	for _, n := range store.NormalizePhones(numbers) {
		if _, dup := set[n]; dup {
			continue
		}
		set[n] = struct{}{}
		added++
	}
	rec.acct.PhonesCount = len(set)
	rec.acct.UpdatedAt = s.now()
	return added, nil
}

// Phones returns the sorted numbers stored for an account.
func (s *Store) Phones(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.phones[id]))
	for n := range s.phones[id] {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s *Store) ordered() []*record {
	out := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// AccountsByStatus lists matching accounts in insertion order.
func (s *Store) AccountsByStatus(_ context.Context, status store.Status) ([]store.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Account
	for _, rec := range s.ordered() {
		if rec.acct.Status == status {
			out = append(out, rec.acct)
		}
	}
	return out, nil
}

// GetAccount loads one account.
func (s *Store) GetAccount(_ context.Context, id string) (store.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return store.Account{}, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	return rec.acct, nil
}

// Summary lists every account in insertion order.
func (s *Store) Summary(_ context.Context) ([]store.AccountSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.AccountSummary
	for _, rec := range s.ordered() {
		out = append(out, rec.acct.Summary())
	}
	return out, nil
}

// TotalPhones counts phones across accounts.
func (s *Store) TotalPhones(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalPhonesLocked(), nil
}

func (s *Store) totalPhonesLocked() int {
	total := 0
	for _, set := range s.phones {
		total += len(set)
	}
	return total
}

// CountByStatus groups accounts by status.
func (s *Store) CountByStatus(_ context.Context) (map[store.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[store.Status]int, len(store.Statuses))
	for _, st := range store.Statuses {
		counts[st] = 0
	}
	for _, rec := range s.records {
		counts[rec.acct.Status]++
	}
	return counts, nil
}

// ClaimNext hands out abandoned in_progress accounts first, then pending
// ones, under the store lock.
func (s *Store) ClaimNext(_ context.Context, owner string) (store.Account, bool, error) {
	if strings.TrimSpace(owner) == "" {
		return store.Account{}, false, fmt.Errorf("claim owner is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var pick *record
	for _, rec := range s.ordered() {
		if rec.acct.Status == store.StatusInProgress && rec.claimedBy != owner {
			pick = rec
			break
		}
		if rec.acct.Status == store.StatusPending && pick == nil {
			pick = rec
		}
	}
	if pick == nil {
		return store.Account{}, false, nil
	}
	pick.acct.Status = store.StatusInProgress
	pick.acct.UpdatedAt = s.now()
	pick.claimedBy = owner
	return pick.acct, true, nil
}

// MarkClaimed records owner as the claimant of an account, as if it had been
// claimed by that owner earlier.
func (s *Store) MarkClaimed(id, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		rec.claimedBy = owner
	}
}

// Backup records a snapshot and returns a memory:// path.
func (s *Store) Backup(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Path:   fmt.Sprintf("memory://backup-%d", len(s.backups)+1),
		Phones: s.totalPhonesLocked(),
	}
	for _, rec := range s.ordered() {
		snap.Accounts = append(snap.Accounts, rec.acct)
	}
	s.backups = append(s.backups, snap)
	return snap.Path, nil
}

// Backups returns the snapshots taken so far.
func (s *Store) Backups() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Snapshot(nil), s.backups...)
}

// Clear runs a maintenance operation.
func (s *Store) Clear(_ context.Context, kind store.ClearKind) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	switch kind {
	case store.ClearTokens:
		for _, rec := range s.records {
			rec.acct.TokenURL = ""
			rec.acct.Status = store.StatusPending
			n++
		}
	case store.ClearAccounts:
		n = int64(len(s.records))
		s.records = make(map[string]*record)
	case store.ClearPhones:
		s.phones = make(map[string]map[string]struct{})
		for _, rec := range s.records {
			rec.acct.PhonesCount = 0
			n++
		}
	case store.ClearAll:
		n = int64(len(s.records))
		s.records = make(map[string]*record)
		s.phones = make(map[string]map[string]struct{})
	case store.ClearResetFailed:
		n = s.resetLocked(store.StatusFailed)
	case store.ClearResetProgress:
		n = s.resetLocked(store.StatusInProgress)
	default:
		return 0, fmt.Errorf("unsupported clear kind %q", kind)
	}
	return n, nil
}

func (s *Store) resetLocked(from store.Status) int64 {
	var n int64
	for _, rec := range s.records {
		if rec.acct.Status == from {
			rec.acct.Status = store.StatusPending
			rec.claimedBy = ""
			n++
		}
	}
	return n
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
