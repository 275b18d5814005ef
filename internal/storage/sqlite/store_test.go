package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crm-phone-scraper/internal/store"
)

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), Config{
		Path:      filepath.Join(dir, "phones.db"),
		BackupDir: filepath.Join(dir, "backups"),
		Now:       func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}

func TestUpsertAccountPreservesCompleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertAccount(ctx, "42", "ivanov", "https://crm.example/signin?token=abc"))
	require.NoError(t, s.SetStatus(ctx, "42", store.StatusCompleted))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.UpsertAccount(ctx, "42", fmt.Sprintf("ivanov-%d", i), "https://crm.example/signin?token=def"))
	}

	acct, err := s.GetAccount(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, acct.Status)
	require.Equal(t, "ivanov-2", acct.Username)
	require.Equal(t, "https://crm.example/signin?token=def", acct.TokenURL)
	require.Equal(t, fixedNow, acct.UpdatedAt)
}

func TestUpsertAccountResetsOtherStatuses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	for _, status := range []store.Status{store.StatusFailed, store.StatusInProgress, store.StatusPending} {
		id := "acct-" + string(status)
		require.NoError(t, s.UpsertAccount(ctx, id, "user", "https://t"))
		require.NoError(t, s.SetStatus(ctx, id, status))
		require.NoError(t, s.UpsertAccount(ctx, id, "user", "https://t"))

		acct, err := s.GetAccount(ctx, id)
		require.NoError(t, err)
		require.Equal(t, store.StatusPending, acct.Status, "from %s", status)
	}
}

func TestUpdatesReturnNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.ErrorIs(t, s.SetStatus(ctx, "missing", store.StatusFailed), store.ErrNotFound)
	require.ErrorIs(t, s.SetTokenURL(ctx, "missing", "https://t"), store.ErrNotFound)
	require.ErrorIs(t, s.Checkpoint(ctx, "missing", store.StatusInProgress, 2), store.ErrNotFound)
	_, err := s.GetAccount(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.AddPhones(ctx, "missing", []string{"79990000001"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetTokenURLAndCheckpoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertAccount(ctx, "7", "petrov", ""))
	acct, err := s.GetAccount(ctx, "7")
	require.NoError(t, err)
	require.False(t, acct.HasToken())

	require.NoError(t, s.SetTokenURL(ctx, "7", "https://crm.example/signin?token=xyz"))
	require.NoError(t, s.Checkpoint(ctx, "7", store.StatusInProgress, 4))

	acct, err = s.GetAccount(ctx, "7")
	require.NoError(t, err)
	require.Equal(t, "https://crm.example/signin?token=xyz", acct.TokenURL)
	require.Equal(t, store.StatusInProgress, acct.Status)
	require.Equal(t, 4, acct.LastPage)
	require.Equal(t, 5, acct.StartPage())
}

func TestAddPhonesDeduplicatesAndRecounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertAccount(ctx, "1", "a", "https://t"))
	require.NoError(t, s.UpsertAccount(ctx, "2", "b", "https://t"))

	batches := [][]string{
		{"79990000001", "79990000002", "79990000001"},
		{"79990000002", "79990000003"},
		{},
		{"79990000003", "79990000001"},
	}
	wantAdded := []int{2, 1, 0, 0}
	for i, batch := range batches {
		added, err := s.AddPhones(ctx, "1", batch)
		require.NoError(t, err)
		require.Equal(t, wantAdded[i], added, "batch %d", i)
	}
	added, err := s.AddPhones(ctx, "2", []string{"79990000001"})
	require.NoError(t, err)
	require.Equal(t, 1, added)

	acct, err := s.GetAccount(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, 3, acct.PhonesCount)

	total, err := s.TotalPhones(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, total)
}

func TestClaimNextOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"p1", "p2", "stale", "done"} {
		require.NoError(t, s.UpsertAccount(ctx, id, id, "https://t/"+id))
	}
	require.NoError(t, s.SetStatus(ctx, "done", store.StatusCompleted))

	acct, ok, err := s.ClaimNext(ctx, "run-old")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "p1", acct.ID)
	require.NoError(t, s.SetStatus(ctx, "p1", store.StatusPending))

	// "stale" was claimed by a run that died on page 3.
	require.NoError(t, s.Checkpoint(ctx, "stale", store.StatusInProgress, 3))
	_, err = s.db.ExecContext(ctx, `UPDATE accounts SET claimed_by = 'run-old' WHERE account_id = 'stale'`)
	require.NoError(t, err)

	var got []string
	for {
		acct, ok, err := s.ClaimNext(ctx, "run-new")
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Equal(t, store.StatusInProgress, acct.Status)
		got = append(got, acct.ID)
	}
	require.Equal(t, []string{"stale", "p1", "p2"}, got)

	stale, err := s.GetAccount(ctx, "stale")
	require.NoError(t, err)
	require.Equal(t, 4, stale.StartPage())
}

func TestClaimNextSkipsLivePeerClaims(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertAccount(ctx, "only", "u", "https://t"))
	_, ok, err := s.ClaimNext(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.ClaimNext(ctx, "run-1")
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = s.ClaimNext(ctx, "")
	require.Error(t, err)
}

func TestClaimNextConcurrentCallersNeverShareAnAccount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{Path: filepath.Join(dir, "phones.db"), BackupDir: filepath.Join(dir, "b")}

	seed, err := Open(ctx, cfg)
	require.NoError(t, err)
	const accounts = 40
	for i := 0; i < accounts; i++ {
		require.NoError(t, seed.UpsertAccount(ctx, fmt.Sprintf("%03d", i), "u", "https://t"))
	}
	require.NoError(t, seed.Close())

	// Two independent handles stand in for separate processes.
	handles := make([]*Store, 2)
	for i := range handles {
		handles[i], err = Open(ctx, cfg)
		require.NoError(t, err)
		h := handles[i]
		t.Cleanup(func() { _ = h.Close() })
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(h *Store) {
			defer wg.Done()
			for {
				acct, ok, err := h.ClaimNext(ctx, "run-1")
				if errors.Is(err, store.ErrStoreBusy) {
					time.Sleep(5 * time.Millisecond)
					continue
				}
				if err != nil || !ok {
					return
				}
				mu.Lock()
				claimed[acct.ID]++
				mu.Unlock()
				time.Sleep(time.Millisecond)
				for h.SetStatus(ctx, acct.ID, store.StatusCompleted) != nil {
					time.Sleep(5 * time.Millisecond)
				}
			}
		}(handles[w%len(handles)])
	}
	wg.Wait()

	require.Len(t, claimed, accounts)
	for id, n := range claimed {
		require.Equal(t, 1, n, "account %s claimed %d times", id, n)
	}
}

func TestClaimNextReportsBusyWithoutSideEffects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{Path: filepath.Join(dir, "phones.db"), BusyTimeout: 100 * time.Millisecond}

	holder, err := Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Close() })
	require.NoError(t, holder.UpsertAccount(ctx, "42", "ivanov", "https://t"))

	claimer, err := Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = claimer.Close() })

	// IMMEDIATE transactions take the write lock at BEGIN.
	tx, err := holder.db.BeginTx(ctx, nil)
	require.NoError(t, err)

	start := time.Now()
	_, ok, err := claimer.ClaimNext(ctx, "run-1")
	elapsed := time.Since(start)
	require.ErrorIs(t, err, store.ErrStoreBusy)
	require.False(t, ok)
	require.Less(t, elapsed, 2*time.Second)

	require.NoError(t, tx.Rollback())
	acct, err := claimer.GetAccount(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, acct.Status)
	var owner sql.NullString
	require.NoError(t, claimer.db.QueryRowContext(ctx, `SELECT claimed_by FROM accounts WHERE account_id = ?`, "42").Scan(&owner))
	require.False(t, owner.Valid)
}

func TestBackupProducesReadableCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertAccount(ctx, "42", "ivanov", "https://t"))
	_, err := s.AddPhones(ctx, "42", []string{"79990000001"})
	require.NoError(t, err)

	first, err := s.Backup(ctx)
	require.NoError(t, err)
	require.Equal(t, "phones_backup_20250314_092653.db", filepath.Base(first))

	second, err := s.Backup(ctx)
	require.NoError(t, err)
	require.Equal(t, "phones_backup_20250314_092653_1.db", filepath.Base(second))

	// Writes after the snapshot must not leak into it.
	_, err = s.AddPhones(ctx, "42", []string{"79990000002"})
	require.NoError(t, err)

	cp, err := Open(ctx, Config{Path: first})
	require.NoError(t, err)
	defer cp.Close()
	total, err := cp.TotalPhones(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	acct, err := cp.GetAccount(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, "ivanov", acct.Username)
}

func TestBackupRequiresDirectory(t *testing.T) {
	t.Parallel()

	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "p.db")})
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Backup(context.Background())
	require.Error(t, err)
}

func seedStatuses(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	seed := map[string]store.Status{
		"a": store.StatusPending,
		"b": store.StatusInProgress,
		"c": store.StatusCompleted,
		"d": store.StatusFailed,
		"e": store.StatusFailed,
	}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.UpsertAccount(ctx, id, id, "https://t/"+id))
		require.NoError(t, s.SetStatus(ctx, id, seed[id]))
		_, err := s.AddPhones(ctx, id, []string{"79990000001"})
		require.NoError(t, err)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		kind       store.ClearKind
		affected   int64
		wantCounts map[store.Status]int
		wantPhones int
		check      func(t *testing.T, s *Store)
	}{
		{
			kind:       store.ClearResetFailed,
			affected:   2,
			wantCounts: map[store.Status]int{store.StatusPending: 3, store.StatusInProgress: 1, store.StatusCompleted: 1, store.StatusFailed: 0},
			wantPhones: 5,
		},
		{
			kind:       store.ClearResetProgress,
			affected:   1,
			wantCounts: map[store.Status]int{store.StatusPending: 2, store.StatusInProgress: 0, store.StatusCompleted: 1, store.StatusFailed: 2},
			wantPhones: 5,
		},
		{
			kind:       store.ClearTokens,
			affected:   5,
			wantCounts: map[store.Status]int{store.StatusPending: 5, store.StatusInProgress: 0, store.StatusCompleted: 0, store.StatusFailed: 0},
			wantPhones: 5,
			check: func(t *testing.T, s *Store) {
				acct, err := s.GetAccount(ctx, "c")
				require.NoError(t, err)
				require.Empty(t, acct.TokenURL)
			},
		},
		{
			kind:       store.ClearPhones,
			affected:   5,
			wantCounts: map[store.Status]int{store.StatusPending: 1, store.StatusInProgress: 1, store.StatusCompleted: 1, store.StatusFailed: 2},
			wantPhones: 0,
			check: func(t *testing.T, s *Store) {
				acct, err := s.GetAccount(ctx, "a")
				require.NoError(t, err)
				require.Zero(t, acct.PhonesCount)
			},
		},
		{
			kind:       store.ClearAccounts,
			affected:   5,
			wantCounts: map[store.Status]int{store.StatusPending: 0, store.StatusInProgress: 0, store.StatusCompleted: 0, store.StatusFailed: 0},
			wantPhones: 5,
		},
		{
			kind:       store.ClearAll,
			affected:   5,
			wantCounts: map[store.Status]int{store.StatusPending: 0, store.StatusInProgress: 0, store.StatusCompleted: 0, store.StatusFailed: 0},
			wantPhones: 0,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			s := newTestStore(t)
			seedStatuses(t, s)

			n, err := s.Clear(ctx, tt.kind)
			require.NoError(t, err)
			require.Equal(t, tt.affected, n)

			counts, err := s.CountByStatus(ctx)
			require.NoError(t, err)
			require.Equal(t, tt.wantCounts, counts)

			total, err := s.TotalPhones(ctx)
			require.NoError(t, err)
			require.Equal(t, tt.wantPhones, total)
			if tt.check != nil {
				tt.check(t, s)
			}
		})
	}
}

func TestClearRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := newTestStore(t).Clear(context.Background(), store.ClearKind("nope"))
	require.Error(t, err)
}

func TestSummaryAndCounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	sum, err := s.Summary(ctx)
	require.NoError(t, err)
	require.Empty(t, sum)

	seedStatuses(t, s)
	sum, err = s.Summary(ctx)
	require.NoError(t, err)
	require.Len(t, sum, 5)
	require.Equal(t, store.AccountSummary{ID: "a", Username: "a", Status: store.StatusPending, PhonesCount: 1}, sum[0])

	failed, err := s.AccountsByStatus(ctx, store.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	require.Equal(t, "d", failed[0].ID)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, store.PendingCount(counts))
	require.Equal(t, 2, counts[store.StatusFailed])
}

func TestIsBusy(t *testing.T) {
	t.Parallel()

	require.True(t, isBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	require.False(t, isBusy(errors.New("no such table")))
	require.False(t, isBusy(nil))
	require.ErrorIs(t, busyError("op", errors.New("database is locked")), store.ErrStoreBusy)
}
