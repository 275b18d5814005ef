package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/crm-phone-scraper/internal/checkpoint"
	"github.com/JakeFAU/crm-phone-scraper/internal/scraper"
	"github.com/JakeFAU/crm-phone-scraper/internal/storage/memory"
	"github.com/JakeFAU/crm-phone-scraper/internal/store"
)

func newWorker(t *testing.T, repo store.Repository, site *fakeSite, cp *checkpoint.Policy, stop *scraper.Stop) (*Worker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{}
	s := NewScraper(site, repo, clock, ScrapeConfig{RetryAttempts: 1}, zaptest.NewLogger(t), progressDiscard)
	w := New(repo, s, clock, cp, stop, Config{
		ID:           1,
		Owner:        "run-a",
		AccountDelay: scraper.Range{Min: 10 * time.Second, Max: 10 * time.Second},
		ClaimRetries: 4,
	}, zaptest.NewLogger(t))
	return w, clock
}

func TestWorkerDrainsQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := memory.New()
	seed(t, repo, "1", "https://crm.test/signin?token=1")
	seed(t, repo, "2", "")
	seed(t, repo, "3", "https://crm.test/signin?token=3")
	site := &fakeSite{accounts: map[string][][]string{
		"https://crm.test/signin?token=1": {{"79990000001"}},
		"https://crm.test/signin?token=3": {{"79990000003", "79990000004"}},
	}}
	cp, err := checkpoint.New(repo, checkpoint.Config{Interval: 2})
	require.NoError(t, err)

	w, clock := newWorker(t, repo, site, cp, nil)
	tally, err := w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, scraper.Tally{Succeeded: 2, Failed: 1, PhonesAdded: 3}, tally)
	// The tokenless account fails fast: no pause and no backup tick.
	assert.Equal(t, 20*time.Second, clock.slept)
	assert.Equal(t, 2, cp.Processed())
	assert.Len(t, repo.Backups(), 1)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[store.StatusCompleted])
	assert.Equal(t, 1, counts[store.StatusFailed])
}

func TestWorkerResumesAbandonedAccountFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := memory.New()
	seed(t, repo, "1", token42)
	seed(t, repo, "2", token42)
	require.NoError(t, repo.Checkpoint(ctx, "2", store.StatusInProgress, 1))
	repo.MarkClaimed("2", "run-dead")
	site := &fakeSite{accounts: map[string][][]string{token42: threePages()}}

	w, _ := newWorker(t, repo, site, nil, nil)
	_, err := w.Run(ctx)
	require.NoError(t, err)

	// Account 2 resumed at page 2, account 1 started fresh.
	assert.Equal(t, []int{2, 3, 2, 3}, site.visited)
}

func TestWorkerRetriesBusyStore(t *testing.T) {
	t.Parallel()
	repo := &busyRepo{Repository: memory.New(), busy: 2}
	seed(t, repo, "1", token42)
	site := &fakeSite{accounts: map[string][][]string{token42: threePages()}}

	w, _ := newWorker(t, repo, site, nil, nil)
	tally, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, tally.Succeeded)
	assert.Equal(t, 4, repo.calls, "two busy, one claim, one empty")
}

func TestWorkerGivesUpOnPersistentContention(t *testing.T) {
	t.Parallel()
	repo := &busyRepo{Repository: memory.New(), busy: -1}
	seed(t, repo, "1", token42)

	w, _ := newWorker(t, repo, &fakeSite{}, nil, nil)
	_, err := w.Run(context.Background())
	require.ErrorIs(t, err, store.ErrStoreBusy)
	assert.Equal(t, 4, repo.calls)
}

func TestWorkerHonorsStop(t *testing.T) {
	t.Parallel()
	repo := memory.New()
	seed(t, repo, "1", token42)
	stop := &scraper.Stop{}
	stop.Request()

	w, _ := newWorker(t, repo, &fakeSite{}, nil, stop)
	tally, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, tally.Processed())

	acct, err := repo.GetAccount(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, acct.Status)
}

func TestWorkerStopsAfterCurrentAccount(t *testing.T) {
	t.Parallel()
	repo := memory.New()
	seed(t, repo, "1", token42)
	seed(t, repo, "2", token42)
	stop := &scraper.Stop{}
	site := &fakeSite{accounts: map[string][][]string{token42: threePages()}}
	site.hasNextHook = func(page int) error {
		if page == 3 {
			stop.Request()
		}
		return nil
	}

	w, _ := newWorker(t, repo, site, nil, stop)
	tally, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, tally.Succeeded)

	acct, err := repo.GetAccount(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, acct.Status)
}
