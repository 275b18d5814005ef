package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/crm-phone-scraper/internal/progress"
	"github.com/JakeFAU/crm-phone-scraper/internal/scraper"
	"github.com/JakeFAU/crm-phone-scraper/internal/storage/memory"
	"github.com/JakeFAU/crm-phone-scraper/internal/store"
)

const token42 = "https://crm.test/signin?token=abc"

func threePages() [][]string {
	return [][]string{
		{"79990000001", "79990000002"},
		{"79990000002", "79990000003"},
		{},
	}
}

func seed(t *testing.T, repo store.Repository, id, token string) {
	t.Helper()
	require.NoError(t, repo.UpsertAccount(context.Background(), id, "user"+id, token))
}

func newScraper(t *testing.T, site scraper.PhoneSource, repo store.Repository, rec *progress.Recorder) *Scraper {
	t.Helper()
	var reporter progress.Reporter
	if rec != nil {
		reporter = progress.NewReporter(rec, "0190a7d2-6c3e-7c1f-8a4b-1234567890ab", nil)
	}
	cfg := ScrapeConfig{RetryAttempts: 3, RetryDelay: time.Second, RequestDelay: scraper.Range{Min: 2 * time.Second, Max: 2 * time.Second}}
	return NewScraper(site, repo, &fakeClock{}, cfg, zaptest.NewLogger(t), reporter)
}

func TestScrapeAccountThreePages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := memory.New()
	seed(t, repo, "42", token42)
	rec := progress.NewRecorder()
	site := &fakeSite{accounts: map[string][][]string{token42: threePages()}}

	res := newScraper(t, site, repo, rec).ScrapeAccount(ctx, "42", token42, 1)
	require.NoError(t, res.Err)
	assert.Equal(t, scraper.OutcomeSucceeded, res.Outcome)
	assert.Equal(t, 3, res.PhonesAdded)
	assert.Equal(t, 3, res.LastPage)

	acct, err := repo.GetAccount(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, acct.Status)
	assert.Equal(t, 3, acct.LastPage)
	assert.Equal(t, 3, acct.PhonesCount)
	assert.Equal(t, []string{"79990000001", "79990000002", "79990000003"}, repo.Phones("42"))
	assert.Equal(t, []int{2, 3}, site.visited)
	assert.Equal(t, []progress.Stage{
		progress.StageAccountStart,
		progress.StagePageDone, progress.StagePageDone, progress.StagePageDone,
		progress.StageAccountDone,
	}, rec.Stages())
}

func TestScrapeAccountResumesIdempotently(t *testing.T) {
	t.Parallel()

	pages := [][]string{
		{"79990000001", "79990000002"},
		{"79990000002", "79990000003"},
		{"79990000004"},
		{"79990000001", "79990000005"},
	}

	// Reference: one uninterrupted run.
	want := memory.New()
	seed(t, want, "7", token42)
	ref := newScraper(t, &fakeSite{accounts: map[string][][]string{token42: pages}}, want, nil).
		ScrapeAccount(context.Background(), "7", token42, 1)
	require.Equal(t, scraper.OutcomeSucceeded, ref.Outcome)

	// Interrupted after page 2 was committed.
	repo := memory.New()
	seed(t, repo, "7", token42)
	ctx, cancel := context.WithCancel(context.Background())
	crashing := &fakeSite{accounts: map[string][][]string{token42: pages}}
	crashing.hasNextHook = func(page int) error {
		if page == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	}
	first := newScraper(t, crashing, repo, nil).ScrapeAccount(ctx, "7", token42, 1)
	assert.Equal(t, scraper.OutcomeSkipped, first.Outcome)
	assert.Equal(t, 2, first.LastPage)

	acct, err := repo.GetAccount(context.Background(), "7")
	require.NoError(t, err)
	require.Equal(t, store.StatusInProgress, acct.Status)
	require.Equal(t, 2, acct.LastPage)
	require.Equal(t, 3, acct.StartPage())

	resumed := &fakeSite{accounts: map[string][][]string{token42: pages}}
	second := newScraper(t, resumed, repo, nil).ScrapeAccount(context.Background(), "7", token42, acct.StartPage())
	require.NoError(t, second.Err)
	assert.Equal(t, []int{3, 4}, resumed.visited)

	assert.Equal(t, want.Phones("7"), repo.Phones("7"))
	got, err := repo.GetAccount(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, 4, got.LastPage)
	assert.Equal(t, 5, got.PhonesCount)
}

func TestScrapeAccountReplaysCommittedPage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := memory.New()
	seed(t, repo, "9", token42)
	site := &fakeSite{accounts: map[string][][]string{token42: threePages()}}
	s := newScraper(t, site, repo, nil)

	require.NoError(t, s.ScrapeAccount(ctx, "9", token42, 1).Err)
	require.NoError(t, repo.Checkpoint(ctx, "9", store.StatusInProgress, 1))

	again := s.ScrapeAccount(ctx, "9", token42, 2)
	require.NoError(t, again.Err)
	assert.Zero(t, again.PhonesAdded)
	acct, err := repo.GetAccount(ctx, "9")
	require.NoError(t, err)
	assert.Equal(t, 3, acct.PhonesCount)
}

func TestScrapeAccountRetriesTransientPageFaults(t *testing.T) {
	t.Parallel()
	repo := memory.New()
	seed(t, repo, "42", token42)
	site := &fakeSite{
		accounts:     map[string][][]string{token42: threePages()},
		listFailures: map[int]int{2: 2},
	}

	res := newScraper(t, site, repo, nil).ScrapeAccount(context.Background(), "42", token42, 1)
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.PhonesAdded)
	assert.Equal(t, []int{2, 2, 2, 3}, site.visited, "each retry reloads the page")
}

func TestScrapeAccountFailsAndKeepsPartialProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := memory.New()
	seed(t, repo, "42", token42)
	rec := progress.NewRecorder()
	site := &fakeSite{
		accounts:     map[string][][]string{token42: threePages()},
		listFailures: map[int]int{2: 10},
	}

	res := newScraper(t, site, repo, rec).ScrapeAccount(ctx, "42", token42, 1)
	require.Error(t, res.Err)
	assert.Equal(t, scraper.OutcomeFailed, res.Outcome)
	assert.Equal(t, 2, res.PhonesAdded)
	assert.Equal(t, 1, res.LastPage)

	acct, err := repo.GetAccount(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, acct.Status)
	assert.Equal(t, 1, acct.LastPage)
	assert.Equal(t, 2, acct.PhonesCount)
	stages := rec.Stages()
	assert.Equal(t, progress.StageAccountFailed, stages[len(stages)-1])
}

func TestScrapeAccountMissingToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := memory.New()
	seed(t, repo, "5", "")
	site := &fakeSite{}

	res := newScraper(t, site, repo, nil).ScrapeAccount(ctx, "5", "", 1)
	require.ErrorIs(t, res.Err, scraper.ErrMissingToken)
	assert.Equal(t, scraper.OutcomeFailed, res.Outcome)
	assert.Empty(t, site.opened)

	acct, err := repo.GetAccount(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, acct.Status)
}

func TestScrapeAccountUnknownAccount(t *testing.T) {
	t.Parallel()
	site := &fakeSite{accounts: map[string][][]string{token42: threePages()}}
	res := newScraper(t, site, memory.New(), nil).ScrapeAccount(context.Background(), "404", token42, 1)
	require.ErrorIs(t, res.Err, store.ErrNotFound)
	assert.Equal(t, scraper.OutcomeFailed, res.Outcome)
}
