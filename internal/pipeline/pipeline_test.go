package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/crm-phone-scraper/internal/checkpoint"
	"github.com/JakeFAU/crm-phone-scraper/internal/harvest"
	"github.com/JakeFAU/crm-phone-scraper/internal/progress"
	"github.com/JakeFAU/crm-phone-scraper/internal/scraper"
	"github.com/JakeFAU/crm-phone-scraper/internal/storage/memory"
	"github.com/JakeFAU/crm-phone-scraper/internal/store"
	"github.com/JakeFAU/crm-phone-scraper/internal/worker"
)

type fakeClock struct{ slept []time.Duration }

func (c *fakeClock) Now() time.Time { return time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC) }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if d > 0 {
		c.slept = append(c.slept, d)
	}
	return ctx.Err()
}

// fakeCRM is a one-page listing whose accounts each have one phone page.
type fakeCRM struct {
	loginErr error
	logins   int
	listing  []scraper.Listing
	phones   map[string][]string // token -> numbers
	current  string
	opened   []string
	onOpen   func(token string)
}

func (f *fakeCRM) Login(context.Context) error {
	f.logins++
	return f.loginErr
}

func (f *fakeCRM) OpenListing(context.Context) error { return nil }

func (f *fakeCRM) ListAccounts(context.Context) ([]scraper.Listing, error) { return f.listing, nil }

func (f *fakeCRM) AcquireToken(_ context.Context, id string) (string, error) {
	return "https://crm.test/signin?token=" + id, nil
}

func (f *fakeCRM) NextListingPage(context.Context) (bool, error) { return false, nil }

func (f *fakeCRM) OpenAccount(_ context.Context, token string) error {
	f.current = token
	f.opened = append(f.opened, token)
	if f.onOpen != nil {
		f.onOpen(token)
	}
	return nil
}

func (f *fakeCRM) GoToPage(context.Context, int) error { return nil }

func (f *fakeCRM) ListPhones(context.Context) ([]string, error) { return f.phones[f.current], nil }

func (f *fakeCRM) HasNextPage(context.Context) (bool, error) { return false, nil }

func tokenFor(id string) string { return "https://crm.test/signin?token=" + id }

type fixture struct {
	pipeline *Pipeline
	repo     *memory.Store
	crm      *fakeCRM
	clock    *fakeClock
	stop     *scraper.Stop
}

func newFixture(t *testing.T, crm *fakeCRM) fixture {
	t.Helper()
	repo := memory.New()
	clock := &fakeClock{}
	logger := zaptest.NewLogger(t)
	stop := &scraper.Stop{}
	cp, err := checkpoint.New(repo, checkpoint.Config{Interval: 100, Logger: logger})
	require.NoError(t, err)
	var reporter progress.Reporter
	p, err := New(Deps{
		Auth:       crm,
		Harvester:  harvest.New(crm, repo, clock, harvest.Config{}, logger, reporter),
		Scraper:    worker.NewScraper(crm, repo, clock, worker.ScrapeConfig{}, logger, reporter),
		Repo:       repo,
		Clock:      clock,
		Checkpoint: cp,
		Stop:       stop,
		Logger:     logger,
	}, Config{
		PhasePause:   5 * time.Second,
		AccountDelay: scraper.Range{Min: 12 * time.Second, Max: 12 * time.Second},
	})
	require.NoError(t, err)
	return fixture{pipeline: p, repo: repo, crm: crm, clock: clock, stop: stop}
}

func TestFullRun(t *testing.T) {
	t.Parallel()
	crm := &fakeCRM{
		listing: []scraper.Listing{{AccountID: "1", Username: "anna"}, {AccountID: "2", Username: "boris"}},
		phones: map[string][]string{
			tokenFor("1"): {"79990000001"},
			tokenFor("2"): {"79990000002", "79990000003"},
		},
	}
	f := newFixture(t, crm)

	sum, err := f.pipeline.Full(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, crm.logins)
	assert.Equal(t, harvest.Stats{Discovered: 2, Tokens: 2}, sum.Harvest)
	assert.Equal(t, scraper.Tally{Succeeded: 2, PhonesAdded: 3}, sum.Scrape)
	assert.Equal(t, "memory://backup-1", sum.Backup)
	assert.Equal(t, []time.Duration{5 * time.Second, 12 * time.Second}, f.clock.slept)

	total, err := f.repo.TotalPhones(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestHarvestStopsOnLoginFailure(t *testing.T) {
	t.Parallel()
	crm := &fakeCRM{loginErr: scraper.ErrLoginFailed}
	f := newFixture(t, crm)

	_, err := f.pipeline.Full(context.Background())
	require.ErrorIs(t, err, scraper.ErrLoginFailed)
	assert.Empty(t, crm.opened)
}

func TestScrapeOrderAndResume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	crm := &fakeCRM{phones: map[string][]string{}}
	f := newFixture(t, crm)
	for _, id := range []string{"1", "2", "3", "4"} {
		require.NoError(t, f.repo.UpsertAccount(ctx, id, "u"+id, tokenFor(id)))
	}
	require.NoError(t, f.repo.Checkpoint(ctx, "3", store.StatusInProgress, 4))
	require.NoError(t, f.repo.SetStatus(ctx, "4", store.StatusCompleted))

	sum, err := f.pipeline.Scrape(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Scrape.Succeeded)
	assert.Equal(t, []string{tokenFor("3"), tokenFor("1"), tokenFor("2")}, crm.opened)

	acct, err := f.repo.GetAccount(ctx, "3")
	require.NoError(t, err)
	assert.Equal(t, 5, acct.LastPage, "resumed after the checkpointed page")
}

func TestScrapeMissingTokenFailsWithoutPause(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, &fakeCRM{})
	require.NoError(t, f.repo.UpsertAccount(ctx, "1", "u1", ""))

	sum, err := f.pipeline.Scrape(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Scrape.Failed)
	assert.Empty(t, f.clock.slept)
	assert.Empty(t, sum.Backup, "no account was processed")

	acct, err := f.repo.GetAccount(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, acct.Status)
}

func TestScrapeHonorsStopBetweenAccounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	crm := &fakeCRM{phones: map[string][]string{tokenFor("1"): {"79990000001"}}}
	f := newFixture(t, crm)
	crm.onOpen = func(string) { f.stop.Request() }
	require.NoError(t, f.repo.UpsertAccount(ctx, "1", "u1", tokenFor("1")))
	require.NoError(t, f.repo.UpsertAccount(ctx, "2", "u2", tokenFor("2")))

	sum, err := f.pipeline.Scrape(ctx)
	require.NoError(t, err)
	assert.True(t, sum.Interrupted)
	assert.Equal(t, 1, sum.Scrape.Succeeded)
	assert.NotEmpty(t, sum.Backup)

	acct, err := f.repo.GetAccount(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, acct.Status, "in-flight account finished")
	acct, err = f.repo.GetAccount(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, acct.Status)
}

func TestScrapeSkipsAccountsFinishedElsewhere(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	crm := &fakeCRM{phones: map[string][]string{}}
	f := newFixture(t, crm)
	require.NoError(t, f.repo.UpsertAccount(ctx, "1", "u1", tokenFor("1")))
	require.NoError(t, f.repo.UpsertAccount(ctx, "2", "u2", tokenFor("2")))
	crm.onOpen = func(token string) {
		if token == tokenFor("1") {
			require.NoError(t, f.repo.SetStatus(ctx, "2", store.StatusCompleted))
		}
	}

	sum, err := f.pipeline.Scrape(ctx)
	require.NoError(t, err)
	assert.Equal(t, scraper.Tally{Succeeded: 1, Skipped: 1}, sum.Scrape)
	assert.Equal(t, []string{tokenFor("1")}, crm.opened)
}

func TestScrapeNothingToDo(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeCRM{})
	sum, err := f.pipeline.Scrape(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Scrape.Processed())
	assert.Empty(t, f.repo.Backups())
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Config{})
	require.Error(t, err)
	_, err = New(Deps{Repo: memory.New(), Clock: &fakeClock{}}, Config{})
	require.Error(t, err)
}
