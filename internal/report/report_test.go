package report

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/crm-phone-scraper/internal/storage/memory"
	"github.com/JakeFAU/crm-phone-scraper/internal/store"
)

func TestWriteFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := memory.New()
	require.NoError(t, repo.UpsertAccount(ctx, "42", "ivanov", "https://crm.test/signin?token=abc"))
	require.NoError(t, repo.UpsertAccount(ctx, "43", strings.Repeat("очень-длинное-имя", 5), ""))
	_, err := repo.AddPhones(ctx, "42", []string{"79990000001", "79990000002", "79990000003"})
	require.NoError(t, err)
	require.NoError(t, repo.SetStatus(ctx, "42", store.StatusCompleted))
	require.NoError(t, repo.SetStatus(ctx, "43", store.StatusFailed))

	path := filepath.Join(t.TempDir(), "nested", "report.xlsx")
	require.NoError(t, New(repo, nil).WriteFile(ctx, path))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{AccountsSheet, StatsSheet}, f.GetSheetList())
	rows, err := f.GetRows(AccountsSheet)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"ID аккаунта", "Название аккаунта", "Статус", "Количество номеров"},
		{"42", "ivanov", "Завершен", "3"},
		{"43", strings.Repeat("очень-длинное-имя", 5), "Ошибка", "0"},
	}, rows)

	stats, err := f.GetRows(StatsSheet)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Показатель", "Значение"},
		{"Всего аккаунтов", "2"},
		{"Завершено", "1"},
		{"В процессе", "0"},
		{"Ожидает", "0"},
		{"Ошибок", "1"},
		{"Всего уникальных номеров", "3"},
	}, stats)

	width, err := f.GetColWidth(AccountsSheet, "B")
	require.NoError(t, err)
	assert.InDelta(t, 50, width, 0.01)
	width, err = f.GetColWidth(AccountsSheet, "A")
	require.NoError(t, err)
	assert.InDelta(t, 13, width, 0.01)
}

func TestEmptyStoreWritesPlaceholder(t *testing.T) {
	t.Parallel()
	f, err := New(memory.New(), nil).Build(context.Background())
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{InfoSheet}, f.GetSheetList())
	rows, err := f.GetRows(InfoSheet)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Сообщение"}, {"Данные отсутствуют. Запустите парсинг."}}, rows)
}

type brokenSource struct{}

func (brokenSource) Summary(context.Context) ([]store.AccountSummary, error) {
	return nil, errors.New("database is locked")
}

func (brokenSource) TotalPhones(context.Context) (int, error) { return 0, nil }

func TestBuildPropagatesStoreErrors(t *testing.T) {
	t.Parallel()
	_, err := New(brokenSource{}, nil).Build(context.Background())
	require.ErrorContains(t, err, "database is locked")
}

func TestStatusLabel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "В процессе", StatusLabel(store.StatusInProgress))
	assert.Equal(t, "archived", StatusLabel(store.Status("archived")))
}
