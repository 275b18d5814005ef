// Package report renders the store into an Excel workbook for operators.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crm-phone-scraper/internal/store"
)

// Sheet names and headers as operators know them.
const (
	AccountsSheet = "Отчет по аккаунтам"
	StatsSheet    = "Статистика"
	InfoSheet     = "Информация"

	emptyMessage = "Данные отсутствуют. Запустите парсинг."
	maxColWidth  = 50
)

var statusLabels = map[store.Status]string{
	store.StatusPending:    "Ожидает",
	store.StatusInProgress: "В процессе",
	store.StatusCompleted:  "Завершен",
	store.StatusFailed:     "Ошибка",
}

// StatusLabel returns the Russian label of s, or s itself when unknown.
func StatusLabel(s store.Status) string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

// Source is the read side of the store the report needs.
type Source interface {
	Summary(ctx context.Context) ([]store.AccountSummary, error)
	TotalPhones(ctx context.Context) (int, error)
}

// Generator builds workbooks from a Source.
type Generator struct {
	src    Source
	logger *zap.Logger
}

// New creates a Generator.
func New(src Source, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{src: src, logger: logger}
}

// Build renders the workbook. An empty store yields a single info sheet.
func (g *Generator) Build(ctx context.Context) (*excelize.File, error) {
	accounts, err := g.src.Summary(ctx)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	total, err := g.src.TotalPhones(ctx)
	if err != nil {
		return nil, fmt.Errorf("count phones: %w", err)
	}

	f := excelize.NewFile()
	if len(accounts) == 0 {
		g.logger.Warn("store is empty; writing placeholder report")
		if err := writeSheet(f, InfoSheet, [][]any{{"Сообщение"}, {emptyMessage}}); err != nil {
			return nil, err
		}
		return f, nil
	}

	rows := [][]any{{"ID аккаунта", "Название аккаунта", "Статус", "Количество номеров"}}
	counts := make(map[store.Status]int, len(store.Statuses))
	for _, a := range accounts {
		counts[a.Status]++
		rows = append(rows, []any{a.ID, a.Username, StatusLabel(a.Status), a.PhonesCount})
	}
	if err := writeSheet(f, AccountsSheet, rows); err != nil {
		return nil, err
	}
	stats := [][]any{
		{"Показатель", "Значение"},
		{"Всего аккаунтов", len(accounts)},
		{"Завершено", counts[store.StatusCompleted]},
		{"В процессе", counts[store.StatusInProgress]},
		{"Ожидает", counts[store.StatusPending]},
		{"Ошибок", counts[store.StatusFailed]},
		{"Всего уникальных номеров", total},
	}
	if err := writeSheet(f, StatsSheet, stats); err != nil {
		return nil, err
	}
	return f, nil
}

// WriteFile builds the workbook and saves it at path, creating parent
// directories.
func (g *Generator) WriteFile(ctx context.Context, path string) error {
	f, err := g.Build(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	g.logger.Info("report saved", zap.String("path", path))
	return nil
}

// writeSheet fills sheet with rows, reusing the default first sheet, and
// sizes each column to its longest value.
func writeSheet(f *excelize.File, sheet string, rows [][]any) error {
	if first := f.GetSheetName(0); first == "Sheet1" {
		if err := f.SetSheetName(first, sheet); err != nil {
			return err
		}
	} else if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	widths := map[int]int{}
	for r, row := range rows {
		for c, v := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return fmt.Errorf("%s!%s: %w", sheet, cell, err)
			}
			widths[c] = max(widths[c], utf8.RuneCountInString(fmt.Sprint(v)))
		}
	}
	for c, w := range widths {
		col, err := excelize.ColumnNumberToName(c + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(sheet, col, col, float64(min(w+2, maxColWidth))); err != nil {
			return err
		}
	}
	return nil
}
