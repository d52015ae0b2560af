package aggregate

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kalambet/storevoice/internal/storage"
)

// Report sheet names.
const (
	SheetSummary = "Summary"
	SheetDaily   = "Daily"
	SheetStores  = "Stores"
	SheetTop     = "Top Items"
)

// WriteXLSX writes s and daily as an Excel workbook to w.
func WriteXLSX(w io.Writer, s Summary, daily []DailyAggregate) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("renaming sheet: %w", err)
	}
	for _, name := range []string{SheetDaily, SheetStores, SheetTop} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("creating sheet %s: %w", name, err)
		}
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("creating style: %w", err)
	}

	store := s.StoreCode
	if store == "" {
		store = "all"
	}
	summaryRows := [][]any{
		{"Metric", "Value"},
		{"Period start", s.PeriodStart},
		{"Period end", s.PeriodEnd},
		{"Store", store},
		{"Completed feedback", s.Total},
		{"Stores", s.TotalStores},
		{"Positive", s.Tones.Positive},
		{"Negative", s.Tones.Negative},
		{"Neutral", s.Tones.Neutral},
		{"Average tone score", s.AverageToneScore},
	}
	for _, st := range storage.Statuses {
		summaryRows = append(summaryRows, []any{"Status " + string(st), s.Processing[st]})
	}

	dailyRows := [][]any{{"Date", "Store", "Total", "Positive", "Negative", "Neutral", "Products", "Issues", "Actions"}}
	for _, d := range daily {
		dailyRows = append(dailyRows, []any{
			d.Date, d.StoreCode, d.Total, d.Tones.Positive, d.Tones.Negative, d.Tones.Neutral,
			joinCounts(d.Products), joinCounts(d.Issues), joinCounts(d.Actions),
		})
	}

	storeRows := [][]any{{"Store", "Submitted", "Completed", "Failed", "Failure rate", "Positive", "Negative", "Neutral"}}
	for _, r := range s.Stores {
		storeRows = append(storeRows, []any{
			r.StoreCode, r.Submitted, r.Completed, r.Failed, r.FailureRate, r.Positive, r.Negative, r.Neutral,
		})
	}

	topRows := [][]any{{"Category", "Rank", "Name", "Count"}}
	for _, cat := range []struct {
		name  string
		items []Item
	}{
		{"products", s.TopProducts},
		{"issues", s.TopIssues},
		{"actions", s.TopActions},
		{"keywords", s.TopKeywords},
	} {
		for i, it := range cat.items {
			topRows = append(topRows, []any{cat.name, i + 1, it.Name, it.Count})
		}
	}

	for _, sheet := range []struct {
		name string
		rows [][]any
	}{
		{SheetSummary, summaryRows},
		{SheetDaily, dailyRows},
		{SheetStores, storeRows},
		{SheetTop, topRows},
	} {
		if err := writeRows(f, sheet.name, sheet.rows); err != nil {
			return err
		}
		if err := f.SetRowStyle(sheet.name, 1, 1, bold); err != nil {
			return fmt.Errorf("styling %s header: %w", sheet.name, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("writing %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

// joinCounts renders a frequency map as "a (2), b (1)", most frequent first.
func joinCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s (%d)", k, m[k])
	}
	return strings.Join(parts, ", ")
}
