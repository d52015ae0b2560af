package aggregate

import (
	"sort"

	"github.com/kalambet/storevoice/internal/storage"
)

// DailyAggregate is the per day and store projection of completed records.
// It can always be rebuilt from the repository.
type DailyAggregate struct {
	Date      string         `json:"date"`
	StoreCode string         `json:"store_code"`
	Total     int            `json:"total"`
	Tones     ToneCounts     `json:"tone_breakdown"`
	Products  map[string]int `json:"products"`
	Issues    map[string]int `json:"issues"`
	Actions   map[string]int `json:"actions"`
}

// Daily projects completed records into one row per (date, store), sorted
// by date then store.
func Daily(records []storage.Feedback) []DailyAggregate {
	type key struct{ date, store string }
	type acc struct {
		row                       DailyAggregate
		products, issues, actions tagCounter
	}

	groups := make(map[key]*acc)
	for _, rec := range ordered(records) {
		if rec.Status != storage.StatusCompleted || rec.Insight == nil {
			continue
		}
		k := key{rec.RecordedDay(), rec.StoreCode}
		a, ok := groups[k]
		if !ok {
			a = &acc{row: DailyAggregate{Date: k.date, StoreCode: k.store}}
			groups[k] = a
		}
		a.row.Total++
		a.row.Tones.add(rec.Insight.Tone)
		a.products.addAll(rec.Insight.Products)
		a.issues.addAll(rec.Insight.Issues)
		a.actions.addAll(rec.Insight.Actions)
	}

	out := make([]DailyAggregate, 0, len(groups))
	for _, a := range groups {
		a.row.Products = a.products.counted()
		a.row.Issues = a.issues.counted()
		a.row.Actions = a.actions.counted()
		out = append(out, a.row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].StoreCode < out[j].StoreCode
	})
	return out
}
