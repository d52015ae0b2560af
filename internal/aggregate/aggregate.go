// Package aggregate computes dashboard summaries over a window of feedback
// records. Compute is a pure function of its input; nothing here writes to
// the repository.
package aggregate

import (
	"sort"
	"strings"
	"time"

	"github.com/kalambet/storevoice/internal/storage"
)

// DefaultTopN is the number of tags listed per category when a query does
// not say otherwise.
const DefaultTopN = 5

// Query selects the window to aggregate. From and To are inclusive days.
type Query struct {
	From      time.Time
	To        time.Time
	StoreCode string
	TopN      int
}

// Range returns the query window as a storage.DateRange.
func (q Query) Range() storage.DateRange {
	return storage.DateRange{From: storage.Day(q.From), To: storage.Day(q.To)}
}

// ToneCounts counts records per tone.
type ToneCounts struct {
	Positive int `json:"positive"`
	Negative int `json:"negative"`
	Neutral  int `json:"neutral"`
}

func (c *ToneCounts) add(t storage.Tone) {
	switch t {
	case storage.TonePositive:
		c.Positive++
	case storage.ToneNegative:
		c.Negative++
	default:
		c.Neutral++
	}
}

// DayRow is one day of the per-day breakdown.
type DayRow struct {
	Date  string `json:"date"`
	Total int    `json:"total"`
	ToneCounts
}

// StoreRow is one store of the per-store breakdown. Failed counts records
// that reached a terminal failure status in the window; they never
// contribute to tone or tag aggregates.
type StoreRow struct {
	StoreCode string `json:"store_code"`
	Submitted int    `json:"submitted"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	// FailureRate is Failed / Submitted.
	FailureRate float64 `json:"failure_rate"`
	ToneCounts
}

// Item is a tag and how many times it was mentioned.
type Item struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Summary is the aggregate over one window.
type Summary struct {
	PeriodStart      string                 `json:"period_start"`
	PeriodEnd        string                 `json:"period_end"`
	StoreCode        string                 `json:"store_code,omitempty"`
	Total            int                    `json:"total_feedbacks"`
	TotalStores      int                    `json:"total_stores"`
	Tones            ToneCounts             `json:"tone_breakdown"`
	AverageToneScore float64                `json:"average_tone_score"`
	Days             []DayRow               `json:"daily_breakdown"`
	Stores           []StoreRow             `json:"store_breakdown"`
	TopProducts      []Item                 `json:"top_products"`
	TopIssues        []Item                 `json:"top_issues"`
	TopActions       []Item                 `json:"top_actions"`
	TopKeywords      []Item                 `json:"top_keywords"`
	Processing       map[storage.Status]int `json:"processing"`
}

// Compute aggregates records over q. Records outside the window or for
// another store are ignored, as are records without an insight for the
// content aggregates. The result depends only on the record set, not on
// the order the records arrive in.
func Compute(records []storage.Feedback, q Query) Summary {
	r := q.Range()
	topN := q.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}

	s := Summary{
		PeriodStart: storage.FormatDate(r.From),
		PeriodEnd:   storage.FormatDate(r.To),
		StoreCode:   q.StoreCode,
		Days:        []DayRow{},
		Stores:      []StoreRow{},
		Processing:  make(map[storage.Status]int, len(storage.Statuses)),
	}
	for _, st := range storage.Statuses {
		s.Processing[st] = 0
	}

	days := make(map[string]*DayRow)
	for d := r.From; !d.After(r.To); d = d.AddDate(0, 0, 1) {
		s.Days = append(s.Days, DayRow{Date: storage.FormatDate(d)})
	}
	for i := range s.Days {
		days[s.Days[i].Date] = &s.Days[i]
	}

	stores := make(map[string]*StoreRow)
	var storeOrder []string
	var products, issues, actions, keywords tagCounter
	var scoreSum float64

	for _, rec := range ordered(records) {
		day := rec.RecordedDay()
		if _, ok := days[day]; !ok {
			continue
		}
		if q.StoreCode != "" && rec.StoreCode != q.StoreCode {
			continue
		}
		s.Processing[rec.Status]++

		row, ok := stores[rec.StoreCode]
		if !ok {
			row = &StoreRow{StoreCode: rec.StoreCode}
			stores[rec.StoreCode] = row
			storeOrder = append(storeOrder, rec.StoreCode)
		}
		row.Submitted++
		if rec.Status.Failed() {
			row.Failed++
		}
		if rec.Status != storage.StatusCompleted || rec.Insight == nil {
			continue
		}

		ins := rec.Insight
		s.Total++
		s.Tones.add(ins.Tone)
		scoreSum += ins.ToneScore
		days[day].Total++
		days[day].add(ins.Tone)
		row.Completed++
		row.add(ins.Tone)
		products.addAll(ins.Products)
		issues.addAll(ins.Issues)
		actions.addAll(ins.Actions)
		keywords.addAll(ins.Keywords)
	}

	for _, code := range storeOrder {
		row := stores[code]
		if row.Submitted > 0 {
			row.FailureRate = float64(row.Failed) / float64(row.Submitted)
		}
		if row.Completed > 0 {
			s.TotalStores++
		}
		s.Stores = append(s.Stores, *row)
	}
	sort.SliceStable(s.Stores, func(i, j int) bool {
		if s.Stores[i].Completed != s.Stores[j].Completed {
			return s.Stores[i].Completed > s.Stores[j].Completed
		}
		return s.Stores[i].StoreCode < s.Stores[j].StoreCode
	})

	if s.Total > 0 {
		s.AverageToneScore = scoreSum / float64(s.Total)
	}
	s.TopProducts = products.top(topN)
	s.TopIssues = issues.top(topN)
	s.TopActions = actions.top(topN)
	s.TopKeywords = keywords.top(topN)
	return s
}

// ordered returns a copy of records sorted by recorded date, creation time
// and id, which fixes first-seen order for tie breaking.
func ordered(records []storage.Feedback) []storage.Feedback {
	out := make([]storage.Feedback, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if da, db := a.RecordedDay(), b.RecordedDay(); da != db {
			return da < db
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// normalizeTag is the matching key for free-text tags.
func normalizeTag(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// tagCounter counts normalized tags and remembers first-seen order.
type tagCounter struct {
	order  []string
	counts map[string]int
}

func (c *tagCounter) addAll(tags []string) {
	for _, t := range tags {
		k := normalizeTag(t)
		if k == "" {
			continue
		}
		if c.counts == nil {
			c.counts = make(map[string]int)
		}
		if _, seen := c.counts[k]; !seen {
			c.order = append(c.order, k)
		}
		c.counts[k]++
	}
}

func (c *tagCounter) counted() map[string]int {
	out := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// top returns the n most frequent tags; equal counts keep first-seen order.
func (c *tagCounter) top(n int) []Item {
	items := make([]Item, 0, len(c.order))
	for _, k := range c.order {
		items = append(items, Item{Name: k, Count: c.counts[k]})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Count > items[j].Count })
	if n > 0 && len(items) > n {
		items = items[:n]
	}
	return items
}
