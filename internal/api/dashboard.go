package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kalambet/storevoice/internal/aggregate"
	"github.com/kalambet/storevoice/internal/storage"
)

const maxTopN = 100

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// parseWindow reads either days or a from/to pair, plus store and top.
func parseWindow(r *http.Request, deps Deps) (aggregate.Query, error) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")

	var query aggregate.Query
	switch {
	case from != "" || to != "":
		if from == "" || to == "" {
			return query, fmt.Errorf("from and to must be given together")
		}
		f, err := storage.ParseDate(from)
		if err != nil {
			return query, fmt.Errorf("from must be YYYY-MM-DD")
		}
		t, err := storage.ParseDate(to)
		if err != nil {
			return query, fmt.Errorf("to must be YYYY-MM-DD")
		}
		if t.Before(f) {
			return query, fmt.Errorf("from must not be after to")
		}
		rng := storage.DateRange{From: f, To: t}
		if rng.Days() > deps.MaxRangeDays {
			return query, fmt.Errorf("date range cannot exceed %d days", deps.MaxRangeDays)
		}
		query = aggregate.Query{From: f, To: t}
	default:
		days := deps.DefaultDays
		if s := q.Get("days"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 || n > deps.MaxRangeDays {
				return query, fmt.Errorf("days must be between 1 and %d", deps.MaxRangeDays)
			}
			days = n
		}
		query = deps.Engine.LastDays(days, "")
	}

	query.StoreCode = q.Get("store")
	if s := q.Get("top"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxTopN {
			return query, fmt.Errorf("top must be between 1 and %d", maxTopN)
		}
		query.TopN = n
	}
	return query, nil
}

func handleSummary(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseWindow(r, deps)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		s, err := deps.Engine.Summary(r.Context(), q)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute summary: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func handleDaily(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseWindow(r, deps)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		rows, err := deps.Engine.Daily(r.Context(), q)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute daily aggregates: %v", err)
			return
		}
		if rows == nil {
			rows = []aggregate.DailyAggregate{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"period_start": storage.FormatDate(q.From),
			"period_end":   storage.FormatDate(q.To),
			"days":         rows,
		})
	}
}

func handleProcessingStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseWindow(r, deps)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		counts, err := deps.Store.CountByStatus(r.Context(), q.Range(), q.StoreCode)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count records: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, processingStatus(q, counts))
	}
}

// processingStatus lists every status, zero-filled.
func processingStatus(q aggregate.Query, counts map[storage.Status]int) map[string]any {
	full := make(map[storage.Status]int, len(storage.Statuses))
	total := 0
	for _, st := range storage.Statuses {
		full[st] = counts[st]
		total += counts[st]
	}
	return map[string]any{
		"period_start": storage.FormatDate(q.From),
		"period_end":   storage.FormatDate(q.To),
		"store_code":   q.StoreCode,
		"total":        total,
		"counts":       full,
	}
}

func handleReport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseWindow(r, deps)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if q.TopN == 0 {
			q.TopN = deps.ReportTopN
		}
		s, err := deps.Engine.Summary(r.Context(), q)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute summary: %v", err)
			return
		}
		daily, err := deps.Engine.Daily(r.Context(), q)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute daily aggregates: %v", err)
			return
		}

		var buf bytes.Buffer
		if err := aggregate.WriteXLSX(&buf, s, daily); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to render report: %v", err)
			return
		}
		name := fmt.Sprintf("feedback-%s-%s.xlsx", s.PeriodStart, s.PeriodEnd)
		w.Header().Set("Content-Type", xlsxContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	}
}
