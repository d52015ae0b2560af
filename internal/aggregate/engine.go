package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/storevoice/internal/storage"
)

// Repository loads the records of a window, in any status.
type Repository interface {
	QueryWindow(ctx context.Context, r storage.DateRange, storeCode string) ([]storage.Feedback, error)
}

// Engine answers dashboard queries from the repository.
type Engine struct {
	repo Repository
	topN int
	now  func() time.Time
}

// NewEngine creates an Engine. topN is used for queries that leave TopN unset.
func NewEngine(repo Repository, topN int) *Engine {
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &Engine{repo: repo, topN: topN, now: time.Now}
}

// LastDays returns a query covering the n days up to and including today.
func (e *Engine) LastDays(n int, storeCode string) Query {
	r := storage.LastDays(e.now(), n)
	return Query{From: r.From, To: r.To, StoreCode: storeCode}
}

// Summary loads the window and aggregates it.
func (e *Engine) Summary(ctx context.Context, q Query) (Summary, error) {
	if q.TopN <= 0 {
		q.TopN = e.topN
	}
	records, err := e.repo.QueryWindow(ctx, q.Range(), q.StoreCode)
	if err != nil {
		return Summary{}, fmt.Errorf("loading window %s..%s: %w", storage.FormatDate(q.From), storage.FormatDate(q.To), err)
	}
	return Compute(records, q), nil
}

// Daily loads the window and projects it per day and store.
func (e *Engine) Daily(ctx context.Context, q Query) ([]DailyAggregate, error) {
	records, err := e.repo.QueryWindow(ctx, q.Range(), q.StoreCode)
	if err != nil {
		return nil, fmt.Errorf("loading window %s..%s: %w", storage.FormatDate(q.From), storage.FormatDate(q.To), err)
	}
	return Daily(records), nil
}

// Publisher receives periodically refreshed summaries.
type Publisher interface {
	PublishSummary(s Summary)
}

// Refresher recomputes the default dashboard window on an interval.
type Refresher struct {
	engine   *Engine
	interval time.Duration
	days     int
	pub      Publisher
	logger   *slog.Logger

	mu     sync.RWMutex
	latest *Summary
}

// NewRefresher creates a Refresher over the last days days.
func NewRefresher(engine *Engine, interval time.Duration, days int, pub Publisher) *Refresher {
	return &Refresher{
		engine:   engine,
		interval: interval,
		days:     days,
		pub:      pub,
		logger:   slog.Default(),
	}
}

// Run refreshes immediately and then every interval until ctx is done. A
// non-positive interval disables refreshing.
func (r *Refresher) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("dashboard refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Refresh recomputes the window once and publishes it.
func (r *Refresher) Refresh(ctx context.Context) error {
	s, err := r.engine.Summary(ctx, r.engine.LastDays(r.days, ""))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.latest = &s
	r.mu.Unlock()
	if r.pub != nil {
		r.pub.PublishSummary(s)
	}
	return nil
}

// Latest returns the most recent refreshed summary, if any.
func (r *Refresher) Latest() (Summary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return Summary{}, false
	}
	return *r.latest, true
}
