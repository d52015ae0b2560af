// Package worker runs one pipeline stage: it polls the repository for
// records waiting in the stage's ready status, claims them, and processes
// them on a bounded pool.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/storevoice/internal/failure"
	"github.com/kalambet/storevoice/internal/notify"
	"github.com/kalambet/storevoice/internal/storage"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultRetryLimit   = 3
	releaseTimeout      = 10 * time.Second
	maxBackoffShift     = 16
	heartbeatsPerStale  = 3
)

// Outcomes reported to Metrics.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeReleased  = "released"
	OutcomeLost      = "lost"
)

// Store is the slice of the record repository a stage worker needs.
type Store interface {
	FindCandidates(ctx context.Context, stage storage.Stage, limit int) ([]storage.Feedback, error)
	TryClaim(ctx context.Context, stage storage.Stage, id string) (bool, error)
	Touch(ctx context.Context, stage storage.Stage, id string) error
	Release(ctx context.Context, stage storage.Stage, id string) (bool, error)
	Update(ctx context.Context, id string, expect storage.Status, fields storage.Fields) (bool, error)
	RequeueStale(ctx context.Context, stage storage.Stage, staleBefore time.Time, retryLimit int) (int, error)
}

// Processor does the stage's work for one claimed record and returns the
// columns to store on success. Errors should carry a failure kind.
type Processor interface {
	Process(ctx context.Context, rec storage.Feedback) (storage.Fields, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, rec storage.Feedback) (storage.Fields, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, rec storage.Feedback) (storage.Fields, error) {
	return f(ctx, rec)
}

// Metrics receives stage activity.
type Metrics interface {
	Claimed(stage string, n int)
	Requeued(stage string, n int)
	InFlight(stage string, delta int)
	Observe(stage, outcome, kind string, d time.Duration)
}

// Options tunes a Worker. Zero values select defaults.
type Options struct {
	PollInterval time.Duration
	// BatchSize caps claimed-but-unfinished records; defaults to Concurrency.
	BatchSize   int
	Concurrency int
	// RetryLimit is the total number of attempts a record gets.
	RetryLimit int
	// RetryBackoff delays the first retry; later retries double it.
	RetryBackoff time.Duration
	// StaleAfter requeues in-flight records not touched for this long.
	// Zero disables stale detection.
	StaleAfter time.Duration
	Logger     *slog.Logger
	Metrics    Metrics
	Notifier   notify.Notifier
	Now        func() time.Time
}

// Worker drives one stage.
type Worker struct {
	store Store
	stage storage.Stage
	proc  Processor
	opts  Options

	sem         *semaphore.Weighted
	outstanding atomic.Int64
	wg          sync.WaitGroup
}

// New creates a Worker for stage.
func New(store Store, stage storage.Stage, proc Processor, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = opts.Concurrency
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = defaultRetryLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{
		store: store,
		stage: stage,
		proc:  proc,
		opts:  opts,
		sem:   semaphore.NewWeighted(int64(opts.Concurrency)),
	}
}

// Stage returns the stage this worker drives.
func (w *Worker) Stage() storage.Stage { return w.stage }

// Run polls until ctx is cancelled, then waits for dispatched records to
// finish. Records still waiting for a pool slot are released unprocessed.
func (w *Worker) Run(ctx context.Context) error {
	log := w.opts.Logger.With("stage", w.stage.Name)
	log.Info("stage worker started",
		"concurrency", w.opts.Concurrency,
		"batch_size", w.opts.BatchSize,
		"poll_interval", w.opts.PollInterval,
	)

	for ctx.Err() == nil {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error("poll cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(w.opts.PollInterval):
		}
	}

	log.Info("stage worker stopping; waiting for in-flight records")
	w.Wait()
	log.Info("stage worker stopped")
	return nil
}

// RunOnce performs one poll cycle: requeue stale records, then claim and
// dispatch as many candidates as free capacity allows. It returns the
// number of records claimed. Dispatched records are processed in the
// background; use Wait to block until they finish.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	log := w.opts.Logger.With("stage", w.stage.Name)

	if w.opts.StaleAfter > 0 {
		n, err := w.store.RequeueStale(ctx, w.stage, w.opts.Now().Add(-w.opts.StaleAfter), w.opts.RetryLimit)
		if err != nil {
			log.Warn("requeueing stale records failed", "error", err)
		} else if n > 0 {
			log.Warn("requeued stale in-flight records", "count", n)
			w.metrics(func(m Metrics) { m.Requeued(w.stage.Name, n) })
		}
	}

	free := w.opts.BatchSize - int(w.outstanding.Load())
	if free <= 0 {
		return 0, nil
	}
	candidates, err := w.store.FindCandidates(ctx, w.stage, free)
	if err != nil {
		return 0, fmt.Errorf("finding %s candidates: %w", w.stage.Name, err)
	}

	claimed := 0
	for _, rec := range candidates {
		ok, err := w.store.TryClaim(ctx, w.stage, rec.ID)
		if err != nil {
			log.Warn("claim failed", "id", rec.ID, "error", err)
			continue
		}
		if !ok {
			// Another worker got there first.
			log.Debug("record already claimed", "id", rec.ID)
			continue
		}
		claimed++
		w.dispatch(ctx, rec, w.stage.Attempts(rec)+1)
	}
	if claimed > 0 {
		w.metrics(func(m Metrics) { m.Claimed(w.stage.Name, claimed) })
	}
	return claimed, nil
}

// Wait blocks until every dispatched record has finished or been released.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) dispatch(ctx context.Context, rec storage.Feedback, attempt int) {
	w.outstanding.Add(1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.outstanding.Add(-1)

		if err := w.acquire(ctx, rec); err != nil {
			w.release(rec)
			return
		}
		defer w.sem.Release(1)

		// Shutdown must not abort a record mid-flight; the stage timeout
		// bounds how long it can take.
		w.process(context.WithoutCancel(ctx), rec, attempt)
	}()
}

// acquire waits for a pool slot. A claimed record keeps its updated_at
// fresh while it waits so no poller treats the claim as stale.
func (w *Worker) acquire(ctx context.Context, rec storage.Feedback) error {
	if w.opts.StaleAfter <= 0 {
		return w.sem.Acquire(ctx, 1)
	}
	every := w.opts.StaleAfter / heartbeatsPerStale
	for {
		wctx, cancel := context.WithTimeout(ctx, every)
		err := w.sem.Acquire(wctx, 1)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.store.Touch(ctx, w.stage, rec.ID); err != nil {
			w.opts.Logger.Warn("refreshing waiting claim failed", "stage", w.stage.Name, "id", rec.ID, "error", err)
		}
	}
}

func (w *Worker) release(rec storage.Feedback) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if _, err := w.store.Release(ctx, w.stage, rec.ID); err != nil {
		w.opts.Logger.Error("releasing claim failed", "stage", w.stage.Name, "id", rec.ID, "error", err)
		return
	}
	w.metrics(func(m Metrics) { m.Observe(w.stage.Name, OutcomeReleased, "", 0) })
}

func (w *Worker) process(ctx context.Context, rec storage.Feedback, attempt int) {
	log := w.opts.Logger.With("stage", w.stage.Name, "id", rec.ID, "attempt", attempt)
	start := w.opts.Now()

	w.metrics(func(m Metrics) { m.InFlight(w.stage.Name, 1) })
	defer w.metrics(func(m Metrics) { m.InFlight(w.stage.Name, -1) })

	if err := w.store.Touch(ctx, w.stage, rec.ID); err != nil {
		log.Warn("refreshing in-flight record failed", "error", err)
	}

	fields, err := w.proc.Process(ctx, rec)
	if err == nil {
		ok, uerr := w.store.Update(ctx, rec.ID, w.stage.Running, w.stage.Succeeded(fields))
		switch {
		case uerr != nil:
			err = fmt.Errorf("storing %s result: %w", w.stage.Name, uerr)
		case !ok:
			log.Warn("record left the running status while processing; result dropped")
			w.observe(OutcomeLost, "", start)
			return
		default:
			log.Info("record processed", "status", w.stage.Done, "elapsed", w.opts.Now().Sub(start))
			w.observe(OutcomeSucceeded, "", start)
			return
		}
	}
	w.fail(ctx, log, rec, attempt, err, start)
}

// fail records err on the record. Fatal kinds and exhausted attempts move
// it to the stage's failed status; anything else goes back to ready.
func (w *Worker) fail(ctx context.Context, log *slog.Logger, rec storage.Feedback, attempt int, err error, start time.Time) {
	kind := failure.KindOf(err)
	msg := err.Error()
	terminal := kind.Fatal() || attempt >= w.opts.RetryLimit

	var fields storage.Fields
	outcome := OutcomeRetried
	if terminal {
		fields = w.stage.Fail(msg)
		outcome = OutcomeFailed
	} else {
		fields = w.stage.Retry(msg, w.opts.Now().Add(w.backoff(attempt)))
	}

	ok, uerr := w.store.Update(ctx, rec.ID, w.stage.Running, fields)
	if uerr != nil {
		log.Error("recording failure failed", "kind", kind, "error", err, "update_error", uerr)
		return
	}
	if !ok {
		log.Warn("record left the running status while processing; failure dropped", "kind", kind, "error", err)
		w.observe(OutcomeLost, string(kind), start)
		return
	}
	w.observe(outcome, string(kind), start)

	if !terminal {
		log.Warn("record will be retried", "kind", kind, "error", err, "retry_limit", w.opts.RetryLimit)
		return
	}
	log.Error("record failed", "status", w.stage.Failed, "kind", kind, "error", err)
	if w.opts.Notifier == nil {
		return
	}
	ev := notify.Event{
		ID:        rec.ID,
		StoreCode: rec.StoreCode,
		Stage:     w.stage.Name,
		Kind:      string(kind),
		Error:     msg,
		Attempts:  attempt,
		At:        w.opts.Now().UTC(),
	}
	if nerr := w.opts.Notifier.Notify(ctx, ev); nerr != nil {
		log.Warn("failure notification failed", "error", nerr)
	}
}

// backoff returns RetryBackoff doubled for every attempt after the first.
func (w *Worker) backoff(attempt int) time.Duration {
	if w.opts.RetryBackoff <= 0 || attempt < 1 {
		return 0
	}
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return w.opts.RetryBackoff << shift
}

func (w *Worker) observe(outcome, kind string, start time.Time) {
	d := w.opts.Now().Sub(start)
	w.metrics(func(m Metrics) { m.Observe(w.stage.Name, outcome, kind, d) })
}

func (w *Worker) metrics(fn func(Metrics)) {
	if w.opts.Metrics != nil {
		fn(w.opts.Metrics)
	}
}
