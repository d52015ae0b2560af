package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/storevoice/internal/failure"
	"github.com/kalambet/storevoice/internal/notify"
	"github.com/kalambet/storevoice/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createRecords(t *testing.T, s *storage.Store, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		rec, err := s.Create(context.Background(), storage.Feedback{
			StoreCode:    "S001",
			RecordedDate: time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC),
			MediaPath:    fmt.Sprintf("rec-%d.m4a", i),
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, rec.ID)
	}
	return ids
}

func getRecord(t *testing.T, s *storage.Store, id string) storage.Feedback {
	t.Helper()
	rec, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return rec
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func transcribeOK(ctx context.Context, rec storage.Feedback) (storage.Fields, error) {
	return storage.Fields{storage.ColTranscript: "text for " + rec.ID}, nil
}

// runCycles runs poll cycles until the worker claims nothing.
func runCycles(t *testing.T, w *Worker, cycles int) {
	t.Helper()
	for i := 0; i < cycles; i++ {
		n, err := w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		w.Wait()
		if n == 0 {
			return
		}
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	claimed  int
	requeued int
	outcomes map[string]int
}

func (m *recordingMetrics) Claimed(stage string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimed += n
}

func (m *recordingMetrics) Requeued(stage string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeued += n
}

func (m *recordingMetrics) InFlight(stage string, delta int) {}

func (m *recordingMetrics) Observe(stage, outcome, kind string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]int)
	}
	m.outcomes[outcome]++
}

func TestRunOnce_ProcessesRecord(t *testing.T) {
	s := openTestStore(t)
	ids := createRecords(t, s, 1)

	w := New(s, storage.Transcription, ProcessorFunc(transcribeOK), Options{Logger: quietLogger()})
	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("claimed = %d, want 1", n)
	}
	w.Wait()

	rec := getRecord(t, s, ids[0])
	if rec.Status != storage.StatusTranscribed {
		t.Errorf("status = %q, want %q", rec.Status, storage.StatusTranscribed)
	}
	if rec.Transcript != "text for "+ids[0] {
		t.Errorf("transcript = %q", rec.Transcript)
	}
	if rec.TranscriptionAttempts != 1 {
		t.Errorf("attempts = %d, want 1", rec.TranscriptionAttempts)
	}
}

func TestRunOnce_NothingToDo(t *testing.T) {
	s := openTestStore(t)
	w := New(s, storage.Analysis, ProcessorFunc(transcribeOK), Options{Logger: quietLogger()})
	n, err := w.RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Errorf("RunOnce = %d, %v; want 0, nil", n, err)
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	s := openTestStore(t)
	ids := createRecords(t, s, 10)

	var active, peak atomic.Int32
	proc := ProcessorFunc(func(ctx context.Context, rec storage.Feedback) (storage.Fields, error) {
		cur := active.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return transcribeOK(ctx, rec)
	})

	w := New(s, storage.Transcription, proc, Options{Concurrency: 2, BatchSize: 10, Logger: quietLogger()})
	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 10 {
		t.Errorf("claimed = %d, want 10", n)
	}
	w.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
	for _, id := range ids {
		if rec := getRecord(t, s, id); rec.Status != storage.StatusTranscribed {
			t.Errorf("%s status = %q, want transcribed", id, rec.Status)
		}
	}
}

func TestBatchSizeCapsClaims(t *testing.T) {
	s := openTestStore(t)
	createRecords(t, s, 5)

	release := make(chan struct{})
	proc := ProcessorFunc(func(ctx context.Context, rec storage.Feedback) (storage.Fields, error) {
		<-release
		return transcribeOK(ctx, rec)
	})
	w := New(s, storage.Transcription, proc, Options{Concurrency: 1, BatchSize: 2, Logger: quietLogger()})

	if n, _ := w.RunOnce(context.Background()); n != 2 {
		t.Errorf("first cycle claimed %d, want 2", n)
	}
	if n, _ := w.RunOnce(context.Background()); n != 0 {
		t.Errorf("second cycle claimed %d while full, want 0", n)
	}
	close(release)
	w.Wait()

	if n, _ := w.RunOnce(context.Background()); n != 2 {
		t.Errorf("third cycle claimed %d, want 2", n)
	}
	w.Wait()
}

func TestRetryLimitIsExact(t *testing.T) {
	s := openTestStore(t)
	ids := createRecords(t, s, 1)

	var calls atomic.Int32
	proc := ProcessorFunc(func(ctx context.Context, rec storage.Feedback) (storage.Fields, error) {
		calls.Add(1)
		return nil, failure.Newf(failure.Timeout, "whisper did not finish in time")
	})
	notifier := &recordingNotifier{}
	m := &recordingMetrics{}
	w := New(s, storage.Transcription, proc, Options{
		RetryLimit: 3,
		Logger:     quietLogger(),
		Notifier:   notifier,
		Metrics:    m,
	})

	runCycles(t, w, 10)

	if got := calls.Load(); got != 3 {
		t.Errorf("process calls = %d, want 3", got)
	}
	rec := getRecord(t, s, ids[0])
	if rec.Status != storage.StatusTranscriptionFailed {
		t.Errorf("status = %q, want %q", rec.Status, storage.StatusTranscriptionFailed)
	}
	if rec.TranscriptionAttempts != 3 {
		t.Errorf("attempts = %d, want 3", rec.TranscriptionAttempts)
	}
	if rec.TranscriptionError == "" {
		t.Error("transcription_error should be recorded")
	}
	if len(notifier.events) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.events))
	}
	if ev := notifier.events[0]; ev.Kind != string(failure.Timeout) || ev.Attempts != 3 || ev.Stage != "transcription" {
		t.Errorf("event = %+v", ev)
	}
	if m.outcomes[OutcomeRetried] != 2 || m.outcomes[OutcomeFailed] != 1 || m.claimed != 3 {
		t.Errorf("metrics = claimed %d, outcomes %v", m.claimed, m.outcomes)
	}
}

func TestFatalFailureIsImmediate(t *testing.T) {
	s := openTestStore(t)
	ids := createRecords(t, s, 1)

	var calls atomic.Int32
	proc := ProcessorFunc(func(ctx context.Context, rec storage.Feedback) (storage.Fields, error) {
		calls.Add(1)
		return nil, failure.Newf(failure.MediaUnreadable, "invalid data found when processing input")
	})
	w := New(s, storage.Transcription, proc, Options{RetryLimit: 5, Logger: quietLogger()})

	runCycles(t, w, 10)

	if got := calls.Load(); got != 1 {
		t.Errorf("process calls = %d, want 1", got)
	}
	rec := getRecord(t, s, ids[0])
	if rec.Status != storage.StatusTranscriptionFailed || rec.TranscriptionAttempts != 1 {
		t.Errorf("record = %s after %d attempts, want transcription_failed after 1", rec.Status, rec.TranscriptionAttempts)
	}
}

func TestUnclassifiedErrorIsRetried(t *testing.T) {
	s := openTestStore(t)
	ids := createRecords(t, s, 1)

	var calls atomic.Int32
	proc := ProcessorFunc(func(ctx context.Context, rec storage.Feedback) (storage.Fields, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient glitch")
		}
		return transcribeOK(ctx, rec)
	})
	w := New(s, storage.Transcription, proc, Options{Logger: quietLogger()})

	runCycles(t, w, 5)

	rec := getRecord(t, s, ids[0])
	if rec.Status != storage.StatusTranscribed {
		t.Errorf("status = %q, want transcribed", rec.Status)
	}
	if rec.TranscriptionError != "" {
		t.Errorf("error = %q, want cleared on success", rec.TranscriptionError)
	}
	if rec.TranscriptionAttempts != 2 {
		t.Errorf("attempts = %d, want 2", rec.TranscriptionAttempts)
	}
}

func TestRetryBackoffDelaysNextAttempt(t *testing.T) {
	s := openTestStore(t)
	createRecords(t, s, 1)

	proc := ProcessorFunc(func(ctx context.Context, rec storage.Feedback) (storage.Fields, error) {
		return nil, failure.Newf(failure.UpstreamUnavailable, "503")
	})
	w := New(s, storage.Transcription, proc, Options{RetryBackoff: time.Hour, Logger: quietLogger()})

	if n, _ := w.RunOnce(context.Background()); n != 1 {
		t.Fatalf("claimed = %d, want 1", n)
	}
	w.Wait()
	if n, _ := w.RunOnce(context.Background()); n != 0 {
		t.Errorf("claimed = %d during backoff, want 0", n)
	}
}

func TestBackoffDoubles(t *testing.T) {
	w := New(nil, storage.Analysis, nil, Options{RetryBackoff: time.Second})
	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second} {
		if got := w.backoff(attempt); got != want {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
	if got := New(nil, storage.Analysis, nil, Options{}).backoff(3); got != 0 {
		t.Errorf("backoff without base = %v, want 0", got)
	}
}

func TestStaleRecordsAreRequeued(t *testing.T) {
	s := openTestStore(t)
	ids := createRecords(t, s, 1)

	// Simulate a worker that claimed the record and died.
	if ok, err := s.TryClaim(context.Background(), storage.Transcription, ids[0]); err != nil || !ok {
		t.Fatalf("TryClaim = %v, %v", ok, err)
	}
	time.Sleep(30 * time.Millisecond)

	m := &recordingMetrics{}
	w := New(s, storage.Transcription, ProcessorFunc(transcribeOK), Options{
		StaleAfter: 10 * time.Millisecond,
		Logger:     quietLogger(),
		Metrics:    m,
	})
	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("claimed = %d, want the requeued record", n)
	}
	w.Wait()

	rec := getRecord(t, s, ids[0])
	if rec.Status != storage.StatusTranscribed {
		t.Errorf("status = %q, want transcribed", rec.Status)
	}
	if rec.TranscriptionAttempts != 2 {
		t.Errorf("attempts = %d, want 2", rec.TranscriptionAttempts)
	}
	if m.requeued != 1 {
		t.Errorf("requeued = %d, want 1", m.requeued)
	}
}

func TestShutdownReleasesWaitingClaims(t *testing.T) {
	s := openTestStore(t)
	ids := createRecords(t, s, 3)

	started := make(chan string, 3)
	unblock := make(chan struct{})
	proc := ProcessorFunc(func(ctx context.Context, rec storage.Feedback) (storage.Fields, error) {
		started <- rec.ID
		<-unblock
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return transcribeOK(ctx, rec)
	})

	ctx, cancel := context.WithCancel(context.Background())
	w := New(s, storage.Transcription, proc, Options{Concurrency: 1, BatchSize: 3, Logger: quietLogger()})
	if n, err := w.RunOnce(ctx); err != nil || n != 3 {
		t.Fatalf("RunOnce = %d, %v; want 3 claims", n, err)
	}

	first := <-started
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(unblock)
	w.Wait()

	for _, id := range ids {
		rec := getRecord(t, s, id)
		if id == first {
			if rec.Status != storage.StatusTranscribed {
				t.Errorf("in-flight record status = %q, want transcribed", rec.Status)
			}
			continue
		}
		if rec.Status != storage.StatusPending {
			t.Errorf("waiting record status = %q, want pending", rec.Status)
		}
		if rec.TranscriptionAttempts != 0 {
			t.Errorf("waiting record attempts = %d, want 0", rec.TranscriptionAttempts)
		}
	}
}

func TestCompetingWorkersProcessOnce(t *testing.T) {
	s := openTestStore(t)
	ids := createRecords(t, s, 8)

	var mu sync.Mutex
	seen := make(map[string]int)
	proc := ProcessorFunc(func(ctx context.Context, rec storage.Feedback) (storage.Fields, error) {
		mu.Lock()
		seen[rec.ID]++
		mu.Unlock()
		return transcribeOK(ctx, rec)
	})

	a := New(s, storage.Transcription, proc, Options{Concurrency: 4, BatchSize: 8, Logger: quietLogger()})
	b := New(s, storage.Transcription, proc, Options{Concurrency: 4, BatchSize: 8, Logger: quietLogger()})

	var wg sync.WaitGroup
	for _, w := range []*Worker{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.RunOnce(context.Background()); err != nil {
				t.Errorf("RunOnce: %v", err)
			}
			w.Wait()
		}()
	}
	wg.Wait()

	for _, id := range ids {
		if seen[id] != 1 {
			t.Errorf("%s processed %d times, want 1", id, seen[id])
		}
	}
}

func TestWaitingClaimsAreNotRequeued(t *testing.T) {
	s := openTestStore(t)
	ids := createRecords(t, s, 3)

	var mu sync.Mutex
	seen := make(map[string]int)
	proc := ProcessorFunc(func(ctx context.Context, rec storage.Feedback) (storage.Fields, error) {
		mu.Lock()
		seen[rec.ID]++
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		return transcribeOK(ctx, rec)
	})

	// a claims all three records but runs them one at a time, so the last
	// one waits for a slot longer than StaleAfter.
	a := New(s, storage.Transcription, proc, Options{
		Concurrency: 1,
		BatchSize:   3,
		StaleAfter:  90 * time.Millisecond,
		Logger:      quietLogger(),
	})
	b := New(s, storage.Transcription, proc, Options{
		Concurrency: 3,
		BatchSize:   3,
		StaleAfter:  90 * time.Millisecond,
		Logger:      quietLogger(),
	})

	if n, err := a.RunOnce(context.Background()); err != nil || n != 3 {
		t.Fatalf("RunOnce = %d, %v; want 3 claims", n, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for ctx.Err() == nil {
			if _, err := b.RunOnce(ctx); err != nil && ctx.Err() == nil {
				t.Errorf("RunOnce: %v", err)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	a.Wait()
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-polled
	b.Wait()

	for _, id := range ids {
		if seen[id] != 1 {
			t.Errorf("%s processed %d times, want 1", id, seen[id])
		}
		if rec := getRecord(t, s, id); rec.Status != storage.StatusTranscribed {
			t.Errorf("%s status = %q, want transcribed", id, rec.Status)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := openTestStore(t)
	ids := createRecords(t, s, 2)

	ctx, cancel := context.WithCancel(context.Background())
	w := New(s, storage.Transcription, ProcessorFunc(transcribeOK), Options{
		PollInterval: 10 * time.Millisecond,
		Concurrency:  2,
		Logger:       quietLogger(),
	})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if getRecord(t, s, ids[0]).Status == storage.StatusTranscribed && getRecord(t, s, ids[1]).Status == storage.StatusTranscribed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	for _, id := range ids {
		if rec := getRecord(t, s, id); rec.Status != storage.StatusTranscribed {
			t.Errorf("%s status = %q, want transcribed", id, rec.Status)
		}
	}
}
