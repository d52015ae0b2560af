package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/storevoice/internal/aggregate"
	"github.com/kalambet/storevoice/internal/storage"
	"github.com/kalambet/storevoice/internal/worker"
)

var (
	_ worker.Metrics      = (*Metrics)(nil)
	_ aggregate.Publisher = (*Metrics)(nil)
)

func TestMetrics_WorkerActivity(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Claimed("transcription", 3)
	m.Claimed("transcription", 1)
	m.Requeued("analysis", 2)
	m.InFlight("transcription", 2)
	m.InFlight("transcription", -1)
	m.Observe("transcription", worker.OutcomeSucceeded, "", 2*time.Second)
	m.Observe("transcription", worker.OutcomeFailed, "media_unreadable", time.Second)
	m.Observe("analysis", worker.OutcomeReleased, "", 0)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.claimed.WithLabelValues("transcription")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requeued.WithLabelValues("analysis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight.WithLabelValues("transcription")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("transcription", "failed", "media_unreadable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("analysis", "released", "")))
	// Zero durations are not observed.
	assert.Equal(t, 2, testutil.CollectAndCount(m.duration))
}

func TestMetrics_PublishSummary(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.PublishSummary(aggregate.Summary{
		Tones:            aggregate.ToneCounts{Positive: 3, Negative: 1},
		AverageToneScore: 0.7,
		Stores: []aggregate.StoreRow{
			{StoreCode: "S001", Completed: 3},
			{StoreCode: "S002", Completed: 1},
		},
		Processing: map[storage.Status]int{storage.StatusCompleted: 4, storage.StatusPending: 2},
	})

	assert.Equal(t, 3.0, testutil.ToFloat64(m.completed.WithLabelValues("S001")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.tones.WithLabelValues("positive")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.tones.WithLabelValues("neutral")))
	assert.Equal(t, 0.7, testutil.ToFloat64(m.avgScore))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.statuses.WithLabelValues("pending")))

	// A later snapshot drops stores that left the window.
	m.PublishSummary(aggregate.Summary{Stores: []aggregate.StoreRow{{StoreCode: "S002", Completed: 5}}})
	assert.Equal(t, 1, testutil.CollectAndCount(m.completed))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.completed.WithLabelValues("S002")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New(nil)
	m.Claimed("analysis", 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `storevoice_claims_total{stage="analysis"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
