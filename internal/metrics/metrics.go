// Package metrics exposes stage worker activity and dashboard snapshots as
// Prometheus collectors. All names carry the storevoice_ prefix.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/storevoice/internal/aggregate"
	"github.com/kalambet/storevoice/internal/storage"
)

const namespace = "storevoice"

// Metrics implements worker.Metrics and aggregate.Publisher.
type Metrics struct {
	reg *prometheus.Registry

	claimed  *prometheus.CounterVec
	requeued *prometheus.CounterVec
	inFlight *prometheus.GaugeVec
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec

	completed *prometheus.GaugeVec
	tones     *prometheus.GaugeVec
	avgScore  prometheus.Gauge
	statuses  *prometheus.GaugeVec
	refreshed prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg gets a
// fresh registry that also carries the Go runtime and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m := &Metrics{reg: reg}

	m.claimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "claims_total",
		Help:      "Records claimed by a stage worker.",
	}, []string{"stage"})
	m.requeued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_requeues_total",
		Help:      "In-flight records requeued after going stale.",
	}, []string{"stage"})
	m.inFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "in_flight",
		Help:      "Claimed records not yet finished.",
	}, []string{"stage"})
	m.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "processed_total",
		Help:      "Finished stage attempts by outcome and failure kind.",
	}, []string{"stage", "outcome", "kind"})
	// Transcription runs take minutes; analysis calls take seconds.
	m.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "processing_duration_seconds",
		Help:      "Wall time of a stage attempt.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200},
	}, []string{"stage", "outcome"})

	m.completed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dashboard_completed",
		Help:      "Completed feedback per store in the dashboard window.",
	}, []string{"store"})
	m.tones = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dashboard_tone",
		Help:      "Completed feedback per tone in the dashboard window.",
	}, []string{"tone"})
	m.avgScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dashboard_average_tone_score",
		Help:      "Average tone score in the dashboard window.",
	})
	m.statuses = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dashboard_status",
		Help:      "Records per processing status in the dashboard window.",
	}, []string{"status"})
	m.refreshed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dashboard_refreshed_timestamp_seconds",
		Help:      "Unix time of the last dashboard refresh.",
	})

	reg.MustRegister(
		m.claimed, m.requeued, m.inFlight, m.outcomes, m.duration,
		m.completed, m.tones, m.avgScore, m.statuses, m.refreshed,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Claimed(stage string, n int) {
	m.claimed.WithLabelValues(stage).Add(float64(n))
}

func (m *Metrics) Requeued(stage string, n int) {
	m.requeued.WithLabelValues(stage).Add(float64(n))
}

func (m *Metrics) InFlight(stage string, delta int) {
	m.inFlight.WithLabelValues(stage).Add(float64(delta))
}

func (m *Metrics) Observe(stage, outcome, kind string, d time.Duration) {
	m.outcomes.WithLabelValues(stage, outcome, kind).Inc()
	if d > 0 {
		m.duration.WithLabelValues(stage, outcome).Observe(d.Seconds())
	}
}

// PublishSummary replaces the dashboard gauges with s.
func (m *Metrics) PublishSummary(s aggregate.Summary) {
	m.completed.Reset()
	for _, row := range s.Stores {
		m.completed.WithLabelValues(row.StoreCode).Set(float64(row.Completed))
	}
	m.tones.WithLabelValues(string(storage.TonePositive)).Set(float64(s.Tones.Positive))
	m.tones.WithLabelValues(string(storage.ToneNegative)).Set(float64(s.Tones.Negative))
	m.tones.WithLabelValues(string(storage.ToneNeutral)).Set(float64(s.Tones.Neutral))
	m.avgScore.Set(s.AverageToneScore)
	for st, n := range s.Processing {
		m.statuses.WithLabelValues(string(st)).Set(float64(n))
	}
	m.refreshed.SetToCurrentTime()
}
