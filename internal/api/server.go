// Package api exposes feedback submission, pipeline control, and dashboard
// queries over HTTP and MCP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/storevoice/internal/aggregate"
	"github.com/kalambet/storevoice/internal/storage"
)

// Repository is the slice of the record store the API reads and writes.
type Repository interface {
	Create(ctx context.Context, f storage.Feedback) (storage.Feedback, error)
	Get(ctx context.Context, id string) (storage.Feedback, error)
	List(ctx context.Context, filter storage.ListFilter) ([]storage.Feedback, error)
	ResetStage(ctx context.Context, stage storage.Stage, id string) error
	CountByStatus(ctx context.Context, r storage.DateRange, storeCode string) (map[storage.Status]int, error)
	Stores(ctx context.Context) ([]string, error)
	QueryWindow(ctx context.Context, r storage.DateRange, storeCode string) ([]storage.Feedback, error)
	Ping() error
}

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Store  Repository
	Engine *aggregate.Engine

	UploadDir         string
	MaxUploadBytes    int64
	AllowedExtensions []string

	DefaultDays  int
	MaxRangeDays int
	ReportTopN   int

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Token   string
	Logger  *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// NewHandler builds the router. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Engine == nil {
		deps.Engine = aggregate.NewEngine(deps.Store, 0)
	}
	if deps.DefaultDays <= 0 {
		deps.DefaultDays = 15
	}
	if deps.MaxRangeDays <= 0 {
		deps.MaxRangeDays = 90
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.logger()))

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/feedback", handleUpload(deps))
		r.Get("/feedback", handleListFeedback(deps))
		r.Get("/feedback/{id}", handleGetFeedback(deps))
		r.Post("/feedback/{id}/retry-transcription", handleRetry(deps, storage.Transcription))
		r.Post("/feedback/{id}/retry-analysis", handleRetry(deps, storage.Analysis))
		r.Get("/stores", handleStores(deps))

		r.Get("/dashboard/summary", handleSummary(deps))
		r.Get("/dashboard/daily", handleDaily(deps))
		r.Get("/dashboard/processing-status", handleProcessingStatus(deps))
		r.Get("/dashboard/report.xlsx", handleReport(deps))

		if deps.Metrics != nil {
			r.Handle("/metrics", deps.Metrics)
		}
	})
	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "database unavailable: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			if strings.HasPrefix(r.URL.Path, "/health") {
				return
			}
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		})
	}
}
