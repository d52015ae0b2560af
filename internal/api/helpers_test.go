package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/storevoice/internal/storage"
)

const testToken = "test-token-abc123"

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func setupHandler(t *testing.T, token string) (http.Handler, *storage.Store, Deps) {
	t.Helper()
	store := openTestStore(t)
	deps := Deps{
		Store:             store,
		UploadDir:         t.TempDir(),
		MaxUploadBytes:    1 << 20,
		AllowedExtensions: []string{"mp3", "wav", "m4a"},
		DefaultDays:       15,
		MaxRangeDays:      90,
		ReportTopN:        20,
		Token:             token,
	}
	return NewHandler(deps), store, deps
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func createRecord(t *testing.T, s *storage.Store, store, day string) storage.Feedback {
	t.Helper()
	d, err := storage.ParseDate(day)
	if err != nil {
		t.Fatalf("ParseDate(%q): %v", day, err)
	}
	f, err := s.Create(context.Background(), storage.Feedback{StoreCode: store, RecordedDate: d, MediaPath: "audio.mp3"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return f
}

func mustClaim(t *testing.T, s *storage.Store, stage storage.Stage, id string) {
	t.Helper()
	ok, err := s.TryClaim(context.Background(), stage, id)
	if err != nil || !ok {
		t.Fatalf("TryClaim(%s, %s) = %v, %v", stage.Name, id, ok, err)
	}
}

func completeRecord(t *testing.T, s *storage.Store, id string, ins storage.Insight) {
	t.Helper()
	ctx := context.Background()
	mustClaim(t, s, storage.Transcription, id)
	if _, err := s.Update(ctx, id, storage.StatusTranscribing, storage.Transcription.Succeeded(storage.Fields{
		storage.ColTranscript:    "the sandals broke after a week",
		storage.ColTranscribedAt: time.Now(),
	})); err != nil {
		t.Fatalf("Update: %v", err)
	}
	mustClaim(t, s, storage.Analysis, id)
	if _, err := s.Update(ctx, id, storage.StatusAnalyzing, storage.Analysis.Succeeded(storage.Fields{
		storage.ColInsight:    &ins,
		storage.ColAnalyzedAt: time.Now(),
	})); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func failTranscription(t *testing.T, s *storage.Store, id string) {
	t.Helper()
	mustClaim(t, s, storage.Transcription, id)
	if _, err := s.Update(context.Background(), id, storage.StatusTranscribing, storage.Transcription.Fail("media unreadable")); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func negativeInsight() storage.Insight {
	return storage.Insight{
		Summary:   "Customer unhappy with sandal quality.",
		Tone:      storage.ToneNegative,
		ToneScore: 0.2,
		Products:  []string{"Sandals"},
		Issues:    []string{"poor quality"},
		Actions:   []string{"offer replacement"},
		Keywords:  []string{"sandals"},
	}
}
