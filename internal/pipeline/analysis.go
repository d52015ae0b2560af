package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/storevoice/internal/failure"
	"github.com/kalambet/storevoice/internal/insight"
	"github.com/kalambet/storevoice/internal/storage"
)

// Extractor requests an insight completion for a transcript.
type Extractor interface {
	Extract(ctx context.Context, req insight.Request) (string, error)
}

// Analysis processes records claimed by the analysis stage.
type Analysis struct {
	Extractor Extractor
	Prompt    *insight.Prompt
	// MaxTranscriptChars truncates the transcript sent upstream; 0 disables.
	MaxTranscriptChars int
	MinTranscriptChars int
	MaxTokens          int
	MaxListItems       int
	Timeout            time.Duration
	Now                func() time.Time
	Logger             *slog.Logger
}

// Process extracts and validates the insight for rec.
func (p *Analysis) Process(ctx context.Context, rec storage.Feedback) (storage.Fields, error) {
	text := strings.TrimSpace(rec.Transcript)
	if n := utf8.RuneCountInString(text); n < p.MinTranscriptChars {
		return nil, failure.Newf(failure.TranscriptTooShort, "transcript has %d characters, need %d", n, p.MinTranscriptChars)
	}
	text = truncate(text, p.MaxTranscriptChars)

	raw, err := p.Extractor.Extract(ctx, insight.Request{
		Transcript:   text,
		Prompt:       p.Prompt,
		StoreCode:    rec.StoreCode,
		RecordedDate: rec.RecordedDate,
		MaxTokens:    p.MaxTokens,
		Timeout:      p.Timeout,
	})
	if err != nil {
		return nil, err
	}

	ins, err := insight.Parse(raw, insight.ParseOptions{MaxItems: p.MaxListItems})
	if err != nil {
		logger(p.Logger).Debug("unparseable model output", "id", rec.ID, "raw", raw)
		return nil, err
	}
	return storage.Fields{
		storage.ColInsight:    &ins,
		storage.ColAnalyzedAt: now(p.Now),
	}, nil
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
