package insight

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/storevoice/internal/failure"
	"github.com/kalambet/storevoice/internal/llm"
	"github.com/kalambet/storevoice/internal/storage"
)

// Request is one extraction call.
type Request struct {
	Transcript   string
	Prompt       *Prompt // nil uses DefaultTemplate
	StoreCode    string
	RecordedDate time.Time
	MaxTokens    int
	Timeout      time.Duration
}

// Extractor sends transcripts to a completion backend. It returns raw model
// text; parsing is the caller's job.
type Extractor struct {
	client      llm.Completer
	model       string
	temperature float64
	fallback    *Prompt
}

// NewExtractor creates an Extractor using the given backend and model name.
func NewExtractor(client llm.Completer, model string, temperature float64) *Extractor {
	p, _ := NewPrompt("")
	return &Extractor{client: client, model: model, temperature: temperature, fallback: p}
}

// Extract renders the prompt, calls the backend within req.Timeout, and
// returns the completion text. Errors carry a failure kind.
func (e *Extractor) Extract(ctx context.Context, req Request) (string, error) {
	prompt := req.Prompt
	if prompt == nil {
		prompt = e.fallback
	}
	messages, err := prompt.Messages(PromptData{
		Transcript:   req.Transcript,
		StoreCode:    req.StoreCode,
		RecordedDate: storage.FormatDate(req.RecordedDate),
	})
	if err != nil {
		return "", failure.New(failure.Unknown, err)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := e.client.Complete(ctx, llm.Request{
		Model:       e.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: e.temperature,
		JSON:        true,
	})
	if err != nil {
		var fe *failure.Error
		if errors.As(err, &fe) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", failure.New(failure.Timeout, err)
		}
		return "", failure.New(failure.UpstreamUnavailable, err)
	}
	slog.Debug("insight extraction finished", "model", e.model, "chars", len(raw), "elapsed", time.Since(start))
	return raw, nil
}
