// Package pipeline holds the two stage processors: transcription turns a
// recording into text, analysis turns text into a structured insight.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/storevoice/internal/failure"
	"github.com/kalambet/storevoice/internal/media"
	"github.com/kalambet/storevoice/internal/storage"
	"github.com/kalambet/storevoice/internal/transcribe"
)

// Transcriber runs speech-to-text on a local media file.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaPath, language string, timeout time.Duration) (transcribe.Result, error)
}

// Transcription processes records claimed by the transcription stage.
type Transcription struct {
	Media       media.Resolver
	Transcriber Transcriber
	Language    string
	// Timeout bounds the whole attempt, media download included.
	Timeout time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
}

// Process resolves the record's media and transcribes it.
func (p *Transcription) Process(ctx context.Context, rec storage.Feedback) (storage.Fields, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	f, err := p.Media.Resolve(ctx, rec.MediaPath)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, failure.New(failure.Timeout, fmt.Errorf("resolving %s: %w", rec.MediaPath, err))
		}
		return nil, err
	}
	defer f.Release()

	res, err := p.Transcriber.Transcribe(ctx, f.Path, p.Language, p.Timeout)
	if err != nil {
		return nil, err
	}

	logger(p.Logger).Debug("transcribed", "id", rec.ID, "chars", len(res.Text))
	fields := storage.Fields{
		storage.ColTranscript:    res.Text,
		storage.ColTranscribedAt: now(p.Now),
	}
	if res.DurationSeconds != nil {
		fields[storage.ColAudioDurationSeconds] = res.DurationSeconds
	}
	return fields, nil
}

func logger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

func now(fn func() time.Time) time.Time {
	if fn != nil {
		return fn().UTC()
	}
	return time.Now().UTC()
}
