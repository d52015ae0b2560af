package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kalambet/storevoice/internal/aggregate"
	"github.com/kalambet/storevoice/internal/config"
	"github.com/kalambet/storevoice/internal/insight"
	"github.com/kalambet/storevoice/internal/llm"
	"github.com/kalambet/storevoice/internal/media"
	"github.com/kalambet/storevoice/internal/metrics"
	"github.com/kalambet/storevoice/internal/notify"
	"github.com/kalambet/storevoice/internal/pipeline"
	"github.com/kalambet/storevoice/internal/storage"
	"github.com/kalambet/storevoice/internal/transcribe"
	"github.com/kalambet/storevoice/internal/worker"
)

const defaultOllamaURL = "http://localhost:11434"

// app holds the long-lived components shared by serve and worker.
type app struct {
	cfg     config.Config
	store   *storage.Store
	engine  *aggregate.Engine
	metrics *metrics.Metrics
	notify  notify.Notifier
	closers []io.Closer
}

func openStore(cfg config.Config) (*storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return storage.OpenPostgres(cfg.Storage.PostgresDSN)
	default:
		return storage.Open(cfg.Storage.DataDir)
	}
}

func newApp(cfg config.Config) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a := &app{
		cfg:     cfg,
		store:   store,
		engine:  aggregate.NewEngine(store, cfg.Aggregation.TopN),
		closers: []io.Closer{store},
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(nil)
	}

	notifiers := notify.Multi{notify.Log{}}
	if cfg.Notify.AMQPURL != "" {
		q, err := notify.DialAMQP(cfg.Notify.AMQPURL, cfg.Notify.AMQPQueue)
		if err != nil {
			a.Close()
			return nil, err
		}
		notifiers = append(notifiers, q)
		a.closers = append(a.closers, q)
		slog.Info("failure notifications enabled", "queue", cfg.Notify.AMQPQueue)
	}
	a.notify = notifiers
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *app) workerOptions(sc config.StageConfig) worker.Options {
	opts := worker.Options{
		PollInterval: sc.PollInterval,
		BatchSize:    sc.BatchSize,
		Concurrency:  sc.Concurrency,
		RetryLimit:   sc.RetryLimit,
		RetryBackoff: sc.RetryBackoff,
		StaleAfter:   sc.StaleAfter,
		Notifier:     a.notify,
	}
	if a.metrics != nil {
		opts.Metrics = a.metrics
	}
	return opts
}

// transcriptionWorker verifies the speech-to-text toolchain before building
// the worker, so a missing binary does not fail every pending record.
func (a *app) transcriptionWorker(ctx context.Context) (*worker.Worker, error) {
	tc := a.cfg.Transcription
	whisper := &transcribe.Whisper{
		CLIPath:     tc.WhisperCLI,
		ModelPath:   tc.WhisperModel,
		FFmpegPath:  tc.FFmpeg,
		FFprobePath: tc.FFprobe,
		Translate:   tc.Translate,
	}
	if err := whisper.Check(); err != nil {
		return nil, fmt.Errorf("transcription toolchain: %w", err)
	}

	resolver, err := a.mediaResolver(ctx)
	if err != nil {
		return nil, err
	}
	proc := &pipeline.Transcription{
		Media:       resolver,
		Transcriber: whisper,
		Language:    tc.Language,
		Timeout:     tc.Timeout,
		Logger:      slog.Default().With("stage", storage.Transcription.Name),
	}
	return worker.New(a.store, storage.Transcription, proc, a.workerOptions(tc.StageConfig)), nil
}

func (a *app) mediaResolver(ctx context.Context) (media.Resolver, error) {
	mc := a.cfg.Media
	r := media.Router{Local: media.Local{Root: mc.UploadDir}}
	if mc.S3Region != "" || mc.S3Endpoint != "" {
		s3, err := media.NewS3(ctx, media.S3Options{Region: mc.S3Region, Endpoint: mc.S3Endpoint})
		if err != nil {
			return nil, fmt.Errorf("configuring object storage: %w", err)
		}
		r.Remote = s3
	}
	return r, nil
}

// analysisWorker builds the analysis worker. A local Ollama backend gets
// its model pulled first.
func (a *app) analysisWorker(ctx context.Context) (*worker.Worker, error) {
	ac := a.cfg.Analysis
	prompt, err := insight.NewPrompt(ac.PromptTemplate)
	if err != nil {
		return nil, err
	}
	client := newCompleter(ac)
	if oc, ok := client.(*llm.OllamaClient); ok {
		if err := llm.EnsureModel(ctx, oc, ac.Model, os.Stderr); err != nil {
			return nil, err
		}
	}
	proc := &pipeline.Analysis{
		Extractor:          insight.NewExtractor(client, ac.Model, ac.Temperature),
		Prompt:             prompt,
		MaxTranscriptChars: ac.MaxTranscriptChars,
		MinTranscriptChars: ac.MinTranscriptChars,
		MaxTokens:          ac.MaxTokens,
		MaxListItems:       ac.MaxListItems,
		Timeout:            ac.Timeout,
		Logger:             slog.Default().With("stage", storage.Analysis.Name),
	}
	return worker.New(a.store, storage.Analysis, proc, a.workerOptions(ac.StageConfig)), nil
}

func newCompleter(ac config.AnalysisConfig) llm.Completer {
	if strings.EqualFold(ac.Provider, "ollama") {
		base := ac.BaseURL
		if base == "" || base == config.DefaultOpenAIBaseURL {
			base = defaultOllamaURL
		}
		return llm.NewOllamaClient(base)
	}
	return llm.NewOpenAIClient(llm.OpenAIOptions{
		BaseURL:   ac.BaseURL,
		APIKey:    ac.APIKey,
		KeyHeader: ac.APIKeyHeader,
	})
}

func (a *app) refresher() *aggregate.Refresher {
	var pub aggregate.Publisher
	if a.metrics != nil {
		pub = a.metrics
	}
	return aggregate.NewRefresher(a.engine, a.cfg.Aggregation.RefreshInterval, a.cfg.Aggregation.DefaultDays, pub)
}
