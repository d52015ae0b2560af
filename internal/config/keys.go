package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// envName maps "analysis.api_key" to STOREVOICE_ANALYSIS_API_KEY.
func envName(key string) string {
	return "STOREVOICE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// secretName is the name a secret key is stored under in the secrets file.
func secretName(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}

func stringKey(key string, field func(*Config) *string) keySpec {
	return keySpec{
		key: key, typ: kString, env: envName(key),
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(string) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func secretKey(key string, field func(*Config) *string) keySpec {
	s := stringKey(key, field)
	s.secret = true
	return s
}

func intKey(key string, field func(*Config) *int) keySpec {
	return keySpec{
		key: key, typ: kInt, env: envName(key),
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(int) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func boolKey(key string, field func(*Config) *bool) keySpec {
	return keySpec{
		key: key, typ: kBool, env: envName(key),
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(bool) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func floatKey(key string, field func(*Config) *float64) keySpec {
	return keySpec{
		key: key, typ: kFloat, env: envName(key),
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(float64) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func durationKey(key string, field func(*Config) *time.Duration) keySpec {
	return keySpec{
		key: key, typ: kDuration, env: envName(key),
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(time.Duration) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

// stageKeys returns the worker keys shared by both stages.
func stageKeys(prefix string, stage func(*Config) *StageConfig) []keySpec {
	return []keySpec{
		durationKey(prefix+".poll_interval", func(c *Config) *time.Duration { return &stage(c).PollInterval }),
		intKey(prefix+".concurrency", func(c *Config) *int { return &stage(c).Concurrency }),
		intKey(prefix+".batch_size", func(c *Config) *int { return &stage(c).BatchSize }),
		intKey(prefix+".retry_limit", func(c *Config) *int { return &stage(c).RetryLimit }),
		durationKey(prefix+".retry_backoff", func(c *Config) *time.Duration { return &stage(c).RetryBackoff }),
		durationKey(prefix+".timeout", func(c *Config) *time.Duration { return &stage(c).Timeout }),
		durationKey(prefix+".stale_after", func(c *Config) *time.Duration { return &stage(c).StaleAfter }),
	}
}

var specs = buildSpecs()

func buildSpecs() []keySpec {
	s := []keySpec{
		intKey("server.port", func(c *Config) *int { return &c.Server.Port }),
		stringKey("server.bind", func(c *Config) *string { return &c.Server.Bind }),

		stringKey("storage.driver", func(c *Config) *string { return &c.Storage.Driver }),
		stringKey("storage.data_dir", func(c *Config) *string { return &c.Storage.DataDir }),
		secretKey("storage.postgres_dsn", func(c *Config) *string { return &c.Storage.PostgresDSN }),

		stringKey("media.upload_dir", func(c *Config) *string { return &c.Media.UploadDir }),
		intKey("media.max_upload_mb", func(c *Config) *int { return &c.Media.MaxUploadMB }),
		stringKey("media.allowed_extensions", func(c *Config) *string { return &c.Media.AllowedExtensions }),
		stringKey("media.s3_region", func(c *Config) *string { return &c.Media.S3Region }),
		stringKey("media.s3_endpoint", func(c *Config) *string { return &c.Media.S3Endpoint }),

		stringKey("transcription.whisper_cli", func(c *Config) *string { return &c.Transcription.WhisperCLI }),
		stringKey("transcription.whisper_model", func(c *Config) *string { return &c.Transcription.WhisperModel }),
		stringKey("transcription.ffmpeg", func(c *Config) *string { return &c.Transcription.FFmpeg }),
		stringKey("transcription.ffprobe", func(c *Config) *string { return &c.Transcription.FFprobe }),
		stringKey("transcription.language", func(c *Config) *string { return &c.Transcription.Language }),
		boolKey("transcription.translate", func(c *Config) *bool { return &c.Transcription.Translate }),
	}
	s = append(s, stageKeys("transcription", func(c *Config) *StageConfig { return &c.Transcription.StageConfig })...)

	s = append(s,
		stringKey("analysis.provider", func(c *Config) *string { return &c.Analysis.Provider }),
		stringKey("analysis.base_url", func(c *Config) *string { return &c.Analysis.BaseURL }),
		stringKey("analysis.model", func(c *Config) *string { return &c.Analysis.Model }),
		secretKey("analysis.api_key", func(c *Config) *string { return &c.Analysis.APIKey }),
		stringKey("analysis.api_key_header", func(c *Config) *string { return &c.Analysis.APIKeyHeader }),
	)
	s = append(s, stageKeys("analysis", func(c *Config) *StageConfig { return &c.Analysis.StageConfig })...)
	s = append(s,
		intKey("analysis.max_transcript_chars", func(c *Config) *int { return &c.Analysis.MaxTranscriptChars }),
		intKey("analysis.min_transcript_chars", func(c *Config) *int { return &c.Analysis.MinTranscriptChars }),
		intKey("analysis.max_tokens", func(c *Config) *int { return &c.Analysis.MaxTokens }),
		floatKey("analysis.temperature", func(c *Config) *float64 { return &c.Analysis.Temperature }),
		stringKey("analysis.prompt_template", func(c *Config) *string { return &c.Analysis.PromptTemplate }),
		intKey("analysis.max_list_items", func(c *Config) *int { return &c.Analysis.MaxListItems }),

		intKey("aggregation.top_n", func(c *Config) *int { return &c.Aggregation.TopN }),
		intKey("aggregation.report_top_n", func(c *Config) *int { return &c.Aggregation.ReportTopN }),
		intKey("aggregation.default_days", func(c *Config) *int { return &c.Aggregation.DefaultDays }),
		intKey("aggregation.max_range_days", func(c *Config) *int { return &c.Aggregation.MaxRangeDays }),
		durationKey("aggregation.refresh_interval", func(c *Config) *time.Duration { return &c.Aggregation.RefreshInterval }),

		secretKey("notify.amqp_url", func(c *Config) *string { return &c.Notify.AMQPURL }),
		stringKey("notify.amqp_queue", func(c *Config) *string { return &c.Notify.AMQPQueue }),

		stringKey("log.level", func(c *Config) *string { return &c.Log.Level }),
		stringKey("log.format", func(c *Config) *string { return &c.Log.Format }),
		stringKey("log.file", func(c *Config) *string { return &c.Log.File }),

		boolKey("metrics.enabled", func(c *Config) *bool { return &c.Metrics.Enabled }),
	)
	return s
}

// parseValue converts raw text to the Go type of t.
func parseValue(t keyType, raw string) (any, error) {
	switch t {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative duration %s", d)
		}
		return d, nil
	default:
		return raw, nil
	}
}

func typeName(t keyType) string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

func applyBackend(cfg *Config, b Backend) {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.Lookup(s.key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] %v. Using default value.\n", err)
			continue
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", typeName(s.typ), s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", typeName(s.typ), s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets fills secrets still empty after env overrides from the
// secret store.
func applySecrets(cfg *Config, store SecretStore) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		v, err := store.Get(secretName(s.key))
		switch {
		case err == nil:
			s.apply(cfg, v)
		case !errors.Is(err, ErrSecretNotFound):
			fmt.Fprintf(os.Stderr, "[WARN] could not read secret %s: %v\n", secretName(s.key), err)
			return
		}
	}
}
