package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Media         MediaConfig
	Transcription TranscriptionConfig
	Analysis      AnalysisConfig
	Aggregation   AggregationConfig
	Notify        NotifyConfig
	Log           LogConfig
	Metrics       MetricsConfig
}

type ServerConfig struct {
	Port int
	Bind string
}

// Addr is the listen address of the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Bind, s.Port)
}

type StorageConfig struct {
	Driver      string // sqlite or postgres
	DataDir     string
	PostgresDSN string
}

type MediaConfig struct {
	UploadDir         string
	MaxUploadMB       int
	AllowedExtensions string
	S3Region          string
	S3Endpoint        string
}

// StageConfig tunes one stage worker.
type StageConfig struct {
	PollInterval time.Duration
	Concurrency  int
	BatchSize    int
	RetryLimit   int
	RetryBackoff time.Duration
	Timeout      time.Duration
	StaleAfter   time.Duration
}

type TranscriptionConfig struct {
	StageConfig
	WhisperCLI   string
	WhisperModel string
	FFmpeg       string
	FFprobe      string
	Language     string
	Translate    bool
}

type AnalysisConfig struct {
	StageConfig
	Provider           string // openai or ollama
	BaseURL            string
	Model              string
	APIKey             string
	APIKeyHeader       string
	MaxTranscriptChars int
	MinTranscriptChars int
	MaxTokens          int
	Temperature        float64
	PromptTemplate     string
	MaxListItems       int
}

type AggregationConfig struct {
	TopN            int
	ReportTopN      int
	DefaultDays     int
	MaxRangeDays    int
	RefreshInterval time.Duration
}

type NotifyConfig struct {
	AMQPURL   string
	AMQPQueue string
}

type LogConfig struct {
	Level  string
	Format string
	File   string
}

type MetricsConfig struct {
	Enabled bool
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 8000,
			Bind: "127.0.0.1",
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: dataDir,
		},
		Media: MediaConfig{
			MaxUploadMB:       50,
			AllowedExtensions: "mp3,wav,m4a,ogg,webm,mp4,mov,avi,mkv,flac",
		},
		Transcription: TranscriptionConfig{
			StageConfig: StageConfig{
				PollInterval: 30 * time.Second,
				Concurrency:  2,
				BatchSize:    4,
				RetryLimit:   3,
				Timeout:      10 * time.Minute,
				StaleAfter:   30 * time.Minute,
			},
			WhisperCLI: "whisper-cli",
			FFmpeg:     "ffmpeg",
			FFprobe:    "ffprobe",
			Language:   "hi",
			Translate:  true,
		},
		Analysis: AnalysisConfig{
			StageConfig: StageConfig{
				PollInterval: 30 * time.Second,
				Concurrency:  4,
				BatchSize:    8,
				RetryLimit:   3,
				Timeout:      2 * time.Minute,
				StaleAfter:   15 * time.Minute,
			},
			Provider:           "openai",
			BaseURL:            DefaultOpenAIBaseURL,
			Model:              "gpt-4o-mini",
			APIKeyHeader:       "Authorization",
			MaxTranscriptChars: 4000,
			MinTranscriptChars: 10,
			MaxTokens:          1024,
			Temperature:        0.3,
		},
		Aggregation: AggregationConfig{
			TopN:         5,
			ReportTopN:   20,
			DefaultDays:  15,
			MaxRangeDays: 90,
		},
		Notify: NotifyConfig{
			AMQPQueue: "storevoice.failures",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration in layers, later ones winning:
//
//   - built-in defaults
//   - the JSON file at ConfigPath
//   - a .env file in the working directory
//   - STOREVOICE_* environment variables (already-set variables beat .env)
//   - the secrets file at SecretsPath, for secrets still unset
//
// Load does not validate; commands that run workers call Validate.
func Load() (Config, error) {
	return loadWith(openFileBackend(ConfigPath()), NewSecretFile(), ".env")
}

func loadWith(b Backend, secrets SecretStore, envFile string) (Config, error) {
	cfg := defaults()
	applyBackend(&cfg, b)

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}
	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)
	if cfg.Media.UploadDir == "" {
		cfg.Media.UploadDir = filepath.Join(cfg.Storage.DataDir, "uploads")
	}
	return cfg, nil
}

// Validate rejects settings the workers and the API cannot run with.
func (c Config) Validate() error {
	var errs []error
	for _, st := range []struct {
		name string
		cfg  StageConfig
	}{
		{"transcription", c.Transcription.StageConfig},
		{"analysis", c.Analysis.StageConfig},
	} {
		if st.cfg.Concurrency < 1 {
			errs = append(errs, fmt.Errorf("%s.concurrency must be positive", st.name))
		}
		if st.cfg.BatchSize < 1 {
			errs = append(errs, fmt.Errorf("%s.batch_size must be positive", st.name))
		}
		if st.cfg.RetryLimit < 1 {
			errs = append(errs, fmt.Errorf("%s.retry_limit must be positive", st.name))
		}
		if st.cfg.PollInterval <= 0 {
			errs = append(errs, fmt.Errorf("%s.poll_interval must be positive", st.name))
		}
		if st.cfg.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("%s.timeout must be positive", st.name))
		}
		if st.cfg.RetryBackoff < 0 {
			errs = append(errs, fmt.Errorf("%s.retry_backoff must not be negative", st.name))
		}
		if st.cfg.StaleAfter <= st.cfg.Timeout {
			errs = append(errs, fmt.Errorf("%s.stale_after (%s) must exceed %s.timeout (%s)", st.name, st.cfg.StaleAfter, st.name, st.cfg.Timeout))
		}
	}

	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"+secretHint("storage_postgres_dsn")))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q (want sqlite or postgres)", c.Storage.Driver))
	}

	switch c.Analysis.Provider {
	case "openai":
		if c.Analysis.APIKey == "" && c.Analysis.BaseURL == DefaultOpenAIBaseURL {
			errs = append(errs, errors.New("missing required config: analysis API key. "+
				"Set it via environment variable STOREVOICE_ANALYSIS_API_KEY"+secretHint("analysis_api_key")))
		}
	case "ollama":
	default:
		errs = append(errs, fmt.Errorf("unknown analysis.provider %q (want openai or ollama)", c.Analysis.Provider))
	}
	if c.Analysis.MinTranscriptChars < 0 || c.Analysis.MaxTranscriptChars < 1 {
		errs = append(errs, errors.New("analysis transcript limits must be positive"))
	}
	if c.Analysis.MaxTokens < 1 {
		errs = append(errs, errors.New("analysis.max_tokens must be positive"))
	}

	if c.Aggregation.TopN < 1 || c.Aggregation.ReportTopN < 1 {
		errs = append(errs, errors.New("aggregation top_n values must be at least 1"))
	}
	if c.Aggregation.DefaultDays < 1 || c.Aggregation.MaxRangeDays < c.Aggregation.DefaultDays {
		errs = append(errs, fmt.Errorf("aggregation.default_days must be between 1 and max_range_days (%d)", c.Aggregation.MaxRangeDays))
	}
	if c.Media.MaxUploadMB < 1 {
		errs = append(errs, errors.New("media.max_upload_mb must be positive"))
	}
	return errors.Join(errs...)
}
