// Package logging installs the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects level, output format and an optional rotating log file.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text, json, logfmt
	File   string
	Prefix string
}

// New builds a slog logger writing to w, and to Options.File when set. The
// returned closer flushes and closes the file.
func New(w io.Writer, opts Options) (*slog.Logger, io.Closer, error) {
	level := log.InfoLevel
	if s := strings.TrimSpace(opts.Level); s != "" {
		l, err := log.ParseLevel(strings.ToLower(s))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q", opts.Level)
		}
		level = l
	}

	var formatter log.Formatter
	switch strings.ToLower(opts.Format) {
	case "", "text":
		formatter = log.TextFormatter
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		w = io.MultiWriter(w, file)
		closer = file
	}

	handler := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		ReportCaller:    level == log.DebugLevel,
		Level:           level,
		Prefix:          opts.Prefix,
		Formatter:       formatter,
	})
	return slog.New(handler), closer, nil
}

// Setup builds a logger on stderr and installs it with slog.SetDefault.
func Setup(opts Options) (io.Closer, error) {
	logger, closer, err := New(os.Stderr, opts)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
