// Package transcribe runs the speech-to-text toolchain: ffmpeg normalises
// the recording to 16 kHz mono PCM and whisper.cpp's CLI turns it into text.
package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/storevoice/internal/failure"
)

// waitDelay bounds how long Wait may block on output pipes after the
// process has been killed.
var waitDelay = 5 * time.Second

const (
	probeTimeout = 30 * time.Second
	stderrTail   = 512
)

// Result is the output of one transcription.
type Result struct {
	Text            string
	DurationSeconds *float64
}

// Whisper invokes whisper-cli with the flags the feedback pipeline was tuned
// with (beam size 5, no cross-segment context, entropy threshold 2.8).
type Whisper struct {
	CLIPath     string
	ModelPath   string
	FFmpegPath  string
	FFprobePath string
	// Translate asks whisper to emit English regardless of the spoken language.
	Translate bool
	Logger    *slog.Logger
}

func (w *Whisper) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Check verifies that the whisper binary, its model, and ffmpeg are present.
func (w *Whisper) Check() error {
	if _, err := exec.LookPath(w.CLIPath); err != nil {
		return failure.Newf(failure.ToolUnavailable, "whisper-cli not found at %q: %v", w.CLIPath, err)
	}
	if w.ModelPath == "" {
		return failure.Newf(failure.ToolUnavailable, "no whisper model configured")
	}
	if _, err := os.Stat(w.ModelPath); err != nil {
		return failure.Newf(failure.ToolUnavailable, "whisper model not found at %q: %v", w.ModelPath, err)
	}
	if _, err := exec.LookPath(w.FFmpegPath); err != nil {
		return failure.Newf(failure.ToolUnavailable, "ffmpeg not found at %q: %v", w.FFmpegPath, err)
	}
	return nil
}

// Transcribe converts mediaPath and runs whisper on it. The whole invocation,
// conversion included, must finish within timeout; on expiry the running
// process is killed and reaped. An empty language lets whisper detect it.
func (w *Whisper) Transcribe(ctx context.Context, mediaPath, language string, timeout time.Duration) (Result, error) {
	if err := w.Check(); err != nil {
		return Result{}, err
	}
	info, err := os.Stat(mediaPath)
	if err != nil {
		return Result{}, failure.New(failure.MediaUnreadable, err)
	}
	if !info.Mode().IsRegular() {
		return Result{}, failure.Newf(failure.MediaUnreadable, "%s is not a regular file", mediaPath)
	}
	if language == "" {
		language = "auto"
	}

	tmpDir, err := os.MkdirTemp("", "storevoice-wav-*")
	if err != nil {
		return Result{}, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wav := filepath.Join(tmpDir, "audio.wav")
	_, stderr, err := run(ctx, w.FFmpegPath,
		"-y", "-i", mediaPath,
		"-ar", "16000", "-ac", "1", "-c:a", "pcm_s16le",
		wav,
	)
	if err != nil {
		return Result{}, classify(ctx, "ffmpeg", err, stderr, failure.MediaUnreadable)
	}

	args := []string{
		"-m", w.ModelPath,
		"-f", wav,
		"-nt",
		"-l", language,
		"-bs", "5",
		"--max-context", "0",
		"--entropy-thold", "2.8",
	}
	if w.Translate {
		args = append(args, "-tr")
	}

	start := time.Now()
	stdout, stderr, err := run(ctx, w.CLIPath, args...)
	if err != nil {
		return Result{}, classify(ctx, "whisper", err, stderr, failure.NonZeroExit)
	}

	text := strings.TrimSpace(string(stdout))
	if text == "" {
		return Result{}, failure.Newf(failure.EmptyOutput, "whisper produced no text for %s", filepath.Base(mediaPath))
	}

	w.logger().Debug("whisper finished", "media", filepath.Base(mediaPath), "chars", len(text), "elapsed", time.Since(start))
	return Result{Text: text, DurationSeconds: w.probeDuration(ctx, mediaPath)}, nil
}

// probeDuration asks ffprobe for the media length. Failures are logged and
// yield nil.
func (w *Whisper) probeDuration(ctx context.Context, mediaPath string) *float64 {
	if w.FFprobePath == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	stdout, _, err := run(ctx, w.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		mediaPath,
	)
	if err != nil {
		w.logger().Warn("could not probe media duration", "media", filepath.Base(mediaPath), "error", err)
		return nil
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(stdout)), 64)
	if err != nil {
		w.logger().Warn("unexpected ffprobe output", "media", filepath.Base(mediaPath), "error", err)
		return nil
	}
	return &d
}

func run(ctx context.Context, name string, args ...string) ([]byte, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	err := cmd.Run()
	return stdout.Bytes(), stderr.String(), err
}

// classify maps a failed tool run to a failure kind. exitKind is used when
// the tool ran and reported an error itself.
func classify(ctx context.Context, tool string, err error, stderr string, exitKind failure.Kind) error {
	if ctx.Err() != nil {
		return failure.Newf(failure.Timeout, "%s did not finish in time: %v", tool, ctx.Err())
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return failure.Newf(failure.ToolUnavailable, "%s: %v", tool, err)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return failure.Newf(exitKind, "%s exited with code %d: %s", tool, exitErr.ExitCode(), tail(stderr))
	}
	return failure.Newf(exitKind, "%s: %v", tool, err)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return s
}
