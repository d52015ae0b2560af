// Package failure classifies stage processing errors so the stage workers
// can decide between an immediate terminal failure and another attempt.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies a class of processing failure.
type Kind string

const (
	// ToolUnavailable means a required binary or model file is missing.
	ToolUnavailable Kind = "tool_unavailable"
	// MediaUnreadable means the media file is missing, corrupt, or unsupported.
	MediaUnreadable Kind = "media_unreadable"
	// EmptyOutput means the transcription engine produced no text.
	EmptyOutput Kind = "empty_output"
	// Timeout means the operation exceeded its wall-clock limit.
	Timeout Kind = "timeout"
	// NonZeroExit means the external tool reported a failure.
	NonZeroExit Kind = "non_zero_exit"
	// UpstreamUnavailable means the completion API failed or refused the request.
	UpstreamUnavailable Kind = "upstream_unavailable"
	// MalformedResponse means the model output could not be turned into an insight.
	MalformedResponse Kind = "malformed_response"
	// TranscriptTooShort means there is not enough text to analyze.
	TranscriptTooShort Kind = "transcript_too_short"
	// StorageUnavailable means remote media storage could not be reached.
	StorageUnavailable Kind = "storage_unavailable"
	// Unknown is reported for errors that carry no classification.
	Unknown Kind = "unknown"
)

// Fatal reports whether failures of this kind must not be retried.
func (k Kind) Fatal() bool {
	switch k {
	case ToolUnavailable, MediaUnreadable, EmptyOutput, TranscriptTooShort:
		return true
	}
	return false
}

// Error is a classified processing failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
// A bare context deadline is reported as Timeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unknown
}

// IsFatal reports whether err must move a record straight to its terminal
// failure status.
func IsFatal(err error) bool {
	return KindOf(err).Fatal()
}
