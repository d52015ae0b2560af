package storage

import "time"

// Stage describes the status quadruple and bookkeeping columns of one
// pipeline phase.
type Stage struct {
	Name    string
	Ready   Status
	Running Status
	Done    Status
	Failed  Status

	attemptsCol string
	errorCol    string
	nextAtCol   string
}

var (
	// Transcription moves records from pending to transcribed.
	Transcription = Stage{
		Name:        "transcription",
		Ready:       StatusPending,
		Running:     StatusTranscribing,
		Done:        StatusTranscribed,
		Failed:      StatusTranscriptionFailed,
		attemptsCol: "transcription_attempts",
		errorCol:    "transcription_error",
		nextAtCol:   "transcription_next_at",
	}

	// Analysis moves records from transcribed to completed.
	Analysis = Stage{
		Name:        "analysis",
		Ready:       StatusTranscribed,
		Running:     StatusAnalyzing,
		Done:        StatusCompleted,
		Failed:      StatusAnalysisFailed,
		attemptsCol: "analysis_attempts",
		errorCol:    "analysis_error",
		nextAtCol:   "analysis_next_at",
	}
)

// StageByName looks up a stage by its name.
func StageByName(name string) (Stage, bool) {
	switch name {
	case Transcription.Name:
		return Transcription, true
	case Analysis.Name:
		return Analysis, true
	}
	return Stage{}, false
}

// Attempts returns the stage's attempt counter for f.
func (s Stage) Attempts(f Feedback) int {
	if s.Name == Analysis.Name {
		return f.AnalysisAttempts
	}
	return f.TranscriptionAttempts
}

// Error returns the stage's last error for f.
func (s Stage) Error(f Feedback) string {
	if s.Name == Analysis.Name {
		return f.AnalysisError
	}
	return f.TranscriptionError
}

// Fields is a set of column updates applied by Store.Update.
// Values may be strings, numbers, time.Time, *Insight, or nil for NULL.
type Fields map[string]any

// Updatable columns.
const (
	ColTranscript           = "transcript"
	ColAudioDurationSeconds = "audio_duration_seconds"
	ColTranscribedAt        = "transcribed_at"
	ColInsight              = "insight"
	ColAnalyzedAt           = "analyzed_at"
	ColStatus               = "status"
)

// Succeeded returns extra with the stage's done status and a cleared error.
func (s Stage) Succeeded(extra Fields) Fields {
	f := make(Fields, len(extra)+2)
	for k, v := range extra {
		f[k] = v
	}
	f[ColStatus] = s.Done
	f[s.errorCol] = nil
	return f
}

// Retry returns the fields that put a record back in the stage's ready
// status, not to be polled before nextAt.
func (s Stage) Retry(errMsg string, nextAt time.Time) Fields {
	return Fields{
		ColStatus:   s.Ready,
		s.errorCol:  errMsg,
		s.nextAtCol: nextAt,
	}
}

// Fail returns the fields that terminally fail a record in this stage.
func (s Stage) Fail(errMsg string) Fields {
	return Fields{
		ColStatus:  s.Failed,
		s.errorCol: errMsg,
	}
}
