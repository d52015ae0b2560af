package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a record is not in a status that
// allows the requested change.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the pipeline position of a feedback record.
type Status string

const (
	StatusPending             Status = "pending"
	StatusTranscribing        Status = "transcribing"
	StatusTranscribed         Status = "transcribed"
	StatusTranscriptionFailed Status = "transcription_failed"
	StatusAnalyzing           Status = "analyzing"
	StatusCompleted           Status = "completed"
	StatusAnalysisFailed      Status = "analysis_failed"
)

// Statuses lists every status in pipeline order.
var Statuses = []Status{
	StatusPending,
	StatusTranscribing,
	StatusTranscribed,
	StatusTranscriptionFailed,
	StatusAnalyzing,
	StatusCompleted,
	StatusAnalysisFailed,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic processing follows s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTranscriptionFailed || s == StatusAnalysisFailed
}

// Failed reports whether s is a terminal failure status.
func (s Status) Failed() bool {
	return s == StatusTranscriptionFailed || s == StatusAnalysisFailed
}

// Tone is the overall sentiment of a piece of feedback.
type Tone string

const (
	TonePositive Tone = "positive"
	ToneNegative Tone = "negative"
	ToneNeutral  Tone = "neutral"
)

// Tones lists the allowed tone values.
var Tones = []Tone{TonePositive, ToneNegative, ToneNeutral}

// Insight is the structured result of analyzing a transcript.
type Insight struct {
	Summary   string   `json:"summary"`
	Tone      Tone     `json:"tone"`
	ToneScore float64  `json:"tone_score"`
	Products  []string `json:"products"`
	Issues    []string `json:"issues"`
	Actions   []string `json:"actions"`
	Keywords  []string `json:"keywords"`
}

// Feedback is one submitted recording and its processing state.
type Feedback struct {
	ID               string    `json:"id"`
	StoreCode        string    `json:"store_code"`
	RecordedDate     time.Time `json:"-"`
	MediaPath        string    `json:"media_path"`
	OriginalFilename string    `json:"original_filename,omitempty"`
	SubmittedBy      string    `json:"submitted_by,omitempty"`
	Status           Status    `json:"status"`

	Transcript            string     `json:"transcript,omitempty"`
	TranscriptionError    string     `json:"transcription_error,omitempty"`
	TranscriptionAttempts int        `json:"transcription_attempts"`
	AudioDurationSeconds  *float64   `json:"audio_duration_seconds,omitempty"`
	TranscribedAt         *time.Time `json:"transcribed_at,omitempty"`

	Insight          *Insight   `json:"insight,omitempty"`
	AnalysisError    string     `json:"analysis_error,omitempty"`
	AnalysisAttempts int        `json:"analysis_attempts"`
	AnalyzedAt       *time.Time `json:"analyzed_at,omitempty"`

	TranscriptionNextAt time.Time `json:"-"`
	AnalysisNextAt      time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecordedDay returns the recorded date as YYYY-MM-DD.
func (f Feedback) RecordedDay() string {
	return FormatDate(f.RecordedDate)
}

// MarshalJSON renders recorded_date as YYYY-MM-DD.
func (f Feedback) MarshalJSON() ([]byte, error) {
	type alias Feedback
	return json.Marshal(struct {
		alias
		RecordedDate string `json:"recorded_date"`
	}{alias(f), f.RecordedDay()})
}

func (f *Feedback) UnmarshalJSON(b []byte) error {
	type alias Feedback
	aux := struct {
		*alias
		RecordedDate string `json:"recorded_date"`
	}{alias: (*alias)(f)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.RecordedDate != "" {
		d, err := ParseDate(aux.RecordedDate)
		if err != nil {
			return fmt.Errorf("recorded_date: %w", err)
		}
		f.RecordedDate = d
	}
	return nil
}

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	From time.Time
	To   time.Time
}

// LastDays returns the range of n days ending on (and including) end.
func LastDays(end time.Time, n int) DateRange {
	if n < 1 {
		n = 1
	}
	to := Day(end)
	return DateRange{From: to.AddDate(0, 0, -(n - 1)), To: to}
}

// Days returns the number of calendar days in r, or 0 if r is inverted.
func (r DateRange) Days() int {
	from, to := Day(r.From), Day(r.To)
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from).Hours()/24) + 1
}

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

const (
	dateLayout = "2006-01-02"
	timeLayout = "2006-01-02T15:04:05.000000Z"
)

// FormatDate renders t as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// ParseDate parses a YYYY-MM-DD string into a UTC date.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, s, time.UTC)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Status    Status
	StoreCode string
	From      time.Time
	To        time.Time
	Limit     int
}
