package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

const feedbackTable = "feedback"

var feedbackColumns = []string{
	"id", "store_code", "recorded_date", "media_path", "original_filename", "submitted_by", "status",
	"transcript", "transcription_error", "transcription_attempts", "transcription_next_at",
	"audio_duration_seconds", "transcribed_at",
	"insight", "analysis_error", "analysis_attempts", "analysis_next_at", "analyzed_at",
	"created_at", "updated_at",
}

var updatable = map[string]bool{
	ColStatus:               true,
	ColTranscript:           true,
	ColAudioDurationSeconds: true,
	ColTranscribedAt:        true,
	ColInsight:              true,
	ColAnalyzedAt:           true,
	"transcription_error":   true,
	"transcription_next_at": true,
	"analysis_error":        true,
	"analysis_next_at":      true,
}

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.NewString()
}

// Create inserts f in pending status. An empty ID is replaced with a new one.
// The stored record is returned.
func (s *Store) Create(ctx context.Context, f Feedback) (Feedback, error) {
	if f.ID == "" {
		f.ID = NewID()
	}
	if f.StoreCode == "" {
		return Feedback{}, errors.New("store code is required")
	}
	if f.MediaPath == "" {
		return Feedback{}, errors.New("media path is required")
	}
	now := s.now().UTC()
	f.Status = StatusPending
	f.RecordedDate = Day(f.RecordedDate)
	f.CreatedAt = now
	f.UpdatedAt = now

	query, args, err := s.qb.Insert(feedbackTable).
		Columns("id", "store_code", "recorded_date", "media_path", "original_filename", "submitted_by", "status", "created_at", "updated_at").
		Values(f.ID, f.StoreCode, FormatDate(f.RecordedDate), f.MediaPath, f.OriginalFilename, f.SubmittedBy, string(f.Status), formatTime(now), formatTime(now)).
		ToSql()
	if err != nil {
		return Feedback{}, fmt.Errorf("building insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return Feedback{}, fmt.Errorf("inserting feedback: %w", err)
	}
	return f, nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (Feedback, error) {
	query, args, err := s.qb.Select(feedbackColumns...).From(feedbackTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return Feedback{}, fmt.Errorf("building query: %w", err)
	}
	f, err := scanFeedback(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Feedback{}, ErrNotFound
	}
	return f, err
}

// List returns records matching filter, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Feedback, error) {
	q := s.qb.Select(feedbackColumns...).From(feedbackTable).OrderBy("created_at DESC", "id DESC")
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.StoreCode != "" {
		q = q.Where(sq.Eq{"store_code": filter.StoreCode})
	}
	if !filter.From.IsZero() {
		q = q.Where(sq.GtOrEq{"recorded_date": FormatDate(filter.From)})
	}
	if !filter.To.IsZero() {
		q = q.Where(sq.LtOrEq{"recorded_date": FormatDate(filter.To)})
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	return s.queryFeedback(ctx, q.Limit(uint64(limit)))
}

// FindCandidates returns up to limit records waiting in the stage's ready
// status whose retry delay has elapsed, oldest first.
func (s *Store) FindCandidates(ctx context.Context, stage Stage, limit int) ([]Feedback, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := s.qb.Select(feedbackColumns...).
		From(feedbackTable).
		Where(sq.Eq{"status": string(stage.Ready)}).
		Where(sq.LtOrEq{stage.nextAtCol: formatTime(s.now())}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(limit))
	return s.queryFeedback(ctx, q)
}

// TryClaim atomically moves the record from the stage's ready status to its
// running status and counts the attempt. It reports false when the record
// was no longer ready, which happens when another worker claimed it first.
func (s *Store) TryClaim(ctx context.Context, stage Stage, id string) (bool, error) {
	q := s.qb.Update(feedbackTable).
		Set("status", string(stage.Running)).
		Set(stage.attemptsCol, sq.Expr(stage.attemptsCol+" + 1")).
		Set("updated_at", formatTime(s.now())).
		Where(sq.Eq{"id": id, "status": string(stage.Ready)})
	return s.execOne(ctx, q)
}

// Touch refreshes updated_at of a record the stage is working on.
func (s *Store) Touch(ctx context.Context, stage Stage, id string) error {
	q := s.qb.Update(feedbackTable).
		Set("updated_at", formatTime(s.now())).
		Where(sq.Eq{"id": id, "status": string(stage.Running)})
	_, err := s.execOne(ctx, q)
	return err
}

// Release undoes a claim whose processing never started.
func (s *Store) Release(ctx context.Context, stage Stage, id string) (bool, error) {
	col := stage.attemptsCol
	q := s.qb.Update(feedbackTable).
		Set("status", string(stage.Ready)).
		Set(col, sq.Expr("CASE WHEN "+col+" > 0 THEN "+col+" - 1 ELSE 0 END")).
		Set("updated_at", formatTime(s.now())).
		Where(sq.Eq{"id": id, "status": string(stage.Running)})
	return s.execOne(ctx, q)
}

// Update applies fields to the record if it is still in status expect.
// updated_at is always bumped. It reports whether the record was updated.
func (s *Store) Update(ctx context.Context, id string, expect Status, fields Fields) (bool, error) {
	if len(fields) == 0 {
		return false, errors.New("no fields to update")
	}
	if err := checkInsightInvariant(fields); err != nil {
		return false, err
	}

	set := make(map[string]any, len(fields)+1)
	for col, v := range fields {
		if !updatable[col] {
			return false, fmt.Errorf("column %q is not updatable", col)
		}
		enc, err := encodeValue(v)
		if err != nil {
			return false, fmt.Errorf("encoding %s: %w", col, err)
		}
		set[col] = enc
	}
	set["updated_at"] = formatTime(s.now())

	q := s.qb.Update(feedbackTable).SetMap(set).Where(sq.Eq{"id": id, "status": string(expect)})
	return s.execOne(ctx, q)
}

// checkInsightInvariant keeps insight set exactly when the record completes.
func checkInsightInvariant(fields Fields) error {
	ins, hasInsight := fields[ColInsight]
	status, hasStatus := fields[ColStatus].(Status)
	insightSet := hasInsight && !isNil(ins)
	if insightSet && (!hasStatus || status != StatusCompleted) {
		return fmt.Errorf("%w: insight may only be stored on completion", ErrInvalidTransition)
	}
	if hasStatus && status == StatusCompleted && !insightSet {
		return fmt.Errorf("%w: completion requires an insight", ErrInvalidTransition)
	}
	return nil
}

func isNil(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case *Insight:
		return x == nil
	}
	return false
}

// RequeueStale returns records stuck in the stage's running status since
// before staleBefore to the ready status. Records that already used
// retryLimit attempts fail terminally instead. It returns the number of
// records touched.
func (s *Store) RequeueStale(ctx context.Context, stage Stage, staleBefore time.Time, retryLimit int) (int, error) {
	const msg = "abandoned while in flight"
	now := formatTime(s.now())
	stale := sq.And{
		sq.Eq{"status": string(stage.Running)},
		sq.Lt{"updated_at": formatTime(staleBefore)},
	}

	failed, err := s.execCount(ctx, s.qb.Update(feedbackTable).
		Set("status", string(stage.Failed)).
		Set(stage.errorCol, msg).
		Set("updated_at", now).
		Where(stale).
		Where(sq.GtOrEq{stage.attemptsCol: retryLimit}))
	if err != nil {
		return 0, fmt.Errorf("failing exhausted stale records: %w", err)
	}

	requeued, err := s.execCount(ctx, s.qb.Update(feedbackTable).
		Set("status", string(stage.Ready)).
		Set(stage.errorCol, msg).
		Set("updated_at", now).
		Where(stale))
	if err != nil {
		return 0, fmt.Errorf("requeueing stale records: %w", err)
	}
	return int(failed + requeued), nil
}

// ResetStage puts a record that failed the stage back into the stage's
// ready status with a fresh attempt budget.
func (s *Store) ResetStage(ctx context.Context, stage Stage, id string) error {
	q := s.qb.Update(feedbackTable).
		Set("status", string(stage.Ready)).
		Set(stage.attemptsCol, 0).
		Set(stage.errorCol, nil).
		Set(stage.nextAtCol, "").
		Set("updated_at", formatTime(s.now())).
		Where(sq.Eq{"id": id, "status": string(stage.Failed)})
	ok, err := s.execOne(ctx, q)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// QueryCompleted returns completed records recorded within r, optionally
// limited to one store.
func (s *Store) QueryCompleted(ctx context.Context, r DateRange, storeCode string) ([]Feedback, error) {
	q := s.windowQuery(r, storeCode).Where(sq.Eq{"status": string(StatusCompleted)})
	return s.queryFeedback(ctx, q)
}

// QueryWindow returns records of any status recorded within r.
func (s *Store) QueryWindow(ctx context.Context, r DateRange, storeCode string) ([]Feedback, error) {
	return s.queryFeedback(ctx, s.windowQuery(r, storeCode))
}

func (s *Store) windowQuery(r DateRange, storeCode string) sq.SelectBuilder {
	q := s.qb.Select(feedbackColumns...).
		From(feedbackTable).
		Where(sq.GtOrEq{"recorded_date": FormatDate(r.From)}).
		Where(sq.LtOrEq{"recorded_date": FormatDate(r.To)}).
		OrderBy("recorded_date ASC", "created_at ASC", "id ASC")
	if storeCode != "" {
		q = q.Where(sq.Eq{"store_code": storeCode})
	}
	return q
}

// CountByStatus counts records per status. A zero range counts all records.
func (s *Store) CountByStatus(ctx context.Context, r DateRange, storeCode string) (map[Status]int, error) {
	q := s.qb.Select("status", "COUNT(*)").From(feedbackTable).GroupBy("status")
	if !r.From.IsZero() {
		q = q.Where(sq.GtOrEq{"recorded_date": FormatDate(r.From)})
	}
	if !r.To.IsZero() {
		q = q.Where(sq.LtOrEq{"recorded_date": FormatDate(r.To)})
	}
	if storeCode != "" {
		q = q.Where(sq.Eq{"store_code": storeCode})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[Status(st)] = n
	}
	return counts, rows.Err()
}

// Stores returns the distinct store codes that submitted feedback.
func (s *Store) Stores(ctx context.Context) ([]string, error) {
	query, args, err := s.qb.Select("DISTINCT store_code").From(feedbackTable).OrderBy("store_code ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stores []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		stores = append(stores, code)
	}
	return stores, rows.Err()
}

func (s *Store) queryFeedback(ctx context.Context, q sq.SelectBuilder) ([]Feedback, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Feedback
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, f)
	}
	return results, rows.Err()
}

func (s *Store) execOne(ctx context.Context, q sq.UpdateBuilder) (bool, error) {
	n, err := s.execCount(ctx, q)
	return n == 1, err
}

func (s *Store) execCount(ctx context.Context, q sq.UpdateBuilder) (int64, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking updated rows: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeedback(r rowScanner) (Feedback, error) {
	var f Feedback
	var recordedDate, status, trNext, anNext, createdAt, updatedAt string
	var transcript, trErr, transcribedAt, insightJSON, anErr, analyzedAt sql.NullString
	var duration sql.NullFloat64

	err := r.Scan(
		&f.ID, &f.StoreCode, &recordedDate, &f.MediaPath, &f.OriginalFilename, &f.SubmittedBy, &status,
		&transcript, &trErr, &f.TranscriptionAttempts, &trNext,
		&duration, &transcribedAt,
		&insightJSON, &anErr, &f.AnalysisAttempts, &anNext, &analyzedAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return Feedback{}, err
	}

	f.Status = Status(status)
	f.Transcript = transcript.String
	f.TranscriptionError = trErr.String
	f.AnalysisError = anErr.String
	if duration.Valid {
		d := duration.Float64
		f.AudioDurationSeconds = &d
	}
	if f.RecordedDate, err = ParseDate(recordedDate); err != nil {
		return Feedback{}, fmt.Errorf("parsing recorded_date for %s: %w", f.ID, err)
	}
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return Feedback{}, fmt.Errorf("parsing created_at for %s: %w", f.ID, err)
	}
	if f.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Feedback{}, fmt.Errorf("parsing updated_at for %s: %w", f.ID, err)
	}
	if f.TranscriptionNextAt, err = parseOptionalTime(trNext); err != nil {
		return Feedback{}, fmt.Errorf("parsing transcription_next_at for %s: %w", f.ID, err)
	}
	if f.AnalysisNextAt, err = parseOptionalTime(anNext); err != nil {
		return Feedback{}, fmt.Errorf("parsing analysis_next_at for %s: %w", f.ID, err)
	}
	if f.TranscribedAt, err = parseNullTime(transcribedAt); err != nil {
		return Feedback{}, fmt.Errorf("parsing transcribed_at for %s: %w", f.ID, err)
	}
	if f.AnalyzedAt, err = parseNullTime(analyzedAt); err != nil {
		return Feedback{}, fmt.Errorf("parsing analyzed_at for %s: %w", f.ID, err)
	}
	if insightJSON.Valid && insightJSON.String != "" {
		var ins Insight
		if err := json.Unmarshal([]byte(insightJSON.String), &ins); err != nil {
			return Feedback{}, fmt.Errorf("decoding insight for %s: %w", f.ID, err)
		}
		f.Insight = &ins
	}
	return f, nil
}

func parseOptionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return parseTime(s)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case Status:
		return string(x), nil
	case time.Time:
		if x.IsZero() {
			return "", nil
		}
		return formatTime(x), nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return formatTime(*x), nil
	case *float64:
		if x == nil {
			return nil, nil
		}
		return *x, nil
	case *Insight:
		if x == nil {
			return nil, nil
		}
		return marshalInsight(*x)
	case Insight:
		return marshalInsight(x)
	}
	return v, nil
}

func marshalInsight(ins Insight) (string, error) {
	for _, l := range []*[]string{&ins.Products, &ins.Issues, &ins.Actions, &ins.Keywords} {
		if *l == nil {
			*l = []string{}
		}
	}
	b, err := json.Marshal(ins)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
