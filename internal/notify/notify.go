// Package notify tells operators about records that failed terminally.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Event describes a record that reached a terminal failure status.
type Event struct {
	ID        string    `json:"id"`
	StoreCode string    `json:"store_code"`
	Stage     string    `json:"stage"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	At        time.Time `json:"at"`
}

// Notifier delivers failure events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Log writes events to a structured logger at warn level.
type Log struct {
	Logger *slog.Logger
}

// Notify logs ev.
func (l Log) Notify(ctx context.Context, ev Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "feedback needs attention",
		"id", ev.ID,
		"store", ev.StoreCode,
		"stage", ev.Stage,
		"kind", ev.Kind,
		"attempts", ev.Attempts,
		"error", ev.Error,
	)
	return nil
}

// Multi fans an event out to every notifier. All notifiers are called even
// when some fail.
type Multi []Notifier

// Notify delivers ev to each notifier and joins their errors.
func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
