package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of recorded event.
type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventSessionEnd   EventType = "session_end"
	EventTransition   EventType = "transition"
	EventNotification EventType = "notification"
)

// Event is one row of watcher history exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	// Name is the supervised process for lifecycle events and the
	// notification kind (failure, recovery, admin) otherwise.
	Name       string `json:"name"`
	State      string `json:"state,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Subscriber int64  `json:"subscriber,omitempty"`
	OK         bool   `json:"ok"`
	Detail     string `json:"detail,omitempty"`
}

// Sink is a destination for history events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to sinks. Sink errors are logged and never
// returned, so recording cannot fail a session. A nil Recorder is valid.
type Recorder struct {
	sinks []Sink
	log   *slog.Logger
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, log: log}
}

// Record stamps e if needed and sends it to every sink.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	e.OccurredAt = e.OccurredAt.UTC()
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history sink failed", "type", e.Type, "error", err)
		}
	}
}

// Close closes every sink that has a Close method.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
