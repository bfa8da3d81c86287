package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/appstack/internal/logger"
)

// EventType defines the kind of audited event.
type EventType string

const (
	EventInstall        EventType = "install"
	EventInstallFailed  EventType = "install_failed"
	EventRollback       EventType = "rollback"
	EventUninstall      EventType = "uninstall"
	EventServiceStart   EventType = "service_start"
	EventServiceStop    EventType = "service_stop"
	EventServiceRestart EventType = "service_restart"
	EventPortsReserved  EventType = "ports_reserved"
	EventPortsReleased  EventType = "ports_released"
)

// Event represents one audited operation exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Subject    string    `json:"subject"` // app id or service name
	Detail     string    `json:"detail,omitempty"`
	Err        string    `json:"error,omitempty"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(t EventType, subject, detail string, err error) Event {
	e := Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Subject:    subject,
		Detail:     detail,
	}
	if err != nil {
		e.Err = err.Error()
	}
	return e
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to sinks. Sink failures are logged and dropped.
// The zero value and a nil *Recorder are valid and record nothing.
type Recorder struct {
	mu    sync.RWMutex
	sinks []Sink
	log   *slog.Logger
}

func NewRecorder(l *slog.Logger, sinks ...Sink) *Recorder {
	return &Recorder{sinks: append([]Sink(nil), sinks...), log: l}
}

// SetSinks replaces the sink list. Passing no sinks clears it.
func (r *Recorder) SetSinks(sinks ...Sink) {
	r.mu.Lock()
	r.sinks = append([]Sink(nil), sinks...)
	r.mu.Unlock()
}

func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()
	for _, s := range sinks {
		if err := s.Send(context.WithoutCancel(ctx), e); err != nil {
			logger.OrDefault(r.log).Warn("history sink failed",
				slog.String("event", string(e.Type)), slog.String("subject", e.Subject), slog.Any("error", err))
		}
	}
}

// Emit builds and records an event in one call.
func (r *Recorder) Emit(ctx context.Context, t EventType, subject, detail string, err error) {
	if r == nil {
		return
	}
	r.Record(ctx, NewEvent(t, subject, detail, err))
}
