package history

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/maestro/internal/job"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventQueued    EventType = "queued"
	EventLaunched  EventType = "launched"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventKilled    EventType = "killed"
	EventDeleted   EventType = "deleted"
)

// Event is one job lifecycle transition exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	BatchID    int       `json:"batch_id"`
	Label      string    `json:"label,omitempty"`
	Name       string    `json:"name,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Devices    []int     `json:"devices,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// NewEvent builds an event for p in batch b. p may be nil for batch-level events.
func NewEvent(t EventType, b *job.Batch, p *job.Process) Event {
	e := Event{ID: uuid.NewString(), Type: t, OccurredAt: time.Now().UTC()}
	if b != nil {
		e.BatchID = b.ID
		e.Label = b.Label
	}
	if p != nil {
		e.Name = p.Name
		e.PID = p.PIDValue()
		if len(p.Devices) > 0 {
			e.Devices = append([]int(nil), p.Devices...)
		}
		if p.ExitCode != nil {
			c := *p.ExitCode
			e.ExitCode = &c
		}
	}
	return e
}

// EventFor maps a terminal process status to its event type.
func EventFor(s job.Status) EventType {
	switch s {
	case job.StatusRunning:
		return EventLaunched
	case job.StatusCompleted:
		return EventCompleted
	case job.StatusKilled:
		return EventKilled
	case job.StatusQueued:
		return EventQueued
	default:
		return EventFailed
	}
}
