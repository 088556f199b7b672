package pipeline

import (
	"encoding/json"
	"time"

	"github.com/taxdesk/taxdesk/internal/stage"
)

// EventKind classifies a progress event.
type EventKind string

const (
	EventMessage   EventKind = "message"
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
	EventDone      EventKind = "done"
	EventSkipped   EventKind = "skipped"
)

// Event is one progress notification.
type Event struct {
	RunID    string
	UploadID string
	Stage    stage.Name
	Kind     EventKind

	// Step is the stream's step tag for message events.
	Step    string
	Message string

	// Result is set on completed events.
	Result json.RawMessage
	At     time.Time
}

// ProgressFunc receives progress events. Events of one run arrive in order,
// but different runs report from different goroutines.
type ProgressFunc func(Event)
