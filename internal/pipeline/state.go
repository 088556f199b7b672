// Package pipeline chains the four compliance stages for one upload.
//
// Each run is an actor: stage drivers report into an unbounded mailbox and a
// single goroutine applies those events to the run's State in order. The
// next stage is started while the previous stage's completion is applied, so
// stages never overlap and never wait on a caller.
package pipeline

import (
	"encoding/json"
	"time"

	"github.com/taxdesk/taxdesk/internal/stage"
	"github.com/taxdesk/taxdesk/internal/stream"
)

// Phase is the stage a run is executing, or none/done.
type Phase string

const (
	PhaseNone       Phase = "none"
	PhaseExtraction Phase = Phase(stage.Extraction)
	PhaseValidation Phase = Phase(stage.Validation)
	PhaseResolution Phase = Phase(stage.Resolution)
	PhaseReporting  Phase = Phase(stage.Reporting)
	PhaseDone       Phase = "done"
)

// Status represents the lifecycle of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Failure is the single error slot of a run.
type Failure struct {
	Stage   stage.Name `json:"stage"`
	Message string     `json:"message"`
}

// State is a snapshot of one pipeline run.
type State struct {
	RunID       string                          `json:"run_id"`
	UploadID    string                          `json:"upload_id"`
	Current     Phase                           `json:"current"`
	Status      Status                          `json:"status"`
	Results     map[stage.Name]json.RawMessage  `json:"results,omitempty"`
	Messages    map[stage.Name][]stream.Message `json:"messages,omitempty"`
	Error       *Failure                        `json:"error,omitempty"`
	ResumedFrom string                          `json:"resumed_from,omitempty"`
	StartedAt   time.Time                       `json:"started_at"`
	UpdatedAt   time.Time                       `json:"updated_at"`
	FinishedAt  *time.Time                      `json:"finished_at,omitempty"`
}

// Terminal reports whether the run has stopped.
func (s State) Terminal() bool {
	return s.Status != StatusRunning
}

// Result returns the stored result of name, or nil.
func (s State) Result(name stage.Name) json.RawMessage {
	return s.Results[name]
}

// Clone returns a copy that shares no maps or slices with s.
func (s State) Clone() State {
	out := s
	if s.Results != nil {
		out.Results = make(map[stage.Name]json.RawMessage, len(s.Results))
		for k, v := range s.Results {
			out.Results[k] = append(json.RawMessage(nil), v...)
		}
	}
	if s.Messages != nil {
		out.Messages = make(map[stage.Name][]stream.Message, len(s.Messages))
		for k, v := range s.Messages {
			out.Messages[k] = append([]stream.Message(nil), v...)
		}
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
