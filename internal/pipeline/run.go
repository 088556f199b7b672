package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/taxdesk/taxdesk/internal/stage"
	"github.com/taxdesk/taxdesk/internal/stream"
)

type eventKind int

const (
	evStart eventKind = iota
	evMessage
	evComplete
	evFailed
	evCancelled
)

// event is a mailbox entry. driver identifies the stage run it came from.
type event struct {
	kind    eventKind
	driver  *stage.Driver
	spec    stage.Spec
	input   json.RawMessage
	msg     stream.Message
	result  json.RawMessage
	failure stage.Failure
	phase   Phase
}

// mailbox is an unbounded FIFO. push never blocks.
type mailbox struct {
	mu     sync.Mutex
	queue  []event
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(e event) {
	m.mu.Lock()
	m.queue = append(m.queue, e)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}

// Run is one pipeline execution for one upload.
type Run struct {
	c        *Controller
	id       string
	uploadID string
	logger   *slog.Logger

	ctx       context.Context
	cancelCtx context.CancelFunc
	stopWatch func() bool

	mbox *mailbox

	mu      sync.Mutex
	state   State
	current *stage.Driver

	settleOnce sync.Once
	settled    chan struct{}
	done       chan struct{}
}

func newRun(parent context.Context, c *Controller, seed State) *Run {
	ctx, cancel := context.WithCancel(parent)
	r := &Run{
		c:         c,
		id:        seed.RunID,
		uploadID:  seed.UploadID,
		logger:    c.logger.With("run_id", seed.RunID, "upload_id", seed.UploadID),
		ctx:       ctx,
		cancelCtx: cancel,
		mbox:      newMailbox(),
		state:     seed,
		settled:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.stopWatch = context.AfterFunc(parent, r.Cancel)
	return r
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// UploadID returns the upload the run processes.
func (r *Run) UploadID() string { return r.uploadID }

// State returns a snapshot of the run.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// Done is closed once the run is completed, failed or cancelled.
func (r *Run) Done() <-chan struct{} { return r.done }

// ExtractionSettled is closed once the run no longer occupies the first
// stage: it has moved past it, or stopped.
func (r *Run) ExtractionSettled() <-chan struct{} { return r.settled }

// Wait blocks until the run stops or ctx is done, and returns the latest state.
func (r *Run) Wait(ctx context.Context) (State, error) {
	select {
	case <-r.done:
		return r.State(), nil
	case <-ctx.Done():
		return r.State(), ctx.Err()
	}
}

// Cancel stops the run, keeping results gathered so far. No progress for the
// cancelled stage is applied after Cancel returns. Calling it on a stopped
// run has no effect.
func (r *Run) Cancel() {
	r.mu.Lock()
	if r.state.Status != StatusRunning {
		r.mu.Unlock()
		return
	}
	d := r.current
	phase := r.state.Current
	r.current = nil
	r.state.Status = StatusCancelled
	r.state.Current = PhaseNone
	r.state.UpdatedAt = r.c.now()
	r.mu.Unlock()

	if d != nil {
		d.Cancel()
	}
	r.settle()
	r.mbox.push(event{kind: evCancelled, phase: phase})
}

func (r *Run) settle() {
	r.settleOnce.Do(func() { close(r.settled) })
}

func (r *Run) loop() {
	for range r.mbox.notify {
		for _, ev := range r.mbox.drain() {
			if r.apply(ev) {
				r.finish()
				return
			}
		}
	}
}

// apply folds one event into the run state. It reports whether the run has
// reached a terminal state.
func (r *Run) apply(ev event) bool {
	var (
		out      []Event
		finished bool
	)

	r.mu.Lock()
	switch {
	case ev.kind == evCancelled:
		r.logger.Info("pipeline cancelled", "phase", ev.phase)
		out = append(out, r.eventLocked(stage.Name(ev.phase), EventCancelled, "Run cancelled"))
		finished = true

	case r.state.Status != StatusRunning:
		// Cancelled; drop anything still queued.

	case ev.kind == evStart:
		out, finished = r.startLocked(ev.spec, ev.input)

	case ev.driver != r.current:
		// Stale event from a finished stage.

	case ev.kind == evMessage:
		name := ev.driver.Spec().Name
		if r.state.Messages == nil {
			r.state.Messages = make(map[stage.Name][]stream.Message)
		}
		r.state.Messages[name] = append(r.state.Messages[name], ev.msg)
		r.state.UpdatedAt = r.c.now()
		e := r.eventLocked(name, EventMessage, ev.msg.Text)
		e.Step = ev.msg.Step
		out = append(out, e)

	case ev.kind == evComplete:
		spec := ev.driver.Spec()
		if r.state.Results == nil {
			r.state.Results = make(map[stage.Name]json.RawMessage)
		}
		r.state.Results[spec.Name] = ev.result
		r.state.UpdatedAt = r.c.now()
		r.current = nil
		e := r.eventLocked(spec.Name, EventCompleted, spec.Agent+" completed")
		e.Result = ev.result
		out = append(out, e)
		r.logger.Info("stage completed", "stage", spec.Name)

		if next, ok := r.c.registry.Next(spec.Name); ok {
			started, failed := r.startLocked(next, ev.result)
			out = append(out, started...)
			finished = failed
		} else {
			r.state.Status = StatusCompleted
			r.state.Current = PhaseDone
			out = append(out, r.eventLocked("", EventDone, "Pipeline complete"))
			finished = true
		}

	case ev.kind == evFailed:
		name := ev.driver.Spec().Name
		r.current = nil
		out = append(out, r.failLocked(name, ev.failure.Message))
		finished = true
	}

	if r.state.Current != PhaseExtraction {
		r.settle()
	}
	r.mu.Unlock()

	for _, e := range out {
		r.c.emit(e)
	}
	return finished
}

// startLocked opens spec's stream. It reports true when the stage could not
// start, which fails the run.
func (r *Run) startLocked(spec stage.Spec, input json.RawMessage) ([]Event, bool) {
	d := stage.NewDriver(spec, r.c.sub,
		stage.WithLogger(r.logger),
		stage.WithIdleTimeout(r.c.IdleTimeout()),
	)
	r.current = d
	r.state.Current = Phase(spec.Name)
	r.state.UpdatedAt = r.c.now()
	delete(r.state.Messages, spec.Name)
	delete(r.state.Results, spec.Name)

	err := d.Start(r.ctx, r.uploadID, input, stage.Callbacks{
		OnMessage: func(m stream.Message) {
			r.mbox.push(event{kind: evMessage, driver: d, msg: m})
		},
		OnComplete: func(result json.RawMessage) {
			r.mbox.push(event{kind: evComplete, driver: d, result: result})
		},
		OnError: func(f stage.Failure) {
			r.mbox.push(event{kind: evFailed, driver: d, failure: f})
		},
	})
	if err != nil {
		r.current = nil
		r.logger.Error("stage failed to start", "stage", spec.Name, "error", err)
		return []Event{r.failLocked(spec.Name, err.Error())}, true
	}
	return []Event{r.eventLocked(spec.Name, EventStarted, spec.Agent+" started")}, false
}

func (r *Run) failLocked(name stage.Name, message string) Event {
	r.state.Error = &Failure{Stage: name, Message: message}
	r.state.Status = StatusFailed
	r.state.UpdatedAt = r.c.now()
	r.logger.Warn("pipeline failed", "stage", name, "error", message)
	return r.eventLocked(name, EventFailed, message)
}

func (r *Run) eventLocked(name stage.Name, kind EventKind, message string) Event {
	return Event{
		RunID:    r.id,
		UploadID: r.uploadID,
		Stage:    name,
		Kind:     kind,
		Message:  message,
		At:       r.state.UpdatedAt,
	}
}

// finish stamps the terminal state, hands it to OnFinish and releases the
// upload id.
func (r *Run) finish() {
	r.stopWatch()
	r.cancelCtx()

	r.mu.Lock()
	now := r.c.now()
	r.state.FinishedAt = &now
	final := r.state.Clone()
	r.mu.Unlock()

	r.settle()
	r.c.release(r)
	if r.c.onFinish != nil {
		r.c.onFinish(final)
	}
	r.logger.Info("pipeline finished", "status", final.Status)
	close(r.done)
}
