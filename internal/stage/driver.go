package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taxdesk/taxdesk/internal/stream"
)

// Precondition and failure errors.
var (
	// ErrAlreadyRunning is returned by Start while a run is in flight.
	ErrAlreadyRunning = errors.New("stage already running")

	// ErrMissingTarget is returned by Start without an upload id.
	ErrMissingTarget = errors.New("missing target id")

	// ErrMissingInput is returned by Start when the predecessor's result is absent.
	ErrMissingInput = errors.New("missing stage input")

	// ErrServerReported wraps terminal error events sent by the service.
	ErrServerReported = errors.New("server reported failure")

	// ErrNoResult is the failure for a success event without a payload.
	ErrNoResult = errors.New("stage returned no result")

	// ErrIdleTimeout is the failure when the stream goes quiet for too long.
	ErrIdleTimeout = errors.New("stream idle timeout")
)

// Human-readable failure messages.
const (
	MsgConnectionLost = "Connection lost"
	MsgEventTooLarge  = "Stream event too large"
	MsgIdleTimeout    = "Stream idle timeout"
	MsgNoResult       = "Stage returned no result"
	MsgStageFailed    = "Stage failed"
)

// State is the lifecycle state of a Driver.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Failure is the terminal error outcome of a run.
type Failure struct {
	Message string
	Err     error
}

func (f Failure) Error() string { return f.Message }

func (f Failure) Unwrap() error { return f.Err }

// Callbacks receive a run's events. They are invoked on the stream's
// goroutine, one at a time and in order. A callback must not call Cancel on
// the driver that invoked it.
type Callbacks struct {
	OnMessage  func(stream.Message)
	OnComplete func(result json.RawMessage)
	OnError    func(Failure)
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithIdleTimeout fails a run when no event arrives within timeout.
// Zero disables the check.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(d *Driver) { d.idleTimeout = timeout }
}

// Driver runs one stage against one upload, one run at a time:
// idle → running → completed | failed. Cancel returns a running driver to idle.
type Driver struct {
	spec        Spec
	sub         stream.Subscriber
	logger      *slog.Logger
	idleTimeout time.Duration

	// deliverMu is held while a callback runs so that Cancel cannot return
	// while a callback is still in progress.
	deliverMu sync.Mutex

	mu       sync.Mutex
	state    State
	gen      uint64
	targetID string
	messages []stream.Message
	result   json.RawMessage
	failure  *Failure
	cb       Callbacks
	cancel   stream.CancelFunc
	idle     *time.Timer
	stopCtx  func() bool
	done     chan struct{}
}

// NewDriver creates an idle driver for spec.
func NewDriver(spec Spec, sub stream.Subscriber, opts ...Option) *Driver {
	d := &Driver{
		spec:   spec,
		sub:    sub,
		state:  StateIdle,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	close(d.done)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start opens the stage stream for targetID. input is the predecessor's
// result and is required for every stage but the first.
func (d *Driver) Start(ctx context.Context, targetID string, input json.RawMessage, cb Callbacks) error {
	if targetID == "" {
		return ErrMissingTarget
	}
	if d.spec.RequiresInput() && isEmptyResult(input) {
		return fmt.Errorf("%w: %s needs the %s result", ErrMissingInput, d.spec.Name, d.spec.DependsOn)
	}

	d.mu.Lock()
	if d.state == StateRunning {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s for %s", ErrAlreadyRunning, d.spec.Name, d.targetID)
	}
	d.gen++
	gen := d.gen
	d.state = StateRunning
	d.targetID = targetID
	d.messages = nil
	d.result = nil
	d.failure = nil
	d.cb = cb
	d.cancel = nil
	d.done = make(chan struct{})
	if d.idleTimeout > 0 {
		d.idle = time.AfterFunc(d.idleTimeout, func() { d.expire(gen) })
	}
	d.stopCtx = context.AfterFunc(ctx, func() { d.cancelRun(gen) })
	d.mu.Unlock()

	d.logger.Info("stage started", "stage", d.spec.Name, "target", targetID)

	cancel := d.sub.Subscribe(ctx, d.spec.Path(targetID), d.spec.Dialect,
		func(m stream.Message) { d.handleMessage(gen, m) },
		func(err error) { d.handleError(gen, err) },
	)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen != gen || d.state != StateRunning {
		// Finished or cancelled before Subscribe returned.
		cancel()
		return nil
	}
	d.cancel = cancel
	return nil
}

// Cancel stops a running driver without invoking any callback, now or later.
// It is a no-op when the driver is not running.
func (d *Driver) Cancel() {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

// cancelRun cancels run gen if it is still the current run.
func (d *Driver) cancelRun(gen uint64) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen == gen {
		d.cancelLocked()
	}
}

func (d *Driver) cancelLocked() {
	if d.state != StateRunning {
		return
	}
	d.gen++
	d.state = StateIdle
	d.closeLocked()
	d.logger.Info("stage cancelled", "stage", d.spec.Name, "target", d.targetID)
}

// Reset returns a finished driver to idle, dropping its log and outcome.
func (d *Driver) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateRunning {
		return ErrAlreadyRunning
	}
	d.state = StateIdle
	d.messages = nil
	d.result = nil
	d.failure = nil
	return nil
}

func (d *Driver) handleMessage(gen uint64, m stream.Message) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	d.mu.Lock()
	if d.gen != gen || d.state != StateRunning {
		d.mu.Unlock()
		return
	}
	cb := d.cb

	switch m.Kind {
	case stream.KindResult:
		if isEmptyResult(m.Result) {
			f := Failure{Message: MsgNoResult, Err: ErrNoResult}
			d.failLocked(f)
			d.mu.Unlock()
			if cb.OnError != nil {
				cb.OnError(f)
			}
			return
		}
		d.result = m.Result
		d.state = StateCompleted
		d.closeLocked()
		d.mu.Unlock()

		d.logger.Info("stage completed", "stage", d.spec.Name, "target", d.targetID)
		if cb.OnComplete != nil {
			cb.OnComplete(m.Result)
		}

	case stream.KindError:
		text := m.Text
		if text == "" {
			text = MsgStageFailed
		}
		f := Failure{Message: text, Err: fmt.Errorf("%w: %s", ErrServerReported, text)}
		d.failLocked(f)
		d.mu.Unlock()
		if cb.OnError != nil {
			cb.OnError(f)
		}

	default:
		d.messages = append(d.messages, m)
		if d.idle != nil {
			d.idle.Reset(d.idleTimeout)
		}
		d.mu.Unlock()
		if cb.OnMessage != nil {
			cb.OnMessage(m)
		}
	}
}

func (d *Driver) handleError(gen uint64, err error) {
	msg := MsgConnectionLost
	if errors.Is(err, stream.ErrEventTooLarge) {
		msg = MsgEventTooLarge
	}
	d.fail(gen, Failure{Message: msg, Err: err})
}

func (d *Driver) expire(gen uint64) {
	d.fail(gen, Failure{Message: MsgIdleTimeout, Err: ErrIdleTimeout})
}

func (d *Driver) fail(gen uint64, f Failure) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	d.mu.Lock()
	if d.gen != gen || d.state != StateRunning {
		d.mu.Unlock()
		return
	}
	cb := d.cb
	d.failLocked(f)
	d.mu.Unlock()

	if cb.OnError != nil {
		cb.OnError(f)
	}
}

func (d *Driver) failLocked(f Failure) {
	d.failure = &f
	d.state = StateFailed
	d.closeLocked()
	d.logger.Warn("stage failed", "stage", d.spec.Name, "target", d.targetID, "error", f.Err)
}

// closeLocked releases the subscription and timers of the current run.
func (d *Driver) closeLocked() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.idle != nil {
		d.idle.Stop()
		d.idle = nil
	}
	if d.stopCtx != nil {
		d.stopCtx()
		d.stopCtx = nil
	}
	select {
	case <-d.done:
	default:
		close(d.done)
	}
}

// Spec returns the stage this driver runs.
func (d *Driver) Spec() Spec { return d.spec }

// State returns the current lifecycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Messages returns a copy of the current run's progress log.
func (d *Driver) Messages() []stream.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]stream.Message, len(d.messages))
	copy(out, d.messages)
	return out
}

// Result returns the stored result once completed.
func (d *Driver) Result() json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.result
}

// Failure returns the failure once failed.
func (d *Driver) Failure() (Failure, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failure == nil {
		return Failure{}, false
	}
	return *d.failure, true
}

// Done is closed when the current run completes, fails or is cancelled.
func (d *Driver) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

func isEmptyResult(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
