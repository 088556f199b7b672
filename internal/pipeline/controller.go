package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/taxdesk/taxdesk/internal/stage"
	"github.com/taxdesk/taxdesk/internal/stream"
)

// Sentinel errors for the controller.
var (
	// ErrRunInProgress is returned when the upload already has an active run.
	ErrRunInProgress = errors.New("pipeline already running for upload")

	// ErrNothingToResume is returned when a previous run has every result.
	ErrNothingToResume = errors.New("nothing to resume")

	// ErrNoActiveRun is returned by Cancel for an upload without a run.
	ErrNoActiveRun = errors.New("no active run for upload")
)

// Config configures a Controller.
type Config struct {
	// Subscriber opens the stage streams. Required.
	Subscriber stream.Subscriber

	// Registry holds the stage chain. Defaults to stage.DefaultRegistry().
	Registry *stage.Registry

	// IdleTimeout fails a stage whose stream stays silent this long.
	// Zero disables it.
	IdleTimeout time.Duration

	// OnProgress receives every message and stage transition.
	OnProgress ProgressFunc

	// OnFinish receives the final state of each run before its Done channel
	// closes.
	OnFinish func(State)

	Logger *slog.Logger

	// Now is used for timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Controller starts and tracks pipeline runs, at most one per upload id.
type Controller struct {
	sub        stream.Subscriber
	registry   *stage.Registry
	stages     []stage.Spec
	onProgress ProgressFunc
	onFinish   func(State)
	logger     *slog.Logger
	now        func() time.Time

	idleTimeout atomic.Int64

	mu     sync.Mutex
	active map[string]*Run
}

// NewController creates a controller. The registry must describe a linear
// stage chain.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Subscriber == nil {
		return nil, fmt.Errorf("controller requires a subscriber")
	}
	if cfg.Registry == nil {
		cfg.Registry = stage.DefaultRegistry()
	}
	stages, err := cfg.Registry.Ordered()
	if err != nil {
		return nil, fmt.Errorf("invalid stage registry: %w", err)
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("invalid stage registry: no stages")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Controller{
		sub:        cfg.Subscriber,
		registry:   cfg.Registry,
		stages:     stages,
		onProgress: cfg.OnProgress,
		onFinish:   cfg.OnFinish,
		logger:     cfg.Logger,
		now:        cfg.Now,
		active:     make(map[string]*Run),
	}
	c.idleTimeout.Store(int64(cfg.IdleTimeout))
	return c, nil
}

// SetIdleTimeout changes the idle timeout for stages started from now on.
func (c *Controller) SetIdleTimeout(d time.Duration) {
	c.idleTimeout.Store(int64(d))
	c.logger.Info("stage idle timeout updated", "timeout", d)
}

// IdleTimeout returns the current stage idle timeout.
func (c *Controller) IdleTimeout() time.Duration {
	return time.Duration(c.idleTimeout.Load())
}

// Stages returns the stage chain in order.
func (c *Controller) Stages() []stage.Spec {
	out := make([]stage.Spec, len(c.stages))
	copy(out, c.stages)
	return out
}

// Run starts the pipeline for uploadID. A non-empty extraction is used as the
// cached extraction result and the run begins at the second stage.
//
// Returns ErrRunInProgress, without touching the existing run, when uploadID
// already has an active run.
func (c *Controller) Run(ctx context.Context, uploadID string, extraction json.RawMessage) (*Run, error) {
	if uploadID == "" {
		return nil, stage.ErrMissingTarget
	}

	seed := State{}
	start := 0
	if !isEmpty(extraction) {
		seed.Results = map[stage.Name]json.RawMessage{c.stages[0].Name: extraction}
		start = 1
	}
	return c.start(ctx, uploadID, seed, start)
}

// Resume starts a new run for prev's upload, keeping prev's results up to the
// first stage without one, and begins at that stage.
func (c *Controller) Resume(ctx context.Context, prev State) (*Run, error) {
	if prev.UploadID == "" {
		return nil, stage.ErrMissingTarget
	}

	start := len(c.stages)
	for i, s := range c.stages {
		if isEmpty(prev.Results[s.Name]) {
			start = i
			break
		}
	}
	if start == len(c.stages) {
		return nil, fmt.Errorf("%w: run %s has every stage result", ErrNothingToResume, prev.RunID)
	}

	prev = prev.Clone()
	seed := State{ResumedFrom: prev.RunID}
	for _, s := range c.stages[:start] {
		if seed.Results == nil {
			seed.Results = make(map[stage.Name]json.RawMessage)
		}
		seed.Results[s.Name] = prev.Results[s.Name]
		if msgs := prev.Messages[s.Name]; len(msgs) > 0 {
			if seed.Messages == nil {
				seed.Messages = make(map[stage.Name][]stream.Message)
			}
			seed.Messages[s.Name] = msgs
		}
	}
	return c.start(ctx, prev.UploadID, seed, start)
}

func (c *Controller) start(ctx context.Context, uploadID string, seed State, start int) (*Run, error) {
	c.mu.Lock()
	if _, busy := c.active[uploadID]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, uploadID)
	}

	now := c.now()
	seed.RunID = uuid.NewString()
	seed.UploadID = uploadID
	seed.Current = PhaseNone
	seed.Status = StatusRunning
	seed.StartedAt = now
	seed.UpdatedAt = now

	r := newRun(ctx, c, seed)
	c.active[uploadID] = r
	c.mu.Unlock()

	r.logger.Info("pipeline started", "first_stage", c.stages[start].Name)
	go r.loop()
	r.mbox.push(event{kind: evStart, spec: c.stages[start], input: seed.Results[c.stages[start].DependsOn]})
	return r, nil
}

// Get returns the active run for uploadID.
func (c *Controller) Get(uploadID string) (*Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.active[uploadID]
	return r, ok
}

// Active returns snapshots of all active runs, oldest first.
func (c *Controller) Active() []State {
	c.mu.Lock()
	runs := make([]*Run, 0, len(c.active))
	for _, r := range c.active {
		runs = append(runs, r)
	}
	c.mu.Unlock()

	states := make([]State, len(runs))
	for i, r := range runs {
		states[i] = r.State()
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].StartedAt.Before(states[j].StartedAt)
	})
	return states
}

// Cancel cancels the active run for uploadID, keeping its partial results.
func (c *Controller) Cancel(uploadID string) error {
	r, ok := c.Get(uploadID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveRun, uploadID)
	}
	r.Cancel()
	return nil
}

// release drops r from the active set.
func (c *Controller) release(r *Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[r.uploadID] == r {
		delete(c.active, r.uploadID)
	}
}

func (c *Controller) emit(e Event) {
	if c.onProgress != nil {
		c.onProgress(e)
	}
}

func isEmpty(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v == nil
}
