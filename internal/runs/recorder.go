package runs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taxdesk/taxdesk/internal/pipeline"
)

// saveTimeout bounds one checkpoint write.
const saveTimeout = 10 * time.Second

// Recorder persists runs while they progress: a checkpoint after every
// completed stage and the final state when the run ends. Save failures are
// logged; they never affect the run.
type Recorder struct {
	store  Store
	logger *slog.Logger

	mu     sync.RWMutex
	lookup func(uploadID string) (*pipeline.Run, bool)
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Attach lets the recorder read live run state from c for checkpoints.
func (r *Recorder) Attach(c *pipeline.Controller) {
	r.mu.Lock()
	r.lookup = c.Get
	r.mu.Unlock()
}

// OnProgress is a pipeline.ProgressFunc that checkpoints completed stages.
func (r *Recorder) OnProgress(ev pipeline.Event) {
	if ev.Kind != pipeline.EventCompleted {
		return
	}
	r.mu.RLock()
	lookup := r.lookup
	r.mu.RUnlock()
	if lookup == nil {
		return
	}
	run, ok := lookup(ev.UploadID)
	if !ok || run.ID() != ev.RunID {
		return
	}
	r.save(run.State())
}

// OnFinish saves the final state of a run.
func (r *Recorder) OnFinish(state pipeline.State) {
	r.save(state)
}

func (r *Recorder) save(state pipeline.State) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := r.store.Save(ctx, state); err != nil {
		r.logger.Warn("failed to save run", "run_id", state.RunID, "upload_id", state.UploadID, "error", err)
	}
}
