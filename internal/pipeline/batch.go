package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/taxdesk/taxdesk/internal/types"
)

// SkipReason explains why a batch entry was not started.
type SkipReason string

const (
	SkipDuplicate  SkipReason = "duplicate upload"
	SkipMissingID  SkipReason = "upload has no id"
	SkipInProgress SkipReason = "pipeline already running"
)

// Skipped is a batch entry that was not started.
type Skipped struct {
	Upload types.UploadRecord `json:"upload"`
	Reason SkipReason         `json:"reason"`
}

// Batch tracks the runs started by RunBatch.
type Batch struct {
	done chan struct{}

	mu      sync.Mutex
	runs    []*Run
	skipped []Skipped
	err     error
}

// RunBatch starts a run for each processable upload, one extraction at a
// time: an upload's run starts only after the previous run left the first
// stage. Later stages of different uploads overlap freely. Duplicates and
// uploads without an id are skipped and reported as EventSkipped.
//
// Cancelling ctx stops starting new runs and cancels the started ones.
func (c *Controller) RunBatch(ctx context.Context, uploads []types.UploadRecord) *Batch {
	b := &Batch{done: make(chan struct{})}
	go func() {
		defer close(b.done)
		for _, u := range uploads {
			if ctx.Err() != nil {
				b.setErr(ctx.Err())
				return
			}

			if reason, skip := skipReason(u); skip {
				b.skip(c, u, reason)
				continue
			}

			r, err := c.Run(ctx, u.ID.String(), nil)
			if errors.Is(err, ErrRunInProgress) {
				b.skip(c, u, SkipInProgress)
				continue
			}
			if err != nil {
				b.setErr(fmt.Errorf("failed to start %s: %w", u.Filename, err))
				continue
			}

			b.mu.Lock()
			b.runs = append(b.runs, r)
			b.mu.Unlock()

			select {
			case <-r.ExtractionSettled():
			case <-ctx.Done():
				b.setErr(ctx.Err())
				return
			}
		}
	}()
	return b
}

func skipReason(u types.UploadRecord) (SkipReason, bool) {
	if u.Processable() {
		return "", false
	}
	if u.Status == types.UploadStatusDuplicate {
		return SkipDuplicate, true
	}
	return SkipMissingID, true
}

func (b *Batch) skip(c *Controller, u types.UploadRecord, reason SkipReason) {
	b.mu.Lock()
	b.skipped = append(b.skipped, Skipped{Upload: u, Reason: reason})
	b.mu.Unlock()

	c.logger.Info("skipping upload", "upload_id", u.ID, "filename", u.Filename, "reason", reason)
	c.emit(Event{
		UploadID: u.ID.String(),
		Kind:     EventSkipped,
		Message:  fmt.Sprintf("%s: %s", u.Filename, reason),
		At:       c.now(),
	})
}

func (b *Batch) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
}

// Started is closed once every run of the batch has been started or skipped.
func (b *Batch) Started() <-chan struct{} { return b.done }

// Runs returns the runs started so far, in upload order.
func (b *Batch) Runs() []*Run {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Run(nil), b.runs...)
}

// Skipped returns the entries that were not started.
func (b *Batch) Skipped() []Skipped {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Skipped(nil), b.skipped...)
}

// Wait blocks until every run has been started and has stopped, and returns
// their final states in upload order. The error is the first start failure
// or a context error; failed runs are reported in their states, not here.
func (b *Batch) Wait(ctx context.Context) ([]State, error) {
	select {
	case <-b.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	runs := b.Runs()
	states := make([]State, len(runs))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range runs {
		g.Go(func() error {
			st, err := r.Wait(gctx)
			states[i] = st
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return states, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return states, b.err
}
