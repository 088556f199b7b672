// Package runs persists pipeline run states so finished and interrupted runs
// can be inspected and resumed later.
package runs

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/taxdesk/taxdesk/internal/pipeline"
	"github.com/taxdesk/taxdesk/internal/stage"
)

var (
	ErrNotFound     = errors.New("run not found")
	ErrInvalidRunID = errors.New("invalid run id")
	ErrNoRunID      = errors.New("state has no run id")
)

// Store abstracts run persistence.
//
// FileStore keeps one JSON file per run under the home directory.
// MemoryStore is provided for tests.
type Store interface {
	// Save writes state, replacing any earlier save of the same run.
	Save(ctx context.Context, state pipeline.State) error

	// Load returns the run with the given id, or ErrNotFound.
	Load(ctx context.Context, runID string) (pipeline.State, error)

	// List returns summaries of all saved runs, newest first.
	List(ctx context.Context) ([]Summary, error)

	// Delete removes a saved run. Deleting an unknown run returns ErrNotFound.
	Delete(ctx context.Context, runID string) error
}

// Summary is the listing view of a saved run.
type Summary struct {
	RunID       string            `json:"run_id" yaml:"run_id"`
	UploadID    string            `json:"upload_id" yaml:"upload_id"`
	Status      pipeline.Status   `json:"status" yaml:"status"`
	Current     pipeline.Phase    `json:"current" yaml:"current"`
	Completed   []stage.Name      `json:"completed,omitempty" yaml:"completed,omitempty"`
	Error       *pipeline.Failure `json:"error,omitempty" yaml:"error,omitempty"`
	ResumedFrom string            `json:"resumed_from,omitempty" yaml:"resumed_from,omitempty"`
	StartedAt   time.Time         `json:"started_at" yaml:"started_at"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// Summarize builds the listing view of s.
func Summarize(s pipeline.State) Summary {
	sum := Summary{
		RunID:       s.RunID,
		UploadID:    s.UploadID,
		Status:      s.Status,
		Current:     s.Current,
		Error:       s.Error,
		ResumedFrom: s.ResumedFrom,
		StartedAt:   s.StartedAt,
		FinishedAt:  s.FinishedAt,
	}
	for _, spec := range stage.Specs() {
		if len(s.Results[spec.Name]) > 0 {
			sum.Completed = append(sum.Completed, spec.Name)
		}
	}
	return sum
}

// Latest returns the most recently started run for uploadID.
func Latest(ctx context.Context, store Store, uploadID string) (pipeline.State, error) {
	sums, err := store.List(ctx)
	if err != nil {
		return pipeline.State{}, err
	}
	for _, s := range sums {
		if s.UploadID == uploadID {
			return store.Load(ctx, s.RunID)
		}
	}
	return pipeline.State{}, ErrNotFound
}

func sortNewestFirst(sums []Summary) {
	sort.SliceStable(sums, func(i, j int) bool {
		if !sums[i].StartedAt.Equal(sums[j].StartedAt) {
			return sums[i].StartedAt.After(sums[j].StartedAt)
		}
		return sums[i].RunID < sums[j].RunID
	})
}
