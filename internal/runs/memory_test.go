package runs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taxdesk/taxdesk/internal/pipeline"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	state := sampleState("7", time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC))

	if err := m.Save(ctx, state); err != nil {
		t.Fatal(err)
	}

	// Stored copies are independent of the caller's maps
	state.Messages["extraction"][0].Text = "changed"
	got, err := m.Load(ctx, state.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Messages["extraction"][0].Text != "Running OCR" {
		t.Error("store shares message slices with the caller")
	}

	sums, _ := m.List(ctx)
	if len(sums) != 1 || sums[0].UploadID != "7" {
		t.Errorf("unexpected list %+v", sums)
	}
	if err := m.Delete(ctx, state.RunID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Load(ctx, state.RunID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ErrorInjection(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")

	m := NewMemoryStore()
	m.SaveErr = boom
	if err := m.Save(ctx, pipeline.State{RunID: "a"}); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}

	m = NewMemoryStore()
	m.ErrOnRunID = map[string]error{"b": boom}
	if err := m.Save(ctx, pipeline.State{RunID: "a"}); err != nil {
		t.Errorf("unexpected error for a: %v", err)
	}
	if err := m.Save(ctx, pipeline.State{RunID: "b"}); !errors.Is(err, boom) {
		t.Errorf("expected injected error for b, got %v", err)
	}
	if len(m.Saves()) != 1 {
		t.Errorf("got %d saves, want 1", len(m.Saves()))
	}

	m.ListErr = boom
	if _, err := Latest(ctx, m, "7"); !errors.Is(err, boom) {
		t.Errorf("expected list error from Latest, got %v", err)
	}
}
