package runs

import (
	"context"
	"fmt"
	"sync"

	"github.com/taxdesk/taxdesk/internal/pipeline"
)

// MemoryStore implements Store in memory for tests.
// Error injection is supported for testing error handling paths.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]pipeline.State

	// saves records every saved run id in order, for test assertions
	saves []string

	// SaveErr is returned by Save when non-nil
	SaveErr error

	// LoadErr is returned by Load when non-nil
	LoadErr error

	// ListErr is returned by List when non-nil
	ListErr error

	// ErrOnRunID causes operations on specific run ids to fail
	ErrOnRunID map[string]error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]pipeline.State)}
}

func (m *MemoryStore) Save(_ context.Context, state pipeline.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	if state.RunID == "" {
		return ErrNoRunID
	}
	if err, ok := m.ErrOnRunID[state.RunID]; ok {
		return err
	}
	m.states[state.RunID] = state.Clone()
	m.saves = append(m.saves, state.RunID)
	return nil
}

func (m *MemoryStore) Load(_ context.Context, runID string) (pipeline.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.LoadErr != nil {
		return pipeline.State{}, m.LoadErr
	}
	if err, ok := m.ErrOnRunID[runID]; ok {
		return pipeline.State{}, err
	}
	s, ok := m.states[runID]
	if !ok {
		return pipeline.State{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.ListErr != nil {
		return nil, m.ListErr
	}
	sums := make([]Summary, 0, len(m.states))
	for _, s := range m.states {
		sums = append(sums, Summarize(s))
	}
	sortNewestFirst(sums)
	return sums, nil
}

func (m *MemoryStore) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[runID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	delete(m.states, runID)
	return nil
}

// Saves returns the run ids passed to Save, in order.
func (m *MemoryStore) Saves() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.saves...)
}
