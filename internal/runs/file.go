package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/taxdesk/taxdesk/internal/home"
	"github.com/taxdesk/taxdesk/internal/pipeline"
)

// FileStore implements Store with one JSON file per run in the home
// directory's runs folder.
type FileStore struct {
	home   *home.Dir
	logger *slog.Logger
}

// NewFileStore creates a FileStore under h, creating the runs folder.
func NewFileStore(h *home.Dir, logger *slog.Logger) (*FileStore, error) {
	if h == nil {
		return nil, fmt.Errorf("FileStore requires a home directory")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(h.RunsPath(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runs directory: %w", err)
	}
	return &FileStore{home: h, logger: logger}, nil
}

// runPath maps a run id to its file. Ids are uuids, which also keeps
// arbitrary input from escaping the runs folder.
func (s *FileStore) runPath(runID string) (string, error) {
	if _, err := uuid.Parse(runID); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	return s.home.RunPath(runID), nil
}

func (s *FileStore) Save(ctx context.Context, state pipeline.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state.RunID == "" {
		return ErrNoRunID
	}
	path, err := s.runPath(state.RunID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", state.RunID, err)
	}

	// Write then rename so readers never see a partial file
	tmp, err := os.CreateTemp(filepath.Dir(path), ".run-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", state.RunID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save run %s: %w", state.RunID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save run %s: %w", state.RunID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save run %s: %w", state.RunID, err)
	}

	s.logger.Debug("run saved", "run_id", state.RunID, "status", state.Status, "current", state.Current)
	return nil
}

func (s *FileStore) Load(ctx context.Context, runID string) (pipeline.State, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.State{}, err
	}
	path, err := s.runPath(runID)
	if err != nil {
		return pipeline.State{}, err
	}
	return readState(path, runID)
}

func readState(path, runID string) (pipeline.State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return pipeline.State{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return pipeline.State{}, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	var state pipeline.State
	if err := json.Unmarshal(data, &state); err != nil {
		return pipeline.State{}, fmt.Errorf("corrupt run file %s: %w", path, err)
	}
	return state, nil
}

// List skips unreadable files with a warning rather than failing the listing.
func (s *FileStore) List(ctx context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(s.home.RunsPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	var sums []Summary
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		runID := strings.TrimSuffix(name, ".json")
		if _, err := uuid.Parse(runID); err != nil {
			continue
		}
		state, err := readState(filepath.Join(s.home.RunsPath(), name), runID)
		if err != nil {
			s.logger.Warn("skipping unreadable run", "file", name, "error", err)
			continue
		}
		sums = append(sums, Summarize(state))
	}
	sortNewestFirst(sums)
	return sums, nil
}

func (s *FileStore) Delete(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.runPath(runID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	return nil
}
