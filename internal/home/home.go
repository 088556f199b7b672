package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the taxdesk home directory.
	DefaultDirName = ".taxdesk"

	// RunsDirName is the subdirectory for persisted pipeline runs.
	RunsDirName = "runs"

	// ReportsDirName is the subdirectory for saved text reports.
	ReportsDirName = "reports"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
)

// Dir represents the taxdesk home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.taxdesk).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// RunsPath returns the path to the runs directory.
func (d *Dir) RunsPath() string {
	return filepath.Join(d.path, RunsDirName)
}

// RunPath returns the file holding one persisted run.
func (d *Dir) RunPath(runID string) string {
	return filepath.Join(d.RunsPath(), runID+".json")
}

// ReportsPath returns the path to the saved reports directory.
func (d *Dir) ReportsPath() string {
	return filepath.Join(d.path, ReportsDirName)
}

// ReportPath returns the file for an upload's text report.
func (d *Dir) ReportPath(uploadID string) string {
	return filepath.Join(d.ReportsPath(), fmt.Sprintf("report_%s.txt", uploadID))
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	// Creating the subdirectories also creates the parent
	for _, dir := range []string{d.RunsPath(), d.ReportsPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
