package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// OutputManager lays out the per-run working directories under one base dir
type OutputManager struct {
	BaseOutputDir string
}

// NewOutputManager creates a new output manager
func NewOutputManager(baseOutputDir string) *OutputManager {
	return &OutputManager{
		BaseOutputDir: baseOutputDir,
	}
}

// CreateRunDir creates the working directory of a run
func (om *OutputManager) CreateRunDir(runID string) (string, error) {
	runDir := filepath.Join(om.BaseOutputDir, filepath.Base(runID))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}
	return runDir, nil
}

// RemoveRunDir deletes a run's working directory and whatever is left in it
func (om *OutputManager) RemoveRunDir(runID string) error {
	return os.RemoveAll(filepath.Join(om.BaseOutputDir, filepath.Base(runID)))
}

// LeftoverFiles lists files still present in a run's directory
func (om *OutputManager) LeftoverFiles(runID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(om.BaseOutputDir, filepath.Base(runID)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// EnsureOutputDirExists ensures the base output directory exists
func (om *OutputManager) EnsureOutputDirExists() error {
	return os.MkdirAll(om.BaseOutputDir, 0o755)
}
