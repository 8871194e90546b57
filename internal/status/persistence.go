// Package status persists the outcome of the last run of every pass.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// StatusFileName is the name of the status file
	StatusFileName = "status.json"
)

// StatusPersistence defines the interface for run status persistence
//
//nolint:revive // This name is fine
type StatusPersistence interface {
	// SaveStatus saves the run status of a pass
	SaveStatus(ctx context.Context, pass string, status *RunStatus) error

	// LoadStatus loads the run status of a pass.
	// Returns an empty RunStatus if the pass never ran
	LoadStatus(ctx context.Context, pass string) (*RunStatus, error)

	// LoadAllStatus loads the run status of every pass that ran
	LoadAllStatus(ctx context.Context) (map[string]*RunStatus, error)
}

// fileStatusPersistence implements StatusPersistence using local filesystem
type fileStatusPersistence struct {
	basePath string
}

// NewFileStatusPersistence creates a new file-based status persistence.
// basePath is the base directory where per-pass status files will be stored
func NewFileStatusPersistence(basePath string) StatusPersistence {
	return &fileStatusPersistence{
		basePath: basePath,
	}
}

// SaveStatus saves the run status to a JSON file in a pass-specific directory
func (f *fileStatusPersistence) SaveStatus(_ context.Context, pass string, status *RunStatus) error {
	passDir := filepath.Join(f.basePath, pass)
	if err := os.MkdirAll(passDir, 0750); err != nil {
		return fmt.Errorf("failed to create status directory for pass '%s': %w", pass, err)
	}

	filePath := filepath.Join(passDir, StatusFileName)

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status data for pass '%s': %w", pass, err)
	}

	// Write to temporary file first for atomic operation
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary status file for pass '%s': %w", pass, err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename status file for pass '%s': %w", pass, err)
	}

	return nil
}

// LoadStatus loads the run status from a JSON file for a specific pass
func (f *fileStatusPersistence) LoadStatus(_ context.Context, pass string) (*RunStatus, error) {
	filePath := filepath.Join(f.basePath, pass, StatusFileName)

	// #nosec G304 -- filePath is built from the configured status directory and a known pass name
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &RunStatus{}, nil
		}
		return nil, fmt.Errorf("failed to read status file for pass '%s': %w", pass, err)
	}

	var status RunStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status data for pass '%s': %w", pass, err)
	}

	return &status, nil
}

// LoadAllStatus loads the run status of every pass directory found
func (f *fileStatusPersistence) LoadAllStatus(ctx context.Context) (map[string]*RunStatus, error) {
	result := make(map[string]*RunStatus)

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, fmt.Errorf("failed to read status directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pass := entry.Name()
		status, err := f.LoadStatus(ctx, pass)
		if err != nil {
			// Unreadable passes are skipped so the others still load
			continue
		}

		result[pass] = status
	}

	return result, nil
}
