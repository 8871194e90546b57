package status

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPass = "full"

func TestFileStatusPersistence_SaveAndLoad(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	persistence := NewFileStatusPersistence(tmpDir)
	require.NotNil(t, persistence)

	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(42 * time.Minute)
	testStatus := &RunStatus{
		Phase:      RunPhaseComplete,
		RunID:      "run-1",
		StartedAt:  &started,
		FinishedAt: &finished,
		Selected:   1200,
		Done:       1180,
		Failed:     20,
		Retried:    57,
	}

	ctx := context.Background()
	require.NoError(t, persistence.SaveStatus(ctx, testPass, testStatus))

	expectedPath := filepath.Join(tmpDir, testPass, StatusFileName)
	_, err := os.Stat(expectedPath)
	require.NoError(t, err)

	loaded, err := persistence.LoadStatus(ctx, testPass)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, testStatus.Phase, loaded.Phase)
	assert.Equal(t, testStatus.RunID, loaded.RunID)
	assert.Equal(t, testStatus.Selected, loaded.Selected)
	assert.Equal(t, testStatus.Done, loaded.Done)
	assert.Equal(t, testStatus.Failed, loaded.Failed)
	require.NotNil(t, loaded.FinishedAt)
	assert.True(t, finished.Equal(*loaded.FinishedAt))
}

func TestFileStatusPersistence_LoadNonExistent(t *testing.T) {
	t.Parallel()

	persistence := NewFileStatusPersistence(t.TempDir())

	loaded, err := persistence.LoadStatus(context.Background(), testPass)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, RunPhase(""), loaded.Phase)
	assert.Empty(t, loaded.RunID)
}

func TestFileStatusPersistence_UpdateStatus(t *testing.T) {
	t.Parallel()

	persistence := NewFileStatusPersistence(t.TempDir())
	ctx := context.Background()

	require.NoError(t, persistence.SaveStatus(ctx, testPass, &RunStatus{Phase: RunPhaseRunning, RunID: "run-2"}))
	require.NoError(t, persistence.SaveStatus(ctx, testPass, &RunStatus{
		Phase:   RunPhaseFailed,
		RunID:   "run-2",
		Message: "PIM sign-in failed",
	}))

	loaded, err := persistence.LoadStatus(ctx, testPass)
	require.NoError(t, err)
	assert.Equal(t, RunPhaseFailed, loaded.Phase)
	assert.Equal(t, "PIM sign-in failed", loaded.Message)
}

func TestFileStatusPersistence_NoTempFileLeft(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	persistence := NewFileStatusPersistence(tmpDir)
	require.NoError(t, persistence.SaveStatus(context.Background(), testPass, &RunStatus{Phase: RunPhaseComplete}))

	_, err := os.Stat(filepath.Join(tmpDir, testPass, StatusFileName+".tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStatusPersistence_InvalidJSON(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	passDir := filepath.Join(tmpDir, testPass)
	require.NoError(t, os.MkdirAll(passDir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(passDir, StatusFileName), []byte("{not json"), 0600))

	persistence := NewFileStatusPersistence(tmpDir)
	_, err := persistence.LoadStatus(context.Background(), testPass)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal")
}

func TestFileStatusPersistence_LoadAllStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		setup  func(t *testing.T, dir string)
		expect map[string]RunPhase
	}{
		{
			name:   "missing base directory",
			setup:  func(t *testing.T, dir string) { t.Helper(); require.NoError(t, os.RemoveAll(dir)) },
			expect: map[string]RunPhase{},
		},
		{
			name: "several passes",
			setup: func(t *testing.T, dir string) {
				t.Helper()
				p := NewFileStatusPersistence(dir)
				require.NoError(t, p.SaveStatus(context.Background(), "transform", &RunStatus{Phase: RunPhaseComplete}))
				require.NoError(t, p.SaveStatus(context.Background(), "upload", &RunStatus{Phase: RunPhaseInterrupted}))
			},
			expect: map[string]RunPhase{"transform": RunPhaseComplete, "upload": RunPhaseInterrupted},
		},
		{
			name: "corrupt pass is skipped and stray files ignored",
			setup: func(t *testing.T, dir string) {
				t.Helper()
				p := NewFileStatusPersistence(dir)
				require.NoError(t, p.SaveStatus(context.Background(), "full", &RunStatus{Phase: RunPhaseRunning}))
				require.NoError(t, os.MkdirAll(filepath.Join(dir, "upload"), 0750))
				require.NoError(t, os.WriteFile(filepath.Join(dir, "upload", StatusFileName), []byte("]"), 0600))
				require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600))
			},
			expect: map[string]RunPhase{"full": RunPhaseRunning},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			tt.setup(t, dir)

			all, err := NewFileStatusPersistence(dir).LoadAllStatus(context.Background())
			require.NoError(t, err)
			got := make(map[string]RunPhase, len(all))
			for pass, st := range all {
				got[pass] = st.Phase
			}
			assert.Equal(t, tt.expect, got)
		})
	}
}
