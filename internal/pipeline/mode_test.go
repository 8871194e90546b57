package pipeline

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Father1993/PIM-Image-Management/internal/ledger"
	"github.com/Father1993/PIM-Image-Management/internal/records"
)

func TestParseMode(t *testing.T) {
	t.Parallel()

	for _, m := range Modes {
		got, err := ParseMode(string(m))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	_, err := ParseMode("FULL")
	require.Error(t, err)
}

func TestMode_Semantics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode      Mode
		stages    []Stage
		filter    records.Filter
		pass      string
		scheduled bool
	}{
		{ModeDiscover, nil, records.FilterNotUploaded, "full", false},
		{ModeTransform, []Stage{StageTransform}, records.FilterNotOptimized, "transform", true},
		{ModeUpload, []Stage{StageUpload}, records.FilterOptimizedNotUploaded, "upload", true},
		{ModeFull, []Stage{StageTransform, StageUpload}, records.FilterNotUploaded, "full", true},
		{ModePreview, []Stage{StageTransform, StageUpload}, records.FilterNotUploaded, "full", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.stages, tt.mode.Stages())
			assert.Equal(t, tt.filter, tt.mode.Filter())
			assert.Equal(t, tt.pass, tt.mode.Pass())
			assert.Equal(t, tt.scheduled, tt.mode.UsesScheduler())
		})
	}
}

func TestSummary_Render(t *testing.T) {
	t.Parallel()

	s := &Summary{
		RunID:    "run-1",
		Mode:     ModeFull,
		Pass:     "full",
		Scanned:  12,
		Selected: 10,
		Done:     8,
		Failed:   2,
		Ledger:   ledger.Counts{Done: 8, PermanentlyFailed: 2},
		FailedItems: []*ledger.Entry{
			{ItemID: "4/p.jpg", State: ledger.StatePermanentlyFailed, AttemptCount: 3, LastError: "transform: status 502"},
		},
		Duration: 3 * time.Second,
	}

	var out bytes.Buffer
	require.NoError(t, s.Render(&out))
	assert.Contains(t, out.String(), "run-1")
	assert.Contains(t, out.String(), "4/p.jpg")
	assert.Contains(t, out.String(), "transform: status 502")
}

func TestRenderLedger_NoFailures(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, RenderLedger(&out, "upload", ledger.Counts{Done: 3, Pending: 1}, nil))
	assert.Contains(t, out.String(), "Ledger: upload")
	assert.NotContains(t, out.String(), "Permanently failed")
}
