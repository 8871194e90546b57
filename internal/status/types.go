package status

import "time"

// RunPhase represents where the last run of a pass ended up
type RunPhase string

const (
	// RunPhaseRunning means a run is in progress, or died without recording its end
	RunPhaseRunning RunPhase = "Running"

	// RunPhaseComplete means every selected item reached a terminal state
	RunPhaseComplete RunPhase = "Complete"

	// RunPhaseInterrupted means the run was stopped by a signal; the next run resumes it
	RunPhaseInterrupted RunPhase = "Interrupted"

	// RunPhaseFailed means the run was aborted by a configuration or storage error
	RunPhaseFailed RunPhase = "Failed"
)

// RunStatus records the last run of one pass
type RunStatus struct {
	// Phase represents how the run ended
	Phase RunPhase `json:"phase"`

	// RunID identifies the run in logs and traces
	RunID string `json:"runId,omitempty"`

	// Message carries the abort error of a failed run
	Message string `json:"message,omitempty"`

	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	// Selected is how many items the run queued
	Selected int   `json:"selected,omitempty"`
	Done     int64 `json:"done,omitempty"`
	Failed   int64 `json:"permanentlyFailed,omitempty"`
	Retried  int64 `json:"retried,omitempty"`
}
