package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// Progress tracks a running pass. It is safe for concurrent use and is read by the status API.
type Progress struct {
	mu         sync.RWMutex
	runID      string
	pass       string
	startedAt  time.Time
	finishedAt time.Time

	batch    atomic.Int64
	started  atomic.Int64
	done     atomic.Int64
	failed   atomic.Int64
	retried  atomic.Int64
	inFlight atomic.Int64
}

// ProgressSnapshot is a point-in-time copy of Progress
type ProgressSnapshot struct {
	RunID      string     `json:"run_id"`
	Pass       string     `json:"pass"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Batch      int64      `json:"batch"`
	Started    int64      `json:"started"`
	Done       int64      `json:"done"`
	Failed     int64      `json:"permanently_failed"`
	Retried    int64      `json:"retried"`
	InFlight   int64      `json:"in_flight"`
}

// NewProgress creates an empty tracker
func NewProgress() *Progress {
	return &Progress{}
}

func (p *Progress) start(runID, pass string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runID = runID
	p.pass = pass
	p.startedAt = at
	p.finishedAt = time.Time{}
}

func (p *Progress) finish(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishedAt = at
}

// Snapshot returns the current progress
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	snap := ProgressSnapshot{
		RunID:     p.runID,
		Pass:      p.pass,
		StartedAt: p.startedAt,
	}
	if !p.finishedAt.IsZero() {
		finished := p.finishedAt
		snap.FinishedAt = &finished
	}
	p.mu.RUnlock()

	snap.Batch = p.batch.Load()
	snap.Started = p.started.Load()
	snap.Done = p.done.Load()
	snap.Failed = p.failed.Load()
	snap.Retried = p.retried.Load()
	snap.InFlight = p.inFlight.Load()
	return snap
}
