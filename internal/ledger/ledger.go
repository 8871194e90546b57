// Package ledger contains the durable per-item progress store used to resume interrupted runs.
//
// Entries are owned by the scheduler. Each pass (full, transform, upload) has its own
// partition, so finishing an item in one pass says nothing about the others.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// State is the processing state of one item
type State string

const (
	// StatePending means the item is waiting to be dispatched
	StatePending State = "pending"
	// StateInFlight means the item holds a dispatch slot right now
	StateInFlight State = "in_flight"
	// StateDone is terminal: every stage of the pass succeeded
	StateDone State = "done"
	// StatePermanentlyFailed is terminal: a permanent error or the attempt budget was exhausted
	StatePermanentlyFailed State = "permanently_failed"
)

var (
	// ErrInvalidTransition is returned when a transition contradicts the item state machine
	ErrInvalidTransition = errors.New("invalid ledger transition")
	// ErrLocked is returned when another process holds the ledger
	ErrLocked = errors.New("ledger is locked by another process")
)

// Entry is the run state of one item
type Entry struct {
	ItemID       string    `json:"item_id"`
	State        State     `json:"state"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a copy of e
func (e *Entry) Clone() *Entry {
	c := *e
	return &c
}

// IsTerminal reports whether the entry needs no further processing in this pass
func (e *Entry) IsTerminal() bool {
	return e.State == StateDone || e.State == StatePermanentlyFailed
}

// Store persists ledger entries for one pass.
// Upsert must be atomic per item and safe for concurrent callers.
type Store interface {
	// Load returns every entry of the pass. Entries left InFlight by a crash come back Pending.
	Load(ctx context.Context) (map[string]*Entry, error)
	// Upsert writes one entry. Writes never lower attempt_count.
	Upsert(ctx context.Context, entry *Entry) error
	// Flush makes every accepted Upsert durable
	Flush(ctx context.Context) error
	// Close releases the store
	Close() error
}

// CanTransition reports whether an item may move from one state to another.
// The zero state stands for an item with no entry yet.
func CanTransition(from, to State) bool {
	switch from {
	case "", StatePending:
		return to == StatePending || to == StateInFlight
	case StateInFlight:
		return to == StatePending || to == StateDone || to == StatePermanentlyFailed
	default:
		return false
	}
}

// Transition applies a state change to e, enforcing the state machine and attempt monotonicity
func Transition(e *Entry, to State, attemptCount int, lastError string, now time.Time) error {
	if !CanTransition(e.State, to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, e.State, to, e.ItemID)
	}
	if attemptCount < e.AttemptCount {
		return fmt.Errorf("%w: attempt_count %d -> %d for %s", ErrInvalidTransition, e.AttemptCount, attemptCount, e.ItemID)
	}
	e.State = to
	e.AttemptCount = attemptCount
	e.LastError = lastError
	e.UpdatedAt = now
	return nil
}

// recoverInterrupted moves InFlight entries back to Pending and returns the ones it changed
func recoverInterrupted(entries map[string]*Entry, now time.Time) []*Entry {
	var changed []*Entry
	for _, e := range entries {
		if e.State == StateInFlight {
			e.State = StatePending
			e.UpdatedAt = now
			changed = append(changed, e)
		}
	}
	return changed
}

// ResetFailed moves every PermanentlyFailed entry back to Pending, keeping its attempt count.
// It is an operator action and does not go through CanTransition.
// It returns the ids of the reset entries.
func ResetFailed(ctx context.Context, store Store) ([]string, error) {
	entries, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var ids []string
	for _, e := range entries {
		if e.State != StatePermanentlyFailed {
			continue
		}
		e.State = StatePending
		e.UpdatedAt = now
		if err := store.Upsert(ctx, e); err != nil {
			return ids, fmt.Errorf("failed to reset %s: %w", e.ItemID, err)
		}
		ids = append(ids, e.ItemID)
	}
	sort.Strings(ids)

	if err := store.Flush(ctx); err != nil {
		return ids, err
	}
	return ids, nil
}

// Counts tallies entries by state
type Counts struct {
	Pending           int
	InFlight          int
	Done              int
	PermanentlyFailed int
}

// Total returns the number of entries counted
func (c Counts) Total() int {
	return c.Pending + c.InFlight + c.Done + c.PermanentlyFailed
}

// Tally counts entries by state
func Tally(entries map[string]*Entry) Counts {
	var c Counts
	for _, e := range entries {
		switch e.State {
		case StatePending:
			c.Pending++
		case StateInFlight:
			c.InFlight++
		case StateDone:
			c.Done++
		case StatePermanentlyFailed:
			c.PermanentlyFailed++
		}
	}
	return c
}

// Failed returns the permanently failed entries ordered by item id
func Failed(entries map[string]*Entry) []*Entry {
	var failed []*Entry
	for _, e := range entries {
		if e.State == StatePermanentlyFailed {
			failed = append(failed, e)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].ItemID < failed[j].ItemID })
	return failed
}
