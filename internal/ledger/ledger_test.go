package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	states := []State{"", StatePending, StateInFlight, StateDone, StatePermanentlyFailed}
	allowed := map[State]map[State]bool{
		"":            {StatePending: true, StateInFlight: true},
		StatePending:  {StatePending: true, StateInFlight: true},
		StateInFlight: {StatePending: true, StateDone: true, StatePermanentlyFailed: true},
	}

	for _, from := range states {
		for _, to := range states {
			if to == "" {
				continue
			}
			t.Run(fmt.Sprintf("%s_to_%s", from, to), func(t *testing.T) {
				t.Parallel()
				assert.Equal(t, allowed[from][to], CanTransition(from, to))
			})
		}
	}
}

func TestTransition(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	e := &Entry{ItemID: "1/a.jpg", State: StatePending}
	require.NoError(t, Transition(e, StateInFlight, 0, "", now))
	require.NoError(t, Transition(e, StatePending, 1, "HTTP 503", now))
	assert.Equal(t, 1, e.AttemptCount)
	assert.Equal(t, "HTTP 503", e.LastError)
	assert.Equal(t, now, e.UpdatedAt)

	err := Transition(e, StateDone, 1, "", now)
	require.ErrorIs(t, err, ErrInvalidTransition, "pending cannot jump to done")

	require.NoError(t, Transition(e, StateInFlight, 1, "", now))
	err = Transition(e, StatePending, 0, "", now)
	require.ErrorIs(t, err, ErrInvalidTransition, "attempt count never decreases")

	require.NoError(t, Transition(e, StateDone, 1, "", now))
	err = Transition(e, StatePending, 1, "", now)
	require.ErrorIs(t, err, ErrInvalidTransition, "done is terminal")
}

func TestTallyAndFailed(t *testing.T) {
	t.Parallel()

	entries := map[string]*Entry{
		"3/c.jpg": {ItemID: "3/c.jpg", State: StatePermanentlyFailed, LastError: "HTTP 404"},
		"1/a.jpg": {ItemID: "1/a.jpg", State: StateDone},
		"2/b.jpg": {ItemID: "2/b.jpg", State: StatePending},
		"0/z.jpg": {ItemID: "0/z.jpg", State: StatePermanentlyFailed},
	}

	counts := Tally(entries)
	assert.Equal(t, Counts{Pending: 1, Done: 1, PermanentlyFailed: 2}, counts)
	assert.Equal(t, 4, counts.Total())

	failed := Failed(entries)
	require.Len(t, failed, 2)
	assert.Equal(t, "0/z.jpg", failed[0].ItemID)
	assert.Equal(t, "3/c.jpg", failed[1].ItemID)
}

func TestResetFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()
	require.NoError(t, store.Upsert(ctx, &Entry{ItemID: "1/a.jpg", State: StatePermanentlyFailed, AttemptCount: 3, UpdatedAt: now}))
	require.NoError(t, store.Upsert(ctx, &Entry{ItemID: "2/b.jpg", State: StateDone, AttemptCount: 1, UpdatedAt: now}))

	ids, err := ResetFailed(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, []string{"1/a.jpg"}, ids)

	entries, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePending, entries["1/a.jpg"].State)
	assert.Equal(t, 3, entries["1/a.jpg"].AttemptCount)
	assert.Equal(t, StateDone, entries["2/b.jpg"].State)
}
