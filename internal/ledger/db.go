package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	resetInterruptedSQL = `
UPDATE sync_ledger
   SET state = 'pending', updated_at = $2
 WHERE pass = $1 AND state = 'in_flight'`

	selectLedgerSQL = `
SELECT item_id, state, attempt_count, last_error, updated_at
  FROM sync_ledger
 WHERE pass = $1`

	// The WHERE clause keeps attempt_count monotonic under concurrent writers
	upsertLedgerSQL = `
INSERT INTO sync_ledger (pass, item_id, state, attempt_count, last_error, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (pass, item_id) DO UPDATE
   SET state = EXCLUDED.state,
       attempt_count = EXCLUDED.attempt_count,
       last_error = EXCLUDED.last_error,
       updated_at = EXCLUDED.updated_at
 WHERE sync_ledger.attempt_count <= EXCLUDED.attempt_count`
)

type dbStore struct {
	pool *pgxpool.Pool
	pass string
}

// NewDBStore creates a ledger backed by the Postgres sync_ledger table.
// Every Upsert is its own statement, so Flush has nothing to do.
func NewDBStore(pool *pgxpool.Pool, pass string) Store {
	return &dbStore{pool: pool, pass: pass}
}

func (d *dbStore) Load(ctx context.Context) (map[string]*Entry, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, resetInterruptedSQL, d.pass, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to reset interrupted ledger entries: %w", err)
	}
	if tag.RowsAffected() > 0 {
		slog.Warn("Ledger entries were interrupted while in flight, reset to pending",
			"pass", d.pass, "count", tag.RowsAffected())
	}

	rows, err := tx.Query(ctx, selectLedgerSQL, d.pass)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	list, err := pgx.CollectRows(rows, scanLedgerRow)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	entries := make(map[string]*Entry, len(list))
	for _, e := range list {
		entries[e.ItemID] = e
	}
	return entries, nil
}

func scanLedgerRow(row pgx.CollectableRow) (*Entry, error) {
	var (
		e         Entry
		state     string
		lastError *string
	)
	if err := row.Scan(&e.ItemID, &state, &e.AttemptCount, &lastError, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.State = State(state)
	e.LastError = derefString(lastError)
	return &e, nil
}

func (d *dbStore) Upsert(ctx context.Context, entry *Entry) error {
	_, err := d.pool.Exec(ctx, upsertLedgerSQL, upsertArgs(d.pass, entry)...)
	if err != nil {
		return fmt.Errorf("failed to upsert ledger entry %s: %w", entry.ItemID, err)
	}
	return nil
}

func (*dbStore) Flush(_ context.Context) error {
	return nil
}

// Close leaves the pool open; it is owned by the caller
func (*dbStore) Close() error {
	return nil
}

func upsertArgs(pass string, entry *Entry) []any {
	return []any{
		pass,
		entry.ItemID,
		string(entry.State),
		entry.AttemptCount,
		nullableString(entry.LastError),
		entry.UpdatedAt.UTC(),
	}
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
