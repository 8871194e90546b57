package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sync_ledger (
    pass          TEXT    NOT NULL,
    item_id       TEXT    NOT NULL,
    state         TEXT    NOT NULL,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT,
    updated_at    TEXT    NOT NULL,
    PRIMARY KEY (pass, item_id)
)`

type sqliteStore struct {
	db   *sql.DB
	pass string
}

// NewSQLiteStore opens (creating if needed) an embedded SQLite ledger at path
func NewSQLiteStore(ctx context.Context, path, pass string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	// Pragmas are per connection; a single connection also serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite ledger schema: %w", err)
	}

	return &sqliteStore{db: db, pass: pass}, nil
}

func (s *sqliteStore) Load(ctx context.Context) (map[string]*Entry, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sync_ledger SET state = ?, updated_at = ? WHERE pass = ? AND state = ?`,
		string(StatePending), now.Format(time.RFC3339Nano), s.pass, string(StateInFlight),
	); err != nil {
		return nil, fmt.Errorf("failed to reset interrupted ledger entries: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, state, attempt_count, last_error, updated_at FROM sync_ledger WHERE pass = ?`,
		s.pass,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make(map[string]*Entry)
	for rows.Next() {
		var (
			e         Entry
			state     string
			lastError sql.NullString
			updatedAt string
		)
		if err := rows.Scan(&e.ItemID, &state, &e.AttemptCount, &lastError, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		e.State = State(state)
		e.LastError = lastError.String
		if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			e.UpdatedAt = ts
		}
		entries[e.ItemID] = &e
	}
	return entries, rows.Err()
}

func (s *sqliteStore) Upsert(ctx context.Context, entry *Entry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_ledger (pass, item_id, state, attempt_count, last_error, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (pass, item_id) DO UPDATE
   SET state = excluded.state,
       attempt_count = excluded.attempt_count,
       last_error = excluded.last_error,
       updated_at = excluded.updated_at
 WHERE sync_ledger.attempt_count <= excluded.attempt_count`,
		s.pass,
		entry.ItemID,
		string(entry.State),
		entry.AttemptCount,
		nullableString(entry.LastError),
		entry.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ledger entry %s: %w", entry.ItemID, err)
	}
	return nil
}

// Flush checkpoints the WAL into the main database file
func (s *sqliteStore) Flush(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		return fmt.Errorf("failed to checkpoint sqlite ledger: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
