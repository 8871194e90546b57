package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Father1993/PIM-Image-Management/internal/config"
)

// NewStore creates the ledger Store of a pass based on the configured ledger type.
// The pool must not be nil when the database ledger is configured.
func NewStore(ctx context.Context, cfg *config.LedgerConfig, pass string, pool *pgxpool.Pool) (Store, error) {
	switch cfg.GetType() {
	case config.LedgerTypeDatabase:
		if pool == nil {
			return nil, fmt.Errorf("database pool is required when ledger type is database")
		}
		return NewDBStore(pool, pass), nil
	case config.LedgerTypeSQLite:
		return NewSQLiteStore(ctx, cfg.GetPath(), pass)
	case config.LedgerTypeMemory:
		return NewMemoryStore(), nil
	case config.LedgerTypeFile:
		return NewFileStore(cfg.GetPath(), pass)
	default:
		return nil, fmt.Errorf("unsupported ledger type %q", cfg.Type)
	}
}
