// Package database holds the embedded schema migrations of the record store and the database ledger.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations returns the embedded migration files rooted at the migrations directory
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migrator applies the embedded migrations to one database
type Migrator struct {
	provider *goose.Provider
	close    func() error
}

// NewMigrator creates a migrator on the given pool
func NewMigrator(pool *pgxpool.Pool) (*Migrator, error) {
	db := stdlib.OpenDBFromPool(pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, db, Migrations())
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return &Migrator{provider: provider, close: db.Close}, nil
}

// Up applies every pending migration
func (m *Migrator) Up(ctx context.Context) error {
	results, err := m.provider.Up(ctx)
	logResults(results)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Down rolls back every applied migration
func (m *Migrator) Down(ctx context.Context) error {
	results, err := m.provider.DownTo(ctx, 0)
	logResults(results)
	if err != nil {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	return nil
}

// DownSteps rolls back the n most recent migrations. Zero rolls back all of them.
func (m *Migrator) DownSteps(ctx context.Context, n int) error {
	if n <= 0 {
		return m.Down(ctx)
	}
	for range n {
		result, err := m.provider.Down(ctx)
		if errors.Is(err, goose.ErrNoNextVersion) {
			slog.Info("No migrations left to roll back")
			return nil
		}
		logResults([]*goose.MigrationResult{result})
		if err != nil {
			return fmt.Errorf("failed to roll back migration: %w", err)
		}
	}
	return nil
}

// Version returns the current schema version
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	return m.provider.GetDBVersion(ctx)
}

// Close releases the database handle. The pool stays open.
func (m *Migrator) Close() error {
	return m.close()
}

func logResults(results []*goose.MigrationResult) {
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		slog.Info("Migration applied",
			"version", r.Source.Version,
			"path", r.Source.Path,
			"direction", r.Direction,
			"duration", r.Duration,
		)
	}
}
