// Package db contains code for connecting to the database.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Father1993/PIM-Image-Management/internal/config"
)

const defaultConnectTimeout = 10 * time.Second

// PoolConfig builds a pgxpool configuration from the database section
func PoolConfig(cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration is required")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("database host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("database user is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}

	connString, err := cfg.GetConnectionString()
	if err != nil {
		return nil, fmt.Errorf("failed to build connection string: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolCfg.MaxConns = cfg.GetMaxOpenConns()
	poolCfg.MinConns = min(cfg.GetMaxIdleConns(), poolCfg.MaxConns)
	poolCfg.MaxConnLifetime = cfg.GetConnMaxLifetime()
	poolCfg.ConnConfig.ConnectTimeout = defaultConnectTimeout
	return poolCfg, nil
}

// NewPool opens a connection pool and verifies it with a ping
func NewPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Database connection established",
		"user", cfg.User,
		"host", cfg.Host,
		"database", cfg.Database,
		"max_conns", poolCfg.MaxConns,
	)
	return pool, nil
}
