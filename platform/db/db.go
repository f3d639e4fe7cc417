// Package db provides database connection infrastructure.
// This is part of the platform layer and contains no business logic.
package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"leadflow/platform/config"
)

// Open opens the local SQLite database file and enforces the single-writer
// discipline spec.md §4.5 requires: one connection in the pool so that
// run_due_jobs and UI-driven writes never contend for a connection
// in-process. External (rare, on a local machine) busy/locked conditions
// are handled by the Store's retry wrapper, not by pool sizing.
func Open(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(2000)", cfg.GetDatabasePath())

	conn, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return conn, nil
}
