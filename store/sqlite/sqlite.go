// Package sqlite is a file-backed NonceStore for single-node gateways
// that must remember consumed nonces across restarts.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS x402_nonces (
		nonce       TEXT    PRIMARY KEY,
		consumed_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS x402_nonces_consumed_at_idx ON x402_nonces (consumed_at)`,
}

// NonceStore implements x402.NonceStore on SQLite.
type NonceStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. Use ":memory:" for a
// throwaway store.
func Open(path string) (*NonceStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("can not open nonce database: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases
	// from splitting across connections.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("can not enable WAL: %w", err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("can not create nonce table: %w", err)
		}
	}
	return &NonceStore{db: db}, nil
}

// Consume implements x402.NonceStore.
func (s *NonceStore) Consume(ctx context.Context, nonce string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO x402_nonces (nonce, consumed_at) VALUES (?, ?)",
		nonce, now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("nonce insert failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Sweep implements x402.NonceStore.
func (s *NonceStore) Sweep(ctx context.Context, cutoff time.Time) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM x402_nonces WHERE consumed_at < ?", cutoff.UnixNano()); err != nil {
		return fmt.Errorf("nonce sweep failed: %w", err)
	}
	return nil
}

// Len counts remembered nonces.
func (s *NonceStore) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM x402_nonces").Scan(&n)
	return n, err
}

func (s *NonceStore) Close() error {
	return s.db.Close()
}
