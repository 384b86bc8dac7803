// Package postgres is a NonceStore shared by every gateway replica that
// points at the same database.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/x402gate/x402/internal/database"
)

const createTable = `CREATE TABLE IF NOT EXISTS x402_nonces (
	nonce       TEXT        PRIMARY KEY,
	consumed_at TIMESTAMPTZ NOT NULL
)`

const createIndex = `CREATE INDEX IF NOT EXISTS x402_nonces_consumed_at_idx ON x402_nonces (consumed_at)`

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NonceStore implements x402.NonceStore with a primary key on the nonce.
type NonceStore struct {
	db DB
}

// New wraps an existing pool. Call Migrate before first use.
func New(db DB) *NonceStore {
	return &NonceStore{db: db}
}

// Open connects to dsn and creates the nonce table.
func Open(ctx context.Context, dsn string) (*NonceStore, error) {
	pool, err := database.OpenPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the nonce table if it does not exist.
func (s *NonceStore) Migrate(ctx context.Context) error {
	for _, stmt := range []string{createTable, createIndex} {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("nonce store migration failed: %w", err)
		}
	}
	return nil
}

// Consume inserts the nonce; the row is written by exactly one caller.
func (s *NonceStore) Consume(ctx context.Context, nonce string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		"INSERT INTO x402_nonces (nonce, consumed_at) VALUES ($1, $2) ON CONFLICT (nonce) DO NOTHING",
		nonce, now.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("nonce insert failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Sweep deletes nonces consumed before cutoff.
func (s *NonceStore) Sweep(ctx context.Context, cutoff time.Time) error {
	if _, err := s.db.Exec(ctx, "DELETE FROM x402_nonces WHERE consumed_at < $1", cutoff.UTC()); err != nil {
		return fmt.Errorf("nonce sweep failed: %w", err)
	}
	return nil
}

// Len counts remembered nonces.
func (s *NonceStore) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, "SELECT count(*) FROM x402_nonces").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close releases the pool when the store owns one.
func (s *NonceStore) Close() error {
	if pool, ok := s.db.(*pgxpool.Pool); ok {
		pool.Close()
	}
	return nil
}
