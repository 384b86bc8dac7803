package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402gate/x402"
)

var _ x402.NonceStore = (*NonceStore)(nil)

type fakeDB struct {
	tag  pgconn.CommandTag
	err  error
	sqls []string
	args [][]any
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sqls = append(f.sqls, sql)
	f.args = append(f.args, args)
	return f.tag, f.err
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func TestNonceStore_ConsumeUsesRowsAffected(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	db := &fakeDB{tag: pgconn.NewCommandTag("INSERT 0 1")}
	ok, err := New(db).Consume(ctx, "n1", now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, db.sqls[0], "ON CONFLICT (nonce) DO NOTHING")
	assert.Equal(t, []any{"n1", now.UTC()}, db.args[0])

	db = &fakeDB{tag: pgconn.NewCommandTag("INSERT 0 0")}
	ok, err = New(db).Consume(ctx, "n1", now)
	require.NoError(t, err)
	assert.False(t, ok)

	db = &fakeDB{err: errors.New("connection refused")}
	_, err = New(db).Consume(ctx, "n1", now)
	assert.ErrorContains(t, err, "connection refused")
}

func TestNonceStore_SweepAndMigrate(t *testing.T) {
	db := &fakeDB{}
	s := New(db)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Sweep(context.Background(), time.Unix(100, 0)))
	require.Len(t, db.sqls, 3)
	assert.Contains(t, db.sqls[0], "CREATE TABLE IF NOT EXISTS x402_nonces")
	assert.Contains(t, db.sqls[2], "DELETE FROM x402_nonces WHERE consumed_at < $1")
	assert.NoError(t, s.Close())
}

func TestNonceStore_ConcurrentConsumeIntegration(t *testing.T) {
	dsn := os.Getenv("X402GATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("X402GATE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	nonce := uuid.NewString()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Consume(ctx, nonce, time.Now())
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	r := x402.NewNonceRegistry(x402.WithNonceStore(s))
	ok, err := r.TryConsume(ctx, nonce)
	require.NoError(t, err)
	assert.False(t, ok)
}
