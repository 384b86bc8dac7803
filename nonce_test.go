package x402

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonceRegistry_GenerateUnique(t *testing.T) {
	r := NewNonceRegistry()
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		n, err := r.Generate()
		require.NoError(t, err)
		require.Len(t, n, 64)
		if _, dup := seen[n]; dup {
			t.Fatalf("duplicate nonce after %d draws", i)
		}
		seen[n] = struct{}{}
	}
}

func TestNonceRegistry_CheckFresh(t *testing.T) {
	r := NewNonceRegistry()
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name     string
		nonce    string
		issuedAt time.Time
		want     bool
	}{
		{"just issued", "n", now, true},
		{"at ttl", "n", now.Add(-DefaultFreshnessTTL), true},
		{"past ttl", "n", now.Add(-DefaultFreshnessTTL - time.Second), false},
		{"400s old", "n", now.Add(-400 * time.Second), false},
		{"within skew", "n", now.Add(30 * time.Second), true},
		{"beyond skew", "n", now.Add(DefaultMaxClockSkew + time.Second), false},
		{"empty nonce", "", now, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.CheckFresh(tt.nonce, tt.issuedAt, now))
		})
	}
}

func TestNonceRegistry_TryConsumeOnce(t *testing.T) {
	ctx := context.Background()
	r := NewNonceRegistry()

	ok, err := r.TryConsume(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.TryConsume(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.TryConsume(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNonceRegistry_ConcurrentConsume(t *testing.T) {
	r := NewNonceRegistry()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.TryConsume(context.Background(), "contended")
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestNonceRegistry_SweepAfterRetention(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := NewMemoryNonceStore()
	r := NewNonceRegistry(WithNonceStore(store), WithNonceClock(clock.Now))

	ok, err := r.TryConsume(ctx, "old")
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(DefaultNonceRetention + time.Second)
	ok, err = r.TryConsume(ctx, "new")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, store.Len())
}

func TestNonceRegistry_RetentionFloor(t *testing.T) {
	r := NewNonceRegistry(
		WithFreshnessTTL(10*time.Minute),
		WithNonceRetention(time.Minute),
		WithMaxClockSkew(time.Minute),
	)
	assert.Equal(t, 11*time.Minute, r.Retention())
	assert.Equal(t, 10*time.Minute, r.FreshnessTTL())
}

type failingNonceStore struct{}

func (failingNonceStore) Consume(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingNonceStore) Sweep(context.Context, time.Time) error { return nil }

func TestNonceRegistry_StoreError(t *testing.T) {
	r := NewNonceRegistry(WithNonceStore(failingNonceStore{}))
	ok, err := r.TryConsume(context.Background(), "n")
	assert.False(t, ok)
	assert.Error(t, err)
	assert.NoError(t, r.Close())
}
