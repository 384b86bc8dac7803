package x402

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultFreshnessTTL is how long a challenge may be answered.
	DefaultFreshnessTTL = 300 * time.Second
	// DefaultNonceRetention is how long consumed nonces are remembered.
	DefaultNonceRetention = 3600 * time.Second
	// DefaultMaxClockSkew is how far in the future a timestamp may be.
	DefaultMaxClockSkew = 60 * time.Second
)

// NonceStore records consumed nonces. Consume must be atomic: of any number
// of concurrent calls for the same nonce, exactly one returns true.
type NonceStore interface {
	Consume(ctx context.Context, nonce string, now time.Time) (bool, error)
	// Sweep drops records consumed before cutoff.
	Sweep(ctx context.Context, cutoff time.Time) error
}

// MemoryNonceStore is a process-local NonceStore.
type MemoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time)}
}

func (s *MemoryNonceStore) Consume(_ context.Context, nonce string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[nonce]; ok {
		return false, nil
	}
	s.seen[nonce] = now
	return true, nil
}

func (s *MemoryNonceStore) Sweep(_ context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for nonce, at := range s.seen {
		if at.Before(cutoff) {
			delete(s.seen, nonce)
		}
	}
	return nil
}

// Len returns the number of remembered nonces.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// NonceRegistry issues nonces, judges freshness and enforces single use.
type NonceRegistry struct {
	store        NonceStore
	issuer       string
	freshnessTTL time.Duration
	retention    time.Duration
	maxClockSkew time.Duration
	now          func() time.Time
}

// NonceOption configures a NonceRegistry.
type NonceOption func(*NonceRegistry)

// WithNonceStore replaces the in-memory store.
func WithNonceStore(store NonceStore) NonceOption {
	return func(r *NonceRegistry) {
		r.store = store
	}
}

// WithIssuerID sets the issuer identity mixed into generated nonces.
func WithIssuerID(id string) NonceOption {
	return func(r *NonceRegistry) {
		r.issuer = id
	}
}

// WithFreshnessTTL sets how long a challenge stays answerable.
func WithFreshnessTTL(ttl time.Duration) NonceOption {
	return func(r *NonceRegistry) {
		r.freshnessTTL = ttl
	}
}

// WithNonceRetention sets how long consumed nonces are remembered.
func WithNonceRetention(d time.Duration) NonceOption {
	return func(r *NonceRegistry) {
		r.retention = d
	}
}

// WithMaxClockSkew sets how far in the future a timestamp may lie.
func WithMaxClockSkew(d time.Duration) NonceOption {
	return func(r *NonceRegistry) {
		r.maxClockSkew = d
	}
}

// WithNonceClock overrides the wall clock.
func WithNonceClock(now func() time.Time) NonceOption {
	return func(r *NonceRegistry) {
		r.now = now
	}
}

// NewNonceRegistry creates a registry. Retention is raised to at least
// freshness TTL plus clock skew, otherwise a consumed nonce could be
// forgotten while its challenge is still fresh.
func NewNonceRegistry(opts ...NonceOption) *NonceRegistry {
	r := &NonceRegistry{
		issuer:       uuid.NewString(),
		freshnessTTL: DefaultFreshnessTTL,
		retention:    DefaultNonceRetention,
		maxClockSkew: DefaultMaxClockSkew,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		r.store = NewMemoryNonceStore()
	}
	if floor := r.freshnessTTL + r.maxClockSkew; r.retention < floor {
		r.retention = floor
	}
	return r
}

// Generate returns a 64 character hex nonce derived from 32 random bytes,
// the issuer identity and the current time.
func (r *NonceRegistry) Generate() (string, error) {
	var entropy [32]byte
	if _, err := rand.Read(entropy[:]); err != nil {
		return "", fmt.Errorf("failed to read entropy: %w", err)
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(r.now().UnixNano()))

	h := sha256.New()
	h.Write(entropy[:])
	h.Write([]byte(r.issuer))
	h.Write(ts[:])
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CheckFresh reports whether a proof issued at issuedAt is acceptable at now.
// The nonce must be non-empty, the timestamp no older than the freshness TTL
// and no further in the future than the allowed clock skew.
func (r *NonceRegistry) CheckFresh(nonce string, issuedAt, now time.Time) bool {
	if nonce == "" {
		return false
	}
	if issuedAt.After(now.Add(r.maxClockSkew)) {
		return false
	}
	return now.Sub(issuedAt) <= r.freshnessTTL
}

// TryConsume marks the nonce used. It returns true for exactly one caller
// per nonce within the retention window.
func (r *NonceRegistry) TryConsume(ctx context.Context, nonce string) (bool, error) {
	if nonce == "" {
		return false, nil
	}
	now := r.now()
	ok, err := r.store.Consume(ctx, nonce, now)
	if err != nil {
		return false, fmt.Errorf("failed to consume nonce: %w", err)
	}
	if ok {
		// A failed sweep only leaves stale rows behind; the next write retries.
		_ = r.store.Sweep(ctx, now.Add(-r.retention))
	}
	return ok, nil
}

// FreshnessTTL returns the configured freshness window.
func (r *NonceRegistry) FreshnessTTL() time.Duration {
	return r.freshnessTTL
}

// Retention returns the effective retention window.
func (r *NonceRegistry) Retention() time.Duration {
	return r.retention
}

// Close releases the backing store if it holds resources.
func (r *NonceRegistry) Close() error {
	if c, ok := r.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
