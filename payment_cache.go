package x402

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL is how long a settled response is replayed for.
const DefaultCacheTTL = 3600 * time.Second

// CacheEntry is a cached settlement outcome and the fingerprint of the proof
// that produced it.
type CacheEntry struct {
	Response    PaymentResponse
	Fingerprint string
}

// CacheStatus is the result of CheckAndMark.
type CacheStatus int

const (
	// CacheMiss means the caller now owns the nonce and must Complete or Release it.
	CacheMiss CacheStatus = iota
	// CacheHit means a settled response exists.
	CacheHit
	// CacheInFlight means another caller is settling the nonce.
	CacheInFlight
)

// PaymentCache remembers settled responses by nonce and tracks settlements
// that are still running so retries wait instead of settling twice.
type PaymentCache struct {
	mu       sync.Mutex
	entries  map[string]cachedEntry
	inFlight map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

type cachedEntry struct {
	entry     CacheEntry
	expiresAt time.Time
}

// NewPaymentCache creates a cache whose entries live ttl past their completion time.
func NewPaymentCache(ttl time.Duration) *PaymentCache {
	return newPaymentCache(ttl, time.Now)
}

func newPaymentCache(ttl time.Duration, now func() time.Time) *PaymentCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &PaymentCache{
		entries:  make(map[string]cachedEntry),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		now:      now,
	}
}

// Get returns the cached response for nonce, or nil.
func (c *PaymentCache) Get(nonce string) *PaymentResponse {
	entry := c.lookup(nonce)
	if entry == nil {
		return nil
	}
	return &entry.Response
}

// Put caches a response without a fingerprint. Entries expire ttl after the
// response's CompletedAt.
func (c *PaymentCache) Put(nonce string, response PaymentResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(nonce, CacheEntry{Response: response})
	c.sweepLocked()
}

// CheckAndMark atomically looks up nonce and claims it when absent.
// On CacheInFlight the returned channel closes when the owner finishes; on
// CacheMiss the caller owns the returned channel.
func (c *PaymentCache) CheckAndMark(nonce string) (CacheStatus, *CacheEntry, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[nonce]; ok {
		if c.now().Before(e.expiresAt) {
			entry := e.entry
			return CacheHit, &entry, nil
		}
		delete(c.entries, nonce)
	}

	if done, ok := c.inFlight[nonce]; ok {
		return CacheInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[nonce] = done
	return CacheMiss, nil, done
}

// WaitForResult blocks until the in-flight owner finishes or ctx ends. A nil
// entry with nil error means the owner released without caching.
func (c *PaymentCache) WaitForResult(ctx context.Context, nonce string, done chan struct{}) (*CacheEntry, error) {
	select {
	case <-done:
		return c.lookup(nonce), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete caches the entry, clears the in-flight marker and wakes waiters.
func (c *PaymentCache) Complete(nonce string, entry CacheEntry, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.storeLocked(nonce, entry)
	delete(c.inFlight, nonce)
	close(done)
	c.sweepLocked()
}

// Release clears the in-flight marker without caching anything.
func (c *PaymentCache) Release(nonce string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, nonce)
	close(done)
}

// Len returns the number of cached entries, expired ones included until the next sweep.
func (c *PaymentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *PaymentCache) lookup(nonce string) *CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[nonce]
	if !ok {
		return nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, nonce)
		return nil
	}
	entry := e.entry
	return &entry
}

func (c *PaymentCache) storeLocked(nonce string, entry CacheEntry) {
	completed := time.Unix(entry.Response.CompletedAt, 0)
	if entry.Response.CompletedAt == 0 {
		completed = c.now()
	}
	c.entries[nonce] = cachedEntry{entry: entry, expiresAt: completed.Add(c.ttl)}
}

func (c *PaymentCache) sweepLocked() {
	now := c.now()
	for nonce, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, nonce)
		}
	}
}
