// Package promptcache attributes (system, tools) prompt reuse across
// requests. It does not store prompt bytes; it maps fingerprints to access
// metadata so responses can report cache_creation_input_tokens and
// cache_read_input_tokens the way Anthropic clients expect.
package promptcache

import (
	"sync"
	"time"

	"github.com/crosstalk-dev/crosstalk/internal/apischema/anthropic"
	"github.com/crosstalk-dev/crosstalk/internal/clock"
)

// Cache defaults.
const (
	DefaultTTL           = time.Hour
	DefaultSweepInterval = 10 * time.Minute
	DefaultMaxEntries    = 4096
)

// Access is the outcome of one cache lookup. Tokens carries the estimated
// token count stored with the entry: the figure reported as creation tokens
// on first sight and as read tokens on every hit after.
type Access struct {
	Hit       bool
	FirstSeen bool
	Tokens    int
}

// Apply fills the cache attribution fields of u. Backends that report real
// prefix-cache figures win over the fingerprint estimate.
func (a Access) Apply(u *anthropic.Usage) {
	if u.CacheReadInputTokens > 0 || u.CacheCreationInputTokens > 0 {
		return
	}
	switch {
	case a.FirstSeen:
		u.CacheCreationInputTokens = a.Tokens
	case a.Hit:
		u.CacheReadInputTokens = a.Tokens
	}
}

type entry struct {
	firstSeen  time.Time
	lastAccess time.Time
	hits       int
	tokens     int
}

// Cache is the process-wide prompt cache. All methods are safe for
// concurrent use; the critical section is a hash lookup plus field updates.
// Hashing happens outside the lock (see Fingerprint).
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*entry
	lastSweep time.Time

	clk        clock.Clock
	ttl        time.Duration
	sweepEvery time.Duration
	maxEntries int
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the entry time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithSweepInterval overrides the gap between cooperative sweeps.
func WithSweepInterval(interval time.Duration) Option {
	return func(c *Cache) { c.sweepEvery = interval }
}

// WithMaxEntries overrides the soft entry cap.
func WithMaxEntries(n int) Option {
	return func(c *Cache) { c.maxEntries = n }
}

// New builds a Cache on the given clock.
func New(clk clock.Clock, opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]*entry),
		clk:        clk,
		lastSweep:  clk.Now(),
		ttl:        DefaultTTL,
		sweepEvery: DefaultSweepInterval,
		maxEntries: DefaultMaxEntries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecordAccess looks up fingerprint and updates access metadata in one
// critical section, so two concurrent callers can never both observe the same
// entry as first-seen. Entries whose last access is older than the TTL count
// as absent and are replaced.
func (c *Cache) RecordAccess(fingerprint string, estimatedTokens int) Access {
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked(now)

	if e, ok := c.entries[fingerprint]; ok && now.Sub(e.lastAccess) <= c.ttl {
		e.lastAccess = now
		e.hits++
		return Access{Hit: true, Tokens: e.tokens}
	}

	c.entries[fingerprint] = &entry{
		firstSeen:  now,
		lastAccess: now,
		tokens:     estimatedTokens,
	}
	c.evictLocked()
	return Access{FirstSeen: true, Tokens: estimatedTokens}
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sweepLocked removes expired entries once every sweep interval. It rides on
// RecordAccess rather than a timer goroutine, so an idle proxy does no work.
func (c *Cache) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < c.sweepEvery {
		return
	}
	c.lastSweep = now
	for fp, e := range c.entries {
		if now.Sub(e.lastAccess) > c.ttl {
			delete(c.entries, fp)
		}
	}
}

// evictLocked drops least-recently-used entries while over the cap. Eviction
// is rare (the cap is thousands of entries), so a scan beats carrying list
// pointers on every access.
func (c *Cache) evictLocked() {
	for len(c.entries) > c.maxEntries {
		var oldestKey string
		var oldest time.Time
		for fp, e := range c.entries {
			if oldestKey == "" || e.lastAccess.Before(oldest) {
				oldestKey = fp
				oldest = e.lastAccess
			}
		}
		delete(c.entries, oldestKey)
	}
}
