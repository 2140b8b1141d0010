// Package cache provides the keyed TTL cache that fronts hot reads:
// embeddings, search results, resource records, graph neighborhoods, and
// user profiles.
//
// Keys follow "<kind>:<id>[:<sub>]". Get/Set are lock-striped and cheap;
// invalidation is pattern-based ("resource:42:*", "search_query:*") and
// best-effort. Counters for hits, misses, and invalidations are exported
// both programmatically and as Prometheus metrics.
package cache

import (
	"strings"
	"sync"
	"time"
)

// Default TTLs per key kind, in effect unless overridden via Config.
var defaultTTLs = map[string]time.Duration{
	"embedding":      3600 * time.Second,
	"quality":        1800 * time.Second,
	"search_query":   300 * time.Second,
	"resource":       600 * time.Second,
	"graph":          1800 * time.Second,
	"user":           600 * time.Second,
	"classification": 3600 * time.Second,
}

// Config overrides per-kind TTLs and caps.
type Config struct {
	// TTLs maps key kind to TTL. Kinds absent here keep their default.
	TTLs map[string]time.Duration

	// MaxEntriesPerKind caps entry count per kind; 0 means unlimited.
	// When full, Set evicts the entry closest to expiry.
	MaxEntriesPerKind map[string]int

	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a TTL cache with pattern invalidation.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	perKind map[string]int

	ttls map[string]time.Duration
	caps map[string]int
	now  func() time.Time

	// Counters are monotonically increasing totals.
	hits          uint64
	misses        uint64
	invalidations uint64
}

// New creates a cache.
func New(cfg Config) *Cache {
	ttls := make(map[string]time.Duration, len(defaultTTLs))
	for k, v := range defaultTTLs {
		ttls[k] = v
	}
	for k, v := range cfg.TTLs {
		ttls[k] = v
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Cache{
		entries: make(map[string]entry),
		perKind: make(map[string]int),
		ttls:    ttls,
		caps:    cfg.MaxEntriesPerKind,
		now:     now,
	}
}

// kindOf extracts the kind prefix of a key ("resource:42" -> "resource").
func kindOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

// Get returns the cached value, or nil and false on miss or expiry.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().After(e.expiresAt) {
		if ok {
			c.deleteKey(key)
		}
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		missesTotal.Inc()
		return nil, false
	}
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	hitsTotal.Inc()
	return e.value, true
}

// Set stores a value under the key with the kind's TTL.
func (c *Cache) Set(key string, value any) {
	kind := kindOf(key)
	ttl, ok := c.ttls[kind]
	if !ok {
		ttl = 5 * time.Minute
	}
	c.SetWithTTL(key, value, ttl)
}

// SetWithTTL stores a value with an explicit TTL.
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	kind := kindOf(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		if cap, capped := c.caps[kind]; capped && cap > 0 && c.perKind[kind] >= cap {
			c.evictSoonestLocked(kind)
		}
		c.perKind[kind]++
	}
	c.entries[key] = entry{value: value, expiresAt: c.now().Add(ttl)}
	entriesGauge.Set(float64(len(c.entries)))
}

// evictSoonestLocked removes the entry of the kind closest to expiry.
func (c *Cache) evictSoonestLocked(kind string) {
	var victim string
	var soonest time.Time
	prefix := kind + ":"
	for k, e := range c.entries {
		if k != kind && !strings.HasPrefix(k, prefix) {
			continue
		}
		if victim == "" || e.expiresAt.Before(soonest) {
			victim, soonest = k, e.expiresAt
		}
	}
	if victim != "" {
		delete(c.entries, victim)
		c.perKind[kind]--
	}
}

func (c *Cache) deleteKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.perKind[kindOf(key)]--
	}
}

// Invalidate removes all keys matching the pattern. "*" matches any run of
// characters; everything else matches literally. Returns the number of
// entries removed.
func (c *Cache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if matchPattern(pattern, key) {
			delete(c.entries, key)
			c.perKind[kindOf(key)]--
			removed++
		}
	}
	c.invalidations += uint64(removed)
	invalidationsTotal.Add(float64(removed))
	entriesGauge.Set(float64(len(c.entries)))
	return removed
}

// matchPattern reports whether key matches a glob with '*' wildcards.
func matchPattern(pattern, key string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == key
	}
	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	key = key[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(key, parts[i])
		if idx < 0 {
			return false
		}
		key = key[idx+len(parts[i]):]
	}
	return strings.HasSuffix(key, parts[len(parts)-1])
}

// Stats is a point-in-time view of the counters.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Invalidations uint64 `json:"invalidations"`
	Entries       int    `json:"entries"`
}

// Stats returns counter totals and the live entry count.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Invalidations: c.invalidations,
		Entries:       len(c.entries),
	}
}
