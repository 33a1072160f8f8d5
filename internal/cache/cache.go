// Package cache provides the in-memory TTL/tag cache and the deduplicated
// loader the entity stores read through. Keys are composed per user and
// operation so query variants never collide; tags are deliberately coarse so
// one write can invalidate every read that could be stale.
package cache

import (
	"strings"
	"sync"
	"time"
)

const DefaultMaxEntries = 1024

type entry struct {
	value     any
	expiresAt time.Time
	createdAt time.Time
	tags      map[string]struct{}
}

type Options struct {
	// MaxEntries bounds the cache; zero means DefaultMaxEntries.
	MaxEntries int
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

type SetOptions struct {
	TTL  time.Duration
	Tags []string
}

// Cache is a process-wide store shared by all entity stores. Entries are
// replace-only: a Set overwrites, expiry and invalidation remove, nothing
// mutates in place.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	maxEntries int
	now        func() time.Time
}

func New(opts Options) *Cache {
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Cache{
		entries:    map[string]*entry{},
		maxEntries: maxEntries,
		now:        now,
	}
}

// Key composes the canonical cache key {userID}:{entity}:{op}:{params}.
func Key(userID, entity, op string, params ...string) string {
	parts := append([]string{userID, entity, op}, params...)
	return strings.Join(parts, ":")
}

// Get returns the stored value if present and not expired. Expired entries
// are removed lazily here; Get never returns a value past its deadline.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(ent.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return ent.value, true
}

func (c *Cache) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Set stores value under key, overwriting any existing entry. A non-positive
// TTL makes the entry expire immediately, which degrades to a miss rather
// than a stale-forever value.
func (c *Cache) Set(key string, value any, opts SetOptions) {
	if key == "" {
		return
	}
	now := c.now()
	tags := make(map[string]struct{}, len(opts.Tags))
	for _, tag := range opts.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags[tag] = struct{}{}
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = &entry{
		value:     value,
		expiresAt: now.Add(opts.TTL),
		createdAt: now,
		tags:      tags,
	}
}

// InvalidateTags removes every entry whose tag set intersects tags and
// returns the count removed. Removal is atomic with respect to subsequent
// reads: once this returns, no Get observes a removed entry.
func (c *Cache) InvalidateTags(tags ...string) int {
	if len(tags) == 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, ent := range c.entries {
		for _, tag := range tags {
			if _, ok := ent.tags[tag]; ok {
				delete(c.entries, key)
				removed++
				break
			}
		}
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked drops expired entries first, then the soonest-to-expire entry,
// to make room before an insert at capacity.
func (c *Cache) evictLocked(now time.Time) {
	for key, ent := range c.entries {
		if !now.Before(ent.expiresAt) {
			delete(c.entries, key)
		}
	}
	for len(c.entries) >= c.maxEntries {
		victim := ""
		var victimExpiry time.Time
		for key, ent := range c.entries {
			if victim == "" || ent.expiresAt.Before(victimExpiry) {
				victim = key
				victimExpiry = ent.expiresAt
			}
		}
		if victim == "" {
			return
		}
		delete(c.entries, victim)
	}
}
