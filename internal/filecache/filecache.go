// Package filecache is a short-TTL, in-memory store of project file
// snapshots. It backs provisioning requests that arrive without an inline
// payload: the orchestrator falls back to the last snapshot pushed for the
// project. Reads never refresh an entry, this is a hand-off buffer, not a
// working set.
package filecache

import (
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/appdraft/preview-api/internal/sandbox"
)

type entry struct {
	files     []sandbox.File
	timestamp time.Time
	ttl       time.Duration
}

func (e entry) expired(now time.Time) bool {
	return now.Sub(e.timestamp) > e.ttl
}

// Stats describes a cache entry for diagnostics.
type Stats struct {
	Exists bool
	Files  int
	Age    time.Duration
	TTL    time.Duration
}

// Cache stores one file snapshot per project id.
type Cache struct {
	entries    cmap.ConcurrentMap[string, entry]
	defaultTTL time.Duration
}

// New creates a cache whose entries expire after defaultTTL unless Set is
// given an explicit TTL.
func New(defaultTTL time.Duration) *Cache {
	return &Cache{
		entries:    cmap.New[entry](),
		defaultTTL: defaultTTL,
	}
}

// Set stores the snapshot for a project, overwriting any previous entry and
// refreshing its timestamp. Last write wins, there is no merge. ttl <= 0
// selects the default. Expired entries are purged opportunistically.
func (c *Cache) Set(projectID string, files []sandbox.File, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.entries.Set(projectID, entry{
		files:     files,
		timestamp: time.Now(),
		ttl:       ttl,
	})
	c.Purge()
}

// Get returns the snapshot for a project, or false when none is live.
func (c *Cache) Get(projectID string) ([]sandbox.File, bool) {
	e, ok := c.entries.Get(projectID)
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		// Conditional removal: a concurrent Set may have written a fresh
		// entry since the read above.
		c.entries.RemoveCb(projectID, func(_ string, v entry, exists bool) bool {
			return exists && v.expired(time.Now())
		})
		return nil, false
	}
	return e.files, true
}

// Stats reports whether a live entry exists for the project and how old it
// is, for diagnosing unexpected misses.
func (c *Cache) Stats(projectID string) Stats {
	e, ok := c.entries.Get(projectID)
	if !ok || e.expired(time.Now()) {
		return Stats{}
	}
	return Stats{
		Exists: true,
		Files:  len(e.files),
		Age:    time.Since(e.timestamp),
		TTL:    e.ttl,
	}
}

// Purge drops expired entries and reports how many were removed.
func (c *Cache) Purge() int {
	now := time.Now()
	removed := 0
	for item := range c.entries.IterBuffered() {
		if !item.Val.expired(now) {
			continue
		}
		ok := c.entries.RemoveCb(item.Key, func(_ string, v entry, exists bool) bool {
			return exists && v.expired(now)
		})
		if ok {
			removed++
		}
	}
	return removed
}

// Len reports the number of stored entries, expired or not.
func (c *Cache) Len() int {
	return c.entries.Count()
}
