// Package preview issues short-lived share links for generated apps and
// renders the device hand-off page behind them.
package preview

import (
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Entry is the payload behind a share link. Entries are immutable after
// issue and disappear on expiry.
type Entry struct {
	Name      string
	Code      string
	ProjectID string // optional; ties a hand-off back to a live instance
	CreatedAt time.Time
	TTL       time.Duration
}

func (e Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// LinkStore maps opaque link ids to hand-off payloads.
type LinkStore struct {
	entries    cmap.ConcurrentMap[string, Entry]
	defaultTTL time.Duration
}

// NewLinkStore creates a store whose links expire after defaultTTL unless
// Issue is given an explicit TTL.
func NewLinkStore(defaultTTL time.Duration) *LinkStore {
	return &LinkStore{
		entries:    cmap.New[Entry](),
		defaultTTL: defaultTTL,
	}
}

// Issue stores a hand-off payload and returns its opaque id. projectID may
// be empty for links not tied to a running instance.
func (s *LinkStore) Issue(name, code, projectID string, ttl time.Duration) string {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	id := uuid.NewString()
	s.entries.Set(id, Entry{
		Name:      name,
		Code:      code,
		ProjectID: projectID,
		CreatedAt: time.Now(),
		TTL:       ttl,
	})
	return id
}

// Resolve returns the payload behind id, or false when the link is unknown
// or expired. Expired links are dropped on the way out.
func (s *LinkStore) Resolve(id string) (Entry, bool) {
	e, ok := s.entries.Get(id)
	if !ok {
		return Entry{}, false
	}
	if e.expired(time.Now()) {
		s.entries.RemoveCb(id, func(_ string, v Entry, exists bool) bool {
			return exists && v.expired(time.Now())
		})
		return Entry{}, false
	}
	return e, true
}

// Purge drops expired links and reports how many were removed.
func (s *LinkStore) Purge() int {
	now := time.Now()
	removed := 0
	for item := range s.entries.IterBuffered() {
		if !item.Val.expired(now) {
			continue
		}
		ok := s.entries.RemoveCb(item.Key, func(_ string, v Entry, exists bool) bool {
			return exists && v.expired(now)
		})
		if ok {
			removed++
		}
	}
	return removed
}

// Len reports the number of stored links, expired or not.
func (s *LinkStore) Len() int {
	return s.entries.Count()
}
