// Package cache holds small in-process caches shared across the fabric.
package cache

import (
	"sync"
	"time"
)

// Dedupe remembers keys for a TTL window so redelivered items can be
// dropped. Chat platforms replay recent messages after a reconnect; the
// adapter reuses the platform's message id and the hub asks this set.
type Dedupe struct {
	mu   sync.Mutex
	seen map[string]int64 // unix ms of last sighting
	ttl  time.Duration
	max  int
}

// NewDedupe sizes the window. A non-positive ttl never expires entries;
// a non-positive max removes the size bound.
func NewDedupe(ttl time.Duration, max int) *Dedupe {
	return &Dedupe{
		seen: make(map[string]int64),
		ttl:  ttl,
		max:  max,
	}
}

// Seen reports whether key was recorded inside the window, and records it
// either way. An empty key is never a duplicate.
func (d *Dedupe) Seen(key string) bool {
	return d.SeenAt(key, time.Now())
}

// SeenAt is Seen with an explicit clock.
func (d *Dedupe) SeenAt(key string, now time.Time) bool {
	if key == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ms := now.UnixMilli()
	last, ok := d.seen[key]
	d.seen[key] = ms
	if ok && (d.ttl <= 0 || ms-last < d.ttl.Milliseconds()) {
		return true
	}
	d.prune(ms)
	return false
}

// Len returns the number of tracked keys.
func (d *Dedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Dedupe) prune(nowMs int64) {
	if d.ttl > 0 {
		cutoff := nowMs - d.ttl.Milliseconds()
		for key, ms := range d.seen {
			if ms < cutoff {
				delete(d.seen, key)
			}
		}
	}
	if d.max <= 0 {
		return
	}
	// Over the cap with nothing expired: drop the stalest entries. The set
	// stays small enough that a scan per eviction is fine.
	for len(d.seen) > d.max {
		oldestKey := ""
		oldestMs := nowMs + 1
		for key, ms := range d.seen {
			if ms < oldestMs {
				oldestMs = ms
				oldestKey = key
			}
		}
		delete(d.seen, oldestKey)
	}
}

// MessageKey builds the dedupe key for a channel message.
func MessageKey(channel, id string) string {
	if id == "" {
		return ""
	}
	return channel + ":" + id
}
