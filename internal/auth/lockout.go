package auth

import (
	"sync"
	"time"
)

const (
	failureLimit  = 5
	failureWindow = 5 * time.Minute
	lockDuration  = 15 * time.Minute
	maxSources    = 10000
	sweepInterval = 5 * time.Minute
)

type sourceEntry struct {
	failures    int
	windowStart time.Time
	lockedUntil time.Time
	lastSeen    time.Time
}

// Lockout tracks authentication failures per source (an IP or source id)
// and refuses further attempts once a source exceeds its failure budget.
// The entry table is capped; a background sweep drops stale entries.
type Lockout struct {
	mu      sync.Mutex
	entries map[string]*sourceEntry
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewLockout starts a lockout tracker with its sweep goroutine running.
// Call Destroy to stop it.
func NewLockout() *Lockout {
	l := &Lockout{
		entries: make(map[string]*sourceEntry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Destroy stops the sweep goroutine. Safe to call more than once.
func (l *Lockout) Destroy() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Blocked reports whether a source is currently locked out. Callers check
// this before any token comparison.
func (l *Lockout) Blocked(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[source]
	if !ok {
		return false
	}
	now := l.now()
	if now.Before(e.lockedUntil) {
		e.lastSeen = now
		return true
	}
	return false
}

// RecordFailure counts a failed attempt from source. The fifth failure
// inside a 5-minute window locks the source out for 15 minutes. It
// returns true when this failure triggered the lockout.
func (l *Lockout) RecordFailure(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[source]
	if !ok {
		if len(l.entries) >= maxSources {
			l.evictOldest()
		}
		e = &sourceEntry{windowStart: now}
		l.entries[source] = e
	}
	if now.Sub(e.windowStart) > failureWindow {
		e.failures = 0
		e.windowStart = now
	}
	e.failures++
	e.lastSeen = now
	if e.failures >= failureLimit && !now.Before(e.lockedUntil) {
		e.lockedUntil = now.Add(lockDuration)
		return true
	}
	return false
}

// RecordSuccess clears the failure counter for source.
func (l *Lockout) RecordSuccess(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, source)
}

// evictOldest removes the entry with the oldest lastSeen. Caller holds the
// lock.
func (l *Lockout) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, e := range l.entries {
		if oldestKey == "" || e.lastSeen.Before(oldest) {
			oldestKey = key
			oldest = e.lastSeen
		}
	}
	if oldestKey != "" {
		delete(l.entries, oldestKey)
	}
}

func (l *Lockout) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.done:
			return
		}
	}
}

// sweep drops entries whose window has passed and whose lock has expired.
func (l *Lockout) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, e := range l.entries {
		if now.Before(e.lockedUntil) {
			continue
		}
		if now.Sub(e.lastSeen) > failureWindow {
			delete(l.entries, key)
		}
	}
}
