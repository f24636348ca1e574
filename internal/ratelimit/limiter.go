// Package ratelimit provides per-key token-bucket rate limiting for hub
// methods and tool calls.
package ratelimit

import (
	"sync"
	"time"
)

const (
	maxBuckets    = 50000
	sweepInterval = 5 * time.Minute
	staleAfter    = 10 * time.Minute

	// Elapsed time between refills is clamped to tolerate clock drift.
	maxElapsedMS = 120000
)

type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter allows up to N calls per minute per key, refilling continuously
// at N/60000 tokens per millisecond. The bucket map is capped with
// oldest-eviction and swept periodically.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	perMinute   float64
	refillPerMS float64
	now         func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a limiter allowing perMinute calls per key per minute and
// starts its sweep goroutine. Call Destroy to stop it.
func New(perMinute int) *Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	l := &Limiter{
		buckets:     make(map[string]*bucket),
		perMinute:   float64(perMinute),
		refillPerMS: float64(perMinute) / 60000,
		now:         time.Now,
		done:        make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Destroy stops the sweep goroutine. Safe to call more than once.
func (l *Limiter) Destroy() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Allow consumes one token for key, reporting whether the call is within
// the rate. New keys start with a full bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxBuckets {
			l.evictOldest()
		}
		b = &bucket{tokens: l.perMinute, last: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.last).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > maxElapsedMS {
		elapsed = maxElapsedMS
	}
	b.tokens += float64(elapsed) * l.refillPerMS
	if b.tokens > l.perMinute {
		b.tokens = l.perMinute
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Len reports how many keys currently hold buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// evictOldest removes the least recently used bucket. Caller holds the
// lock.
func (l *Limiter) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, b := range l.buckets {
		if oldestKey == "" || b.last.Before(oldest) {
			oldestKey = key
			oldest = b.last
		}
	}
	if oldestKey != "" {
		delete(l.buckets, oldestKey)
	}
}

func (l *Limiter) sweepLoop() {
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

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.buckets {
		if now.Sub(b.last) > staleAfter {
			delete(l.buckets, key)
		}
	}
}
