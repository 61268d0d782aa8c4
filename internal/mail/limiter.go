package mail

import (
	"sync"
	"time"
)

// Default confirmation mail quota per address.
const (
	DefaultLimit  = 10
	DefaultWindow = 24 * time.Hour
)

// Limiter is a sliding-window counter keyed by address. Only accepted
// attempts consume quota, and a released attempt stops counting.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	seen   map[string][]time.Time
}

// NewLimiter builds a limiter allowing limit events per window.
func NewLimiter(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{limit: limit, window: window, seen: make(map[string][]time.Time)}
}

// Allow records an event for key at now unless the quota is exhausted.
func (l *Limiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.prune(key, now)
	if len(ts) >= l.limit {
		return false
	}
	l.seen[key] = append(ts, now)
	return true
}

// Release gives back the event Allow recorded for key at. Callers release
// when the guarded action failed.
func (l *Limiter) Release(key string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.seen[key]
	for i := len(ts) - 1; i >= 0; i-- {
		if ts[i].Equal(at) {
			ts = append(ts[:i], ts[i+1:]...)
			break
		}
	}
	if len(ts) == 0 {
		delete(l.seen, key)
		return
	}
	l.seen[key] = ts
}

// Remaining reports how many events key may still record at now.
func (l *Limiter) Remaining(key string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit - len(l.prune(key, now))
}

func (l *Limiter) prune(key string, now time.Time) []time.Time {
	ts := l.seen[key]
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	ts = ts[i:]
	if len(ts) == 0 {
		delete(l.seen, key)
		return nil
	}
	l.seen[key] = ts
	return ts
}
