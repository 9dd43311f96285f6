package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps sliding windows in process memory. Keys whose window
// has emptied are swept out at most once per window.
type MemoryLimiter struct {
	mu        sync.Mutex
	windows   map[string]*memoryWindow
	lastSweep time.Time
	now       func() time.Time
}

type memoryWindow struct {
	hits   []time.Time
	window time.Duration
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*memoryWindow), now: time.Now}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now, window)

	w := l.windows[key]
	if w == nil {
		w = &memoryWindow{}
	}
	w.window = window
	w.hits = w.hits[:trimBefore(w.hits, now.Add(-window))]

	d := Decision{Limit: limit}
	if len(w.hits) < limit {
		w.hits = append(w.hits, now)
		d.Allowed = true
		d.Remaining = limit - len(w.hits)
	}
	if len(w.hits) > 0 {
		d.ResetAt = w.hits[0].Add(window)
		l.windows[key] = w
	} else {
		d.ResetAt = now.Add(window)
		delete(l.windows, key)
	}
	return d, nil
}

func (l *MemoryLimiter) sweep(now time.Time, every time.Duration) {
	if now.Sub(l.lastSweep) < every {
		return
	}
	l.lastSweep = now
	for key, w := range l.windows {
		if n := len(w.hits); n == 0 || !w.hits[n-1].After(now.Add(-w.window)) {
			delete(l.windows, key)
		}
	}
}

// trimBefore drops hits at or before cutoff in place and returns how many
// remain. hits are in arrival order.
func trimBefore(hits []time.Time, cutoff time.Time) int {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return copy(hits, hits[i:])
}
