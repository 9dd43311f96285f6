package api

import (
	"sync"

	"fieldsync/internal/config"

	"golang.org/x/time/rate"
)

const defaultBurst = 5

// tokenBuckets holds one token bucket per client for the per-action endpoints.
type tokenBuckets struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func newTokenBuckets(cfg config.APIRateLimitConfig) *tokenBuckets {
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &tokenBuckets{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(cfg.RPS),
		burst:   burst,
	}
}

func (b *tokenBuckets) get(key string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	lim, ok := b.buckets[key]
	if !ok {
		lim = rate.NewLimiter(b.limit, b.burst)
		b.buckets[key] = lim
	}
	return lim
}
