package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverLimiter prefers the shared primary and falls back to a local
// limiter while the primary is failing, probing it again every minute.
type FailoverLimiter struct {
	primary   Limiter
	fallback  Limiter
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverLimiter(primary, fallback Limiter, logger *zerolog.Logger) *FailoverLimiter {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverLimiter{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (l *FailoverLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if l.primary != nil && (!l.isDown.Load() || l.now().Sub(time.Unix(0, l.lastCheck.Load())) > recoveryInterval) {
		d, err := l.primary.Allow(ctx, key, limit, window)
		if err == nil {
			if l.isDown.Swap(false) {
				l.logger.Info().Msg("primary rate limiter recovered")
			}
			return d, nil
		}
		if !l.isDown.Swap(true) {
			l.logger.Error().Err(err).Msg("primary rate limiter failed, falling back to memory")
		}
		l.lastCheck.Store(l.now().UnixNano())
	}

	return l.fallback.Allow(ctx, key, limit, window)
}

// Degraded reports whether the fallback is currently in use.
func (l *FailoverLimiter) Degraded() bool {
	return l.isDown.Load()
}
