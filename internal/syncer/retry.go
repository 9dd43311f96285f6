package syncer

import (
	"time"

	"fieldsync/internal/models"
)

// RetryPolicy bounds replay attempts per operation and paces the
// controller after the server asks it to back off.
type RetryPolicy struct {
	MaxRetries     int
	HandlerTimeout time.Duration
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
}

// DefaultRetryPolicy allows five attempts with a 30s handler timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{}.withDefaults()
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.MaxRetries <= 0 {
		r.MaxRetries = models.DefaultMaxRetries
	}
	if r.HandlerTimeout <= 0 {
		r.HandlerTimeout = time.Duration(models.DefaultHandlerTimeout) * time.Second
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = 5 * time.Second
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 5 * time.Minute
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}
	return r
}

// Exhausted reports whether a failure on an operation that has already
// failed `retries` times is its last allowed attempt.
func (r RetryPolicy) Exhausted(retries int) bool {
	return retries+1 >= r.MaxRetries
}

// NextDelay is the hold after the attempt-th consecutive rate-limit
// response: InitialDelay grown by BackoffFactor per step, capped at MaxDelay.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	r = r.withDefaults()
	delay := r.InitialDelay
	for step := 1; step < attempt && delay < r.MaxDelay; step++ {
		delay = time.Duration(float64(delay) * r.BackoffFactor)
	}
	return min(delay, r.MaxDelay)
}
