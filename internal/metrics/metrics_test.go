package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	Register()
	Register()

	IncDispatched("createLog", "ok")
	IncDispatched("createLog", "ok")
	assert.Equal(t, float64(2), testutil.ToFloat64(dispatched.WithLabelValues("createLog", "ok")))

	SetQueueDepth(3, 1)
	assert.Equal(t, float64(3), testutil.ToFloat64(queueDepth.WithLabelValues("pending")))
	assert.Equal(t, float64(1), testutil.ToFloat64(queueDepth.WithLabelValues("failed")))

	IncReplay("retry")
	assert.Equal(t, float64(1), testutil.ToFloat64(replays.WithLabelValues("retry")))
}
