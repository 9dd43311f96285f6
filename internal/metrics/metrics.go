package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint and status code.",
		},
		[]string{"endpoint", "code"},
	)

	syncBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "sync_batches_total",
			Help:      "POST /sync requests by outcome.",
		},
		[]string{"outcome"},
	)

	dispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "dispatched_operations_total",
			Help:      "Operations dispatched server-side by action and status.",
		},
		[]string{"action", "status"},
	)

	batchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fieldsync",
			Name:      "sync_batch_size",
			Help:      "Mutations per accepted POST /sync.",
			Buckets:   []float64{1, 2, 5, 10, 20, 35, 50},
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fieldsync",
			Subsystem: "client",
			Name:      "queue_operations",
			Help:      "Operations in the local queue by status.",
		},
		[]string{"status"},
	)

	replays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldsync",
			Subsystem: "client",
			Name:      "replays_total",
			Help:      "Replay attempts by outcome (synced, retry, failed).",
		},
		[]string{"outcome"},
	)

	drainPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldsync",
			Subsystem: "client",
			Name:      "drain_passes_total",
			Help:      "Drain passes by how they ended.",
		},
		[]string{"result"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, syncBatches, dispatched, batchSize, queueDepth, replays, drainPasses)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint, code string) {
	httpRequests.WithLabelValues(endpoint, code).Inc()
}

func IncSyncBatch(outcome string) {
	syncBatches.WithLabelValues(outcome).Inc()
}

func ObserveBatchSize(n int) {
	batchSize.Observe(float64(n))
}

func IncDispatched(action, status string) {
	dispatched.WithLabelValues(action, status).Inc()
}

// SetQueueDepth publishes the client queue summary.
func SetQueueDepth(pending, failed int) {
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("failed").Set(float64(failed))
}

func IncReplay(outcome string) {
	replays.WithLabelValues(outcome).Inc()
}

func IncDrainPass(result string) {
	drainPasses.WithLabelValues(result).Inc()
}
