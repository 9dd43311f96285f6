package models

const (
	// DefaultMaxRetries failed replays before an operation is parked as failed
	DefaultMaxRetries = 5

	// DefaultPollInterval seconds between periodic drain checks
	DefaultPollInterval = 10

	// DefaultHandlerTimeout seconds allowed for a single replay call
	DefaultHandlerTimeout = 30

	// DefaultMaxBatchSize mutations accepted by one POST /sync
	DefaultMaxBatchSize = 50

	// SyncRateLimitRequests requests per window on POST /sync
	SyncRateLimitRequests = 20

	// SyncRateLimitWindow sliding window length in seconds
	SyncRateLimitWindow = 60
)

// BatchTooLargeFmt is the 400 message POST /sync sends for an oversized
// batch; clients parse the limit back out of it.
const BatchTooLargeFmt = "Batch size exceeds maximum of %d"
