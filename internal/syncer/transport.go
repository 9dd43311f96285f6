package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"fieldsync/internal/client"
	"fieldsync/internal/dispatch"
	"fieldsync/internal/models"
	"fieldsync/internal/registry"
)

// Transport replays a chunk of operations. The per-operation errors slice
// is parallel to ops. A non-nil second return means the request as a whole
// was refused and none of the operations ran.
type Transport interface {
	BatchSize() int
	Replay(ctx context.Context, ops []models.QueuedOperation) ([]error, error)
}

// DirectTransport replays each operation through its registry handler.
type DirectTransport struct {
	registry *registry.Registry
}

func NewDirectTransport(reg *registry.Registry) *DirectTransport {
	return &DirectTransport{registry: reg}
}

func (t *DirectTransport) BatchSize() int { return 1 }

func (t *DirectTransport) Replay(ctx context.Context, ops []models.QueuedOperation) ([]error, error) {
	errs := make([]error, len(ops))
	for i, op := range ops {
		err := t.registry.Call(ctx, op.Action, op.Payload)
		if requestLevel(err) {
			return nil, err
		}
		errs[i] = err
	}
	return errs, nil
}

// BatchPoster is satisfied by client.Client.
type BatchPoster interface {
	PostBatch(ctx context.Context, mutations []models.SyncMutation) (*models.SyncResponse, error)
}

// ErrBatchTooLarge means the server refused the chunk for its size. The
// transport has already shrunk to the server's maximum.
var ErrBatchTooLarge = errors.New("batch larger than server maximum")

// BatchTransport submits chunks to POST /sync.
type BatchTransport struct {
	poster BatchPoster
	size   atomic.Int64
}

func NewBatchTransport(poster BatchPoster, size int) *BatchTransport {
	if size <= 0 || size > models.DefaultMaxBatchSize {
		size = models.DefaultMaxBatchSize
	}
	t := &BatchTransport{poster: poster}
	t.size.Store(int64(size))
	return t
}

func (t *BatchTransport) BatchSize() int { return int(t.size.Load()) }

func (t *BatchTransport) Replay(ctx context.Context, ops []models.QueuedOperation) ([]error, error) {
	mutations := make([]models.SyncMutation, len(ops))
	for i, op := range ops {
		mutations[i] = op.Mutation()
	}

	resp, err := t.poster.PostBatch(ctx, mutations)
	var invalid *client.ValidationError
	if errors.As(err, &invalid) {
		if limit, ok := batchLimit(invalid.Message); ok && limit < len(ops) {
			t.size.Store(int64(limit))
			return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(ops), limit)
		}
		// resending the same payload cannot succeed; charge every operation
		errs := make([]error, len(ops))
		for i := range errs {
			errs[i] = err
		}
		return errs, nil
	}
	if err != nil {
		return nil, err
	}
	return matchResults(ops, resp.Results)
}

// batchLimit reads the server's maximum out of an oversized-batch rejection.
func batchLimit(msg string) (int, bool) {
	var limit int
	if _, err := fmt.Sscanf(msg, models.BatchTooLargeFmt, &limit); err != nil || limit < 1 {
		return 0, false
	}
	return limit, true
}

type resultKey struct {
	action    string
	timestamp int64
}

// matchResults pairs results with operations by action and timestamp,
// in order, since the server answers in its own sorted order.
func matchResults(ops []models.QueuedOperation, results []models.SyncResult) ([]error, error) {
	if len(results) != len(ops) {
		return nil, fmt.Errorf("%w: %d results for %d operations", ErrMalformedResponse, len(results), len(ops))
	}

	byKey := make(map[resultKey][]models.SyncResult, len(results))
	for _, r := range results {
		k := resultKey{r.Action, r.Timestamp}
		byKey[k] = append(byKey[k], r)
	}

	errs := make([]error, len(ops))
	for i, op := range ops {
		k := resultKey{op.Action, op.Timestamp}
		queue := byKey[k]
		if len(queue) == 0 {
			return nil, fmt.Errorf("%w: no result for %s@%d", ErrMalformedResponse, op.Action, op.Timestamp)
		}
		r := queue[0]
		byKey[k] = queue[1:]
		errs[i] = resultError(r)
	}
	return errs, nil
}

func resultError(r models.SyncResult) error {
	if r.Status == models.ResultOK {
		return nil
	}
	msg := r.Error
	if msg == "" {
		msg = "rejected by server"
	}
	if strings.HasPrefix(msg, dispatch.ErrUnknownAction.Error()) {
		return fmt.Errorf("%w: %s", dispatch.ErrUnknownAction, strings.TrimSpace(strings.TrimPrefix(msg, dispatch.ErrUnknownAction.Error()+":")))
	}
	return errors.New(msg)
}

// requestLevel errors say nothing about the operation itself.
func requestLevel(err error) bool {
	if err == nil {
		return false
	}
	var rl *client.RateLimitError
	return errors.As(err, &rl) || errors.Is(err, client.ErrUnauthorized)
}

// permanent errors are never retried.
func permanent(err error) bool {
	return errors.Is(err, registry.ErrHandlerMissing) || errors.Is(err, dispatch.ErrUnknownAction)
}
