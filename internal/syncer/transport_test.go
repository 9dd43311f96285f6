package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"fieldsync/internal/client"
	"fieldsync/internal/dispatch"
	"fieldsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoster struct {
	batches [][]models.SyncMutation
	respond func([]models.SyncMutation) (*models.SyncResponse, error)
}

func (p *fakePoster) PostBatch(_ context.Context, muts []models.SyncMutation) (*models.SyncResponse, error) {
	p.batches = append(p.batches, muts)
	return p.respond(muts)
}

// serverLike answers every mutation ok except actions listed in fail,
// returning results in reverse order to exercise matching.
func serverLike(fail map[string]string) func([]models.SyncMutation) (*models.SyncResponse, error) {
	return func(muts []models.SyncMutation) (*models.SyncResponse, error) {
		resp := &models.SyncResponse{}
		for i := len(muts) - 1; i >= 0; i-- {
			m := muts[i]
			r := models.SyncResult{Action: m.Action, Timestamp: m.Timestamp, Status: models.ResultOK}
			if msg, ok := fail[m.Action]; ok {
				r.Status = models.ResultError
				r.Error = msg
				resp.Failed++
			} else {
				resp.Synced++
			}
			resp.Results = append(resp.Results, r)
		}
		return resp, nil
	}
}

func TestBatchTransportChunksAndSettles(t *testing.T) {
	q := newTestQueue(t)
	for i := int64(1); i <= 5; i++ {
		enqueueAt(t, q, 10-i, "note", models.Payload{"n": i})
	}
	bad := enqueueAt(t, q, 20, "flaky", nil)
	gone := enqueueAt(t, q, 21, "ghost", nil)

	poster := &fakePoster{respond: serverLike(map[string]string{
		"flaky": "flaky: version conflict",
		"ghost": "unknown action: ghost",
	})}
	c := New(q, NewBatchTransport(poster, 3), NewSwitch(true), Options{})

	report, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Synced)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 1, report.Failed)

	require.Len(t, poster.batches, 3)
	assert.Len(t, poster.batches[0], 3)
	assert.Equal(t, int64(5), poster.batches[0][0].Timestamp)

	op, err := q.Get(context.Background(), bad)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, op.Status)
	assert.Equal(t, 1, op.Retries)

	op, err = q.Get(context.Background(), gone)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, op.Status)
	assert.Equal(t, 0, op.Retries)
}

func TestBatchRequestFailureReleasesChunk(t *testing.T) {
	q := newTestQueue(t)
	id := enqueueAt(t, q, 1, "note", nil)

	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	poster := &fakePoster{respond: func([]models.SyncMutation) (*models.SyncResponse, error) {
		return nil, &client.RateLimitError{}
	}}
	c := New(q, NewBatchTransport(poster, 0), NewSwitch(true), Options{
		Policy: RetryPolicy{InitialDelay: 10 * time.Second},
	})
	c.now = func() time.Time { return now }

	_, err := c.Drain(context.Background())
	require.Error(t, err)

	op, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, op.Status)
	assert.Equal(t, 0, op.Retries)

	_, err = c.Drain(context.Background())
	assert.ErrorIs(t, err, ErrBackoff)

	now = now.Add(11 * time.Second)
	_, err = c.Drain(context.Background())
	require.Error(t, err, "second refusal")
	now = now.Add(15 * time.Second)
	_, err = c.Drain(context.Background())
	assert.ErrorIs(t, err, ErrBackoff, "backoff doubles without a Retry-After hint")

	poster.respond = serverLike(nil)
	now = now.Add(10 * time.Second)
	report, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
}

func TestBatchShrinksToServerLimit(t *testing.T) {
	q := newTestQueue(t)
	for i := int64(1); i <= 30; i++ {
		enqueueAt(t, q, 100-i, "note", models.Payload{"n": i})
	}

	accept := serverLike(nil)
	poster := &fakePoster{respond: func(muts []models.SyncMutation) (*models.SyncResponse, error) {
		if len(muts) > 20 {
			return nil, &client.ValidationError{Message: fmt.Sprintf(models.BatchTooLargeFmt, 20)}
		}
		return accept(muts)
	}}
	transport := NewBatchTransport(poster, 50)
	c := New(q, transport, NewSwitch(true), Options{})

	report, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30, report.Synced)
	assert.False(t, report.StoppedEarly)
	assert.Equal(t, 20, transport.BatchSize())

	require.Len(t, poster.batches, 3)
	assert.Len(t, poster.batches[0], 30, "first attempt is refused whole")
	assert.Len(t, poster.batches[1], 20)
	assert.Len(t, poster.batches[2], 10)
	assert.Equal(t, int64(70), poster.batches[1][0].Timestamp, "order survives re-chunking")

	st, err := q.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.Pending)
}

func TestBatchValidationErrorCountsAgainstOperations(t *testing.T) {
	q := newTestQueue(t)
	a := enqueueAt(t, q, 1, "note", nil)
	b := enqueueAt(t, q, 2, "note", nil)

	poster := &fakePoster{respond: func([]models.SyncMutation) (*models.SyncResponse, error) {
		return nil, &client.ValidationError{Message: "Invalid JSON body"}
	}}
	c := New(q, NewBatchTransport(poster, 50), NewSwitch(true), Options{Policy: RetryPolicy{MaxRetries: 2}})

	report, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Retried)

	report, err = c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)

	for _, id := range []string{a, b} {
		op, err := q.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, op.Status)
		require.NotNil(t, op.LastError)
		assert.Contains(t, *op.LastError, "Invalid JSON body")
	}

	_, err = c.Drain(context.Background())
	require.NoError(t, err)
	assert.Len(t, poster.batches, 2, "failed operations are not resent")
}

func TestBatchLimit(t *testing.T) {
	limit, ok := batchLimit("Batch size exceeds maximum of 20")
	assert.True(t, ok)
	assert.Equal(t, 20, limit)

	_, ok = batchLimit("mutations must be a non-empty array")
	assert.False(t, ok)
	_, ok = batchLimit("Batch size exceeds maximum of 0")
	assert.False(t, ok)
}

func TestBatchUnauthorizedDoesNotCountRetry(t *testing.T) {
	q := newTestQueue(t)
	id := enqueueAt(t, q, 1, "note", nil)

	poster := &fakePoster{respond: func([]models.SyncMutation) (*models.SyncResponse, error) {
		return nil, client.ErrUnauthorized
	}}
	c := New(q, NewBatchTransport(poster, 50), NewSwitch(true), Options{})

	_, err := c.Drain(context.Background())
	assert.ErrorIs(t, err, client.ErrUnauthorized)

	op, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 0, op.Retries)
	assert.Equal(t, models.StatusPending, op.Status)
}

func TestMatchResults(t *testing.T) {
	ops := []models.QueuedOperation{
		{Action: "a", Timestamp: 1},
		{Action: "a", Timestamp: 1},
		{Action: "b", Timestamp: 2},
	}
	errs, err := matchResults(ops, []models.SyncResult{
		{Action: "b", Timestamp: 2, Status: models.ResultError, Error: "unknown action: b"},
		{Action: "a", Timestamp: 1, Status: models.ResultOK},
		{Action: "a", Timestamp: 1, Status: models.ResultError},
	})
	require.NoError(t, err)
	assert.NoError(t, errs[0])
	assert.EqualError(t, errs[1], "rejected by server")
	assert.ErrorIs(t, errs[2], dispatch.ErrUnknownAction)

	_, err = matchResults(ops, nil)
	assert.ErrorIs(t, err, ErrMalformedResponse)

	_, err = matchResults(ops[:1], []models.SyncResult{{Action: "z", Timestamp: 1}})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestNewBatchTransportClampsSize(t *testing.T) {
	assert.Equal(t, 50, NewBatchTransport(nil, 0).BatchSize())
	assert.Equal(t, 50, NewBatchTransport(nil, 500).BatchSize())
	assert.Equal(t, 10, NewBatchTransport(nil, 10).BatchSize())
	assert.Equal(t, 1, NewDirectTransport(nil).BatchSize())
}

func TestRequestLevelClassification(t *testing.T) {
	assert.True(t, requestLevel(&client.RateLimitError{}))
	assert.True(t, requestLevel(errors.Join(client.ErrUnauthorized)))
	assert.False(t, requestLevel(errors.New("boom")))
	assert.False(t, requestLevel(nil))
}
