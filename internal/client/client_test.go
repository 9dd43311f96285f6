package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fieldsync/internal/api"
	"fieldsync/internal/config"
	"fieldsync/internal/dispatch"
	"fieldsync/internal/models"
	"fieldsync/internal/ratelimit"
	"fieldsync/internal/registry"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAPIServer(t *testing.T, d *dispatch.Dispatcher) *httptest.Server {
	t.Helper()
	cfg := &config.APIConfig{
		Auth: config.APIAuthConfig{
			Enabled: true,
			APIKeys: []config.APIClientKey{{Key: "k", Extra: "e", Name: "tablet"}},
		},
		Sync: config.APISyncConfig{MaxBatchSize: 50, RateLimitRequests: 20, RateLimitWindow: 60},
	}
	srv := api.NewHTTPServer(cfg, d, ratelimit.NewMemoryLimiter(), nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func echoDispatcher() *dispatch.Dispatcher {
	d := dispatch.New()
	d.Register("echo", func(_ context.Context, p models.Payload) (any, error) {
		return p, nil
	})
	d.Register("reject", func(context.Context, models.Payload) (any, error) {
		return nil, errors.New("version conflict")
	})
	return d
}

func TestDoAgainstServer(t *testing.T) {
	ts := newAPIServer(t, echoDispatcher())
	c := New(ts.URL+"/", "k", "e")

	raw, err := c.Do(context.Background(), "echo", models.Payload{"id": "x1"})
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "x1", got["id"])

	_, err = c.Do(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, dispatch.ErrUnknownAction)

	_, err = c.Do(context.Background(), "reject", nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.Code)
	assert.Contains(t, statusErr.Message, "version conflict")
}

func TestUnauthorized(t *testing.T) {
	ts := newAPIServer(t, echoDispatcher())
	c := New(ts.URL, "k", "wrong")

	_, err := c.Do(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.PostBatch(context.Background(), []models.SyncMutation{{Action: "echo", Timestamp: 1}})
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.NoError(t, c.Ping(context.Background()), "health stays open")
}

func TestPostBatch(t *testing.T) {
	ts := newAPIServer(t, echoDispatcher())
	c := New(ts.URL, "k", "e")

	resp, err := c.PostBatch(context.Background(), []models.SyncMutation{
		{Action: "echo", Payload: models.Payload{"n": 2}, Timestamp: 20},
		{Action: "reject", Timestamp: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Synced)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, int64(10), resp.Results[0].Timestamp)
	assert.Equal(t, models.ResultError, resp.Results[0].Status)

	_, err = c.PostBatch(context.Background(), nil)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "mutations must be a non-empty array", vErr.Message)
}

func TestSlowBatchBoundOnlyByContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		writeSyncOK(w, r)
	}))
	t.Cleanup(ts.Close)

	c := New(ts.URL, "", "")
	assert.Zero(t, c.httpClient.Timeout, "the replay deadline comes from the caller")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.PostBatch(ctx, []models.SyncMutation{{Action: "echo", Timestamp: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Synced)

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err = c.PostBatch(short, []models.SyncMutation{{Action: "echo", Timestamp: 1}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func writeSyncOK(w http.ResponseWriter, r *http.Request) {
	var req models.SyncRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	resp := models.SyncResponse{}
	for _, m := range req.Mutations {
		resp.Results = append(resp.Results, models.SyncResult{Action: m.Action, Timestamp: m.Timestamp, Status: models.ResultOK})
		resp.Synced++
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func TestRateLimitErrorCarriesRetryAfter(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"Rate limit exceeded. Try again later."}`))
	}))
	t.Cleanup(ts.Close)

	_, err := New(ts.URL, "", "").PostBatch(context.Background(), []models.SyncMutation{{Action: "a"}})
	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, 42*time.Second, rlErr.RetryAfter)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
}

func TestRegisterActionsReplaysThroughServer(t *testing.T) {
	seen := make(chan string, 1)
	d := dispatch.New()
	d.Register("createLog", func(_ context.Context, p models.Payload) (any, error) {
		seen <- p.GetString("id")
		return nil, nil
	})
	ts := newAPIServer(t, d)

	reg := registry.New()
	RegisterActions(reg, New(ts.URL, "k", "e"), "createLog", "deleteLog")
	assert.Equal(t, []string{"createLog", "deleteLog"}, reg.Actions())

	require.NoError(t, reg.Call(context.Background(), "createLog", models.Payload{"id": "log-1"}))
	assert.Equal(t, "log-1", <-seen)

	err := reg.Call(context.Background(), "deleteLog", models.Payload{"id": "log-1"})
	assert.ErrorIs(t, err, dispatch.ErrUnknownAction)
}

func TestListActionsCachedInRedis(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"actions":["a","b"]}`))
	}))
	t.Cleanup(ts.Close)

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	c := New(ts.URL, "", "")
	c.UseRedisCache(rc, time.Minute)

	for i := 0; i < 3; i++ {
		actions, err := c.ListActions(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, actions)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestOutboundPacingHonoursContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(ts.Close)

	c := New(ts.URL, "", "").WithRateLimit(0.001, 1)
	require.NoError(t, c.Ping(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Ping(ctx), "second call must wait far longer than the deadline")
}
