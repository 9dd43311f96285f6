// Package client calls the fieldsync server: per-action endpoints for the
// direct replay path and POST /sync for batches.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fieldsync/internal/models"
	"fieldsync/internal/registry"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	pingTimeout  = 5 * time.Second
	actionsPath  = "/api/v1/actions"
	actionsCache = "fieldsync:actions"
)

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	apiExtra   string
	httpClient *http.Client
	limiter    *rate.Limiter

	redis    *redis.Client
	cacheTTL time.Duration
}

// New constructs a client with baseURL, API key and extra header. Requests
// carry no client-wide timeout: the caller's context bounds each call.
func New(baseURL, apiKey, apiExtra string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiExtra:   apiExtra,
		httpClient: &http.Client{},
	}
}

// WithRateLimit paces outbound requests. rps <= 0 disables pacing.
func (c *Client) WithRateLimit(rps float64, burst int) *Client {
	if rps <= 0 {
		c.limiter = nil
		return c
	}
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	return c
}

// UseRedisCache configures optional Redis caching for the action listing.
func (c *Client) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

// Do runs one action on the server and returns its raw result.
func (c *Client) Do(ctx context.Context, action string, payload models.Payload) (json.RawMessage, error) {
	if payload == nil {
		payload = models.Payload{}
	}
	endpoint := fmt.Sprintf("%s%s/%s", c.baseURL, actionsPath, url.PathEscape(action))
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := c.doPost(ctx, endpoint, payload, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// PostBatch submits mutations to POST /sync.
func (c *Client) PostBatch(ctx context.Context, mutations []models.SyncMutation) (*models.SyncResponse, error) {
	var resp models.SyncResponse
	if err := c.doPost(ctx, c.baseURL+"/sync", models.SyncRequest{Mutations: mutations}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ping checks GET /healthz. Without a deadline on ctx it gives up after
// pingTimeout.
func (c *Client) Ping(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pingTimeout)
		defer cancel()
	}
	return c.doGet(ctx, c.baseURL+"/healthz", nil)
}

// ListActions returns the action names the server dispatches.
func (c *Client) ListActions(ctx context.Context) ([]string, error) {
	var wrap struct {
		Actions []string `json:"actions"`
	}
	if c.readCache(ctx, actionsCache, &wrap) {
		return wrap.Actions, nil
	}
	if err := c.doGet(ctx, c.baseURL+actionsPath, &wrap); err != nil {
		return nil, err
	}
	c.writeCache(ctx, actionsCache, wrap)
	return wrap.Actions, nil
}

// RegisterActions binds each action to a handler that replays it through
// the server's per-action endpoint.
func RegisterActions(reg *registry.Registry, c *Client, actions ...string) {
	for _, action := range actions {
		name := action
		reg.Register(name, func(ctx context.Context, payload models.Payload) error {
			_, err := c.Do(ctx, name, payload)
			return err
		})
	}
}

func (c *Client) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(val, out) == nil
}

func (c *Client) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.cacheTTL).Err()
}

func (c *Client) doGet(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	c.addHeaders(req)
	return c.do(req, out)
}

func (c *Client) doPost(ctx context.Context, endpoint string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return statusError(resp, body, time.Now())
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) addHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if c.apiExtra != "" {
		req.Header.Set("x-api-extra", c.apiExtra)
	}
}
