package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"fieldsync/internal/dispatch"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
)

const (
	maxSyncBodyBytes = 4 << 20

	msgInvalidJSON    = "Invalid JSON body"
	msgEmptyMutations = "mutations must be a non-empty array"
	msgRateLimited    = "Rate limit exceeded. Try again later."
	msgMissingAction  = "missing action"
)

var errBadMutations = errors.New(msgEmptyMutations)

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if !s.admitSync(w, r) {
		metrics.IncSyncBatch("rate_limited")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxSyncBodyBytes)
	items, err := decodeMutations(r)
	if err != nil {
		metrics.IncSyncBatch("rejected")
		if errors.Is(err, errBadMutations) {
			writeError(w, http.StatusBadRequest, msgEmptyMutations)
			return
		}
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	if len(items) == 0 {
		metrics.IncSyncBatch("rejected")
		writeError(w, http.StatusBadRequest, msgEmptyMutations)
		return
	}
	if limit := s.maxBatchSize(); len(items) > limit {
		metrics.IncSyncBatch("rejected")
		writeError(w, http.StatusBadRequest, fmt.Sprintf(models.BatchTooLargeFmt, limit))
		return
	}

	metrics.ObserveBatchSize(len(items))
	resp := s.processBatch(r, items)
	metrics.IncSyncBatch("processed")

	s.log.Info().
		Int("mutations", len(items)).
		Int("synced", resp.Synced).
		Int("failed", resp.Failed).
		Msg("sync batch processed")

	writeJSON(w, http.StatusOK, resp)
}

// admitSync applies the sliding window per client network identity.
// It writes the 429 response itself and reports whether to continue.
func (s *HTTPServer) admitSync(w http.ResponseWriter, r *http.Request) bool {
	limit := s.cfg.Sync.RateLimitRequests
	if limit <= 0 {
		limit = models.SyncRateLimitRequests
	}
	windowSec := s.cfg.Sync.RateLimitWindow
	if windowSec <= 0 {
		windowSec = models.SyncRateLimitWindow
	}
	window := time.Duration(windowSec) * time.Second

	key := "sync:" + clientAddress(r, s.cfg.HTTP.TrustProxy)
	decision, err := s.window.Allow(r.Context(), key, limit, window)
	if err != nil {
		// both backends down: serve rather than lock every client out
		s.log.Error().Err(err).Str("key", key).Msg("sync rate limiter unavailable")
		return true
	}

	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

	if decision.Allowed {
		return true
	}

	retryAfter := decision.RetryAfter(s.now())
	secs := int((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	h.Set("Retry-After", strconv.Itoa(secs))
	s.log.Warn().Str("key", key).Int("retry_after", secs).Msg("sync rate limit exceeded")
	writeError(w, http.StatusTooManyRequests, msgRateLimited)
	return false
}

func (s *HTTPServer) maxBatchSize() int {
	if s.cfg.Sync.MaxBatchSize > 0 {
		return s.cfg.Sync.MaxBatchSize
	}
	return models.DefaultMaxBatchSize
}

// batchItem is one element of mutations. err is set when the element itself
// is malformed; only that element is then rejected.
type batchItem struct {
	models.SyncMutation
	err error
}

// decodeMutations returns errBadMutations when the body is JSON but not an
// object carrying a mutations array.
func decodeMutations(r *http.Request) ([]batchItem, error) {
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, err
	}

	var envelope struct {
		Mutations json.RawMessage `json:"mutations"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errBadMutations
	}
	raw := bytes.TrimSpace(envelope.Mutations)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, errBadMutations
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, err
	}
	items := make([]batchItem, len(elems))
	for i, el := range elems {
		// on a type error Unmarshal still fills the fields it could
		if err := json.Unmarshal(el, &items[i].SyncMutation); err != nil {
			items[i].err = fmt.Errorf("invalid mutation: %w", err)
		}
	}
	return items, nil
}

// processBatch executes mutations in timestamp order, one at a time.
// A failing mutation is recorded and never stops the rest.
func (s *HTTPServer) processBatch(r *http.Request, items []batchItem) models.SyncResponse {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp < items[j].Timestamp
	})

	resp := models.SyncResponse{Results: make([]models.SyncResult, 0, len(items))}
	for _, item := range items {
		result := models.SyncResult{Action: item.Action, Timestamp: item.Timestamp, Status: models.ResultOK}

		err := item.err
		if err == nil {
			err = s.dispatchOne(r, item.SyncMutation)
		} else {
			metrics.IncDispatched("unknown", models.ResultError)
		}
		if err != nil {
			result.Status = models.ResultError
			result.Error = err.Error()
			resp.Failed++
		} else {
			resp.Synced++
		}
		resp.Results = append(resp.Results, result)
	}
	return resp
}

func (s *HTTPServer) dispatchOne(r *http.Request, m models.SyncMutation) error {
	if m.Action == "" {
		metrics.IncDispatched("unknown", models.ResultError)
		return errors.New(msgMissingAction)
	}

	label := m.Action
	if !s.dispatcher.Has(m.Action) {
		label = "unknown"
	}

	_, err := s.dispatcher.Dispatch(r.Context(), m.Action, m.Payload)
	if err != nil {
		metrics.IncDispatched(label, models.ResultError)
		s.log.Warn().Err(err).Str("action", m.Action).Int64("timestamp", m.Timestamp).Msg("mutation failed")
		return err
	}
	metrics.IncDispatched(label, models.ResultOK)
	return nil
}

func isUnknownAction(err error) bool {
	return errors.Is(err, dispatch.ErrUnknownAction)
}
