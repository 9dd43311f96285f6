package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fieldsync/internal/dispatch"
)

// ErrUnauthorized means the server rejected the credentials (401 or 403).
var ErrUnauthorized = errors.New("unauthorized")

// ValidationError is a 400 rejection of the whole request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Message
}

// RateLimitError is a 429. RetryAfter is zero when the server sent no hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// StatusError covers every other non-2xx answer.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

func statusError(resp *http.Response, body []byte, now time.Time) error {
	msg := errorMessage(body)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case http.StatusBadRequest:
		return &ValidationError{Message: msg}
	case http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now)}
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", dispatch.ErrUnknownAction, msg)
	default:
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
}

func errorMessage(body []byte) string {
	var wrap struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &wrap) == nil && wrap.Error != "" {
		return wrap.Error
	}
	return strings.TrimSpace(string(body))
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
