package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"fieldsync/internal/dispatch"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
)

const maxActionBodyBytes = 1 << 20

func (s *HTTPServer) handleListActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": s.dispatcher.Actions()})
}

// handleAction runs a single operation: POST /api/v1/actions/{action}.
func (s *HTTPServer) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	action := strings.TrimPrefix(r.URL.Path, pathActions+"/")
	action = strings.Trim(action, "/")
	if action == "" || strings.Contains(action, "/") {
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxActionBodyBytes)
	payload := models.Payload{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), action, payload)
	var domainErr *dispatch.DomainError
	switch {
	case err == nil:
		metrics.IncDispatched(action, models.ResultOK)
		writeJSON(w, http.StatusOK, models.ActionResponse{Result: result})
	case isUnknownAction(err):
		metrics.IncDispatched("unknown", models.ResultError)
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &domainErr):
		metrics.IncDispatched(action, models.ResultError)
		s.log.Warn().Err(err).Str("action", action).Msg("action failed")
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		metrics.IncDispatched(action, models.ResultError)
		s.log.Error().Err(err).Str("action", action).Msg("action dispatch error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
