package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/dispatch"
	"fieldsync/internal/ratelimit"

	"github.com/rs/zerolog"
)

// Pinger reports backend readiness.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HTTPServer exposes the sync endpoints.
type HTTPServer struct {
	cfg        *config.APIConfig
	dispatcher *dispatch.Dispatcher
	window     ratelimit.Limiter
	health     Pinger
	server     *http.Server
	auth       *HTTPAuth
	log        zerolog.Logger
	now        func() time.Time
}

func NewHTTPServer(
	cfg *config.APIConfig,
	dispatcher *dispatch.Dispatcher,
	window ratelimit.Limiter,
	health Pinger,
	logger *zerolog.Logger,
) *HTTPServer {
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "http").Logger()
	}
	if window == nil {
		window = ratelimit.NewMemoryLimiter()
	}

	srv := &HTTPServer{
		cfg:        cfg,
		dispatcher: dispatcher,
		window:     window,
		health:     health,
		log:        log,
		now:        time.Now,
	}
	srv.auth = NewHTTPAuth(cfg, log)

	mux := http.NewServeMux()
	mux.HandleFunc(pathSync, srv.handleSync)
	mux.HandleFunc(pathActions, srv.handleListActions)
	mux.HandleFunc(pathActions+"/", srv.handleAction)
	mux.HandleFunc(pathHealthz, srv.handleHealthz)
	mux.HandleFunc(pathReadyz, srv.handleReadyz)

	handler := loggingMiddleware(log, srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// a full batch dispatches up to max_batch_size domain calls
		WriteTimeout: 60 * time.Second,
	}

	return srv
}

const (
	pathSync    = "/sync"
	pathActions = "/api/v1/actions"
	pathHealthz = "/healthz"
	pathReadyz  = "/readyz"
)

// Handler returns the fully wrapped handler, used by tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Addr() string {
	return s.server.Addr
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.PingContext(ctx); err != nil {
			s.log.Warn().Err(err).Msg("readiness check failed")
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
