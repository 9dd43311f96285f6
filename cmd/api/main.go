package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldsync/internal/api"
	"fieldsync/internal/config"
	"fieldsync/internal/database"
	"fieldsync/internal/dispatch"
	"fieldsync/internal/fieldops"
	"fieldsync/internal/logging"
	"fieldsync/internal/metrics"
	"fieldsync/internal/ratelimit"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultConfigPath = "configs/config.yaml"
	shutdownTimeout   = 10 * time.Second
)

// app holds the server's long-lived resources in the order they were opened.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	db      *database.DB
	redis   *redis.Client
	cleanup []func()
}

func main() {
	a, err := bootstrap(configPath())
	if err != nil {
		log.Fatalf("fieldsync api: %v", err)
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.serve(ctx); err != nil {
		a.logger.Error().Err(err).Msg("server exited")
		a.close()
		os.Exit(1)
	}
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return defaultConfigPath
}

func bootstrap(path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	base, logCloser, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &app{cfg: cfg, logger: base.With().Str("component", "api-main").Logger()}
	if logCloser != nil {
		a.onClose(func() { _ = logCloser.Close() })
	}

	a.db, err = database.NewDB(cfg.Database.Path, &a.logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	a.onClose(func() { _ = a.db.Close() })

	a.redis = a.connectRedis()
	if a.redis != nil {
		a.onClose(func() { _ = a.redis.Close() })
	}
	return a, nil
}

func (a *app) onClose(fn func()) {
	a.cleanup = append(a.cleanup, fn)
}

// close releases resources in reverse order. Safe to call twice.
func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

// connectRedis returns nil when Redis is not configured or not reachable;
// the sync window then lives in process memory.
func (a *app) connectRedis() *redis.Client {
	if a.cfg.Redis.Address == "" {
		return nil
	}
	client := ratelimit.NewRedisClient(a.cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ratelimit.Ping(ctx, client); err != nil {
		a.logger.Warn().Err(err).Msg("redis unavailable, using in-memory rate limits")
		_ = client.Close()
		return nil
	}
	a.logger.Info().Str("addr", a.cfg.Redis.Address).Msg("redis connected")
	return client
}

func (a *app) limiter() ratelimit.Limiter {
	memory := ratelimit.NewMemoryLimiter()
	if a.redis == nil {
		return memory
	}
	return ratelimit.NewFailoverLimiter(ratelimit.NewRedisLimiter(a.redis), memory, &a.logger)
}

func (a *app) serve(ctx context.Context) error {
	dispatcher := dispatch.New()
	fieldops.NewService(a.db).Register(dispatcher)
	a.logger.Info().Strs("actions", dispatcher.Actions()).Msg("dispatcher ready")

	srv := api.NewHTTPServer(&a.cfg.API, dispatcher, a.limiter(), a.db, &a.logger)

	if a.cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		go a.serveMetrics(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	a.logger.Info().Str("addr", srv.Addr()).Msg("API server started")

	select {
	case <-ctx.Done():
		a.logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("graceful shutdown incomplete")
	}
	a.logger.Info().Msg("API server stopped")
	return nil
}

func (a *app) serveMetrics(ctx context.Context) {
	port := a.cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(stopCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error().Err(err).Msg("metrics server error")
	}
}
