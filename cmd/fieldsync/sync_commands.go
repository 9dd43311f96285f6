package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/events"
	"fieldsync/internal/metrics"
	"fieldsync/internal/queue"
	"fieldsync/internal/syncer"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newDrainCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run one replay pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withOwnedStore(func(cfg *config.Config, store *queue.Store) error {
				cl := ctx.newClient(cfg)
				watcher := syncer.NewHealthWatcher(cl, time.Duration(cfg.Client.HealthCheckInterval)*time.Second, &ctx.logger)
				if !watcher.Check(cmd.Context()) {
					return fmt.Errorf("server %s unreachable: %w", cfg.Client.ServerURL, syncer.ErrOffline)
				}
				if n, err := store.RecoverSyncing(cmd.Context()); err == nil && n > 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "Recovered %d interrupted operations\n", n)
				}

				controller := syncer.New(store, ctx.newTransport(cmd.Context(), cfg, cl), watcher, syncer.Options{
					Policy: retryPolicy(cfg),
					Logger: &ctx.logger,
				})
				report, err := controller.Drain(cmd.Context())
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Synced %d, retrying %d, failed %d", report.Synced, report.Retried, report.Failed)
				if report.StoppedEarly {
					fmt.Fprint(cmd.OutOrStdout(), " (stopped early)")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\nPending %d, failed total %d\n", report.Status.Pending, report.Status.Failed)
				return nil
			})
		},
	}
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch connectivity and replay the queue until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return ctx.withOwnedStore(func(cfg *config.Config, store *queue.Store) error {
				cl := ctx.newClient(cfg)
				watcher := syncer.NewHealthWatcher(cl, time.Duration(cfg.Client.HealthCheckInterval)*time.Second, &ctx.logger)
				go watcher.Run(runCtx)

				bus := events.NewEventBus(&ctx.logger)
				bus.Subscribe(events.EventOperationFailed, func(e *events.Event) error {
					var p events.OperationEventPayload
					if err := e.Decode(&p); err != nil {
						return err
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "operation %s (%s) failed: %s\n", p.ID, p.Action, p.Error)
					return nil
				})

				if cfg.Monitoring.PrometheusEnabled {
					metrics.Register()
					go serveMetrics(runCtx, cfg.Monitoring.PrometheusPort, ctx)
				}

				controller := syncer.New(store, ctx.newTransport(runCtx, cfg, cl), watcher, syncer.Options{
					PollInterval: time.Duration(cfg.Client.PollInterval) * time.Second,
					Policy:       retryPolicy(cfg),
					Bus:          bus,
					Logger:       &ctx.logger,
				})
				if err := controller.Start(runCtx); err != nil {
					return err
				}
				<-runCtx.Done()
				controller.Stop()

				st := controller.Status()
				fmt.Fprintf(cmd.OutOrStdout(), "Stopped with %d pending, %d failed\n", st.Pending, st.Failed)
				return nil
			})
		},
	}
}

func newActionsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List the actions the server dispatches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			actions, err := ctx.newClient(cfg).ListActions(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(actions, "\n"))
			return nil
		},
	}
}

func serveMetrics(ctx context.Context, port int, cc *commandContext) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cc.logger.Error().Err(err).Msg("metrics server error")
	}
}
