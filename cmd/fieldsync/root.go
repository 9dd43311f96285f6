package main

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"fieldsync/internal/client"
	"fieldsync/internal/config"
	"fieldsync/internal/fieldops"
	"fieldsync/internal/logging"
	"fieldsync/internal/queue"
	"fieldsync/internal/ratelimit"
	"fieldsync/internal/registry"
	"fieldsync/internal/syncer"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := newCommandContext(&configFlag)

	root := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Queue field operations offline and replay them to the server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.close()
		},
	}
	root.PersistentFlags().StringVarP(&configFlag, "config", "c", defaultConfigPath(), "Configuration file path")

	root.AddCommand(newEnqueueCommand(ctx))
	root.AddCommand(newStatusCommand(ctx))
	root.AddCommand(newListCommand(ctx))
	root.AddCommand(newFailedCommand(ctx))
	root.AddCommand(newRequeueCommand(ctx))
	root.AddCommand(newDiscardCommand(ctx))
	root.AddCommand(newDrainCommand(ctx))
	root.AddCommand(newRunCommand(ctx))
	root.AddCommand(newActionsCommand(ctx))

	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	logger     zerolog.Logger
	logCloser  io.Closer
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load(strings.TrimSpace(*c.configFlag))
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.ValidateClient(); err != nil {
			c.configErr = err
			return
		}
		logger, closer, err := logging.New(cfg.Logging, cfg.App)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.logger = logger.With().Str("component", "cli").Logger()
		c.logCloser = closer
	})
	return c.config, c.configErr
}

func (c *commandContext) close() {
	if c.logCloser != nil {
		_ = c.logCloser.Close()
	}
}

// withStore opens the queue for the duration of fn. It works alongside a
// running `fieldsync run`.
func (c *commandContext) withStore(fn func(cfg *config.Config, store *queue.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := queue.Open(cfg.Client.QueuePath, &c.logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

// withOwnedStore is withStore for commands that replay: only one process at a
// time may drain the queue.
func (c *commandContext) withOwnedStore(fn func(cfg *config.Config, store *queue.Store) error) error {
	return c.withStore(func(cfg *config.Config, store *queue.Store) error {
		if err := store.Acquire(); err != nil {
			return err
		}
		return fn(cfg, store)
	})
}

func (c *commandContext) newClient(cfg *config.Config) *client.Client {
	cl := client.New(cfg.Client.ServerURL, cfg.Client.APIKey, cfg.Client.APIExtra).
		WithRateLimit(cfg.Client.OutboundRPS, 1)
	if cfg.Redis.Address != "" {
		cl.UseRedisCache(ratelimit.NewRedisClient(cfg.Redis), 5*time.Minute)
	}
	return cl
}

// newRegistry binds the known field actions plus whatever the server
// advertises when it is reachable.
func (c *commandContext) newRegistry(ctx context.Context, cl *client.Client) *registry.Registry {
	reg := registry.New()
	client.RegisterActions(reg, cl, fieldops.Actions()...)

	listCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if remote, err := cl.ListActions(listCtx); err == nil {
		client.RegisterActions(reg, cl, remote...)
	} else {
		c.logger.Debug().Err(err).Msg("server action list unavailable")
	}
	return reg
}

func (c *commandContext) newTransport(ctx context.Context, cfg *config.Config, cl *client.Client) syncer.Transport {
	if cfg.Client.Transport == config.TransportBatch {
		return syncer.NewBatchTransport(cl, cfg.API.Sync.MaxBatchSize)
	}
	return syncer.NewDirectTransport(c.newRegistry(ctx, cl))
}

func retryPolicy(cfg *config.Config) syncer.RetryPolicy {
	return syncer.RetryPolicy{
		MaxRetries:     cfg.Client.MaxRetries,
		HandlerTimeout: time.Duration(cfg.Client.HandlerTimeout) * time.Second,
		InitialDelay:   time.Duration(cfg.Client.BackoffInitial) * time.Second,
		MaxDelay:       time.Duration(cfg.Client.BackoffMax) * time.Second,
	}
}
