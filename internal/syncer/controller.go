// Package syncer replays the durable operation queue against the server
// whenever the client is online.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"fieldsync/internal/client"
	"fieldsync/internal/events"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
)

var (
	ErrDrainInProgress   = errors.New("drain already in progress")
	ErrOffline           = errors.New("offline")
	ErrBackoff           = errors.New("server asked to back off")
	ErrAlreadyStarted    = errors.New("controller already started")
	ErrMalformedResponse = errors.New("malformed sync response")
)

// State is the controller's lifecycle state.
type State string

const (
	StateOffline  State = "offline"
	StateIdle     State = "online-idle"
	StateDraining State = "draining"
)

// Queue is the part of queue.Store the controller drives.
type Queue interface {
	ListPending(ctx context.Context) ([]models.QueuedOperation, error)
	SetStatus(ctx context.Context, id string, status models.OperationStatus, errMsg string) (int, error)
	Remove(ctx context.Context, id string) error
	Release(ctx context.Context, ids ...string) error
	RecoverSyncing(ctx context.Context) (int, error)
	Summary(ctx context.Context) (models.QueueStatus, error)
}

// DrainReport summarizes one pass.
type DrainReport struct {
	Attempted    int
	Synced       int
	Retried      int
	Failed       int
	Skipped      int
	StoppedEarly bool
	Status       models.QueueStatus
	Duration     time.Duration
}

type Options struct {
	PollInterval time.Duration
	Policy       RetryPolicy
	Bus          *events.EventBus
	Logger       *zerolog.Logger
}

// Controller is the only writer of operation status.
type Controller struct {
	queue     Queue
	transport Transport
	conn      Connectivity
	policy    RetryPolicy
	bus       *events.EventBus
	log       zerolog.Logger
	poll      time.Duration
	now       func() time.Time

	draining atomic.Bool

	mu          sync.Mutex
	state       State
	status      models.QueueStatus
	holdUntil   time.Time
	rateLimited int
	cancel      context.CancelFunc
	done        chan struct{}
}

func New(q Queue, t Transport, conn Connectivity, opts Options) *Controller {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "sync-controller").Logger()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Duration(models.DefaultPollInterval) * time.Second
	}

	state := StateOffline
	if conn.Online() {
		state = StateIdle
	}

	return &Controller{
		queue:     q,
		transport: t,
		conn:      conn,
		policy:    opts.Policy.withDefaults(),
		bus:       opts.Bus,
		log:       log,
		poll:      poll,
		now:       time.Now,
		state:     state,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("state changed")
	}
}

// Status returns the last published summary with live connectivity.
func (c *Controller) Status() models.QueueStatus {
	c.mu.Lock()
	st := c.status
	c.mu.Unlock()
	st.IsOnline = c.conn.Online()
	return st
}

// Refresh recomputes the summary from the queue and publishes it.
func (c *Controller) Refresh(ctx context.Context) (models.QueueStatus, error) {
	st, err := c.queue.Summary(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("queue unavailable, keeping last status")
		return c.Status(), err
	}
	st.IsOnline = c.conn.Online()

	c.mu.Lock()
	c.status = st
	c.mu.Unlock()

	metrics.SetQueueDepth(st.Pending, st.Failed)
	c.publish(events.EventQueueStatus, st)
	return st, nil
}

// Start recovers interrupted operations and runs the trigger loop until
// ctx is done or Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	c.mu.Unlock()

	if n, err := c.queue.RecoverSyncing(ctx); err != nil {
		c.log.Warn().Err(err).Msg("recover syncing operations")
	} else if n > 0 {
		c.log.Info().Int("count", n).Msg("released operations interrupted by a previous run")
	}
	_, _ = c.Refresh(ctx)

	go c.loop(ctx, done)
	return nil
}

// Stop cancels the loop and waits for it. An in-flight replay is
// cancelled and its operations go back to pending. The controller can be
// started again afterwards.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// clearRun forgets the run that owns done, whether it ended through Stop or
// through the parent context.
func (c *Controller) clearRun(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != done {
		return
	}
	c.cancel()
	c.cancel, c.done = nil, nil
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.clearRun(done)
	c.log.Info().Dur("poll_interval", c.poll).Msg("sync controller started")
	defer c.log.Info().Msg("sync controller stopped")

	if c.conn.Online() {
		c.setState(StateIdle)
		c.trigger(ctx, "startup")
	} else {
		c.setState(StateOffline)
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case online := <-c.conn.Changes():
			c.publish(events.EventConnectivity, map[string]bool{"online": online})
			if !online {
				c.log.Info().Msg("connectivity lost")
				c.setState(StateOffline)
				_, _ = c.Refresh(ctx)
				continue
			}
			c.log.Info().Msg("connectivity restored")
			c.setState(StateIdle)
			c.trigger(ctx, "reconnect")
		case <-ticker.C:
			if !c.conn.Online() {
				continue
			}
			st, err := c.queue.Summary(ctx)
			if err != nil {
				c.log.Warn().Err(err).Msg("queue unavailable")
				continue
			}
			if st.Pending > 0 {
				c.trigger(ctx, "tick")
			}
		}
	}
}

func (c *Controller) trigger(ctx context.Context, reason string) {
	report, err := c.Drain(ctx)
	switch {
	case err == nil:
		if report.Attempted > 0 {
			c.log.Info().
				Str("reason", reason).
				Int("synced", report.Synced).
				Int("retried", report.Retried).
				Int("failed", report.Failed).
				Bool("stopped_early", report.StoppedEarly).
				Dur("duration", report.Duration).
				Msg("drain pass finished")
		}
	case errors.Is(err, ErrDrainInProgress), errors.Is(err, ErrOffline), errors.Is(err, ErrBackoff):
		c.log.Debug().Err(err).Str("reason", reason).Msg("drain skipped")
	case errors.Is(err, context.Canceled):
	default:
		c.log.Error().Err(err).Str("reason", reason).Msg("drain pass failed")
	}
}

// Drain runs one pass over the queue. Only one pass runs at a time.
func (c *Controller) Drain(ctx context.Context) (DrainReport, error) {
	if !c.conn.Online() {
		return DrainReport{}, ErrOffline
	}
	if wait := c.holdRemaining(); wait > 0 {
		return DrainReport{}, fmt.Errorf("%w for %s", ErrBackoff, wait.Round(time.Second))
	}
	if !c.draining.CompareAndSwap(false, true) {
		return DrainReport{}, ErrDrainInProgress
	}
	defer c.draining.Store(false)

	c.setState(StateDraining)
	start := c.now()
	report, err := c.pass(ctx)
	report.Duration = c.now().Sub(start)

	// bookkeeping outlives a cancelled caller
	st, _ := c.Refresh(context.WithoutCancel(ctx))
	report.Status = st

	if c.conn.Online() {
		c.setState(StateIdle)
	} else {
		c.setState(StateOffline)
	}

	switch {
	case err != nil:
		metrics.IncDrainPass("error")
	case report.StoppedEarly:
		metrics.IncDrainPass("stopped")
	default:
		metrics.IncDrainPass("completed")
	}
	c.publish(events.EventDrainCompleted, events.DrainEventPayload{
		Attempted:    report.Attempted,
		Synced:       report.Synced,
		Retried:      report.Retried,
		Failed:       report.Failed,
		StoppedEarly: report.StoppedEarly,
		Status:       report.Status,
		Duration:     report.Duration,
	})
	return report, err
}

// replayOrder drops failed operations and sorts the rest by timestamp.
// The input is in insertion order, so ties keep it.
func replayOrder(ops []models.QueuedOperation) []models.QueuedOperation {
	out := make([]models.QueuedOperation, 0, len(ops))
	for _, op := range ops {
		if op.Status != models.StatusFailed {
			out = append(out, op)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

func (c *Controller) pass(ctx context.Context) (DrainReport, error) {
	var report DrainReport

	ops, err := c.queue.ListPending(ctx)
	if err != nil {
		return report, fmt.Errorf("list pending: %w", err)
	}
	candidates := replayOrder(ops)
	report.Skipped = len(ops) - len(candidates)

	book := context.WithoutCancel(ctx)

	for start := 0; start < len(candidates); {
		if ctx.Err() != nil || !c.conn.Online() {
			report.StoppedEarly = true
			return report, nil
		}
		size := max(1, c.transport.BatchSize())
		chunk := candidates[start:min(start+size, len(candidates))]

		ids := make([]string, 0, len(chunk))
		for _, op := range chunk {
			if _, err := c.queue.SetStatus(book, op.ID, models.StatusSyncing, ""); err != nil {
				c.release(book, ids)
				return report, fmt.Errorf("mark %s syncing: %w", op.ID, err)
			}
			ids = append(ids, op.ID)
		}

		callCtx, cancel := context.WithTimeout(ctx, c.policy.HandlerTimeout)
		results, err := c.transport.Replay(callCtx, chunk)
		cancel()

		if err == nil && len(results) != len(chunk) {
			err = fmt.Errorf("%w: %d results for %d operations", ErrMalformedResponse, len(results), len(chunk))
		}
		if errors.Is(err, ErrBatchTooLarge) && c.transport.BatchSize() < len(chunk) {
			c.release(book, ids)
			c.log.Warn().Err(err).Int("batch_size", c.transport.BatchSize()).Msg("server limit is lower, re-chunking")
			continue
		}
		if err != nil {
			c.release(book, ids)
			c.noteRequestFailure(err)
			report.StoppedEarly = true
			return report, fmt.Errorf("replay: %w", err)
		}
		c.clearHold()

		if ctx.Err() != nil {
			// failures caused by cancellation are not the operation's fault
			var unsettled []string
			for i, op := range chunk {
				if results[i] == nil {
					c.settle(book, op, nil, &report)
				} else {
					unsettled = append(unsettled, op.ID)
				}
			}
			c.release(book, unsettled)
			report.Attempted += len(chunk) - len(unsettled)
			report.StoppedEarly = true
			return report, ctx.Err()
		}

		for i, op := range chunk {
			c.settle(book, op, results[i], &report)
		}
		report.Attempted += len(chunk)
		start += len(chunk)
	}
	return report, nil
}

func (c *Controller) settle(ctx context.Context, op models.QueuedOperation, cause error, report *DrainReport) {
	payload := events.OperationEventPayload{
		ID:        op.ID,
		Action:    op.Action,
		Timestamp: op.Timestamp,
		Retries:   op.Retries,
	}

	if cause == nil {
		if err := c.queue.Remove(ctx, op.ID); err != nil {
			c.log.Error().Err(err).Str("id", op.ID).Msg("remove synced operation")
			return
		}
		report.Synced++
		metrics.IncReplay("synced")
		c.publish(events.EventOperationSynced, payload)
		return
	}

	payload.Error = cause.Error()
	if permanent(cause) || c.policy.Exhausted(op.Retries) {
		if _, err := c.queue.SetStatus(ctx, op.ID, models.StatusFailed, cause.Error()); err != nil {
			c.log.Error().Err(err).Str("id", op.ID).Msg("mark operation failed")
			return
		}
		report.Failed++
		metrics.IncReplay("failed")
		c.log.Warn().Err(cause).Str("id", op.ID).Str("action", op.Action).Int("retries", op.Retries).Msg("operation failed permanently")
		c.publish(events.EventOperationFailed, payload)
		return
	}

	retries, err := c.queue.SetStatus(ctx, op.ID, models.StatusPending, cause.Error())
	if err != nil {
		c.log.Error().Err(err).Str("id", op.ID).Msg("return operation to pending")
		return
	}
	report.Retried++
	payload.Retries = retries
	metrics.IncReplay("retry")
	c.log.Info().Err(cause).Str("id", op.ID).Str("action", op.Action).Int("retries", retries).Msg("operation will be retried")
	c.publish(events.EventOperationRetry, payload)
}

func (c *Controller) release(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := c.queue.Release(ctx, ids...); err != nil {
		c.log.Error().Err(err).Strs("ids", ids).Msg("release operations")
		return
	}
	metrics.IncReplay("released")
}

func (c *Controller) noteRequestFailure(err error) {
	var rl *client.RateLimitError
	if !errors.As(err, &rl) {
		if errors.Is(err, client.ErrUnauthorized) {
			c.log.Error().Err(err).Msg("server rejected credentials")
		}
		return
	}

	c.mu.Lock()
	c.rateLimited++
	wait := rl.RetryAfter
	if wait <= 0 {
		wait = c.policy.NextDelay(c.rateLimited)
	}
	c.holdUntil = c.now().Add(wait)
	c.mu.Unlock()

	c.log.Warn().Dur("wait", wait).Msg("server rate limit hit, holding drains")
}

func (c *Controller) clearHold() {
	c.mu.Lock()
	c.rateLimited = 0
	c.holdUntil = time.Time{}
	c.mu.Unlock()
}

func (c *Controller) holdRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holdUntil.IsZero() {
		return 0
	}
	return c.holdUntil.Sub(c.now())
}

func (c *Controller) publish(eventType string, payload any) {
	if err := c.bus.PublishJSON(eventType, payload); err != nil {
		c.log.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}
