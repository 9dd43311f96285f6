package events

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"fieldsync/internal/models"

	"github.com/rs/zerolog"
)

const (
	EventOperationSynced = "operation_synced"
	EventOperationRetry  = "operation_retry"
	EventOperationFailed = "operation_failed"
	EventDrainCompleted  = "drain_completed"
	EventConnectivity    = "connectivity_changed"
	EventQueueStatus     = "queue_status"
	AllEvents            = "*"
)

// OperationEventPayload describes the outcome of one replay attempt.
type OperationEventPayload struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
	Retries   int    `json:"retries"`
	Error     string `json:"error,omitempty"`
}

// DrainEventPayload summarizes a finished drain pass.
type DrainEventPayload struct {
	Attempted    int                `json:"attempted"`
	Synced       int                `json:"synced"`
	Retried      int                `json:"retried"`
	Failed       int                `json:"failed"`
	StoppedEarly bool               `json:"stopped_early"`
	Status       models.QueueStatus `json:"status"`
	Duration     time.Duration      `json:"duration"`
}

// Event is one published notification with a JSON payload.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the JSON payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event. A returned error is logged and does not
// stop delivery to other handlers.
type EventHandler func(event *Event) error

type subscription struct {
	id int
	fn EventHandler
}

// EventBus fans sync events out to in-process subscribers. Handlers run
// synchronously on the publishing goroutine.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID int
	log    zerolog.Logger
}

// NewEventBus constructs an empty bus. logger may be nil.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "events").Logger()
	}
	return &EventBus{subs: make(map[string][]subscription), log: l}
}

// Subscribe registers handler for eventType, or AllEvents, and returns a
// function that removes it.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, fn: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[eventType] = slices.DeleteFunc(b.subs[eventType], func(s subscription) bool { return s.id == id })
	}
}

// Publish delivers event to its type's subscribers, then to wildcard ones.
func (b *EventBus) Publish(event *Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	targets := slices.Concat(b.subs[event.Type], b.subs[AllEvents])
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	for _, s := range targets {
		b.deliver(s.fn, event)
	}
}

func (b *EventBus) deliver(fn EventHandler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event", event.Type).Interface("panic", r).Msg("event handler panicked")
		}
	}()
	if err := fn(event); err != nil {
		b.log.Warn().Err(err).Str("event", event.Type).Msg("event handler failed")
	}
}

// PublishJSON marshals payload and publishes it as eventType. A nil bus is
// a no-op.
func (b *EventBus) PublishJSON(eventType string, payload any) error {
	if b == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
