package events

import (
	"bytes"
	"errors"
	"testing"

	"fieldsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus(nil)

	var received *Event
	var callCount int

	bus.Subscribe(EventOperationSynced, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	err := bus.PublishJSON(EventOperationSynced, OperationEventPayload{ID: "op-1", Action: "createLog", Timestamp: 100})
	require.NoError(t, err)

	assert.Equal(t, 1, callCount)
	require.NotNil(t, received)
	assert.Equal(t, EventOperationSynced, received.Type)
	assert.False(t, received.CreatedAt.IsZero())

	var decoded OperationEventPayload
	require.NoError(t, received.Decode(&decoded))
	assert.Equal(t, "op-1", decoded.ID)
	assert.Equal(t, int64(100), decoded.Timestamp)
}

func TestEventBusWildcardAndCancel(t *testing.T) {
	bus := NewEventBus(nil)
	var drains, all int

	cancel := bus.Subscribe(EventDrainCompleted, func(_ *Event) error { drains++; return nil })
	bus.Subscribe(AllEvents, func(_ *Event) error { all++; return nil })

	require.NoError(t, bus.PublishJSON(EventDrainCompleted, DrainEventPayload{Synced: 2, Status: models.QueueStatus{Pending: 1}}))
	require.NoError(t, bus.PublishJSON(EventQueueStatus, models.QueueStatus{}))
	assert.Equal(t, 1, drains)
	assert.Equal(t, 2, all, "wildcard sees every event")

	cancel()
	require.NoError(t, bus.PublishJSON(EventDrainCompleted, DrainEventPayload{}))
	assert.Equal(t, 1, drains, "cancelled handler is not called")
	assert.Equal(t, 3, all)
}

func TestFailingHandlersDoNotStopDelivery(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	bus := NewEventBus(&logger)

	delivered := false
	bus.Subscribe(EventOperationFailed, func(_ *Event) error { return errors.New("sink offline") })
	bus.Subscribe(EventOperationFailed, func(_ *Event) error { panic("boom") })
	bus.Subscribe(EventOperationFailed, func(_ *Event) error { delivered = true; return nil })

	require.NoError(t, bus.PublishJSON(EventOperationFailed, OperationEventPayload{ID: "op-2"}))
	assert.True(t, delivered)
	assert.Contains(t, buf.String(), "sink offline")
	assert.Contains(t, buf.String(), "event handler panicked")
}

func TestNilBusPublish(t *testing.T) {
	var bus *EventBus
	assert.NoError(t, bus.PublishJSON(EventQueueStatus, nil))
	bus.Publish(&Event{Type: EventQueueStatus})
}

func TestPublishJSONError(t *testing.T) {
	bus := NewEventBus(nil)
	err := bus.PublishJSON(EventQueueStatus, make(chan int))
	assert.ErrorContains(t, err, EventQueueStatus)
}
