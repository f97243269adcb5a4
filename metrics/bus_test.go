package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus(4)
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.Publish(EventsAppendedMetric{Count: 3})

	select {
	case e := <-events:
		assert.Equal(t, EventsAppendedMetric{Count: 3}, e)
	case <-time.After(time.Second):
		t.Fatal("expected event was never delivered")
	}
}

func TestBus_PublishFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus(4)
	a, unsubA := bus.Subscribe()
	b, unsubB := bus.Subscribe()
	defer unsubA()
	defer unsubB()

	bus.Publish(ConcurrencyViolationMetric{})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber never received event")
		}
	}
}

func TestBus_PublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewBus(1)
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.Publish(ProcessingCycleMetric{})
	bus.Publish(ProcessingCycleMetric{}) // channel now full, should drop not block

	assert.Equal(t, uint64(1), bus.Dropped())
	<-events
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(4)
	events, unsubscribe := bus.Subscribe()
	unsubscribe()

	_, ok := <-events
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestBus_NewBus_DefaultsBufferSize(t *testing.T) {
	bus := NewBus(0)
	assert.Equal(t, 256, bus.bufferSize)
}

func TestBus_NoSubscribersIsSafe(t *testing.T) {
	bus := NewBus(4)
	assert.NotPanics(t, func() { bus.Publish(LeadershipMetric{InstanceID: "i1", IsLeader: true}) })
}

func TestLoggingSink_RunDrainsUntilClosed(t *testing.T) {
	bus := NewBus(4)
	events, unsubscribe := bus.Subscribe()
	sink := NewLoggingSink(nil)

	done := make(chan struct{})
	go func() {
		sink.Run(events)
		close(done)
	}()

	bus.Publish(CommandStartedMetric{CommandType: "OpenWallet"})
	unsubscribe()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LoggingSink.Run did not exit after channel closed")
	}
}

func TestMetricTypes_SatisfyEventInterface(t *testing.T) {
	var events []Event = []Event{
		EventsAppendedMetric{},
		EventTypeMetric{},
		ConcurrencyViolationMetric{},
		CommandStartedMetric{},
		CommandSuccessMetric{},
		CommandFailureMetric{},
		IdempotentOperationMetric{},
		EventsPublishedMetric{},
		PublishingDurationMetric{},
		OutboxErrorMetric{},
		ProcessingCycleMetric{},
		LeadershipMetric{},
	}
	require.Len(t, events, 12)
}
