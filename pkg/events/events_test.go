package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	a := broker.Subscribe()
	b := broker.Subscribe()
	assert.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(NewBuildEvent(EventBuildSubmitted, "b1", "", "submitted"))

	for _, sub := range []Subscriber{a, b} {
		select {
		case event := <-sub:
			assert.Equal(t, EventBuildSubmitted, event.Type)
			assert.Equal(t, "b1", event.BuildID)
			assert.NotEmpty(t, event.ID)
			assert.False(t, event.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// A second unsubscribe is a no-op, not a double close.
	broker.Unsubscribe(sub)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	slow := broker.Subscribe()

	// A draining subscriber tells us when the flood has been fully broadcast,
	// so the later subscriber cannot race the backlog. Delivery is in order,
	// so seeing a marker means every flood event was already offered to every
	// subscriber.
	drain := broker.Subscribe()
	flooded := make(chan struct{})
	go func() {
		defer close(flooded)
		for event := range drain {
			if event.Type == EventBuildStarted {
				return
			}
		}
	}()

	// Fill the slow subscriber's buffer past capacity; extra events are
	// dropped rather than stalling the broker.
	for i := 0; i < cap(slow)+10; i++ {
		broker.Publish(NewWorkerEvent(EventWorkerRegister, "w1", "registered"))
	}

	// Markers can be dropped too when drain lags, so publish until one lands.
	deadline := time.After(5 * time.Second)
	for waiting := true; waiting; {
		broker.Publish(NewBuildEvent(EventBuildStarted, "b0", "w1", "marker"))
		select {
		case <-flooded:
			waiting = false
		case <-deadline:
			t.Fatal("flood was not broadcast")
		case <-time.After(5 * time.Millisecond):
		}
	}
	broker.Unsubscribe(drain)
	assert.Len(t, slow, cap(slow))

	// A subscriber arriving after the flood still gets new events.
	live := broker.Subscribe()
	broker.Publish(NewBuildEvent(EventBuildAssigned, "b1", "w1", "assigned"))

	timeout := time.After(time.Second)
	for {
		select {
		case event := <-live:
			if event.Type == EventBuildAssigned {
				return
			}
			// Leftover markers may still be in flight; skip them.
			require.Equal(t, EventBuildStarted, event.Type)
		case <-timeout:
			t.Fatal("late subscriber did not receive event")
		}
	}
}

func TestNewWorkerEvent(t *testing.T) {
	event := NewWorkerEvent(EventWorkerOffline, "w1", "gone")
	assert.Equal(t, EventWorkerOffline, event.Type)
	assert.Equal(t, "w1", event.WorkerID)
	assert.Empty(t, event.BuildID)
}
