package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker()
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := startedBroker(t)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{
		Type:         EventInstanceStarted,
		NodeID:       "node-1",
		InstanceName: "pdf-renderer",
	})

	select {
	case e := <-sub:
		assert.Equal(t, EventInstanceStarted, e.Type)
		assert.Equal(t, "pdf-renderer", e.InstanceName)
		assert.False(t, e.Timestamp.IsZero(), "timestamp is stamped on publish")
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestFanOut(t *testing.T) {
	b := startedBroker(t)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(&Event{Type: EventDriftRepaired})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case e := <-sub:
			assert.Equal(t, EventDriftRepaired, e.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := startedBroker(t)
	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := startedBroker(t)
	sub := b.Subscribe() // never drained
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(&Event{Type: EventInstanceStopped})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()
	b.Stop()
}
