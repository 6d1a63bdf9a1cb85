package events

import (
	"sync"
	"time"
)

// Type identifies what happened to an instance.
type Type string

const (
	EventInstanceDeployed   Type = "instance.deployed"
	EventInstanceAdopted    Type = "instance.adopted"
	EventInstanceStarted    Type = "instance.started"
	EventInstanceStopped    Type = "instance.stopped"
	EventInstanceRemoved    Type = "instance.removed"
	EventInstanceError      Type = "instance.error"
	EventDriftRepaired      Type = "drift.repaired"
	EventDriftGaveUp        Type = "drift.gave_up"
	EventRegistryRehydrated Type = "registry.rehydrated"
)

// Event is one lifecycle or reconciliation occurrence.
type Event struct {
	Type          Type
	Timestamp     time.Time
	NodeID        string
	InstanceName  string
	CorrelationID string
	Message       string
	// Before and After record the observed state transition for
	// corrective actions.
	Before string
	After  string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans events out to subscribers. Publishing never blocks the
// lifecycle path: a subscriber that falls behind misses events.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish delivers an event to all subscribers.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
