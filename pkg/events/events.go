// Package events provides an in-memory publish/subscribe bus used to
// broadcast storage-core lifecycle notifications (checkpoint completion,
// ident drops, rollback-to-stable) to interested observers such as the
// metrics collector or an external replication coordinator.
package events

import (
	"sync"
	"time"
)

// Type identifies the kind of event being published.
type Type string

const (
	IdentCreated       Type = "ident.created"
	IdentDropped       Type = "ident.dropped"
	IdentDropDeferred  Type = "ident.drop_deferred"
	TransactionAborted Type = "transaction.aborted"
	CheckpointStarted  Type = "checkpoint.started"
	CheckpointComplete Type = "checkpoint.complete"
	JournalFlushed     Type = "journal.flushed"
	RollbackToStable   Type = "rollback_to_stable"
	BackupOpened       Type = "backup.opened"
	BackupClosed       Type = "backup.closed"
)

// Event is a single published notification.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
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
			// Subscriber buffer full, skip.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
