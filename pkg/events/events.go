package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/pgwarden/pkg/log"
	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventNodeRegistered   EventType = "node.registered"
	EventNodeDeregistered EventType = "node.deregistered"
	EventNodeDown         EventType = "node.down"
	EventNodeUp           EventType = "node.up"

	EventClusterCreated      EventType = "cluster.created"
	EventClusterNodeAttached EventType = "cluster.node_attached"
	EventClusterNodeDetached EventType = "cluster.node_detached"

	EventOperationStarted   EventType = "operation.started"
	EventOperationState     EventType = "operation.state_changed"
	EventOperationCompleted EventType = "operation.completed"
	EventOperationFailed    EventType = "operation.failed"

	EventRebuildCompleted EventType = "rebuild.completed"
	EventRebuildFailed    EventType = "rebuild.failed"

	EventTopologyAnomaly EventType = "topology.anomaly"
	EventSafetyViolation EventType = "safety.violation"
)

// Event represents a topology or orchestration event
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	stopOnce    sync.Once
	started     atomic.Bool
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	if b.started.CompareAndSwap(false, true) {
		go b.run()
	}
}

// Stop stops the broker and waits for the distribution loop to exit.
// It is safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		if b.started.Load() {
			<-b.doneCh
		}
	})
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event for all subscribers. It never blocks: when the
// queue is full the event is dropped and logged, so a slow consumer cannot
// stall a failover.
func (b *Broker) Publish(event *Event) {
	if b == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		logger := log.WithComponent("events")
		logger.Warn().Str("type", string(event.Type)).Msg("Event queue full, dropping event")
	}
}

func (b *Broker) run() {
	defer close(b.doneCh)
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

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
