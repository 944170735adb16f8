package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventInstanceRegistered EventType = "instance.registered"
	EventInstanceAdopted    EventType = "instance.adopted"
	EventInstanceTerminated EventType = "instance.terminated"
	EventInstanceOrphaned   EventType = "instance.orphaned"
	EventProvisionRequested EventType = "provision.requested"
	EventProvisionFulfilled EventType = "provision.fulfilled"
	EventFleetPaused        EventType = "fleet.paused"
	EventFleetUnpaused      EventType = "fleet.unpaused"
)

// Event represents a fleet lifecycle event
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	FleetID    string            `json:"fleetId"`
	InstanceID string            `json:"instanceId,omitempty"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	// subscribers maps each channel to the fleet it follows, "" for all
	subscribers map[Subscriber]string
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]string),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a subscription to the events of every fleet
func (b *Broker) Subscribe() Subscriber {
	return b.SubscribeFleet("")
}

// SubscribeFleet creates a subscription to the events of one fleet
func (b *Broker) SubscribeFleet(fleetID string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = fleetID
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event for all subscribers. Publishers hold engine locks,
// so a full queue drops the event instead of blocking.
func (b *Broker) Publish(event *Event) {
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

	for sub, fleetID := range b.subscribers {
		if fleetID != "" && fleetID != event.FleetID {
			continue
		}
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
