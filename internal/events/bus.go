// Package events provides the in-process event bus connecting the position
// lifecycle manager to the risk aggregator and the notification sink.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents different types of events in the system.
type EventType string

const (
	EventPositionOpened     EventType = "POSITION_OPENED"
	EventPositionPartial    EventType = "POSITION_PARTIAL_CLOSE"
	EventPositionClosed     EventType = "POSITION_CLOSED"
	EventPositionLiquidated EventType = "POSITION_LIQUIDATED"
	EventLiquidationWarning EventType = "LIQUIDATION_WARNING"
	EventCircuitBreaker     EventType = "CIRCUIT_BREAKER_ARMED"
	EventSignalGenerated    EventType = "SIGNAL_GENERATED"
	EventRiskRejected       EventType = "RISK_REJECTED"
	EventPositionFrozen     EventType = "POSITION_FROZEN"
)

// Event is a system event. EventID is unique per emission so downstream
// writes can be idempotent on (position id, event id).
type Event struct {
	EventID    string                 `json:"event_id"`
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	AccountID  string                 `json:"account_id,omitempty"`
	PositionID string                 `json:"position_id,omitempty"`
	Symbol     string                 `json:"symbol,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a function that handles events.
type Subscriber func(Event)

// Bus manages event publishing and subscriptions.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
	// sync delivers events on the publisher's goroutine; the risk
	// aggregator needs ordered delivery and tests need determinism.
	sync bool
}

// NewBus creates a new event bus with goroutine fan-out.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// NewSyncBus creates a bus that delivers events on the publisher's
// goroutine, preserving emission order per publisher.
func NewSyncBus() *Bus {
	b := NewBus()
	b.sync = true
	return b
}

// Subscribe registers a subscriber for a specific event type.
func (b *Bus) Subscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
}

// SubscribeAll registers a subscriber for all events.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish sends an event to all subscribers. With the default async bus a
// slow subscriber never blocks the publisher.
func (b *Bus) Publish(event Event) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	deliver := func(sub Subscriber) {
		if b.sync {
			sub(event)
		} else {
			go sub(event)
		}
	}

	for _, sub := range b.subscribers[event.Type] {
		deliver(sub)
	}
	for _, sub := range b.allSubs {
		deliver(sub)
	}
}
