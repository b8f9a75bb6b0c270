// Package events provides the in-process event bus for escrow, proposal and
// dispute lifecycle events.
//
// Handlers run synchronously in registration order so state transitions and
// their side effects (receipts, notifications, metrics) stay ordered. A
// panicking or failing handler is logged and skipped; it never blocks the
// transition that emitted the event. When a Publisher is attached, every
// event is also forwarded to a Redis channel for cross-instance consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies event categories.
type Type string

const (
	EventEscrowHeld      Type = "escrow.held"
	EventEscrowReleased  Type = "escrow.released"
	EventEscrowForfeited Type = "escrow.forfeited"

	EventProposalCreated   Type = "proposal.created"
	EventProposalAccepted  Type = "proposal.accepted"
	EventProposalRejected  Type = "proposal.rejected"
	EventProposalCompleted Type = "proposal.completed"
	EventProposalExpired   Type = "proposal.expired"

	EventDisputeFiled    Type = "dispute.filed"
	EventDisputeRevealed Type = "dispute.revealed"
	EventDisputePanel    Type = "dispute.panel"
	EventDisputeResolved Type = "dispute.resolved"
	EventDisputeFallback Type = "dispute.fallback"

	EventRatingChanged Type = "rating.changed"
)

// Event represents a domain event in the relay.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Source    string                 `json:"source"`
	Subject   string                 `json:"subject"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler processes events of a subscribed type.
type Handler func(ctx context.Context, event *Event) error

// Publisher is a minimal interface for forwarding events to an external
// pub/sub system. Implemented by infra.GoRedisAdapter.
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// Bus is an in-process pub/sub event bus with an optional external publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]subscriberEntry
	nextID      int
	publisher   Publisher
	prefix      string
	closed      bool
}

type subscriberEntry struct {
	id      int
	handler Handler
}

// NewBus creates a new in-process event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Type][]subscriberEntry),
	}
}

// AttachPublisher forwards all published events to an external channel named
// prefix + event type. Call before the bus is in use.
func (b *Bus) AttachPublisher(p Publisher, channelPrefix string) {
	if channelPrefix == "" {
		channelPrefix = "agentchat:events:"
	}
	b.mu.Lock()
	b.publisher = p
	b.prefix = channelPrefix
	b.mu.Unlock()
}

// Publish delivers an event to all subscribers of its type, in registration
// order, then forwards it to the external publisher if one is attached.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	handlers := append([]subscriberEntry(nil), b.subscribers[event.Type]...)
	publisher := b.publisher
	prefix := b.prefix
	b.mu.RUnlock()

	for _, entry := range handlers {
		deliver(ctx, entry.handler, event)
	}

	if publisher != nil {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		channel := prefix + string(event.Type)
		if err := publisher.Publish(ctx, channel, data); err != nil {
			slog.Warn("[EventBus] external publish failed, local delivery only",
				"type", event.Type, "error", err)
		}
	}

	return nil
}

// deliver runs one handler, isolating panics and logging errors.
func deliver(ctx context.Context, h Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[EventBus] handler panic", "type", event.Type, "panic", r)
		}
	}()
	if err := h(ctx, event); err != nil {
		slog.Warn("[EventBus] handler error", "type", event.Type, "error", err)
	}
}

// Emit is a convenience method to create and publish an event.
func (b *Bus) Emit(ctx context.Context, eventType Type, source, subject string, payload map[string]interface{}) {
	_ = b.Publish(ctx, &Event{
		Type:    eventType,
		Source:  source,
		Subject: subject,
		Payload: payload,
	})
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{
		id:      id,
		handler: handler,
	})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// SubscriberCount returns the total number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

// Close shuts down the event bus. Further publishes return an error.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = nil
	return nil
}
