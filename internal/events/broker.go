// Package events fans workflow and approval lifecycle events out to
// subscribed listeners. Delivery is best-effort and at most once per
// subscriber per event; a subscriber that returns an error is dropped.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seqora/cadence/model"
)

// Subscriber receives published events. Handle must not block; a returned
// error drops the subscription.
type Subscriber interface {
	Handle(evt model.Event) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(evt model.Event) error

// Handle implements Subscriber.
func (f SubscriberFunc) Handle(evt model.Event) error { return f(evt) }

// Broker is an in-process event fan-out hub.
type Broker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Subscriber
	logger *zap.Logger
}

// NewBroker creates an empty broker.
func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{subs: make(map[int]Subscriber), logger: logger}
}

// Subscribe registers a subscriber and returns an unsubscribe function.
// Unsubscribing twice is harmless.
func (b *Broker) Subscribe(sub Subscriber) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// PublishWorkflow publishes a workflow lifecycle event.
func (b *Broker) PublishWorkflow(eventType, workflowID string, data map[string]any) {
	b.publish(model.Event{
		Type:       model.EventSourceWorkflow,
		WorkflowID: workflowID,
		EventType:  eventType,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	})
}

// PublishApproval publishes an approval lifecycle event.
func (b *Broker) PublishApproval(eventType, approvalID, workflowID string, data map[string]any) {
	b.publish(model.Event{
		Type:       model.EventSourceApproval,
		ApprovalID: approvalID,
		WorkflowID: workflowID,
		EventType:  eventType,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	})
}

func (b *Broker) publish(evt model.Event) {
	b.mu.RLock()
	snapshot := make(map[int]Subscriber, len(b.subs))
	for id, sub := range b.subs {
		snapshot[id] = sub
	}
	b.mu.RUnlock()

	var dead []int
	for id, sub := range snapshot {
		if err := sub.Handle(evt); err != nil {
			b.logger.Warn("dropping event subscriber",
				zap.String("event_type", evt.EventType),
				zap.Error(err))
			dead = append(dead, id)
		}
	}
	if len(dead) > 0 {
		b.mu.Lock()
		for _, id := range dead {
			delete(b.subs, id)
		}
		b.mu.Unlock()
	}
}

// ChanSubscriber buffers events onto a channel for pull-style consumers such
// as the SSE handler. When the buffer is full the event is discarded rather
// than blocking the publisher.
type ChanSubscriber struct {
	ch chan model.Event
}

// NewChanSubscriber creates a channel subscriber with the given buffer size.
func NewChanSubscriber(buffer int) *ChanSubscriber {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChanSubscriber{ch: make(chan model.Event, buffer)}
}

// Handle implements Subscriber.
func (c *ChanSubscriber) Handle(evt model.Event) error {
	select {
	case c.ch <- evt:
	default:
	}
	return nil
}

// Events returns the receive side of the buffer.
func (c *ChanSubscriber) Events() <-chan model.Event { return c.ch }
