package alert

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"crashwatch/internal/pipeline"
	"crashwatch/internal/store"
)

// Event is published on the bus after every dispatch
type Event struct {
	Record   *store.AccidentRecord `json:"record"`
	Boxes    []pipeline.VehicleBox `json:"boxes,omitempty"`
	Degraded bool                  `json:"degraded"`
	Channels []ChannelStatus       `json:"channels"`
}

// EventHandler receives alert events
type EventHandler interface {
	OnAlert(event *Event)
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc func(event *Event)

func (f EventHandlerFunc) OnAlert(event *Event) { f(event) }

// EventBus provides pub/sub for alert events
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	streamFilter string // Empty string means receive all streams
	channel      chan *Event
	handler      EventHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for alerts from all streams
// Returns an unsubscribe function
func (b *EventBus) Subscribe(handler EventHandler) func() {
	return b.add(&eventSubscription{handler: handler})
}

// SubscribeStream registers a handler for alerts from a specific stream
func (b *EventBus) SubscribeStream(streamID string, handler EventHandler) func() {
	return b.add(&eventSubscription{streamFilter: streamID, handler: handler})
}

// SubscribeChannel returns a channel that receives alert events
// Returns the channel and an unsubscribe function
func (b *EventBus) SubscribeChannel(streamID string, bufferSize int) (<-chan *Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *Event, bufferSize)
	sub := &eventSubscription{
		streamFilter: streamID,
		channel:      ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

func (b *EventBus) add(sub *eventSubscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// Publish sends an event to all subscribers. A panicking handler is
// reported in the returned error and the others still receive the event.
func (b *EventBus) Publish(event *Event) error {
	if event == nil || event.Record == nil {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var errs error
	for sub := range b.subscribers {
		if sub.streamFilter != "" && sub.streamFilter != event.Record.StreamID {
			continue
		}

		if sub.handler != nil {
			errs = multierr.Append(errs, deliver(sub.handler, event))
		} else if sub.channel != nil {
			select {
			case sub.channel <- event:
			default:
				// Channel full, skip this event
			}
		}
	}
	return errs
}

// deliver calls one handler, turning a panic into an error so the
// remaining subscribers still receive the event
func deliver(h EventHandler, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()
	h.OnAlert(event)
	return nil
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
