package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventRelayReceived   EventType = "relay_received"
	EventRelayIgnored    EventType = "relay_ignored"
	EventRelaySucceeded  EventType = "relay_succeeded"
	EventRelayFailed     EventType = "relay_failed"
	EventDeliveryFailed  EventType = "delivery_failed"
	EventProviderRetried EventType = "provider_retried"
)

type Event struct {
	Type     EventType `json:"type"`
	At       time.Time `json:"at"`
	RelayID  string    `json:"relay_id,omitempty"`
	Channel  string    `json:"channel,omitempty"`
	ChatID   string    `json:"chat_id,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Publish delivers event to every current subscriber. It reports false once
// the bus is closed or ctx is done. A nil bus accepts and drops events.
func (b *Bus) Publish(ctx context.Context, event Event) bool {
	if b == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	default:
	}

	// Sends are non-blocking, so holding the read lock keeps unsubscribe from
	// closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop for slow subscribers.
		}
	}

	return true
}

// Subscribe registers a buffered event channel. The channel is closed when
// the returned func is called, ctx is done, or the bus closes.
func (b *Bus) Subscribe(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := b.nextSubscriberID
	b.nextSubscriberID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if eventCh, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(eventCh)
			}
			b.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-b.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
