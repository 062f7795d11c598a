// Package events is the publish/subscribe registry behind Backsync push notifications.
//
// Subscriptions are keyed by exact event name ("/api/tasks:upsert"). There are no
// wildcards: a collection only ever hears about its own base path.
package events

import (
	"encoding/json"
	"sync"
)

// Handler receives the raw payload of one push event.
type Handler func(data json.RawMessage)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus maps event names to ordered handler lists. The zero value is ready to use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
}

// On registers handler for event and returns a func that removes it again.
// Calling the returned func more than once is harmless.
func (b *Bus) On(event string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[string][]subscription)
	}
	b.nextID++
	id := b.nextID
	b.subs[event] = append(b.subs[event], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.off(event, id) })
	}
}

func (b *Bus) off(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[event]
	for i, s := range subs {
		if s.id == id {
			// Copy so an Emit iterating the old slice is unaffected
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, event)
			} else {
				b.subs[event] = next
			}
			return
		}
	}
}

// Emit invokes every handler registered for event, in registration order, and returns
// how many ran. An event nobody listens to is dropped silently.
func (b *Bus) Emit(event string, data json.RawMessage) int {
	b.mu.RLock()
	subs := b.subs[event]
	b.mu.RUnlock()

	// Handlers run without the lock so they may subscribe or unsubscribe themselves.
	for _, s := range subs {
		s.handler(data)
	}
	return len(subs)
}

// Has reports whether anything is subscribed to event.
func (b *Bus) Has(event string) bool {
	return b.Len(event) > 0
}

// Len returns the number of handlers for event.
func (b *Bus) Len(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}

// Subscribe registers a handler that receives the payload decoded as T. Payloads that do
// not decode are passed to onDecodeError (if non-nil) instead.
func Subscribe[T any](b *Bus, event string, handler func(T), onDecodeError func(error)) (unsubscribe func()) {
	return b.On(event, func(data json.RawMessage) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			if onDecodeError != nil {
				onDecodeError(err)
			}
			return
		}
		handler(v)
	})
}
