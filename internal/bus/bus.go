package bus

import "sync"

// EventBus is an in-process publish/subscribe hub. The task runner publishes
// task lifecycle events; the HTTP event stream and chat adapters subscribe.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string]EventHandler
}

// NewEventBus creates an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string]EventHandler)}
}

// Subscribe registers a handler under id, replacing any previous handler
// with the same id.
func (b *EventBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers event to every subscriber. Handlers run synchronously
// on the caller's goroutine and must not block.
func (b *EventBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
