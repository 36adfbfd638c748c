// Package bus is the in-process event fan-out connecting the room service
// and scheduler to observers (REST adapter, watch command, tests).
package bus

import (
	"log/slog"
	"sync"
)

// Event is one broadcast notification. Name is a protocol.Event* constant.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// EventHandler handles one broadcast event.
type EventHandler func(Event)

// Publisher abstracts broadcast + subscription so consumers do not depend on
// the concrete Bus.
type Publisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// Bus fans events out synchronously: Broadcast returns after every handler
// ran. Handlers must not block; slow consumers buffer on their side.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func New() *Bus {
	return &Bus{handlers: make(map[string]EventHandler)}
}

func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[id]; exists {
		slog.Warn("bus: replacing subscriber", "id", id)
	}
	b.handlers[id] = handler
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}
