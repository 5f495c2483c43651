package events

import (
	"sync"

	"go.uber.org/zap"
)

// Type identifies one kind of engine-level occurrence.
type Type string

const (
	PeerDiscovered     Type = "peerDiscovered"
	PeerConnected      Type = "peerConnected"
	PeerDisconnected   Type = "peerDisconnected"
	ClientConnected    Type = "clientConnected"
	ClientDisconnected Type = "clientDisconnected"
	MasterChanged      Type = "masterChanged"
	SyncError          Type = "syncError"
	ConfigUpdated      Type = "configUpdated"
	DiscoveryDisabled  Type = "discoveryDisabled"
)

// Event pairs a type with its payload. Payload types are documented
// at each Publish site; listeners type-assert.
type Event struct {
	Type Type
	Data interface{}
}

// Handler reacts to one event. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Bus is an in-process listener registry: many independent reactions
// to one occurrence, without ambient globals.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	logger   *zap.Logger
}

// NewBus creates an empty event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish fans an event out to all handlers registered for its type.
// A panicking handler is logged and skipped; it never takes down the
// publisher.
func (b *Bus) Publish(t Type, data interface{}) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[t]))
	copy(handlers, b.handlers[t])
	b.mu.RUnlock()

	ev := Event{Type: t, Data: data}
	for _, h := range handlers {
		b.dispatch(h, ev)
	}
}

func (b *Bus) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("event", string(ev.Type)),
				zap.Any("panic", r))
		}
	}()
	h(ev)
}
