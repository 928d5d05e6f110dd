package core

import (
	"sync"
	"time"
)

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	// EventConfigUpdated fires after the active config file was rewritten.
	EventConfigUpdated EventType = iota
	// EventSubscriptionUpdated fires after a new subscription document was saved.
	EventSubscriptionUpdated
	// EventEngineExited fires once when the engine stops without being asked to.
	EventEngineExited
)

func (t EventType) String() string {
	switch t {
	case EventConfigUpdated:
		return "config_updated"
	case EventSubscriptionUpdated:
		return "subscription_updated"
	case EventEngineExited:
		return "engine_exited"
	default:
		return "unknown"
	}
}

// Event carries data about something that happened in the system.
type Event struct {
	Type    EventType
	Payload any
}

// ConfigPayload is the payload for EventConfigUpdated.
type ConfigPayload struct {
	ConfigPath string
	SourcePath string
	ModTime    time.Time
}

// SubscriptionPayload is the payload for EventSubscriptionUpdated.
type SubscriptionPayload struct {
	Path    string
	ModTime time.Time
}

// EngineExitPayload is the payload for EventEngineExited.
type EngineExitPayload struct {
	Mode string
	Err  error
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// EventBus provides pub/sub between system components.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a given event type.
func (eb *EventBus) Subscribe(t EventType, h Handler) {
	eb.mu.Lock()
	eb.handlers[t] = append(eb.handlers[t], h)
	eb.mu.Unlock()
}

// Publish fires an event to all subscribed handlers synchronously.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
