package events

import "sync"

// Handler receives a lifecycle notification. Handlers run synchronously on
// the emitting goroutine, after the emitting operation has committed its
// writes and released its locks, so they must not block for long.
type Handler func(Event)

// Wildcard subscribes a handler to every event type.
const Wildcard Type = "*"

// Notifier is a kind-to-handlers fan-out. Components expose it by
// composition; notification is a value, not a method on a base class.
type Notifier struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{handlers: make(map[Type][]Handler)}
}

// Subscribe registers a handler for the given event type. Use [Wildcard] to
// observe all types.
func (n *Notifier) Subscribe(kind Type, h Handler) {
	if h == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[kind] = append(n.handlers[kind], h)
}

// Emit delivers the event to every handler subscribed to its type and to
// wildcard subscribers.
func (n *Notifier) Emit(e Event) {
	n.mu.RLock()
	typed := n.handlers[e.EventType]
	wild := n.handlers[Wildcard]
	n.mu.RUnlock()

	for _, h := range typed {
		h(e)
	}
	for _, h := range wild {
		h(e)
	}
}

// SubscriberCount returns the number of handlers registered for a type.
func (n *Notifier) SubscriberCount(kind Type) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.handlers[kind])
}
