package connection

import "sync"

// Event is one application-level event a variant (hub/terminal/preview)
// raises toward whatever is driving the Connection (a UI layer, a test, an
// orchestrator). Kind is a closed, variant-defined string rather than a
// generic emitter name collision; Data carries the kind-specific payload.
type Event struct {
	Kind string
	Data any
}

// Emitter is a one-sender, many-receivers broadcaster, the same shape as
// bridge.Events: each subscriber gets one channel of Event values carrying
// every kind, and receivers switch on Event.Kind.
type Emitter struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewEmitter constructs an empty broadcaster.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]chan Event)}
}

// Subscribe registers a new receiver with a bounded buffer; a full channel
// drops events rather than blocking the publisher.
func (e *Emitter) Subscribe() (ch <-chan Event, cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	out := make(chan Event, 64)
	e.subs[id] = out
	return out, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
	}
}

// Publish fans ev out to every current subscriber.
func (e *Emitter) Publish(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
