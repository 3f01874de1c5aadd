package bridge

import "sync"

// EventKind enumerates every event the Bridge raises (spec.md §4.4), in
// place of the source system's string-keyed emitter: the namespace is a
// closed enum and every receiver filters by switching on Kind rather than by
// string comparison.
type EventKind int

const (
	EventConnectionState EventKind = iota
	EventSignalingState
	EventSubscriptionConfirmed
	EventSubscriptionRejected
	EventSubscriptionMessage
	EventSessionInvalid
	EventSessionRefreshed
	EventStreamFrame
	EventHealth
)

// Event is the single event type published on a Subscription's channel.
type Event struct {
	Kind EventKind

	HubID          string
	State          string // EventConnectionState / EventSignalingState
	SubscriptionID string
	Reason         string // EventSubscriptionRejected
	Message        any    // EventSubscriptionMessage: decrypted, decompressed, in-order payload
	Text           string // EventSessionInvalid / EventSessionRefreshed human-readable detail

	StreamID  string // EventStreamFrame
	FrameType string // EventStreamFrame
	Payload   []byte // EventStreamFrame

	Health map[string]any // EventHealth
}

// Events is a one-sender, many-receivers broadcaster: the Bridge is the only
// publisher, and any number of Connections may each hold their own
// subscription to the stream.
type Events struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewEvents constructs an empty broadcaster.
func NewEvents() *Events {
	return &Events{subs: make(map[int]chan Event)}
}

// Subscribe registers a new receiver with a bounded buffer; callers must
// drain it reasonably promptly; a full channel drops the event rather than
// blocking the publisher.
func (e *Events) Subscribe() (ch <-chan Event, cancel func()) {
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
func (e *Events) Publish(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
