// Package channel implements the two underlying wire-I/O drivers the
// Transport Bridge delegates to: a relay driver (gorilla/websocket
// pub/sub) and a peer driver (a direct quic-go stream, substituting for
// WebRTC's data channel per SPEC_FULL.md §4.5 — this repository has no
// browser runtime to host an RTCPeerConnection, and quic-go is the ordered,
// reliable, multiplexable stream transport the rest of the example pack
// already depends on).
package channel

import "context"

// ConnState mirrors the connection:state values raised by a Driver.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
)

// EventKind discriminates a DriverEvent's payload, in place of the string-
// keyed event emitter the source system uses (spec.md §9: "typed channels —
// one sender, many receivers; the event namespace is an enum").
type EventKind int

const (
	EventConnectionState EventKind = iota
	EventSubscriptionConfirmed
	EventSubscriptionRejected
	EventSubscriptionMessage
	EventHealth
)

// DriverEvent is the single event type every Driver emits on its Events
// channel; Kind selects which other fields are meaningful.
type DriverEvent struct {
	Kind           EventKind
	HubID          string
	SubscriptionID string
	State          ConnState // EventConnectionState
	Reason         string    // EventSubscriptionRejected
	Message        []byte    // EventSubscriptionMessage: raw bytes or JSON text
	IsJSON         bool      // EventSubscriptionMessage
	Health         map[string]any // EventHealth: opaque peer-health snapshot, e.g. {"cli": bool}
}

// Driver is the wire-I/O contract the Bridge delegates to, implemented by
// the relay driver (WebSocket pub/sub) and the peer driver (direct QUIC
// stream).
type Driver interface {
	// Connect establishes (or attaches to) the underlying link for hubID at
	// cableURL, blocking until connected, rejected, or ctx is done.
	Connect(ctx context.Context, hubID, cableURL string) error
	// Disconnect tears down hubID's underlying link.
	Disconnect(hubID string) error
	// Subscribe opens a subscription on channelName with params, resolving
	// only once the peer confirms it (or ctx is done / it is rejected).
	Subscribe(ctx context.Context, hubID, channelName string, params map[string]any) (subscriptionID string, err error)
	Unsubscribe(subscriptionID string) error
	// SendRaw writes data to subscriptionID's wire. isJSON marks data as a
	// JSON payload (e.g. for the peer driver's JSON-over-binary framing)
	// rather than an opaque binary frame.
	SendRaw(subscriptionID string, data []byte, isJSON bool) error
	// Events returns the channel every connection/subscription event for
	// this driver is published on. Closed when the driver is closed.
	Events() <-chan DriverEvent
	Close() error
}
