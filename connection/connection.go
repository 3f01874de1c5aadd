package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/ratchethub/ratchethub/bridge"
	"github.com/ratchethub/ratchethub/crypto"
)

// SubscriptionError reports a subscribe() failure (spec.md §7 Subscription
// class), mirroring the teacher's ConnectError/PKIError typed-error shape.
type SubscriptionError struct {
	Err error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("connection: subscription error: %v", e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

func newSubscriptionError(err error) error { return &SubscriptionError{Err: err} }

type bufferedSend struct {
	data []byte
}

// Connection is a per-hub-per-channel connection, configured by a
// ChannelSpec and driven by the state machine of spec.md §4.6.
type Connection struct {
	sync.Mutex

	bridge   *bridge.Bridge
	hubID    string
	cableURL string
	spec     ChannelSpec
	emitter  *Emitter
	log      *log.Logger

	state          State
	subscriptionID string
	hubConnected   bool
	errorCode      string
	errorMessage   string

	cliReady    bool
	inputBuffer []bufferedSend

	subscribing   bool
	resubscribing bool
	destroyed     bool

	cancelEvents func()
	pumpDone     chan struct{}
}

// New constructs a Connection bound to hubID over cableURL, configured by
// spec. emitter may be shared across Connections of the same hub or kept
// per-Connection; the caller owns its lifetime.
func New(b *bridge.Bridge, hubID, cableURL string, spec ChannelSpec, emitter *Emitter, logger *log.Logger) *Connection {
	if logger == nil {
		logger = log.Default()
	}
	if emitter == nil {
		emitter = NewEmitter()
	}
	return &Connection{
		bridge:   b,
		hubID:    hubID,
		cableURL: cableURL,
		spec:     spec,
		emitter:  emitter,
		log:      logger,
		state:    StateDisconnected,
	}
}

// Events returns the broadcaster application-level events are published on.
func (c *Connection) Events() *Emitter { return c.emitter }

// State reports the current state.
func (c *Connection) State() State {
	c.Lock()
	defer c.Unlock()
	return c.state
}

// SubscriptionID reports the current subscription id, or "" if unsubscribed.
func (c *Connection) SubscriptionID() string {
	c.Lock()
	defer c.Unlock()
	return c.subscriptionID
}

func (c *Connection) setError(code string, err error) {
	c.Lock()
	c.state = StateError
	c.errorCode = code
	if err != nil {
		c.errorMessage = err.Error()
	}
	c.Unlock()
	c.emitter.Publish(Event{Kind: "error", Data: code})
}

// Initialize bootstraps crypto, attaches the hub, and subscribes. Idempotent:
// a second call on an already-initializing-or-further Connection is a no-op.
func (c *Connection) Initialize(ctx context.Context, bundle *crypto.Bundle) error {
	c.Lock()
	if c.state != StateDisconnected {
		c.Unlock()
		return nil
	}
	c.state = StateLoading
	c.Unlock()

	ch, cancel := c.bridge.Events().Subscribe()
	c.Lock()
	c.cancelEvents = cancel
	c.pumpDone = make(chan struct{})
	c.Unlock()
	go c.pumpEvents(ch)

	if _, err := c.bridge.Connect(ctx, c.hubID, c.cableURL, bundle); err != nil {
		c.setError("crypto_worker_timeout", err)
		return err
	}
	c.Lock()
	c.hubConnected = true
	c.Unlock()

	return c.Subscribe(ctx, false)
}

// Subscribe opens (or reopens, if force) the subscription, per spec.md §4.6.
func (c *Connection) Subscribe(ctx context.Context, force bool) error {
	c.Lock()
	if c.subscriptionID != "" && !force {
		c.Unlock()
		c.emitter.Publish(Event{Kind: "connected"})
		return nil
	}
	if c.subscribing {
		c.Unlock()
		return nil
	}
	c.subscribing = true
	existing := c.subscriptionID
	c.Unlock()
	defer func() {
		c.Lock()
		c.subscribing = false
		c.Unlock()
	}()

	if force && existing != "" {
		_ = c.bridge.Unsubscribe(existing)
	}
	c.Lock()
	c.cliReady = false
	c.subscriptionID = ""
	c.state = StateConnecting
	c.Unlock()

	var params map[string]any
	if c.spec.BuildParams != nil {
		params = c.spec.BuildParams()
	}
	subID, err := c.bridge.Subscribe(ctx, c.hubID, c.spec.Name, params, c.spec.Reliable)
	if err != nil {
		code := "subscription_rejected"
		if errors.Is(err, bridge.ErrSubscriptionTimeout) {
			code = "subscription_timeout"
		}
		c.setError(code, err)
		return newSubscriptionError(err)
	}

	c.Lock()
	c.subscriptionID = subID
	c.state = StateConnected
	c.Unlock()
	c.emitter.Publish(Event{Kind: "connected"})
	return nil
}

// Unsubscribe tears down the subscription but keeps the hub attached
// (CONNECTING, per the transition table).
func (c *Connection) Unsubscribe() error {
	c.Lock()
	subID := c.subscriptionID
	if subID == "" {
		c.Unlock()
		return nil
	}
	c.subscriptionID = ""
	c.state = StateConnecting
	c.Unlock()
	return c.bridge.Unsubscribe(subID)
}

// Destroy clears all state synchronously; the unsubscribe+disconnect happens
// best-effort in the background. Further Send calls return false.
func (c *Connection) Destroy() {
	c.Lock()
	if c.destroyed {
		c.Unlock()
		return
	}
	c.destroyed = true
	subID := c.subscriptionID
	c.subscriptionID = ""
	c.state = StateDisconnected
	cancel := c.cancelEvents
	c.Unlock()

	if cancel != nil {
		cancel()
	}
	go func() {
		if subID != "" {
			_ = c.bridge.Unsubscribe(subID)
		}
		c.bridge.Disconnect(c.hubID)
	}()
}

// Send encrypts and transmits data (already encoded by the variant) over the
// current subscription, per spec.md §4.6. If the channel requires
// cli_ready and the peer hasn't signaled input_ready yet, data is buffered
// and flushed in FIFO order once SetCLIReady is called.
func (c *Connection) Send(data []byte) bool {
	c.Lock()
	if c.destroyed {
		c.Unlock()
		return false
	}
	subID := c.subscriptionID
	if subID == "" {
		c.Unlock()
		return false
	}
	if c.spec.RequiresCLIReady && !c.cliReady {
		c.inputBuffer = append(c.inputBuffer, bufferedSend{data: data})
		c.Unlock()
		return true
	}
	alreadyResubscribing := c.resubscribing
	c.Unlock()

	_, err := c.bridge.Send(context.Background(), subID, data)
	if err == nil {
		return true
	}
	if !alreadyResubscribing && strings.Contains(err.Error(), "not found") {
		c.Lock()
		c.resubscribing = true
		c.subscriptionID = ""
		c.Unlock()
		go func() {
			_ = c.Subscribe(context.Background(), false)
			c.Lock()
			c.resubscribing = false
			c.Unlock()
			c.Send(data)
		}()
		return true
	}
	return false
}

// SetCLIReady marks the peer as having signaled input_ready and flushes any
// buffered outbound messages in FIFO order.
func (c *Connection) SetCLIReady() {
	c.Lock()
	if c.cliReady {
		c.Unlock()
		return
	}
	c.cliReady = true
	buffered := c.inputBuffer
	c.inputBuffer = nil
	c.Unlock()
	for _, b := range buffered {
		c.Send(b.data)
	}
}

func (c *Connection) pumpEvents(ch <-chan bridge.Event) {
	defer close(c.pumpDone)
	for ev := range ch {
		if ev.HubID != "" && ev.HubID != c.hubID {
			continue
		}
		c.handleBridgeEvent(ev)
	}
}

func (c *Connection) handleBridgeEvent(ev bridge.Event) {
	switch ev.Kind {
	case bridge.EventConnectionState:
		c.handleConnectionState(ev)
	case bridge.EventSessionInvalid:
		c.Lock()
		c.subscriptionID = ""
		c.Unlock()
		c.setError("session_invalid", errors.New(ev.Text))
	case bridge.EventSubscriptionMessage:
		c.Lock()
		current := c.subscriptionID
		c.Unlock()
		if ev.SubscriptionID != current {
			return
		}
		if payload, ok := ev.Message.([]byte); ok && c.spec.HandleMessage != nil {
			c.spec.HandleMessage(c, payload)
		}
	case bridge.EventSubscriptionRejected:
		c.setError("subscription_rejected", errors.New(ev.Reason))
	case bridge.EventHealth:
		c.handleHealth(ev)
	}
}

// handleHealth drives the CONNECTED<->CLI_DISCONNECTED pair of the
// transition table off the peer-health snapshot's "cli" flag: unlike
// hub_connected (the transport link), this tracks whether the CLI peer
// process itself is still reachable.
func (c *Connection) handleHealth(ev bridge.Event) {
	cli, ok := ev.Health["cli"].(bool)
	if !ok {
		return
	}

	c.Lock()
	defer c.Unlock()
	switch {
	case !cli && c.state == StateConnected:
		// Reset handshake: the peer must re-signal input_ready before any
		// cli_ready-gated send resumes once it reconnects.
		c.state = StateCLIDisconnected
		c.cliReady = false
	case cli && c.state == StateCLIDisconnected:
		c.state = StateConnected
		if c.subscriptionID != "" {
			// Send handshake: re-subscribe so the peer re-sends its initial
			// snapshot and observes a fresh input_ready, mirroring the
			// auto-resubscribe done on hub reconnect.
			go func() { _ = c.Subscribe(context.Background(), true) }()
		}
	}
}

func (c *Connection) handleConnectionState(ev bridge.Event) {
	switch ev.State {
	case "connected":
		c.Lock()
		hadSubscription := c.subscriptionID != ""
		c.hubConnected = true
		c.Unlock()
		if hadSubscription {
			// Auto-resubscribe on reconnect: drop the old subscription id
			// and fetch a fresh snapshot from the peer (spec.md §4.6).
			go func() { _ = c.Subscribe(context.Background(), true) }()
		}
	case "disconnected":
		c.Lock()
		c.hubConnected = false
		c.subscriptionID = ""
		if c.state == StateConnected {
			c.state = StateConnecting
		}
		c.Unlock()
	}
}
