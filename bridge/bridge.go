// Package bridge implements the Transport Bridge: the cross-tab singleton
// that owns the Crypto Engine handle, the underlying channel drivers, and
// every Pending/Received reliable-delivery structure, multiplexing many
// Connections onto these shared resources (spec.md §4.4).
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ratchethub/ratchethub/channel"
	"github.com/ratchethub/ratchethub/codec"
	"github.com/ratchethub/ratchethub/crypto"
	"github.com/ratchethub/ratchethub/internal/config"
	"github.com/ratchethub/ratchethub/internal/metrics"
	"github.com/ratchethub/ratchethub/internal/worker"
	"github.com/ratchethub/ratchethub/reliable"
)

var (
	ErrNoHub                = errors.New("bridge: hub not connected")
	ErrNoSubscription       = errors.New("bridge: subscription not found")
	ErrSubscriptionRejected = errors.New("bridge: subscription_rejected")
	ErrSubscriptionTimeout  = errors.New("bridge: subscription_timeout")
	ErrChannelClosed        = errors.New("bridge: channel_closed")

	decryptFailureThreshold = 3
)

// ConnectResult answers a Connect call.
type ConnectResult struct {
	SessionExists bool
	RefCount      int
}

type hubEntry struct {
	refCount        int
	driver          channel.Driver
	closeTimer      *time.Timer
	trustedIdentity []byte
}

type subEntry struct {
	hubID       string
	channelName string
	reliable    bool
	sender      *reliable.Sender
	receiver    *reliable.Receiver
}

// Bridge multiplexes Connections onto one Crypto Engine handle and a set of
// per-hub channel drivers. It is free of per-hub locks beyond what the
// Crypto Engine itself serializes internally (spec.md §4.4 "Mutex policy").
type Bridge struct {
	worker.Worker

	crypto        CryptoClient
	cfg           config.Config
	newDriver     func(config.Transport) channel.Driver
	metrics       *metrics.Registry
	log           *log.Logger
	events        *Events
	graceClose    time.Duration
	subscribeWait time.Duration

	mu              sync.Mutex
	hubs            map[string]*hubEntry
	subs            map[string]*subEntry
	decryptFailures map[string]int
}

// New constructs a Bridge. newDriver builds a fresh, unconnected Driver for
// a given transport kind — called once per hub on its first Connect.
func New(crypto CryptoClient, cfg config.Config, newDriver func(config.Transport) channel.Driver, reg *metrics.Registry, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.Default()
	}
	return &Bridge{
		crypto:        crypto,
		cfg:           cfg,
		newDriver:     newDriver,
		metrics:       reg,
		log:           logger,
		events:        NewEvents(),
		graceClose:    cfg.GraceClose(),
		subscribeWait: cfg.SubscribeTimeout(),
		hubs:            make(map[string]*hubEntry),
		subs:            make(map[string]*subEntry),
		decryptFailures: make(map[string]int),
	}
}

// Events returns the broadcaster every Connection subscribes to.
func (b *Bridge) Events() *Events { return b.events }

// Connect ref-counts a hub connection, attaching a fresh driver on first
// use. If bundle is non-nil and no session yet exists for hubID, it creates
// one. A disconnect-then-reconnect within the grace window (see Disconnect)
// cancels the pending close instead of reattaching.
func (b *Bridge) Connect(ctx context.Context, hubID, cableURL string, bundle *crypto.Bundle) (ConnectResult, error) {
	b.mu.Lock()
	entry, ok := b.hubs[hubID]
	if ok {
		if entry.closeTimer != nil {
			entry.closeTimer.Stop()
			entry.closeTimer = nil
		}
		entry.refCount++
		refCount := entry.refCount
		b.mu.Unlock()
		hasSession, err := b.ensureSession(ctx, hubID, bundle, entry)
		return ConnectResult{SessionExists: hasSession, RefCount: refCount}, err
	}

	driver := b.newDriver(b.cfg.Transport)
	entry = &hubEntry{refCount: 1, driver: driver}
	b.hubs[hubID] = entry
	b.mu.Unlock()

	if err := driver.Connect(ctx, hubID, cableURL); err != nil {
		b.mu.Lock()
		delete(b.hubs, hubID)
		b.mu.Unlock()
		return ConnectResult{}, err
	}
	b.Go(func() { b.pumpDriverEvents(hubID, driver) })
	b.events.Publish(Event{Kind: EventConnectionState, HubID: hubID, State: string(channel.StateConnected)})

	hasSession, err := b.ensureSession(ctx, hubID, bundle, entry)
	return ConnectResult{SessionExists: hasSession, RefCount: 1}, err
}

func (b *Bridge) ensureSession(ctx context.Context, hubID string, bundle *crypto.Bundle, entry *hubEntry) (bool, error) {
	hasSession, err := b.crypto.HasSession(ctx, hubID)
	if err != nil {
		return false, err
	}
	if hasSession || bundle == nil {
		return hasSession, nil
	}
	if _, err := b.crypto.CreateSession(ctx, hubID, bundle, entry.trustedIdentity); err != nil {
		return false, err
	}
	b.mu.Lock()
	entry.trustedIdentity = append([]byte(nil), bundle.IdentityPub...)
	b.mu.Unlock()
	b.metrics.IncSessionEstablished()
	b.events.Publish(Event{Kind: EventSessionRefreshed, HubID: hubID})
	return false, nil
}

// Disconnect drops one reference on hubID. When the refcount reaches zero, a
// grace-close timer is started; the underlying driver is torn down only if
// no Connect re-references the hub before it fires.
func (b *Bridge) Disconnect(hubID string) {
	b.mu.Lock()
	entry, ok := b.hubs[hubID]
	if !ok {
		b.mu.Unlock()
		return
	}
	entry.refCount--
	if entry.refCount > 0 {
		b.mu.Unlock()
		return
	}
	entry.closeTimer = time.AfterFunc(b.graceClose, func() { b.closeHub(hubID) })
	b.mu.Unlock()
}

func (b *Bridge) closeHub(hubID string) {
	b.mu.Lock()
	entry, ok := b.hubs[hubID]
	if !ok || entry.refCount > 0 {
		b.mu.Unlock()
		return
	}
	delete(b.hubs, hubID)
	b.mu.Unlock()

	entry.driver.Disconnect(hubID)
	entry.driver.Close()
	b.events.Publish(Event{Kind: EventConnectionState, HubID: hubID, State: string(channel.StateDisconnected)})
}

// Subscribe opens a subscription on a hub's driver, wiring reliable
// delivery if requested. Resolves only after the peer confirms, per
// spec.md §4.4.
func (b *Bridge) Subscribe(ctx context.Context, hubID, channelName string, params map[string]any, wantReliable bool) (string, error) {
	b.mu.Lock()
	entry, ok := b.hubs[hubID]
	b.mu.Unlock()
	if !ok {
		return "", ErrNoHub
	}

	subCtx, cancel := context.WithTimeout(ctx, b.subscribeWait)
	defer cancel()
	subID, err := entry.driver.Subscribe(subCtx, hubID, channelName, params)
	if err != nil {
		if errors.Is(subCtx.Err(), context.DeadlineExceeded) {
			return "", ErrSubscriptionTimeout
		}
		return "", fmt.Errorf("%w: %s", ErrSubscriptionRejected, err)
	}

	se := &subEntry{hubID: hubID, channelName: channelName, reliable: wantReliable}
	if wantReliable {
		capturedSubID := subID
		se.sender = reliable.NewSender(
			func(_ uint64, frame []byte) error { return b.transmit(ctx, hubID, capturedSubID, frame) },
			func(seq uint64) { b.metrics.IncDrop(capturedSubID) },
			reliable.DefaultSenderConfig(),
		)
		se.receiver = reliable.NewReceiver(
			func(payload []byte) {
				kind, body, err := codec.DecodePayload(payload)
				if err != nil {
					return
				}
				b.events.Publish(Event{Kind: EventSubscriptionMessage, SubscriptionID: capturedSubID, Message: body, Text: fmt.Sprintf("%d", kind)})
			},
			func(frame []byte) error { return b.transmit(ctx, hubID, capturedSubID, frame) },
		)
	}
	b.mu.Lock()
	b.subs[subID] = se
	b.mu.Unlock()
	b.metrics.SetActiveSubscriptions(len(b.subs))

	return subID, nil
}

// Unsubscribe tears down a subscription and its reliable-delivery state.
func (b *Bridge) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	se, ok := b.subs[subscriptionID]
	delete(b.subs, subscriptionID)
	b.mu.Unlock()
	if !ok {
		return ErrNoSubscription
	}
	if se.sender != nil {
		se.sender.Stop()
	}
	if se.receiver != nil {
		se.receiver.Stop()
	}
	b.mu.Lock()
	entry, hasHub := b.hubs[se.hubID]
	b.mu.Unlock()
	if hasHub {
		return entry.driver.Unsubscribe(subscriptionID)
	}
	return nil
}

// Send encrypts, frames (if reliable), and writes message to subscriptionID.
// For reliable subscriptions it returns the assigned sequence number as a
// string; for unreliable ones it returns "sent".
func (b *Bridge) Send(ctx context.Context, subscriptionID string, message []byte) (string, error) {
	b.mu.Lock()
	se, ok := b.subs[subscriptionID]
	b.mu.Unlock()
	if !ok {
		return "", ErrNoSubscription
	}

	if se.reliable {
		seq, err := se.sender.Send(codec.EncodeRaw(message))
		if err != nil {
			return "", err
		}
		return strconv.FormatUint(seq, 10), nil
	}

	if err := b.transmit(ctx, se.hubID, subscriptionID, codec.EncodeRaw(message)); err != nil {
		return "", err
	}
	return "sent", nil
}

// transmit encrypts payload for hubID and writes it to subscriptionID's
// underlying driver.
func (b *Bridge) transmit(ctx context.Context, hubID, subscriptionID string, payload []byte) error {
	envelope, err := b.crypto.Encrypt(ctx, hubID, payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	entry, ok := b.hubs[hubID]
	b.mu.Unlock()
	if !ok {
		return ErrNoHub
	}
	return entry.driver.SendRaw(subscriptionID, envelope, false)
}

func (b *Bridge) pumpDriverEvents(hubID string, driver channel.Driver) {
	for ev := range driver.Events() {
		b.handleDriverEvent(hubID, ev)
	}
}

func (b *Bridge) handleDriverEvent(hubID string, ev channel.DriverEvent) {
	switch ev.Kind {
	case channel.EventConnectionState:
		b.events.Publish(Event{Kind: EventConnectionState, HubID: hubID, State: string(ev.State)})
	case channel.EventSubscriptionConfirmed:
		b.events.Publish(Event{Kind: EventSubscriptionConfirmed, SubscriptionID: ev.SubscriptionID})
	case channel.EventSubscriptionRejected:
		b.events.Publish(Event{Kind: EventSubscriptionRejected, SubscriptionID: ev.SubscriptionID, Reason: ev.Reason})
	case channel.EventSubscriptionMessage:
		b.handleInbound(hubID, ev.SubscriptionID, ev.Message)
	case channel.EventHealth:
		b.events.Publish(Event{Kind: EventHealth, HubID: hubID, Health: ev.Health})
	}
}

func (b *Bridge) handleInbound(hubID, subID string, envelope []byte) {
	b.mu.Lock()
	se, ok := b.subs[subID]
	b.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	plaintext, err := b.crypto.Decrypt(ctx, hubID, envelope)
	if err != nil {
		b.onDecryptFailure(hubID, subID)
		return
	}
	b.resetDecryptFailures(subID)

	if se.reliable {
		data, ackFrame, err := codec.Decode(plaintext)
		if err != nil {
			return
		}
		if ackFrame != nil {
			se.sender.ProcessAck(ackFrame.Ranges)
			return
		}
		se.receiver.Receive(data.Seq, data.Payload)
		return
	}

	kind, body, err := codec.DecodePayload(plaintext)
	if err != nil {
		return
	}
	b.events.Publish(Event{Kind: EventSubscriptionMessage, SubscriptionID: subID, Message: body, Text: fmt.Sprintf("%d", kind)})
}

func (b *Bridge) onDecryptFailure(hubID, subID string) {
	b.metrics.IncDecryptFailure(hubID)
	b.mu.Lock()
	b.decryptFailures[subID]++
	count := b.decryptFailures[subID]
	b.mu.Unlock()
	if count >= decryptFailureThreshold {
		b.events.Publish(Event{Kind: EventSessionInvalid, HubID: hubID, Text: "Session expired — rescan QR code"})
	}
}

func (b *Bridge) resetDecryptFailures(subID string) {
	b.mu.Lock()
	delete(b.decryptFailures, subID)
	b.mu.Unlock()
}
