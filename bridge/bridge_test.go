package bridge

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ratchethub/ratchethub/channel"
	"github.com/ratchethub/ratchethub/crypto"
	"github.com/ratchethub/ratchethub/internal/config"
)

// fakeDriver is an in-memory channel.Driver test double: Subscribe always
// confirms immediately, and SendRaw hands the bytes straight to a peer
// fakeDriver's Events channel, short-circuiting the wire entirely. Two
// fakeDrivers wired to each other's inbox stand in for a loopback relay.
type fakeDriver struct {
	mu     sync.Mutex
	peer   *fakeDriver
	events chan channel.DriverEvent
	closed bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{events: make(chan channel.DriverEvent, 64)}
}

func pairFakeDrivers() (*fakeDriver, *fakeDriver) {
	a, b := newFakeDriver(), newFakeDriver()
	a.peer, b.peer = b, a
	return a, b
}

func (d *fakeDriver) Connect(ctx context.Context, hubID, cableURL string) error { return nil }
func (d *fakeDriver) Disconnect(hubID string) error                             { return nil }

func (d *fakeDriver) Subscribe(ctx context.Context, hubID, channelName string, params map[string]any) (string, error) {
	return "sub-" + channelName, nil
}
func (d *fakeDriver) Unsubscribe(subscriptionID string) error { return nil }

func (d *fakeDriver) SendRaw(subscriptionID string, data []byte, isJSON bool) error {
	d.mu.Lock()
	peer := d.peer
	d.mu.Unlock()
	if peer == nil {
		return nil
	}
	cp := append([]byte(nil), data...)
	peer.emit(channel.DriverEvent{Kind: channel.EventSubscriptionMessage, SubscriptionID: subscriptionID, Message: cp})
	return nil
}

func (d *fakeDriver) emit(ev channel.DriverEvent) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}
	select {
	case d.events <- ev:
	default:
	}
}

func (d *fakeDriver) Events() <-chan channel.DriverEvent { return d.events }

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	return nil
}

func newTestEngines(t *testing.T) (alice, bob *crypto.Engine) {
	t.Helper()
	aliceID, err := crypto.GenerateIdentity(rand.Reader)
	require.NoError(t, err)
	bobID, err := crypto.GenerateIdentity(rand.Reader)
	require.NoError(t, err)
	alice = crypto.NewEngine(aliceID, nil)
	bob = crypto.NewEngine(bobID, nil)
	return alice, bob
}

// pairedBridges builds two Bridges with sessions already established in both
// directions and their fake drivers wired together, ready to subscribe/send.
func pairedBridges(t *testing.T) (a, b *Bridge, driverA, driverB *fakeDriver) {
	t.Helper()
	aliceEngine, bobEngine := newTestEngines(t)

	bundle, err := bobEngine.PublishBundle("hub-1")
	require.NoError(t, err)
	_, err = aliceEngine.CreateSession("hub-1", bundle, nil)
	require.NoError(t, err)
	// Prime bob's side of the session by having it decrypt one message.
	env, err := aliceEngine.Encrypt("hub-1", []byte("prime"))
	require.NoError(t, err)
	_, err = bobEngine.Decrypt("hub-1", env)
	require.NoError(t, err)

	driverA, driverB = pairFakeDrivers()
	a = New(WrapEngine(aliceEngine), config.Default(), func(config.Transport) channel.Driver { return driverA }, nil, nil)
	b = New(WrapEngine(bobEngine), config.Default(), func(config.Transport) channel.Driver { return driverB }, nil, nil)

	ctx := context.Background()
	_, err = a.Connect(ctx, "hub-1", "wss://example/cable", nil)
	require.NoError(t, err)
	_, err = b.Connect(ctx, "hub-1", "wss://example/cable", nil)
	require.NoError(t, err)

	return a, b, driverA, driverB
}

func TestBridgeSubscribeSendReceiveUnreliable(t *testing.T) {
	a, b, _, _ := pairedBridges(t)
	ctx := context.Background()

	aSub, err := a.Subscribe(ctx, "hub-1", "terminal", nil, false)
	require.NoError(t, err)
	bSub, err := b.Subscribe(ctx, "hub-1", "terminal", nil, false)
	require.NoError(t, err)
	require.Equal(t, aSub, bSub)

	bEvents, cancel := b.Events().Subscribe()
	defer cancel()

	_, err = a.Send(ctx, aSub, []byte("hello bob"))
	require.NoError(t, err)

	select {
	case ev := <-bEvents:
		require.Equal(t, EventSubscriptionMessage, ev.Kind)
		require.Equal(t, []byte("hello bob"), ev.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered message")
	}
}

func TestBridgeReliableInOrderDelivery(t *testing.T) {
	a, b, _, _ := pairedBridges(t)
	ctx := context.Background()

	aSub, err := a.Subscribe(ctx, "hub-1", "reliable-chan", nil, true)
	require.NoError(t, err)
	bSub, err := b.Subscribe(ctx, "hub-1", "reliable-chan", nil, true)
	require.NoError(t, err)

	bEvents, cancel := b.Events().Subscribe()
	defer cancel()

	for _, msg := range []string{"one", "two", "three"} {
		_, err := a.Send(ctx, aSub, []byte(msg))
		require.NoError(t, err)
	}

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case ev := <-bEvents:
			if ev.Kind == EventSubscriptionMessage {
				got = append(got, string(ev.Message.([]byte)))
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
	require.Equal(t, []string{"one", "two", "three"}, got)
	_ = bSub
}

func TestBridgeDecryptFailureThresholdRaisesSessionInvalid(t *testing.T) {
	a, b, _, driverB := pairedBridges(t)
	ctx := context.Background()

	aSub, err := a.Subscribe(ctx, "hub-1", "terminal", nil, false)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "hub-1", "terminal", nil, false)
	require.NoError(t, err)

	bEvents, cancel := b.Events().Subscribe()
	defer cancel()

	for i := 0; i < decryptFailureThreshold; i++ {
		driverB.emit(channel.DriverEvent{
			Kind:           channel.EventSubscriptionMessage,
			SubscriptionID: aSub,
			Message:        []byte("not a real envelope"),
		})
	}

	select {
	case ev := <-bEvents:
		require.Equal(t, EventSessionInvalid, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session_invalid event")
	}
}

func TestBridgeDisconnectWithinGraceWindowCancelsClose(t *testing.T) {
	aliceEngine, _ := newTestEngines(t)
	driver := newFakeDriver()
	cfg := config.Default()
	cfg.GraceCloseMs = 50
	b := New(WrapEngine(aliceEngine), cfg, func(config.Transport) channel.Driver { return driver }, nil, nil)

	ctx := context.Background()
	_, err := b.Connect(ctx, "hub-1", "wss://example/cable", nil)
	require.NoError(t, err)

	b.Disconnect("hub-1")
	res, err := b.Connect(ctx, "hub-1", "wss://example/cable", nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.RefCount)

	time.Sleep(150 * time.Millisecond)
	b.mu.Lock()
	_, stillThere := b.hubs["hub-1"]
	b.mu.Unlock()
	require.True(t, stillThere, "grace-close should have been canceled by the reconnect")
}

func TestBridgeUnsubscribeUnknownReturnsError(t *testing.T) {
	aliceEngine, _ := newTestEngines(t)
	driver := newFakeDriver()
	b := New(WrapEngine(aliceEngine), config.Default(), func(config.Transport) channel.Driver { return driver }, nil, nil)
	require.ErrorIs(t, b.Unsubscribe("nope"), ErrNoSubscription)
}
