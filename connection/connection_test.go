package connection

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ratchethub/ratchethub/bridge"
	"github.com/ratchethub/ratchethub/channel"
	"github.com/ratchethub/ratchethub/crypto"
	"github.com/ratchethub/ratchethub/internal/config"
)

// fakeDriver mirrors bridge's own test double: Subscribe confirms
// immediately and SendRaw loops back to a paired peer's Events channel.
type fakeDriver struct {
	mu     sync.Mutex
	peer   *fakeDriver
	events chan channel.DriverEvent
	closed bool
}

func newFakeDriver() *fakeDriver { return &fakeDriver{events: make(chan channel.DriverEvent, 64)} }

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

func pairedConnections(t *testing.T, spec ChannelSpec) (a, b *Connection) {
	t.Helper()
	aliceID, err := crypto.GenerateIdentity(rand.Reader)
	require.NoError(t, err)
	bobID, err := crypto.GenerateIdentity(rand.Reader)
	require.NoError(t, err)
	aliceEngine := crypto.NewEngine(aliceID, nil)
	bobEngine := crypto.NewEngine(bobID, nil)

	bundle, err := bobEngine.PublishBundle("hub-1")
	require.NoError(t, err)
	_, err = aliceEngine.CreateSession("hub-1", bundle, nil)
	require.NoError(t, err)
	primeEnv, err := aliceEngine.Encrypt("hub-1", []byte("prime"))
	require.NoError(t, err)
	_, err = bobEngine.Decrypt("hub-1", primeEnv)
	require.NoError(t, err)

	driverA, driverB := pairFakeDrivers()
	aBridge := bridge.New(bridge.WrapEngine(aliceEngine), config.Default(), func(config.Transport) channel.Driver { return driverA }, nil, nil)
	bBridge := bridge.New(bridge.WrapEngine(bobEngine), config.Default(), func(config.Transport) channel.Driver { return driverB }, nil, nil)

	a = New(aBridge, "hub-1", "wss://example/cable", spec, nil, nil)
	b = New(bBridge, "hub-1", "wss://example/cable", spec, nil, nil)

	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx, bundle))
	require.NoError(t, b.Initialize(ctx, nil))
	return a, b
}

func TestConnectionInitializeReachesConnected(t *testing.T) {
	a, b := pairedConnections(t, ChannelSpec{Name: "terminal"})
	require.Equal(t, StateConnected, a.State())
	require.Equal(t, StateConnected, b.State())
	require.NotEmpty(t, a.SubscriptionID())
}

func TestConnectionCLIReadyGating(t *testing.T) {
	var mu sync.Mutex
	var received [][]byte
	spec := ChannelSpec{
		Name:             "terminal",
		RequiresCLIReady: true,
		HandleMessage: func(c *Connection, payload []byte) {
			mu.Lock()
			received = append(received, append([]byte(nil), payload...))
			mu.Unlock()
		},
	}
	a, b := pairedConnections(t, spec)

	ok := a.Send([]byte("keystroke-1"))
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Empty(t, received, "message must be buffered, not delivered, before cli_ready")
	mu.Unlock()

	a.SetCLIReady()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && string(received[0]) == "keystroke-1"
	}, 2*time.Second, 10*time.Millisecond)
	_ = b
}

func TestConnectionHealthDrivesCLIDisconnectedTransitions(t *testing.T) {
	a, _ := pairedConnections(t, ChannelSpec{Name: "terminal"})
	require.Equal(t, StateConnected, a.State())

	a.handleBridgeEvent(bridge.Event{Kind: bridge.EventHealth, HubID: "hub-1", Health: map[string]any{"cli": false}})
	require.Equal(t, StateCLIDisconnected, a.State())

	a.handleBridgeEvent(bridge.Event{Kind: bridge.EventHealth, HubID: "hub-1", Health: map[string]any{"cli": true}})
	require.Equal(t, StateConnected, a.State())
}

func TestConnectionHandleMessageRoutesJSON(t *testing.T) {
	type agentListMsg struct {
		Type  string   `json:"type"`
		Names []string `json:"names"`
	}
	var gotKind string
	spec := ChannelSpec{
		Name: "hub",
		HandleMessage: func(c *Connection, payload []byte) {
			var m agentListMsg
			if err := json.Unmarshal(payload, &m); err == nil {
				gotKind = m.Type
			}
		},
	}
	a, b := pairedConnections(t, spec)

	msg, err := json.Marshal(agentListMsg{Type: "agent_list", Names: []string{"x"}})
	require.NoError(t, err)
	require.True(t, b.Send(msg))

	require.Eventually(t, func() bool { return gotKind == "agent_list" }, 2*time.Second, 10*time.Millisecond)
	_ = a
}
