package connection_test

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
	"github.com/ratchethub/ratchethub/hub"
	"github.com/ratchethub/ratchethub/internal/config"
	"github.com/ratchethub/ratchethub/terminal"
)

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

// TestHappyPathPairingAndMultiChannelSend exercises scenario 1 from
// spec.md §8: a fresh pairing followed by sending application messages on
// two independently-subscribed channels (hub + terminal) over the same hub,
// each routed without cross-talk.
func TestHappyPathPairingAndMultiChannelSend(t *testing.T) {
	browserID, err := crypto.GenerateIdentity(rand.Reader)
	require.NoError(t, err)
	cliID, err := crypto.GenerateIdentity(rand.Reader)
	require.NoError(t, err)
	browserEngine := crypto.NewEngine(browserID, nil)
	cliEngine := crypto.NewEngine(cliID, nil)

	bundle, err := cliEngine.PublishBundle("hub-1")
	require.NoError(t, err)
	_, err = browserEngine.CreateSession("hub-1", bundle, nil)
	require.NoError(t, err)
	primeEnv, err := browserEngine.Encrypt("hub-1", []byte("prime"))
	require.NoError(t, err)
	_, err = cliEngine.Decrypt("hub-1", primeEnv)
	require.NoError(t, err)

	// One driver pair per side, shared by both channels: the Bridge
	// ref-counts a single driver per hub_id regardless of how many
	// Connections subscribe to it (spec.md §4.4).
	driverBrowser, driverCli := pairFakeDrivers()

	browserBridge := bridge.New(bridge.WrapEngine(browserEngine), config.Default(), func(config.Transport) channel.Driver { return driverBrowser }, nil, nil)
	cliBridge := bridge.New(bridge.WrapEngine(cliEngine), config.Default(), func(config.Transport) channel.Driver { return driverCli }, nil, nil)

	browserHub := hub.New(browserBridge, "hub-1", "wss://example/cable", nil, nil)
	cliHub := hub.New(cliBridge, "hub-1", "wss://example/cable", nil, nil)

	browserTerm := terminal.New(browserBridge, "hub-1", "wss://example/cable", terminal.Params{Rows: 24, Cols: 80}, nil, nil)
	cliTerm := terminal.New(cliBridge, "hub-1", "wss://example/cable", terminal.Params{Rows: 24, Cols: 80}, nil, nil)

	ctx := context.Background()
	require.NoError(t, browserHub.Initialize(ctx, bundle))
	require.NoError(t, cliHub.Initialize(ctx, nil))
	require.NoError(t, browserTerm.Initialize(ctx, nil))
	require.NoError(t, cliTerm.Initialize(ctx, nil))

	cliTerm.SetCLIReady()

	hubCh, cancelHub := cliHub.Events().Subscribe()
	defer cancelHub()
	termCh, cancelTerm := browserTerm.Events().Subscribe()
	defer cancelTerm()

	msg, err := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "agent_created"})
	require.NoError(t, err)
	require.True(t, browserHub.Connection.Send(msg))

	require.True(t, cliTerm.SendInput([]byte("ls\n")))

	select {
	case ev := <-hubCh:
		require.Equal(t, "agent_created", ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hub-channel event")
	}

	select {
	case ev := <-termCh:
		require.Equal(t, "output", ev.Kind)
		require.Equal(t, []byte("ls\n"), ev.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal-channel event")
	}
}
