package terminal

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
	"github.com/ratchethub/ratchethub/codec"
	"github.com/ratchethub/ratchethub/crypto"
	"github.com/ratchethub/ratchethub/internal/config"
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

func pairedTerminals(t *testing.T) (cli, browser *Terminal) {
	t.Helper()
	aliceID, err := crypto.GenerateIdentity(rand.Reader)
	require.NoError(t, err)
	bobID, err := crypto.GenerateIdentity(rand.Reader)
	require.NoError(t, err)
	browserEngine := crypto.NewEngine(aliceID, nil)
	cliEngine := crypto.NewEngine(bobID, nil)

	bundle, err := cliEngine.PublishBundle("hub-1")
	require.NoError(t, err)
	_, err = browserEngine.CreateSession("hub-1", bundle, nil)
	require.NoError(t, err)
	primeEnv, err := browserEngine.Encrypt("hub-1", []byte("prime"))
	require.NoError(t, err)
	_, err = cliEngine.Decrypt("hub-1", primeEnv)
	require.NoError(t, err)

	driverBrowser, driverCli := pairFakeDrivers()
	browserBridge := bridge.New(bridge.WrapEngine(browserEngine), config.Default(), func(config.Transport) channel.Driver { return driverBrowser }, nil, nil)
	cliBridge := bridge.New(bridge.WrapEngine(cliEngine), config.Default(), func(config.Transport) channel.Driver { return driverCli }, nil, nil)

	params := Params{AgentIndex: 0, PTYIndex: 0, Rows: 24, Cols: 80}
	browser = New(browserBridge, "hub-1", "wss://example/cable", params, nil, nil)
	cli = New(cliBridge, "hub-1", "wss://example/cable", params, nil, nil)

	ctx := context.Background()
	require.NoError(t, browser.Initialize(ctx, bundle))
	require.NoError(t, cli.Initialize(ctx, nil))
	return cli, browser
}

func TestTerminalOutputRoutedAsLiveOutput(t *testing.T) {
	cli, browser := pairedTerminals(t)
	cli.SetCLIReady()

	ch, cancel := browser.Events().Subscribe()
	defer cancel()

	require.True(t, cli.Connection.Send(append([]byte{routeOutput}, []byte("hello\n")...)))

	select {
	case ev := <-ch:
		require.Equal(t, "output", ev.Kind)
		require.Equal(t, []byte("hello\n"), ev.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for output event")
	}
}

func TestTerminalSnapshotReassembly(t *testing.T) {
	cli, browser := pairedTerminals(t)
	cli.SetCLIReady()

	ch, cancel := browser.Events().Subscribe()
	defer cancel()

	chunks := [][]byte{[]byte("part-1-"), []byte("part-2-"), []byte("part-3")}
	for i, c := range chunks {
		frame := codec.EncodeSnapshotChunk(codec.SnapshotChunk{
			SnapshotID:  7,
			ChunkIdx:    uint16(i),
			TotalChunks: uint16(len(chunks)),
			Data:        c,
		})
		require.True(t, cli.Connection.Send(frame))
	}

	select {
	case ev := <-ch:
		require.Equal(t, "output", ev.Kind)
		require.Equal(t, []byte("part-1-part-2-part-3"), ev.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reassembled snapshot")
	}
}

func TestTerminalCLIReadyGatesInput(t *testing.T) {
	cli, browser := pairedTerminals(t)
	cli.SetCLIReady()

	ch, cancel := cli.Events().Subscribe()
	defer cancel()

	ok := browser.SendInput([]byte("k"))
	require.True(t, ok)

	ready, err := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "input_ready"})
	require.NoError(t, err)
	require.True(t, cli.Connection.Send(append([]byte{routeControl}, ready...)))

	select {
	case ev := <-ch:
		require.Equal(t, "output", ev.Kind)
		require.Equal(t, []byte("k"), ev.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for buffered input to flush")
	}
}
