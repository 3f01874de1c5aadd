package preview

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ratchethub/ratchethub/bridge"
	"github.com/ratchethub/ratchethub/channel"
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

// TestPreviewFetchRoundTrip drives a Preview client against a hand-rolled
// peer that answers the OPEN/DATA protocol directly over the bridge (the
// actual peer-side TCP forwarding is an external collaborator, out of this
// package's scope, same as the CLI's fs_request responder in the hub tests).
func TestPreviewFetchRoundTrip(t *testing.T) {
	aliceID, err := crypto.GenerateIdentity(rand.Reader)
	require.NoError(t, err)
	bobID, err := crypto.GenerateIdentity(rand.Reader)
	require.NoError(t, err)
	clientEngine := crypto.NewEngine(aliceID, nil)
	peerEngine := crypto.NewEngine(bobID, nil)

	bundle, err := peerEngine.PublishBundle("hub-1")
	require.NoError(t, err)
	_, err = clientEngine.CreateSession("hub-1", bundle, nil)
	require.NoError(t, err)
	primeEnv, err := clientEngine.Encrypt("hub-1", []byte("prime"))
	require.NoError(t, err)
	_, err = peerEngine.Decrypt("hub-1", primeEnv)
	require.NoError(t, err)

	driverClient, driverPeer := pairFakeDrivers()
	clientBridge := bridge.New(bridge.WrapEngine(clientEngine), config.Default(), func(config.Transport) channel.Driver { return driverClient }, nil, nil)
	peerBridge := bridge.New(bridge.WrapEngine(peerEngine), config.Default(), func(config.Transport) channel.Driver { return driverPeer }, nil, nil)

	client := New(clientBridge, "hub-1", "wss://example/cable", 8080, nil, nil, nil)

	ctx := context.Background()
	require.NoError(t, client.Initialize(ctx, bundle))
	_, err = peerBridge.Connect(ctx, "hub-1", "wss://example/cable", nil)
	require.NoError(t, err)
	peerSubID, err := peerBridge.Subscribe(ctx, "hub-1", ChannelName, nil, false)
	require.NoError(t, err)

	peerEvents, cancel := peerBridge.Events().Subscribe()
	defer cancel()

	go func() {
		var requestBuf bytes.Buffer
		for ev := range peerEvents {
			if ev.Kind != bridge.EventSubscriptionMessage {
				continue
			}
			var f streamFrame
			if err := json.Unmarshal(ev.Message.([]byte), &f); err != nil {
				continue
			}
			switch f.Action {
			case "open":
				reply, _ := json.Marshal(streamFrame{Action: "opened", StreamID: f.StreamID})
				_, _ = peerBridge.Send(context.Background(), peerSubID, reply)
			case "data":
				requestBuf.Write(f.Data)
				if bytes.Contains(requestBuf.Bytes(), []byte("\r\n\r\n")) {
					body := []byte("hello from peer")
					resp := "HTTP/1.1 200 OK\r\nContent-Length: " +
						strconv.Itoa(len(body)) + "\r\n\r\n" + string(body)
					dataFrame, _ := json.Marshal(streamFrame{Action: "data", StreamID: f.StreamID, Data: []byte(resp)})
					_, _ = peerBridge.Send(context.Background(), peerSubID, dataFrame)
					closeFrame, _ := json.Marshal(streamFrame{Action: "close", StreamID: f.StreamID})
					_, _ = peerBridge.Send(context.Background(), peerSubID, closeFrame)
				}
			}
		}
	}()

	resp, err := client.Fetch(ctx, FetchRequest{Method: "GET", Path: "/status"}, 2*time.Second)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello from peer", string(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
