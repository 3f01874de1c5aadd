package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"

	"github.com/ratchethub/ratchethub/internal/worker"
)

// relayFrame is the JSON envelope exchanged with the relay server: a
// subscription-oriented transport per SPEC_FULL.md §4.5, addressed by
// subscription_id once opened.
type relayFrame struct {
	Action         string         `json:"action"`
	HubID          string         `json:"hub_id,omitempty"`
	Channel        string         `json:"channel,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	SubscriptionID string         `json:"subscription_id,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

type pendingSub struct {
	resultCh chan error
	id       string
}

// relaySendRequest is one frame queued for the single writer goroutine that
// owns the websocket connection, plus the callback it reports the write's
// outcome to.
type relaySendRequest struct {
	frame  relayFrame
	doneFn func(error)
}

// RelayDriver is a Driver backed by a single gorilla/websocket connection to
// a subscription-oriented relay server. Frames are JSON envelopes (spec.md
// §3's Envelope wire form travels inside relayFrame.Data).
type RelayDriver struct {
	worker.Worker

	mu      sync.Mutex
	conn    *websocket.Conn
	hubID   string
	state   ConnState
	pending map[string]*pendingSub // keyed by a locally-generated correlation id

	sendCh chan *relaySendRequest
	events chan DriverEvent
}

// NewRelayDriver constructs an unconnected RelayDriver.
func NewRelayDriver() *RelayDriver {
	return &RelayDriver{
		pending: make(map[string]*pendingSub),
		sendCh:  make(chan *relaySendRequest, 64),
		events:  make(chan DriverEvent, 64),
		state:   StateDisconnected,
	}
}

func (d *RelayDriver) Events() <-chan DriverEvent { return d.events }

func (d *RelayDriver) emit(ev DriverEvent) {
	select {
	case d.events <- ev:
	default:
	}
}

// Connect dials cableURL and starts the read loop. hubID is attached to
// every event this driver emits.
func (d *RelayDriver) Connect(ctx context.Context, hubID, cableURL string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, cableURL, nil)
	if err != nil {
		return fmt.Errorf("channel: relay dial: %w", err)
	}
	d.mu.Lock()
	d.conn = conn
	d.hubID = hubID
	d.state = StateConnected
	d.mu.Unlock()

	d.Go(d.readLoop)
	d.Go(d.writeLoop)
	d.emit(DriverEvent{Kind: EventConnectionState, HubID: hubID, State: StateConnected})
	return nil
}

// writeLoop is the websocket connection's single writer: subscribe/send/
// unsubscribe frames, plus any retransmit that lands concurrently with an
// application Send on a different subscription of the same hub, are all
// serialized through sendCh so two goroutines never interleave
// conn.WriteMessage calls on the one *websocket.Conn.
func (d *RelayDriver) writeLoop() {
	for {
		select {
		case req := <-d.sendCh:
			d.mu.Lock()
			conn := d.conn
			d.mu.Unlock()
			var err error
			if conn == nil {
				err = errors.New("channel: relay not connected")
			} else {
				var raw []byte
				raw, err = json.Marshal(req.frame)
				if err == nil {
					err = conn.WriteMessage(websocket.TextMessage, raw)
				}
			}
			req.doneFn(err)
		case <-d.HaltCh():
			return
		}
	}
}

func (d *RelayDriver) Disconnect(hubID string) error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.state = StateDisconnected
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	d.emit(DriverEvent{Kind: EventConnectionState, HubID: hubID, State: StateDisconnected})
	return err
}

func (d *RelayDriver) readLoop() {
	for {
		d.mu.Lock()
		conn := d.conn
		d.mu.Unlock()
		if conn == nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			d.mu.Lock()
			hub := d.hubID
			d.conn = nil
			d.state = StateDisconnected
			d.mu.Unlock()
			d.emit(DriverEvent{Kind: EventConnectionState, HubID: hub, State: StateDisconnected})
			return
		}
		var frame relayFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		d.handleFrame(frame)
	}
}

func (d *RelayDriver) handleFrame(frame relayFrame) {
	switch frame.Action {
	case "confirmed":
		d.resolveSub(frame.SubscriptionID, frame.SubscriptionID, nil)
		d.emit(DriverEvent{Kind: EventSubscriptionConfirmed, SubscriptionID: frame.SubscriptionID})
	case "rejected":
		d.resolveSub(frame.SubscriptionID, "", errors.New(frame.Reason))
		d.emit(DriverEvent{Kind: EventSubscriptionRejected, SubscriptionID: frame.SubscriptionID, Reason: frame.Reason})
	case "message":
		d.emit(DriverEvent{Kind: EventSubscriptionMessage, SubscriptionID: frame.SubscriptionID, Message: frame.Data, IsJSON: true})
	}
}

func (d *RelayDriver) resolveSub(corrID, subID string, err error) {
	d.mu.Lock()
	p, ok := d.pending[corrID]
	if ok {
		delete(d.pending, corrID)
	}
	d.mu.Unlock()
	if ok {
		p.id = subID
		p.resultCh <- err
	}
}

// Subscribe opens a subscription on channelName, blocking until the relay
// confirms, rejects, or ctx expires (10s default enforced by the caller).
func (d *RelayDriver) Subscribe(ctx context.Context, hubID, channelName string, params map[string]any) (string, error) {
	subID, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	id := subID.String()

	p := &pendingSub{resultCh: make(chan error, 1), id: id}
	d.mu.Lock()
	d.pending[id] = p
	d.mu.Unlock()

	if err := d.writeFrame(relayFrame{
		Action:         "subscribe",
		HubID:          hubID,
		Channel:        channelName,
		Params:         params,
		SubscriptionID: id,
	}); err != nil {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		return "", err
	}

	select {
	case err := <-p.resultCh:
		if err != nil {
			return "", err
		}
		return id, nil
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		return "", ctx.Err()
	}
}

func (d *RelayDriver) Unsubscribe(subscriptionID string) error {
	return d.writeFrame(relayFrame{Action: "unsubscribe", SubscriptionID: subscriptionID})
}

func (d *RelayDriver) SendRaw(subscriptionID string, data []byte, isJSON bool) error {
	return d.writeFrame(relayFrame{Action: "send", SubscriptionID: subscriptionID, Data: json.RawMessage(encodeSendData(data, isJSON))})
}

// encodeSendData wraps raw bytes as a JSON string (base64, via json.Marshal
// on []byte) or passes already-JSON data through verbatim.
func encodeSendData(data []byte, isJSON bool) []byte {
	if isJSON {
		return data
	}
	b, _ := json.Marshal(data)
	return b
}

// writeFrame queues frame for the writer goroutine and blocks for the
// result, giving callers the same synchronous contract a direct write had
// without letting two callers' writes interleave on the connection.
func (d *RelayDriver) writeFrame(frame relayFrame) error {
	d.mu.Lock()
	attached := d.conn != nil
	d.mu.Unlock()
	if !attached {
		return errors.New("channel: relay not connected")
	}

	errCh := make(chan error, 1)
	req := &relaySendRequest{frame: frame, doneFn: func(err error) { errCh <- err }}
	select {
	case d.sendCh <- req:
	case <-d.HaltCh():
		return errors.New("channel: relay driver closed")
	}
	select {
	case err := <-errCh:
		return err
	case <-d.HaltCh():
		return errors.New("channel: relay driver closed")
	}
}

func (d *RelayDriver) Close() error {
	d.Halt()
	err := d.Disconnect(d.hubID)
	d.Wait()
	close(d.events)
	return err
}
