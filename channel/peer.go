package channel

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/quic-go/quic-go"

	"github.com/ratchethub/ratchethub/internal/worker"
)

// heartbeatInterval/heartbeatTimeout bound the CLI-liveness probe the peer
// driver runs over its own direct stream, since (unlike the relay driver,
// whose subscription-oriented transport handles heartbeats and
// reconnection itself) a raw quic stream gives no signal of its own that
// the remote process, as opposed to the stream, is still alive.
const (
	heartbeatInterval = 5 * time.Second
	heartbeatTimeout  = 2 * heartbeatInterval
)

// peer frame kinds, muxed over the one ordered reliable stream that stands
// in for a WebRTC data channel.
const (
	peerFrameJSON   byte = 0x00
	peerFrameBinary byte = 0x01
)

// peerSendRequest is one frame queued for the single writer goroutine that
// owns the stream, plus the callback it reports the write's outcome to.
type peerSendRequest struct {
	frame  peerFrame
	doneFn func(error)
}

// PeerDriver is a Driver backed by a single quic-go bidirectional stream,
// substituting for the WebRTC data channel the source system uses: this
// repository has no browser runtime to host an RTCPeerConnection, and
// quic-go's ordered reliable stream gives the same delivery guarantee.
// Subscriptions are multiplexed over the one stream by length-prefixing a
// subscription-id header to every frame (spec.md §4.5).
type PeerDriver struct {
	worker.Worker

	mu      sync.Mutex
	conn    quic.Connection
	stream  quic.Stream
	hubID   string
	pending map[string]chan error

	healthMu   sync.Mutex
	cliHealthy bool
	lastPong   time.Time

	sendCh chan *peerSendRequest
	events chan DriverEvent
}

// NewPeerDriver returns a driver with no link yet; Attach hands it an
// already-established quic.Connection. Establishing that connection is left
// to the caller; this driver only owns the data-plane stream once that
// handshake is done.
func NewPeerDriver() *PeerDriver {
	return &PeerDriver{
		pending: make(map[string]chan error),
		sendCh:  make(chan *peerSendRequest, 64),
		events:  make(chan DriverEvent, 64),
	}
}

func (d *PeerDriver) Events() <-chan DriverEvent { return d.events }

func (d *PeerDriver) emit(ev DriverEvent) {
	select {
	case d.events <- ev:
	default:
	}
}

// Attach adopts an established QUIC connection as hubID's peer link, opens
// the shared multiplexed stream, and starts reading frames from it. Connect
// on this driver is a no-op past Attach: the transport-level handshake is
// driven externally via whatever signaling path carried the QUIC handshake
// itself.
func (d *PeerDriver) Attach(ctx context.Context, hubID string, conn quic.Connection) error {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("channel: peer open stream: %w", err)
	}
	d.mu.Lock()
	d.conn = conn
	d.stream = stream
	d.hubID = hubID
	d.mu.Unlock()

	d.healthMu.Lock()
	d.cliHealthy = true
	d.lastPong = time.Now()
	d.healthMu.Unlock()

	d.Go(d.readLoop)
	d.Go(d.writeLoop)
	d.Go(d.heartbeatLoop)
	d.emit(DriverEvent{Kind: EventConnectionState, HubID: hubID, State: StateConnected})
	return nil
}

// heartbeatLoop periodically pings the remote peer and watches for pongs,
// reporting a CLI liveness change (distinct from the stream's own
// connection:state) via EventHealth — see the heartbeatInterval/Timeout
// doc comment.
func (d *PeerDriver) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.mu.Lock()
			hubID := d.hubID
			d.mu.Unlock()

			body, err := json.Marshal(controlMessage{Action: "ping"})
			if err == nil {
				_ = d.writeLocked(peerFrame{kind: peerFrameJSON, data: body})
			}

			d.healthMu.Lock()
			stale := time.Since(d.lastPong) > heartbeatTimeout
			wasHealthy := d.cliHealthy
			if stale {
				d.cliHealthy = false
			}
			d.healthMu.Unlock()
			if stale && wasHealthy {
				d.emit(DriverEvent{Kind: EventHealth, HubID: hubID, Health: map[string]any{"cli": false}})
			}
		case <-d.HaltCh():
			return
		}
	}
}

// writeLoop is the stream's single writer: every frame, whether an
// application Send, a subscribe/unsubscribe control frame, or a retransmit,
// is serialized through sendCh so two goroutines never interleave writes on
// the one quic.Stream (spec.md §4.5 "the driver multiplexes many
// subscriptions over one data channel").
func (d *PeerDriver) writeLoop() {
	for {
		select {
		case req := <-d.sendCh:
			d.mu.Lock()
			stream := d.stream
			d.mu.Unlock()
			var err error
			if stream == nil {
				err = errors.New("channel: peer stream not attached")
			} else {
				err = writePeerFrame(stream, req.frame)
			}
			req.doneFn(err)
		case <-d.HaltCh():
			return
		}
	}
}

// Connect is a placeholder satisfying the Driver interface: the peer
// transport's handshake happens via Attach once signaling completes
// out-of-band, so Connect only reports an error if no connection was ever
// attached.
func (d *PeerDriver) Connect(ctx context.Context, hubID, cableURL string) error {
	d.mu.Lock()
	attached := d.conn != nil
	d.mu.Unlock()
	if !attached {
		return errors.New("channel: peer driver has no attached connection; signaling must complete first")
	}
	return nil
}

func (d *PeerDriver) Disconnect(hubID string) error {
	d.mu.Lock()
	stream, conn := d.stream, d.conn
	d.stream, d.conn = nil, nil
	d.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
	var err error
	if conn != nil {
		err = conn.CloseWithError(0, "disconnect")
	}
	d.emit(DriverEvent{Kind: EventConnectionState, HubID: hubID, State: StateDisconnected})
	return err
}

func (d *PeerDriver) readLoop() {
	d.mu.Lock()
	stream := d.stream
	d.mu.Unlock()
	if stream == nil {
		return
	}
	for {
		frame, err := readPeerFrame(stream)
		if err != nil {
			d.mu.Lock()
			hub := d.hubID
			d.mu.Unlock()
			if !errors.Is(err, io.EOF) {
				d.emit(DriverEvent{Kind: EventConnectionState, HubID: hub, State: StateDisconnected})
			}
			return
		}
		d.handleFrame(frame)
	}
}

type peerFrame struct {
	kind  byte
	subID string
	data  []byte
}

// readPeerFrame reads one length-prefixed frame:
// [kind:1][sub_id_len:u16 LE][sub_id][payload_len:u32 LE][payload].
func readPeerFrame(r io.Reader) (peerFrame, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return peerFrame{}, err
	}
	kind := hdr[0]
	subIDLen := binary.LittleEndian.Uint16(hdr[1:3])
	subID := make([]byte, subIDLen)
	if _, err := io.ReadFull(r, subID); err != nil {
		return peerFrame{}, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return peerFrame{}, err
	}
	payload := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return peerFrame{}, err
	}
	return peerFrame{kind: kind, subID: string(subID), data: payload}, nil
}

func writePeerFrame(w io.Writer, f peerFrame) error {
	hdr := make([]byte, 3+len(f.subID)+4)
	hdr[0] = f.kind
	binary.LittleEndian.PutUint16(hdr[1:3], uint16(len(f.subID)))
	copy(hdr[3:], f.subID)
	binary.LittleEndian.PutUint32(hdr[3+len(f.subID):], uint32(len(f.data)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(f.data)
	return err
}

type controlMessage struct {
	Action  string         `json:"action"`
	Channel string         `json:"channel,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

func (d *PeerDriver) handleFrame(f peerFrame) {
	if f.kind != peerFrameJSON {
		d.emit(DriverEvent{Kind: EventSubscriptionMessage, SubscriptionID: f.subID, Message: f.data, IsJSON: false})
		return
	}
	var ctrl controlMessage
	if err := json.Unmarshal(f.data, &ctrl); err != nil {
		return
	}
	switch ctrl.Action {
	case "confirmed":
		d.resolvePending(f.subID, nil)
		d.emit(DriverEvent{Kind: EventSubscriptionConfirmed, SubscriptionID: f.subID})
	case "rejected":
		d.resolvePending(f.subID, errors.New(ctrl.Reason))
		d.emit(DriverEvent{Kind: EventSubscriptionRejected, SubscriptionID: f.subID, Reason: ctrl.Reason})
	case "ping":
		d.handlePing()
	case "pong":
		d.handlePong()
	default:
		d.emit(DriverEvent{Kind: EventSubscriptionMessage, SubscriptionID: f.subID, Message: f.data, IsJSON: true})
	}
}

func (d *PeerDriver) handlePing() {
	body, err := json.Marshal(controlMessage{Action: "pong"})
	if err != nil {
		return
	}
	_ = d.writeLocked(peerFrame{kind: peerFrameJSON, data: body})
}

func (d *PeerDriver) handlePong() {
	d.mu.Lock()
	hubID := d.hubID
	d.mu.Unlock()

	d.healthMu.Lock()
	d.lastPong = time.Now()
	wasHealthy := d.cliHealthy
	d.cliHealthy = true
	d.healthMu.Unlock()
	if !wasHealthy {
		d.emit(DriverEvent{Kind: EventHealth, HubID: hubID, Health: map[string]any{"cli": true}})
	}
}

func (d *PeerDriver) resolvePending(subID string, err error) {
	d.mu.Lock()
	ch, ok := d.pending[subID]
	if ok {
		delete(d.pending, subID)
	}
	d.mu.Unlock()
	if ok {
		ch <- err
	}
}

// Subscribe opens a subscription by writing a JSON "subscribe" control
// frame under a fresh subscription id and waiting for confirmation.
func (d *PeerDriver) Subscribe(ctx context.Context, hubID, channelName string, params map[string]any) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	subID := id.String()
	resultCh := make(chan error, 1)
	d.mu.Lock()
	d.pending[subID] = resultCh
	stream := d.stream
	d.mu.Unlock()
	if stream == nil {
		return "", errors.New("channel: peer stream not attached")
	}

	body, err := json.Marshal(controlMessage{Action: "subscribe", Channel: channelName, Params: params})
	if err != nil {
		return "", err
	}
	if err := d.writeLocked(peerFrame{kind: peerFrameJSON, subID: subID, data: body}); err != nil {
		d.mu.Lock()
		delete(d.pending, subID)
		d.mu.Unlock()
		return "", err
	}

	select {
	case err := <-resultCh:
		if err != nil {
			return "", err
		}
		return subID, nil
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, subID)
		d.mu.Unlock()
		return "", ctx.Err()
	}
}

func (d *PeerDriver) Unsubscribe(subscriptionID string) error {
	body, err := json.Marshal(controlMessage{Action: "unsubscribe"})
	if err != nil {
		return err
	}
	return d.writeLocked(peerFrame{kind: peerFrameJSON, subID: subscriptionID, data: body})
}

func (d *PeerDriver) SendRaw(subscriptionID string, data []byte, isJSON bool) error {
	kind := peerFrameBinary
	if isJSON {
		kind = peerFrameJSON
	}
	return d.writeLocked(peerFrame{kind: kind, subID: subscriptionID, data: data})
}

// writeLocked queues f for the writer goroutine and blocks for the result,
// giving callers the same synchronous contract a direct write had without
// letting two callers' writes interleave on the stream.
func (d *PeerDriver) writeLocked(f peerFrame) error {
	d.mu.Lock()
	attached := d.stream != nil
	d.mu.Unlock()
	if !attached {
		return errors.New("channel: peer stream not attached")
	}

	errCh := make(chan error, 1)
	req := &peerSendRequest{frame: f, doneFn: func(err error) { errCh <- err }}
	select {
	case d.sendCh <- req:
	case <-d.HaltCh():
		return errors.New("channel: peer driver closed")
	}
	select {
	case err := <-errCh:
		return err
	case <-d.HaltCh():
		return errors.New("channel: peer driver closed")
	}
}

func (d *PeerDriver) Close() error {
	d.Halt()
	err := d.Disconnect(d.hubID)
	d.Wait()
	close(d.events)
	return err
}
