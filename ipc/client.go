package ipc

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"

	"github.com/ratchethub/ratchethub/crypto"
	"github.com/ratchethub/ratchethub/internal/worker"
)

// ErrClientClosed is returned by every Client method once Close has run.
var ErrClientClosed = errors.New("ipc: client closed")

// Client is a Bridge-side handle to a Crypto Engine running as a separate
// process. It implements the same operations as an in-process
// *crypto.Engine so the Bridge can be built against either without knowing
// which, via a small Handle interface the bridge package defines.
type Client struct {
	worker.Worker

	conn   net.Conn
	enc    *cbor.Encoder
	dec    *cbor.Decoder
	nextID uint64

	mu      sync.Mutex
	pending map[uint64]chan Response
	closed  bool
}

// Dial connects to a Crypto Engine listening at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		enc:     cbor.NewEncoder(conn),
		dec:     cbor.NewDecoder(conn),
		pending: make(map[uint64]chan Response),
	}
	c.Go(c.readLoop)
	return c, nil
}

// Close terminates the connection and fails every in-flight call.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	err := c.conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	c.Halt()
	c.Wait()
	return err
}

func (c *Client) readLoop() {
	for {
		var resp Response
		if err := c.dec.Decode(&resp); err != nil {
			c.failAll()
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
			close(ch)
		}
	}
}

func (c *Client) failAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan Response)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Response{}, ErrClientClosed
	}
	req.ID = atomic.AddUint64(&c.nextID, 1)
	ch := make(chan Response, 1)
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := c.enc.Encode(&req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return Response{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, ErrClientClosed
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return Response{}, ctx.Err()
	}
}

// PublishBundle requests a freshly-generated, signed Bundle for hub.
func (c *Client) PublishBundle(ctx context.Context, hub string) (*crypto.Bundle, error) {
	resp, err := c.call(ctx, Request{PublishBundle: &PublishBundleRequest{Hub: hub}})
	if err != nil {
		return nil, err
	}
	if resp.ErrorCode != "" {
		return nil, asError(resp.ErrorCode, resp.ErrorMessage)
	}
	var bundle crypto.Bundle
	if err := cbor.Unmarshal(resp.Bundle, &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// CreateSession establishes an outbound session for hub from peerBundle.
func (c *Client) CreateSession(ctx context.Context, hub string, peerBundle *crypto.Bundle, pinned []byte) ([]byte, error) {
	b, err := cbor.Marshal(peerBundle)
	if err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, Request{CreateSession: &CreateSessionRequest{Hub: hub, Bundle: b, Pinned: pinned}})
	if err != nil {
		return nil, err
	}
	if resp.ErrorCode != "" {
		return nil, asError(resp.ErrorCode, resp.ErrorMessage)
	}
	return resp.Bytes, nil
}

// HasSession reports whether hub has a live session.
func (c *Client) HasSession(ctx context.Context, hub string) (bool, error) {
	resp, err := c.call(ctx, Request{HasSession: &HasSessionRequest{Hub: hub}})
	if err != nil {
		return false, err
	}
	return resp.Bool, nil
}

// Encrypt seals plaintext for hub, returning a CBOR-encoded Envelope.
func (c *Client) Encrypt(ctx context.Context, hub string, plaintext []byte) ([]byte, error) {
	resp, err := c.call(ctx, Request{Encrypt: &EncryptRequest{Hub: hub, Plaintext: plaintext}})
	if err != nil {
		return nil, err
	}
	if resp.ErrorCode != "" {
		return nil, asError(resp.ErrorCode, resp.ErrorMessage)
	}
	return resp.Bytes, nil
}

// Decrypt opens an inbound Envelope for hub.
func (c *Client) Decrypt(ctx context.Context, hub string, envelope []byte) ([]byte, error) {
	resp, err := c.call(ctx, Request{Decrypt: &DecryptRequest{Hub: hub, Envelope: envelope}})
	if err != nil {
		return nil, err
	}
	if resp.ErrorCode != "" {
		return nil, asError(resp.ErrorCode, resp.ErrorMessage)
	}
	return resp.Plaintext, nil
}

// EncryptBinary seals plaintext for hub, returning the peer-channel binary frame.
func (c *Client) EncryptBinary(ctx context.Context, hub string, plaintext []byte) ([]byte, error) {
	resp, err := c.call(ctx, Request{EncryptBinary: &EncryptBinaryRequest{Hub: hub, Plaintext: plaintext}})
	if err != nil {
		return nil, err
	}
	if resp.ErrorCode != "" {
		return nil, asError(resp.ErrorCode, resp.ErrorMessage)
	}
	return resp.Bytes, nil
}

// DecryptBinary opens an inbound binary frame for hub.
func (c *Client) DecryptBinary(ctx context.Context, hub string, frame []byte) ([]byte, error) {
	resp, err := c.call(ctx, Request{DecryptBinary: &DecryptBinaryRequest{Hub: hub, Frame: frame}})
	if err != nil {
		return nil, err
	}
	if resp.ErrorCode != "" {
		return nil, asError(resp.ErrorCode, resp.ErrorMessage)
	}
	return resp.Plaintext, nil
}

// IdentityKey returns the engine's long-term identity public key.
func (c *Client) IdentityKey(ctx context.Context) ([]byte, error) {
	resp, err := c.call(ctx, Request{IdentityKey: &IdentityKeyRequest{}})
	if err != nil {
		return nil, err
	}
	return resp.Bytes, nil
}

// ClearSession discards hub's session state.
func (c *Client) ClearSession(ctx context.Context, hub string) error {
	_, err := c.call(ctx, Request{ClearSession: &ClearSessionRequest{Hub: hub}})
	return err
}

// ClearAllSessions discards every hub's session state.
func (c *Client) ClearAllSessions(ctx context.Context) error {
	_, err := c.call(ctx, Request{ClearAllSessions: &ClearAllSessionsRequest{}})
	return err
}
