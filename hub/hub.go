// Package hub implements the control-plane typed Connection variant
// (spec.md §4.7): agent/worktree list and lifecycle events, plus a
// request/response filesystem RPC correlated by request_id instead of
// string-prefix routing (spec.md §9 "runtime reflection-style routing").
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/uuid"

	"github.com/ratchethub/ratchethub/bridge"
	"github.com/ratchethub/ratchethub/connection"
)

// ChannelName is the subscribe-time channel name for the hub control plane.
const ChannelName = "hub"

var ErrFsRequestFailed = errors.New("hub: fs_request rejected")

// inboundMessage is the envelope every message on the hub channel arrives
// wrapped in: Type discriminates the payload, RequestID correlates an
// fs_request's response.
type inboundMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	OK        *bool           `json:"ok,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type outboundFsRequest struct {
	Type      string         `json:"type"`
	Params    map[string]any `json:"params,omitempty"`
	RequestID string         `json:"request_id"`
}

// Hub is the control-plane Connection: agent/worktree lists, named lifecycle
// events (agent_created/agent_deleted/connection_code), and fs_request RPC.
type Hub struct {
	*connection.Connection

	mu      sync.Mutex
	pending map[string]chan inboundMessage
}

// New constructs and returns a Hub together with its underlying Connection,
// configured with the hub ChannelSpec.
func New(b *bridge.Bridge, hubID, cableURL string, emitter *connection.Emitter, logger *log.Logger) *Hub {
	h := &Hub{pending: make(map[string]chan inboundMessage)}
	spec := connection.ChannelSpec{
		Name:             ChannelName,
		RequiresCLIReady: false,
		Reliable:         false,
		HandleMessage:    h.handleMessage,
	}
	h.Connection = connection.New(b, hubID, cableURL, spec, emitter, logger)
	return h
}

func (h *Hub) handleMessage(c *connection.Connection, payload []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}

	if msg.RequestID != "" {
		h.mu.Lock()
		ch, ok := h.pending[msg.RequestID]
		if ok {
			delete(h.pending, msg.RequestID)
		}
		h.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	switch msg.Type {
	case "agent_list", "worktree_list":
		c.Events().Publish(connection.Event{Kind: msg.Type, Data: msg.Data})
	case "agent_created", "agent_deleted", "connection_code":
		c.Events().Publish(connection.Event{Kind: msg.Type, Data: msg.Data})
	case "input_ready":
		c.SetCLIReady()
	}
}

// FsRequest sends a filesystem RPC of the given type and params, resolving
// with the response's Data field on {ok: true, ...}, or an error wrapping
// ErrFsRequestFailed on {ok: false, error} or timeout.
func (h *Hub) FsRequest(ctx context.Context, reqType string, params map[string]any, timeout time.Duration) (json.RawMessage, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	requestID := id.String()

	replyCh := make(chan inboundMessage, 1)
	h.mu.Lock()
	h.pending[requestID] = replyCh
	h.mu.Unlock()

	body, err := json.Marshal(outboundFsRequest{Type: reqType, Params: params, RequestID: requestID})
	if err != nil {
		h.mu.Lock()
		delete(h.pending, requestID)
		h.mu.Unlock()
		return nil, err
	}
	if ok := h.Connection.Send(body); !ok {
		h.mu.Lock()
		delete(h.pending, requestID)
		h.mu.Unlock()
		return nil, errors.New("hub: connection not subscribed")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		if reply.OK != nil && !*reply.OK {
			return nil, fmt.Errorf("%w: %s", ErrFsRequestFailed, reply.Error)
		}
		return reply.Data, nil
	case <-timer.C:
		h.mu.Lock()
		delete(h.pending, requestID)
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: timeout", ErrFsRequestFailed)
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.pending, requestID)
		h.mu.Unlock()
		return nil, ctx.Err()
	}
}
