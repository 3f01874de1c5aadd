// Package terminal implements the data-plane typed Connection variant
// (spec.md §4.7): reliable PTY I/O with routing-byte framed payloads and
// chunked snapshot reassembly.
package terminal

import (
	"encoding/json"

	"github.com/charmbracelet/log"

	"github.com/ratchethub/ratchethub/bridge"
	"github.com/ratchethub/ratchethub/codec"
	"github.com/ratchethub/ratchethub/connection"
)

// ChannelName is the subscribe-time channel name for the terminal data plane.
const ChannelName = "terminal"

// Routing bytes prefixing a raw_output payload, per spec.md §4.7.
const (
	routeControl  byte = 0x00
	routeOutput   byte = 0x01
	routeSnapshot byte = 0x02
)

// resizeMessage is the outbound JSON control frame sendResize emits.
type resizeMessage struct {
	Type string `json:"type"`
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
}

// Params configures the subscribe-time PTY sizing sent with the terminal
// subscription so the peer can size the PTY before delivering output.
type Params struct {
	AgentIndex int
	PTYIndex   int
	Rows       int
	Cols       int
}

// Terminal is the data-plane Connection: reliable delivery, snapshot
// reassembly, and raw PTY I/O.
type Terminal struct {
	*connection.Connection

	reassembler *codec.SnapshotReassembler
}

// New constructs a Terminal's underlying Connection, configured with the
// terminal ChannelSpec (reliable delivery, cli_ready-gated).
func New(b *bridge.Bridge, hubID, cableURL string, params Params, emitter *connection.Emitter, logger *log.Logger) *Terminal {
	term := &Terminal{}
	term.reassembler = codec.NewSnapshotReassembler(func(payload []byte) {
		term.Connection.Events().Publish(connection.Event{Kind: "output", Data: payload})
	})
	spec := connection.ChannelSpec{
		Name:             ChannelName,
		RequiresCLIReady: true,
		Reliable:         true,
		BuildParams: func() map[string]any {
			return map[string]any{
				"agent_index": params.AgentIndex,
				"pty_index":   params.PTYIndex,
				"rows":        params.Rows,
				"cols":        params.Cols,
			}
		},
		HandleMessage: term.handleMessage,
	}
	term.Connection = connection.New(b, hubID, cableURL, spec, emitter, logger)
	return term
}

func (t *Terminal) handleMessage(c *connection.Connection, payload []byte) {
	if len(payload) == 0 {
		return
	}
	route, body := payload[0], payload[1:]
	switch route {
	case routeOutput:
		c.Events().Publish(connection.Event{Kind: "output", Data: append([]byte(nil), body...)})
	case routeSnapshot:
		chunk, err := codec.DecodeSnapshotChunk(payload)
		if err != nil {
			return
		}
		t.reassembler.Feed(chunk)
	case routeControl:
		var ctrl struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(body, &ctrl); err != nil {
			return
		}
		if ctrl.Type == "input_ready" {
			c.SetCLIReady()
			return
		}
		c.Events().Publish(connection.Event{Kind: ctrl.Type, Data: body})
	}
}

// SendInput forwards raw keystroke bytes to the peer prefixed with the
// routeOutput byte (0x01); the keystrokes are not sent bare.
func (t *Terminal) SendInput(data []byte) bool {
	return t.Connection.Send(append([]byte{routeOutput}, data...))
}

// SendResize sends a JSON resize control message.
func (t *Terminal) SendResize(rows, cols int) bool {
	body, err := json.Marshal(resizeMessage{Type: "resize", Rows: rows, Cols: cols})
	if err != nil {
		return false
	}
	return t.Connection.Send(append([]byte{routeControl}, body...))
}

// Close releases the snapshot reassembler's pending timer.
func (t *Terminal) Close() {
	t.reassembler.Stop()
	t.Connection.Destroy()
}
