// Package preview implements the HTTP-tunneling typed Connection variant
// (spec.md §4.7): one reliable-free subscription multiplexes many logical
// streams, each carrying one proxied HTTP/1.1 request/response pair to a
// port on the peer.
package preview

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ratchethub/ratchethub/bridge"
	"github.com/ratchethub/ratchethub/connection"
)

// ChannelName is the subscribe-time channel name for the preview HTTP tunnel.
const ChannelName = "preview"

var (
	ErrStreamRejected = errors.New("preview: stream open rejected")
	ErrStreamTimeout  = errors.New("preview: fetch timed out")
	ErrStreamClosed   = errors.New("preview: stream closed before response completed")
)

// ResponseParser parses an HTTP/1.1 response out of a byte stream. It is
// modeled as a collaborator interface (spec.md §6) so tests can inject a
// stub; defaultResponseParser wraps stdlib net/http.
type ResponseParser interface {
	Parse(req *http.Request, r io.Reader) (*http.Response, error)
}

type defaultResponseParser struct{}

func (defaultResponseParser) Parse(req *http.Request, r io.Reader) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(r), req)
}

// streamFrame is the JSON envelope multiplexing every logical stream over
// the one preview subscription (spec.md §4.7).
type streamFrame struct {
	Action   string `json:"action"`
	StreamID int    `json:"stream_id"`
	Port     int    `json:"port,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// FetchRequest is the proxied HTTP request to serialize and tunnel.
type FetchRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
}

type openStream struct {
	opened chan error
	pw     *io.PipeWriter
}

// Preview is the HTTP-tunneling Connection: stream multiplexing plus
// HTTP/1.1 request serialization and response parsing.
type Preview struct {
	*connection.Connection

	port   int
	parser ResponseParser

	mu      sync.Mutex
	streams map[int]*openStream
	nextID  int32
}

// New constructs a Preview's underlying Connection. port is the peer-side
// port every Fetch call tunnels to. parser may be nil to use the default
// stdlib-backed HTTP/1.1 response parser.
func New(b *bridge.Bridge, hubID, cableURL string, port int, parser ResponseParser, emitter *connection.Emitter, logger *log.Logger) *Preview {
	if parser == nil {
		parser = defaultResponseParser{}
	}
	p := &Preview{port: port, parser: parser, streams: make(map[int]*openStream)}
	spec := connection.ChannelSpec{
		Name:             ChannelName,
		RequiresCLIReady: false,
		Reliable:         false,
		HandleMessage:    p.handleMessage,
	}
	p.Connection = connection.New(b, hubID, cableURL, spec, emitter, logger)
	return p
}

func (p *Preview) handleMessage(c *connection.Connection, payload []byte) {
	var f streamFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return
	}
	p.mu.Lock()
	st, ok := p.streams[f.StreamID]
	p.mu.Unlock()
	if !ok {
		return
	}
	switch f.Action {
	case "opened":
		st.opened <- nil
	case "error":
		select {
		case st.opened <- fmt.Errorf("%w: %s", ErrStreamRejected, f.Reason):
		default:
			_ = st.pw.CloseWithError(fmt.Errorf("%w: %s", ErrStreamRejected, f.Reason))
		}
	case "data":
		_, _ = st.pw.Write(f.Data)
	case "close":
		_ = st.pw.Close()
	}
}

func (p *Preview) send(f streamFrame) bool {
	body, err := json.Marshal(f)
	if err != nil {
		return false
	}
	return p.Connection.Send(body)
}

// Fetch opens a stream to the configured port, writes req as a raw HTTP/1.1
// request, and resolves with the parsed response (or an error on rejection,
// timeout, or premature close), per spec.md §4.7.
func (p *Preview) Fetch(ctx context.Context, req FetchRequest, timeout time.Duration) (*http.Response, error) {
	streamID := int(atomic.AddInt32(&p.nextID, 1))
	pr, pw := io.Pipe()
	st := &openStream{opened: make(chan error, 1), pw: pw}

	p.mu.Lock()
	p.streams[streamID] = st
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.streams, streamID)
		p.mu.Unlock()
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	if !p.send(streamFrame{Action: "open", StreamID: streamID, Port: p.port}) {
		return nil, ErrStreamRejected
	}

	select {
	case err := <-st.opened:
		if err != nil {
			return nil, err
		}
	case <-deadline.C:
		p.send(streamFrame{Action: "close", StreamID: streamID})
		return nil, ErrStreamTimeout
	case <-ctx.Done():
		p.send(streamFrame{Action: "close", StreamID: streamID})
		return nil, ctx.Err()
	}

	rawReq, err := serializeRequest(req)
	if err != nil {
		return nil, err
	}
	if !p.send(streamFrame{Action: "data", StreamID: streamID, Data: rawReq}) {
		return nil, ErrStreamRejected
	}

	type parseResult struct {
		resp *http.Response
		err  error
	}
	resultCh := make(chan parseResult, 1)
	go func() {
		httpReq, _ := http.NewRequest(req.Method, req.Path, nil)
		resp, err := p.parser.Parse(httpReq, pr)
		resultCh <- parseResult{resp: resp, err: err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			if errors.Is(r.err, io.ErrUnexpectedEOF) || errors.Is(r.err, io.EOF) {
				return nil, ErrStreamClosed
			}
			return nil, r.err
		}
		return r.resp, nil
	case <-deadline.C:
		p.send(streamFrame{Action: "close", StreamID: streamID})
		return nil, ErrStreamTimeout
	case <-ctx.Done():
		p.send(streamFrame{Action: "close", StreamID: streamID})
		return nil, ctx.Err()
	}
}

// serializeRequest renders req as raw HTTP/1.1 request bytes.
func serializeRequest(req FetchRequest) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", req.Method, req.Path)
	for key, values := range req.Headers {
		for _, v := range values {
			fmt.Fprintf(&buf, "%s: %s\r\n", key, v)
		}
	}
	if req.Body != nil {
		fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(req.Body))
	}
	buf.WriteString("\r\n")
	if req.Body != nil {
		buf.Write(req.Body)
	}
	return buf.Bytes(), nil
}
