package ipc

import (
	"errors"
	"net"
	"os"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"

	"github.com/ratchethub/ratchethub/crypto"
	"github.com/ratchethub/ratchethub/internal/worker"
)

// Server listens on a Unix domain socket and dispatches decoded Requests to
// a crypto.Engine, mirroring the teacher's cborplugin.Server/incomingConn
// split: one listener goroutine accepting connections, one worker goroutine
// per connection decoding a self-delimiting CBOR stream.
type Server struct {
	worker.Worker

	engine *crypto.Engine
	ln     net.Listener
	log    *log.Logger
}

// Listen creates (removing any stale socket file first) a Unix listener at
// socketPath and returns a Server ready to Serve.
func Listen(socketPath string, engine *crypto.Engine, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	return &Server{engine: engine, ln: ln, log: logger}, nil
}

// Serve accepts connections until Halt is called or the listener errs.
func (s *Server) Serve() {
	s.Go(func() {
		<-s.HaltCh()
		s.ln.Close()
	})
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.HaltCh():
				return
			default:
				s.log.Errorf("accept: %s", err)
				return
			}
		}
		s.Go(func() { s.serveConn(conn) })
	}
}

// Close stops accepting new connections and waits for in-flight ones to
// drain.
func (s *Server) Close() error {
	s.Halt()
	s.Wait()
	return nil
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	dec := cbor.NewDecoder(conn)
	enc := cbor.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Debugf("ipc decode: %s", err)
			}
			return
		}
		resp := s.dispatch(&req)
		if err := enc.Encode(resp); err != nil {
			s.log.Errorf("ipc encode: %s", err)
			return
		}
	}
}

func (s *Server) dispatch(req *Request) Response {
	resp := Response{ID: req.ID}
	switch {
	case req.PublishBundle != nil:
		bundle, err := s.engine.PublishBundle(req.PublishBundle.Hub)
		if err != nil {
			return errResponse(req.ID, err)
		}
		b, err := cbor.Marshal(bundle)
		if err != nil {
			return errResponse(req.ID, err)
		}
		resp.Bundle = b

	case req.CreateSession != nil:
		var bundle crypto.Bundle
		if err := cbor.Unmarshal(req.CreateSession.Bundle, &bundle); err != nil {
			return errResponse(req.ID, err)
		}
		eph, err := s.engine.CreateSession(req.CreateSession.Hub, &bundle, req.CreateSession.Pinned)
		if err != nil {
			return errResponse(req.ID, err)
		}
		resp.Bytes = eph

	case req.HasSession != nil:
		resp.Bool = s.engine.HasSession(req.HasSession.Hub)

	case req.Encrypt != nil:
		env, err := s.engine.Encrypt(req.Encrypt.Hub, req.Encrypt.Plaintext)
		if err != nil {
			return errResponse(req.ID, err)
		}
		resp.Bytes = env

	case req.Decrypt != nil:
		pt, err := s.engine.Decrypt(req.Decrypt.Hub, req.Decrypt.Envelope)
		if err != nil {
			return errResponse(req.ID, err)
		}
		resp.Plaintext = pt

	case req.EncryptBinary != nil:
		frame, err := s.engine.EncryptBinary(req.EncryptBinary.Hub, req.EncryptBinary.Plaintext)
		if err != nil {
			return errResponse(req.ID, err)
		}
		resp.Bytes = frame

	case req.DecryptBinary != nil:
		pt, err := s.engine.DecryptBinary(req.DecryptBinary.Hub, req.DecryptBinary.Frame)
		if err != nil {
			return errResponse(req.ID, err)
		}
		resp.Plaintext = pt

	case req.IdentityKey != nil:
		resp.Bytes = s.engine.IdentityKey()

	case req.ClearSession != nil:
		s.engine.ClearSession(req.ClearSession.Hub)

	case req.ClearAllSessions != nil:
		s.engine.ClearAllSessions()

	default:
		return errResponse(req.ID, errors.New("ipc: empty request"))
	}
	return resp
}

func errResponse(id uint64, err error) Response {
	return Response{ID: id, ErrorCode: errorCode(err), ErrorMessage: err.Error()}
}
