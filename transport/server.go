// Package transport carries the request/response plumbing between
// peers: a server that accepts connections and dispatches decoded
// requests to named handlers, and a pooled client that issues
// sequential request/response pairs per connection. The core consumes
// both only through their contracts.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dhashring/dhash/wire"
)

// Handler responds to a single decoded request. A returned error is
// flattened into a SUCCESS=false response with the error text in
// ERRORS.
type Handler func(req *wire.Message) (*wire.Message, error)

// maxRequestBytes bounds a single request on the wire.
const maxRequestBytes = 1 << 16

// Server owns the accept loop. Each accepted connection gets a session
// goroutine that decodes request objects, invokes the named handler,
// and writes the response back on the same connection, which the
// client may reuse for further pairs.
type Server struct {
	addr     string
	port     int
	handlers map[string]Handler
	log      *log.Entry

	ln         net.Listener
	shutdownCh chan struct{}
	closeOnce  sync.Once
	sessions   sync.WaitGroup
}

func NewServer(addr string, port int, handlers map[string]Handler) *Server {
	return &Server{
		addr:       addr,
		port:       port,
		handlers:   handlers,
		log:        log.WithField("server", net.JoinHostPort(addr, strconv.Itoa(port))),
		shutdownCh: make(chan struct{}),
	}
}

// Start binds the listening socket and launches the accept loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.addr, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("%w: bind %s:%d: %v", ErrTransport, s.addr, s.port, err)
	}
	s.ln = ln
	s.log.Infof("server is listening on %v", ln.Addr())

	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Errorf("accept: %v", err)
			continue
		}

		s.sessions.Add(1)
		go s.session(conn)
	}
}

// session serves one connection's sequential request/response pairs
// until the peer hangs up or a decode fails.
func (s *Server) session(conn net.Conn) {
	defer s.sessions.Done()
	defer conn.Close()

	// Bound how much a single request may pull off the wire.
	lr := &io.LimitedReader{R: conn, N: maxRequestBytes}
	dec := json.NewDecoder(lr)
	enc := json.NewEncoder(conn)

	for {
		lr.N = maxRequestBytes
		var req wire.Message
		if err := dec.Decode(&req); err != nil {
			return
		}

		resp := s.dispatch(&req)
		if err := enc.Encode(resp); err != nil {
			s.log.Debugf("session write: %v", err)
			return
		}
	}
}

func (s *Server) dispatch(req *wire.Message) (resp *wire.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("handler %s panicked: %v", req.Command, r)
			resp = &wire.Message{Success: false, Errors: fmt.Sprintf("handler %s failed", req.Command)}
		}
	}()

	handler, ok := s.handlers[req.Command]
	if !ok {
		return &wire.Message{Success: false, Errors: fmt.Sprintf("invalid command %q", req.Command)}
	}

	resp, err := handler(req)
	if err != nil {
		return &wire.Message{Success: false, Errors: err.Error()}
	}
	if resp == nil {
		resp = &wire.Message{}
	}
	resp.Success = true
	return resp
}

// Port reports the bound port, which differs from the configured one
// when the server was asked to pick (port 0).
func (s *Server) Port() int {
	if s.ln == nil {
		return s.port
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Close stops the accept loop. In-flight sessions run to completion;
// their connections drop once the remote side hangs up.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.shutdownCh)
		if s.ln != nil {
			s.ln.Close()
		}
	})
}
