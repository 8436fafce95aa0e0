package dimse

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Handler is called for each received message and returns the ordered
// responses to write back. Returning nil sends nothing.
type Handler func(msg *Message) []*Message

// Server accepts framed message exchanges over TCP and dispatches them to a
// handler. One server instance backs one service class provider. A stopped
// server can be started again.
type Server struct {
	name       string
	addr       string
	aeTitle    string
	handler    Handler
	maxPayload int64
	logger     zerolog.Logger

	mu       sync.Mutex
	running  bool
	listener net.Listener
	conns    map[net.Conn]struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewServer(name, addr, aeTitle string, maxPayload int64, handler Handler, logger zerolog.Logger) *Server {
	return &Server{
		name:       name,
		addr:       addr,
		aeTitle:    aeTitle,
		handler:    handler,
		maxPayload: maxPayload,
		logger:     logger.With().Str("listener", name).Logger(),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start begins listening. Non-blocking: the accept loop runs in a background
// goroutine. Each start gets a fresh shutdown channel so the server can be
// stopped and started repeatedly.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("%s: already running", s.name)
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: listen on %s: %w", s.name, s.addr, err)
	}
	s.listener = ln
	s.done = make(chan struct{})
	s.running = true
	done := s.done
	s.mu.Unlock()

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("ae_title", s.aeTitle).
		Msg("listener started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln, done)
	}()
	return nil
}

// Stop closes the listener, then every tracked connection, and waits for all
// goroutines to finish. Stopping an already-stopped server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("listener stopped")
	return err
}

// Addr returns the bound address, which matters when started on port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Port returns the bound TCP port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	_, portStr, err := net.SplitHostPort(s.listener.Addr().String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func (s *Server) Name() string { return s.name }

func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			s.logger.Error().Err(err).Msg("accept error")
			return
		}

		s.trackConn(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn, done)
		}()
	}
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConnection reads framed messages until the peer disconnects, the
// deadline passes or shutdown begins. The handler's panics are contained so
// one bad exchange never takes the listener down.
func (s *Server) handleConnection(conn net.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		msg, err := ReadMessage(conn, s.maxPayload)
		if err != nil {
			// A frame whose declared size is over the limit still has a
			// readable header, so the peer gets told before we hang up.
			var tooBig *FrameTooLargeError
			if errors.As(err, &tooBig) {
				s.logger.Warn().
					Uint32("declared_bytes", tooBig.Declared).
					Int64("limit_bytes", tooBig.Limit).
					Msg("rejecting oversize frame")
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				WriteMessage(conn, &Message{Command: tooBig.Command | 0x8000, Status: StatusOutOfResources})
			}
			// Timeout or EOF is normal when the peer is idle or done.
			return
		}

		for _, resp := range s.dispatch(msg) {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := WriteMessage(conn, resp); err != nil {
				s.logger.Error().Err(err).Msg("write error")
				return
			}
		}
	}
}

func (s *Server) dispatch(msg *Message) (responses []*Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Uint16("command", msg.Command).Msg("handler panic")
			responses = []*Message{msg.Response(StatusProcessingFailure, nil)}
		}
	}()
	return s.handler(msg)
}
