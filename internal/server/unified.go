// Package server accepts websocket and raw TCP clients on a single port and
// hands each connection to the chat supervisor.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/omochice/relay-chat/internal/chat"
	"github.com/omochice/relay-chat/internal/config"
	"github.com/omochice/relay-chat/internal/logging"
	"github.com/omochice/relay-chat/internal/transport/tcp"
	"github.com/omochice/relay-chat/internal/transport/ws"
	"github.com/omochice/relay-chat/pkg/protocol"
)

// handshakeTimeout bounds protocol detection and the websocket upgrade.
const handshakeTimeout = 10 * time.Second

// Server listens on one address. HTTP requests are upgraded to websocket;
// anything else is served as newline-delimited JSON over raw TCP.
type Server struct {
	cfg        config.ServerConfig
	supervisor *chat.Supervisor
	logger     *logging.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	quit     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	stopped bool
	wg      sync.WaitGroup
}

// New creates a Server. Call Start, or Listen followed by Serve.
func New(cfg config.ServerConfig, supervisor *chat.Supervisor, logger *logging.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		supervisor: supervisor,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		quit:       make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	s.logger.Info("server listening", "address", listener.Addr().String(), "path", s.cfg.Path)
	return nil
}

// Serve accepts connections until Stop is called. It returns nil after Stop.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener closed: %w", err)
			}
			s.logger.Warn("failed to accept connection", "error", err)
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go s.handleConnection(conn)
	}
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop closes the listener and every open connection, then waits for all
// connection tasks to finish. It is safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		s.cancel()

		s.mu.Lock()
		s.stopped = true
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		s.logger.Info("server stopped")
	})
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ConnCount returns the number of open connections, registered or not.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// handleConnection determines whether the connection is HTTP (websocket) or
// raw TCP and serves it until it closes.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.untrack(conn)
	logger := s.logger.With("remote_addr", conn.RemoteAddr().String())

	kind, reader, err := detectProtocol(conn, handshakeTimeout)
	if err != nil {
		logger.Debug("failed to detect protocol", "error", err)
		conn.Close()
		return
	}
	bc := &bufferedConn{Conn: conn, reader: reader}

	switch kind {
	case protocolHTTP:
		conn.SetDeadline(time.Now().Add(handshakeTimeout))
		wsConn, codec, err := ws.Accept(bc, ws.Options{
			Path:          s.cfg.Path,
			MaxFrameBytes: s.cfg.MaxFrameBytes,
			WriteTimeout:  s.cfg.WriteTimeout,
		})
		if err != nil {
			logger.Info("rejected websocket upgrade", "error", err)
			conn.Close()
			return
		}
		conn.SetDeadline(time.Time{})
		logger.Debug("accepted connection", "transport", kind, "codec", codec.Name())
		s.supervisor.Serve(s.ctx, wsConn, codec)

	default:
		logger.Debug("accepted connection", "transport", kind)
		s.supervisor.Serve(s.ctx, tcp.NewConn(bc, tcp.Options{
			MaxLineBytes: s.cfg.MaxFrameBytes,
			WriteTimeout: s.cfg.WriteTimeout,
		}), protocol.JSON)
	}
}
