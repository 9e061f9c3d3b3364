package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/omochice/relay-chat/internal/logging"
	"github.com/omochice/relay-chat/pkg/protocol"
	"golang.org/x/time/rate"
)

// State is a connection's position in its lifecycle.
type State int

const (
	StateAwaitingRegistration State = iota
	StateActive
	StateClosed
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateAwaitingRegistration:
		return "AWAITING_REGISTRATION"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const missingRegistration = "Missing registration info."

// Supervisor runs connections from registration to teardown.
type Supervisor struct {
	registry *Registry
	router   *Router
	logger   *logging.Logger
	limit    rate.Limit
	burst    int
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithRateLimit caps inbound messages per connection. Messages above the
// limit are dropped. A non-positive perSecond disables limiting.
func WithRateLimit(perSecond float64, burst int) SupervisorOption {
	return func(s *Supervisor) {
		if perSecond > 0 {
			s.limit = rate.Limit(perSecond)
			s.burst = burst
		}
	}
}

// NewSupervisor creates a Supervisor that registers handles in registry and
// hands messages to router.
func NewSupervisor(registry *Registry, router *Router, logger *logging.Logger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		registry: registry,
		router:   router,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve owns conn until it closes. It blocks for the lifetime of the
// connection and always leaves the registry without conn's handle.
func (s *Supervisor) Serve(ctx context.Context, conn Conn, codec protocol.Codec) {
	sess := s.newSession(conn, codec)
	defer sess.close(ctx)
	defer func() {
		if r := recover(); r != nil {
			sess.logger.Error("connection task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if !sess.register(ctx) {
		return
	}
	sess.run(ctx)
}

// session is the state of one connection.
type session struct {
	sup        *Supervisor
	conn       Conn
	codec      protocol.Codec
	peer       *Peer
	logger     *logging.Logger
	limiter    *rate.Limiter
	state      State
	registered bool
	closeOnce  sync.Once
}

func (s *Supervisor) newSession(conn Conn, codec protocol.Codec) *session {
	id := uuid.NewString()
	sess := &session{
		sup:    s,
		conn:   conn,
		codec:  codec,
		peer:   NewPeer(id, conn, codec),
		logger: s.logger.WithConn(id, conn.RemoteAddr()).With("codec", codec.Name()),
		state:  StateAwaitingRegistration,
	}
	if s.limit > 0 {
		sess.limiter = rate.NewLimiter(s.limit, s.burst)
	}
	return sess
}

func (s *session) setState(st State) {
	s.state = st
	s.logger.Debug("state change", "state", st)
}

// register performs the handshake. It reports whether the connection may
// proceed to ACTIVE.
func (s *session) register(ctx context.Context) bool {
	data, err := s.conn.Read(ctx)
	if err != nil {
		s.logger.Debug("connection closed before registration", "error", err)
		return false
	}

	msg, err := s.codec.DecodeInbound(data)
	reg, ok := msg.(protocol.Register)
	if err != nil || !ok {
		s.logger.Warn("rejecting connection without registration", "error", err)
		s.reply(ctx, protocol.Error{Message: missingRegistration})
		return false
	}

	if !s.sup.registry.Register(reg.Handle, s.peer) {
		s.logger.Info("rejecting taken handle", "handle", reg.Handle)
		s.reply(ctx, protocol.Error{
			Message: fmt.Sprintf("Username '%s' already taken. Please refresh and choose another.", reg.Handle),
		})
		return false
	}

	s.registered = true
	s.logger = s.logger.WithHandle(reg.Handle)
	s.setState(StateActive)
	s.logger.Info("handle registered", "count", s.sup.registry.Count())

	s.sup.router.NotifyMembership(ctx)
	s.reply(ctx, protocol.History{})
	return true
}

func (s *session) run(ctx context.Context) {
	for {
		data, err := s.conn.Read(ctx)
		if err != nil {
			if isClosed(err) {
				s.logger.Debug("connection closed", "error", err)
			} else {
				s.logger.Warn("connection read failed", "error", err)
			}
			return
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.logger.Warn("dropping message above rate limit")
			continue
		}

		msg, err := s.codec.DecodeInbound(data)
		if err != nil {
			s.logger.Warn("dropping malformed message", "error", err, "size", len(data))
			continue
		}
		s.sup.router.Dispatch(ctx, s.peer, msg)
	}
}

// close moves the session to CLOSED. Only the first call has any effect.
func (s *session) close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)

		if s.registered && s.sup.registry.Deregister(s.peer.Handle(), s.peer) {
			s.logger.Info("handle released", "count", s.sup.registry.Count())
			s.sup.router.NotifyMembership(context.WithoutCancel(ctx))
		}

		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close connection", "error", err)
		}
	})
}

func (s *session) reply(ctx context.Context, msg protocol.Outbound) {
	if err := s.peer.Send(ctx, msg); err != nil {
		s.logger.Debug("reply failed", "kind", msg.Kind(), "error", err)
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}
