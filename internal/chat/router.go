package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/omochice/relay-chat/internal/history"
	"github.com/omochice/relay-chat/internal/logging"
	"github.com/omochice/relay-chat/pkg/protocol"
	"github.com/sourcegraph/conc"
)

// Router delivers decoded inbound messages to the peers they address.
// Recipients are resolved from a registry snapshot taken once per message,
// and a failed delivery to one peer never affects the others.
type Router struct {
	registry *Registry
	history  history.Log
	logger   *logging.Logger
	now      func() time.Time
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithClock replaces time.Now as the source of message timestamps.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a Router over registry. Public chat is appended to log.
func NewRouter(registry *Registry, log history.Log, logger *logging.Logger, opts ...RouterOption) *Router {
	r := &Router{
		registry: registry,
		history:  log,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch handles one message from a registered sender.
func (r *Router) Dispatch(ctx context.Context, sender *Peer, msg protocol.Inbound) {
	now := r.now()

	switch m := msg.(type) {
	case protocol.PublicChat:
		r.history.Append(history.Record{Sender: sender.Handle(), Body: m.Body, Time: now})
		r.fanOut(ctx, r.registry.Snapshot(), protocol.Chat{Sender: sender.Handle(), Body: m.Body, Time: now})

	case protocol.PrivateTransfer:
		target, ok := r.registry.Lookup(m.Target)
		if !ok || target == sender || m.Target == sender.Handle() {
			r.deliver(ctx, sender, protocol.Info{Message: fmt.Sprintf("System: User %s is not online.", m.Target)})
			return
		}
		out := protocol.Private{Sender: sender.Handle(), Target: m.Target, Body: m.Body, Time: now}
		r.deliver(ctx, target, out)
		r.deliver(ctx, sender, out)

	case protocol.FileTransfer:
		r.fanOut(ctx, r.registry.Snapshot(), protocol.File{
			Sender:   sender.Handle(),
			Filename: m.Filename,
			Payload:  m.Payload,
			Time:     now,
		})

	case protocol.TypingStatus:
		peers := r.registry.Snapshot()
		others := peers[:0]
		for _, p := range peers {
			if p != sender {
				others = append(others, p)
			}
		}
		r.fanOut(ctx, others, protocol.TypingNotification{Sender: sender.Handle(), IsTyping: m.IsTyping})

	case protocol.Register:
		r.logger.Warn("ignoring register from already registered peer",
			"handle", sender.Handle(), "requested", m.Handle)

	default:
		r.logger.Warn("dropping message of unknown kind", "handle", sender.Handle(), "kind", msg.Kind())
	}
}

// NotifyMembership sends the current handle list to every registered peer.
func (r *Router) NotifyMembership(ctx context.Context) {
	peers := r.registry.Snapshot()
	handles := make([]string, len(peers))
	for i, p := range peers {
		handles[i] = p.Handle()
	}
	r.fanOut(ctx, peers, protocol.Count{Count: len(peers), Handles: handles})
}

// fanOut delivers msg to every recipient concurrently and waits for all of
// them. A panicking send is recovered without affecting its siblings.
func (r *Router) fanOut(ctx context.Context, recipients []*Peer, msg protocol.Outbound) {
	var wg conc.WaitGroup
	for _, p := range recipients {
		p := p
		wg.Go(func() { r.deliver(ctx, p, msg) })
	}
	if recovered := wg.WaitAndRecover(); recovered != nil {
		r.logger.Error("recovered panic during fan-out", "kind", msg.Kind(), "panic", recovered.Value)
	}
}

func (r *Router) deliver(ctx context.Context, p *Peer, msg protocol.Outbound) {
	if err := p.Send(ctx, msg); err != nil {
		r.logger.Debug("delivery failed", "conn_id", p.ID(), "handle", p.Handle(), "error", err)
	}
}
