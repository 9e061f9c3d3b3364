// Package chat is the relay core: the handle registry, the message router and
// the per-connection supervisor. It is transport-agnostic; sockets are
// adapted to Conn by the transport packages.
package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/omochice/relay-chat/pkg/protocol"
)

// Conn abstracts one client's bidirectional frame stream.
type Conn interface {
	// Read blocks for the next frame. Once the connection is closed or broken
	// it returns an error, io.EOF for an orderly close.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single frame. The relay never calls Write concurrently on
	// the same Conn.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection. It may be called more than once.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Peer is a connection together with the codec it speaks. Once registered it
// also carries its handle.
type Peer struct {
	id     string
	handle string
	conn   Conn
	codec  protocol.Codec
	wmu    sync.Mutex
}

// NewPeer wraps conn. id only appears in logs.
func NewPeer(id string, conn Conn, codec protocol.Codec) *Peer {
	return &Peer{id: id, conn: conn, codec: codec}
}

// ID returns the connection id.
func (p *Peer) ID() string { return p.id }

// Handle returns the registered handle, or "" before registration.
func (p *Peer) Handle() string { return p.handle }

// Send encodes msg with the peer's codec and writes it. Writes to one peer
// are serialized, so concurrent fan-outs never interleave frames.
func (p *Peer) Send(ctx context.Context, msg protocol.Outbound) error {
	data, err := p.codec.EncodeOutbound(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Kind(), err)
	}

	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := p.conn.Write(ctx, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Kind(), err)
	}
	return nil
}
