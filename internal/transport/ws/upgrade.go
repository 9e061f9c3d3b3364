package ws

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/omochice/relay-chat/pkg/protocol"
)

// Options controls accepted websocket connections.
type Options struct {
	// Path is the request path that may be upgraded; empty accepts any path.
	Path string
	// MaxFrameBytes caps a single inbound frame and also the whole message
	// reassembled from fragments; 0 means no limit.
	MaxFrameBytes int
	// WriteTimeout bounds each frame write; 0 disables it.
	WriteTimeout time.Duration
}

// Accept performs the server side of the websocket handshake on conn, which
// must be positioned at the start of the HTTP upgrade request. The codec is
// chosen from the negotiated subprotocol.
func Accept(conn net.Conn, opts Options) (*Conn, protocol.Codec, error) {
	var path string
	upgrader := ws.Upgrader{
		OnRequest: func(uri []byte) error {
			path = string(uri)
			if opts.Path != "" && stripQuery(path) != opts.Path {
				return ws.RejectConnectionError(
					ws.RejectionStatus(http.StatusNotFound),
					ws.RejectionReason(fmt.Sprintf("no websocket endpoint at %s", path)),
				)
			}
			return nil
		},
		Protocol: func(p []byte) bool {
			name := string(p)
			return name == protocol.SubprotocolJSON || name == protocol.SubprotocolProto
		},
	}

	hs, err := upgrader.Upgrade(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("websocket upgrade of %q failed: %w", path, err)
	}

	codec := protocol.ForSubprotocol(hs.Protocol)
	return NewConn(conn, conn, codec.Binary(), opts), codec, nil
}

func stripQuery(uri string) string {
	for i := 0; i < len(uri); i++ {
		if uri[i] == '?' {
			return uri[:i]
		}
	}
	return uri
}
