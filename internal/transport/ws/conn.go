// Package ws provides the websocket transport for the relay server.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrMessageTooLarge is returned by Read when a message, after reassembling
// its fragments, exceeds Options.MaxFrameBytes.
var ErrMessageTooLarge = errors.New("websocket message too large")

// Conn adapts a server-side websocket connection to chat.Conn. Every frame
// write, including control replies issued while reading, is a single locked
// write to the socket.
type Conn struct {
	conn         net.Conn
	rd           *wsutil.Reader
	ctrl         wsutil.FrameHandlerFunc
	op           ws.OpCode
	maxMessage   int64
	remoteAddr   string
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
}

// NewConn wraps an upgraded connection. Frames are read from r, which must
// yield the bytes following the handshake; binary selects the opcode used
// for outgoing data frames.
func NewConn(conn net.Conn, r io.Reader, binary bool, opts Options) *Conn {
	c := &Conn{
		conn:         conn,
		op:           ws.OpText,
		maxMessage:   int64(opts.MaxFrameBytes),
		remoteAddr:   conn.RemoteAddr().String(),
		writeTimeout: opts.WriteTimeout,
	}
	if binary {
		c.op = ws.OpBinary
	}
	c.ctrl = wsutil.ControlFrameHandler(frameWriter{c}, ws.StateServerSide)
	c.rd = &wsutil.Reader{
		Source:         r,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   int64(opts.MaxFrameBytes),
		OnIntermediate: c.ctrl,
	}
	return c
}

// Read implements chat.Conn.
// It returns the payload of the next text or binary message, answering
// pings along the way. A close frame from the peer yields io.EOF.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	for {
		hdr, err := c.rd.NextFrame()
		if err != nil {
			return nil, err
		}

		if hdr.OpCode.IsControl() {
			if err := c.ctrl(hdr, c.rd); err != nil {
				var closed wsutil.ClosedError
				if errors.As(err, &closed) {
					return nil, io.EOF
				}
				return nil, err
			}
			continue
		}

		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := c.rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}

		return c.readMessage()
	}
}

// readMessage reads the rest of the current message, which may span
// several fragments, enforcing the message size limit across all of them.
func (c *Conn) readMessage() ([]byte, error) {
	if c.maxMessage <= 0 {
		return io.ReadAll(c.rd)
	}
	data, err := io.ReadAll(io.LimitReader(c.rd, c.maxMessage+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.maxMessage {
		return nil, fmt.Errorf("%w: over %d bytes", ErrMessageTooLarge, c.maxMessage)
	}
	return data, nil
}

// Write implements chat.Conn.
// Writes one data frame with the opcode chosen at construction.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	frame, err := ws.CompileFrame(ws.NewFrame(c.op, true, data))
	if err != nil {
		return err
	}
	return c.writeRaw(frame)
}

// Close implements chat.Conn.
// Sends a normal closure frame and closes the socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		if frame, cerr := ws.CompileFrame(ws.NewCloseFrame(body)); cerr == nil {
			_ = c.writeRaw(frame)
		}
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

func (c *Conn) writeRaw(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	_, err := c.conn.Write(p)
	return err
}

// frameWriter routes control replies through the connection's write lock.
type frameWriter struct {
	c *Conn
}

func (w frameWriter) Write(p []byte) (int, error) {
	if err := w.c.writeRaw(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
