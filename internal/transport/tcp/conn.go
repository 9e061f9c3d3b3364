// Package tcp provides the raw TCP transport for the relay server. Frames are
// newline-delimited, which suits JSON-encoded messages typed into netcat.
package tcp

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"time"
)

// Options controls raw TCP connections.
type Options struct {
	// MaxLineBytes caps a single inbound line.
	MaxLineBytes int
	// WriteTimeout bounds each line write; 0 disables it.
	WriteTimeout time.Duration
}

const defaultMaxLineBytes = 64 * 1024

// Conn adapts net.Conn to chat.Conn interface.
type Conn struct {
	conn         net.Conn
	scanner      *bufio.Scanner
	writeTimeout time.Duration
	wmu          sync.Mutex
}

// NewConn wraps a net.Conn.
func NewConn(conn net.Conn, opts Options) *Conn {
	max := opts.MaxLineBytes
	if max <= 0 {
		max = defaultMaxLineBytes
	}
	// Scanner accepts tokens up to the larger of max and the initial
	// capacity, so the buffer must not start above the cap.
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, min(4096, max)), max)

	return &Conn{
		conn:         conn,
		scanner:      scanner,
		writeTimeout: opts.WriteTimeout,
	}
}

// Read implements chat.Conn.
// Returns the next non-blank line without its terminator.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	for c.scanner.Scan() {
		line := bytes.TrimRight(c.scanner.Bytes(), "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Write implements chat.Conn.
// Writes data followed by a newline in one call.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	line := make([]byte, len(data)+1)
	copy(line, data)
	line[len(data)] = '\n'

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	_, err := c.conn.Write(line)
	return err
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
