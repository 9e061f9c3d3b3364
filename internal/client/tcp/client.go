// Package tcp provides a raw TCP client for the relay server. Messages are
// exchanged as newline-delimited JSON.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/omochice/relay-chat/internal/client"
	"github.com/omochice/relay-chat/internal/logging"
	transport "github.com/omochice/relay-chat/internal/transport/tcp"
	"github.com/omochice/relay-chat/pkg/protocol"
)

const maxLineBytes = 16 << 20

// Client represents a TCP chat client
type Client struct {
	address  string
	logger   *logging.Logger
	conn     *transport.Conn
	messages chan protocol.Outbound
	mu       sync.RWMutex
	done     chan struct{}
	wg       sync.WaitGroup
}

var _ client.Client = (*Client)(nil)

// New creates a new Client instance
func New(address string, logger *logging.Logger) *Client {
	return &Client{
		address:  address,
		logger:   logger,
		messages: make(chan protocol.Outbound, 16),
		done:     make(chan struct{}),
	}
}

// Connect establishes a connection to the server
func (c *Client) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return client.ErrAlreadyConnected
	}

	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	conn := transport.NewConn(raw, transport.Options{MaxLineBytes: maxLineBytes})
	messages := make(chan protocol.Outbound, 16)
	done := make(chan struct{})

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		return client.ErrAlreadyConnected
	}
	c.conn = conn
	c.messages = messages
	c.done = done
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveMessages(conn, messages, done)

	return nil
}

// Disconnect closes the connection to the server
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return
	}
	close(done)
	conn.Close()
	c.wg.Wait()
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Send writes msg as one JSON line.
func (c *Client) Send(ctx context.Context, msg protocol.Inbound) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return client.ErrNotConnected
	}

	data, err := protocol.JSON.EncodeInbound(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Messages returns the channel for receiving messages of the current
// connection. Each Connect starts a new channel.
func (c *Client) Messages() <-chan protocol.Outbound {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messages
}

func (c *Client) receiveMessages(conn *transport.Conn, messages chan<- protocol.Outbound, done <-chan struct{}) {
	defer c.wg.Done()
	defer close(messages)

	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			select {
			case <-done:
			default:
				if !errors.Is(err, io.EOF) {
					c.logger.Warn("error reading from server", "error", err)
				}
			}
			return
		}

		msg, err := protocol.JSON.DecodeOutbound(data)
		if err != nil {
			c.logger.Warn("failed to decode message", "error", err)
			continue
		}

		select {
		case messages <- msg:
		case <-done:
			return
		}
	}
}
