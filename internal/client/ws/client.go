// Package ws provides a WebSocket client for the relay server.
package ws

import (
	"context"
	"fmt"
	"sync"

	"github.com/omochice/relay-chat/internal/client"
	"github.com/omochice/relay-chat/internal/logging"
	"github.com/omochice/relay-chat/pkg/protocol"
	"nhooyr.io/websocket"
)

// maxMessageBytes matches the server's default frame limit so file
// transfers relayed by other clients can be read.
const maxMessageBytes = 16 << 20

// Client represents a WebSocket chat client.
type Client struct {
	address  string
	codec    protocol.Codec
	logger   *logging.Logger
	conn     *websocket.Conn
	messages chan protocol.Outbound
	mu       sync.RWMutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ client.Client = (*Client)(nil)

// New creates a new WebSocket Client instance. The codec selects the
// subprotocol requested from the server.
func New(address string, codec protocol.Codec, logger *logging.Logger) *Client {
	return &Client{
		address:  address,
		codec:    codec,
		logger:   logger,
		messages: make(chan protocol.Outbound, 16),
	}
}

// Connect establishes a WebSocket connection to the server.
func (c *Client) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return client.ErrAlreadyConnected
	}

	subprotocol := protocol.SubprotocolJSON
	if c.codec.Binary() {
		subprotocol = protocol.SubprotocolProto
	}

	conn, _, err := websocket.Dial(ctx, c.address, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)

	readCtx, cancel := context.WithCancel(context.Background())
	messages := make(chan protocol.Outbound, 16)

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return client.ErrAlreadyConnected
	}
	c.conn = conn
	c.cancel = cancel
	c.messages = messages
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveMessages(readCtx, conn, messages)

	return nil
}

// Disconnect closes the WebSocket connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Send encodes msg with the client's codec and writes it as one frame.
func (c *Client) Send(ctx context.Context, msg protocol.Inbound) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return client.ErrNotConnected
	}

	data, err := c.codec.EncodeInbound(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	typ := websocket.MessageText
	if c.codec.Binary() {
		typ = websocket.MessageBinary
	}
	if err := conn.Write(ctx, typ, data); err != nil {
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

func (c *Client) receiveMessages(ctx context.Context, conn *websocket.Conn, messages chan<- protocol.Outbound) {
	defer c.wg.Done()
	defer close(messages)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.logger.Warn("error reading from server", "error", err)
			}
			return
		}

		msg, err := c.codec.DecodeOutbound(data)
		if err != nil {
			c.logger.Warn("failed to decode message", "error", err)
			continue
		}

		select {
		case messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}
