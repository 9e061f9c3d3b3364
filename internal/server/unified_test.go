package server

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/omochice/relay-chat/internal/chat"
	"github.com/omochice/relay-chat/internal/config"
	"github.com/omochice/relay-chat/internal/history"
	"github.com/omochice/relay-chat/internal/logging"
	"github.com/omochice/relay-chat/pkg/protocol"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	logger := logging.NopLogger()
	registry := chat.NewRegistry()
	router := chat.NewRouter(registry, history.Nop{}, logger)
	supervisor := chat.NewSupervisor(registry, router, logger)

	cfg := config.Default().Server
	cfg.Address = "127.0.0.1:0"
	srv := New(cfg, supervisor, logger)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()
	t.Cleanup(func() {
		srv.Stop()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after Stop")
		}
	})
	return srv
}

// wsClient is a websocket test client speaking one codec.
type wsClient struct {
	t     *testing.T
	conn  *websocket.Conn
	codec protocol.Codec
}

func dialWS(t *testing.T, srv *Server, codec protocol.Codec) *wsClient {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: time.Second}
	if codec.Binary() {
		dialer.Subprotocols = []string{protocol.SubprotocolProto}
	}
	conn, _, err := dialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket client: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn, codec: codec}
}

func (c *wsClient) send(msg protocol.Inbound) {
	c.t.Helper()
	data, err := c.codec.EncodeInbound(msg)
	if err != nil {
		c.t.Fatalf("encode failed: %v", err)
	}
	mt := websocket.TextMessage
	if c.codec.Binary() {
		mt = websocket.BinaryMessage
	}
	if err := c.conn.WriteMessage(mt, data); err != nil {
		c.t.Fatalf("write failed: %v", err)
	}
}

func (c *wsClient) next() protocol.Outbound {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read failed: %v", err)
	}
	if c.codec.Binary() != (mt == websocket.BinaryMessage) {
		c.t.Fatalf("frame type = %d for codec %s", mt, c.codec.Name())
	}
	msg, err := c.codec.DecodeOutbound(data)
	if err != nil {
		c.t.Fatalf("decode failed: %v", err)
	}
	return msg
}

// awaitKind reads until a message of the given kind arrives.
func (c *wsClient) awaitKind(kind protocol.Kind) protocol.Outbound {
	c.t.Helper()
	for {
		if msg := c.next(); msg.Kind() == kind {
			return msg
		}
	}
}

func TestServer_StartStop(t *testing.T) {
	srv := startServer(t)
	if srv.Addr() == "" {
		t.Fatal("server address is empty")
	}
	srv.Stop()
	srv.Stop()
}

func TestServer_WebSocketJSON(t *testing.T) {
	srv := startServer(t)
	alice := dialWS(t, srv, protocol.JSON)

	alice.send(protocol.Register{Handle: "alice"})
	count, ok := alice.next().(protocol.Count)
	if !ok || count.Count != 1 || len(count.Handles) != 1 || count.Handles[0] != "alice" {
		t.Fatalf("first message = %#v, want count of [alice]", count)
	}
	if _, ok := alice.next().(protocol.History); !ok {
		t.Fatal("second message is not history")
	}

	alice.send(protocol.PublicChat{Body: "hi"})
	chatMsg := alice.awaitKind(protocol.KindChat).(protocol.Chat)
	if chatMsg.Sender != "alice" || chatMsg.Body != "hi" {
		t.Errorf("chat = %#v", chatMsg)
	}
}

func TestServer_WebSocketProto(t *testing.T) {
	srv := startServer(t)
	bob := dialWS(t, srv, protocol.Proto)

	bob.send(protocol.Register{Handle: "bob"})
	if _, ok := bob.next().(protocol.Count); !ok {
		t.Fatal("first message is not count")
	}

	bob.send(protocol.FileTransfer{Filename: "a.txt", Payload: map[string]any{"size": 3.0}})
	file := bob.awaitKind(protocol.KindFile).(protocol.File)
	if file.Filename != "a.txt" {
		t.Errorf("filename = %q", file.Filename)
	}
	payload, ok := file.Payload.(map[string]any)
	if !ok || payload["size"] != 3.0 {
		t.Errorf("payload = %#v", file.Payload)
	}
}

func TestServer_RawTCPClient(t *testing.T) {
	srv := startServer(t)

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("Failed to connect TCP client: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"type":"register","user":"carol"}` + "\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no reply: %v", scanner.Err())
	}
	var reply map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
		t.Fatalf("reply is not JSON: %v", err)
	}
	if reply["type"] != "count" || reply["data"] != 1.0 {
		t.Errorf("reply = %v, want count of 1", reply)
	}
}

func TestServer_CrossTransportBroadcast(t *testing.T) {
	srv := startServer(t)

	alice := dialWS(t, srv, protocol.JSON)
	alice.send(protocol.Register{Handle: "alice"})
	alice.awaitKind(protocol.KindHistory)

	tcpConn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("Failed to connect TCP client: %v", err)
	}
	defer tcpConn.Close()
	if _, err := tcpConn.Write([]byte(`{"type":"register","user":"bob"}` + "\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	count := alice.awaitKind(protocol.KindCount).(protocol.Count)
	if count.Count != 2 {
		t.Fatalf("count = %d, want 2", count.Count)
	}

	if _, err := tcpConn.Write([]byte(`{"type":"public_chat","message":"from tcp"}` + "\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	chatMsg := alice.awaitKind(protocol.KindChat).(protocol.Chat)
	if chatMsg.Sender != "bob" || chatMsg.Body != "from tcp" {
		t.Errorf("chat = %#v", chatMsg)
	}

	tcpConn.Close()
	count = alice.awaitKind(protocol.KindCount).(protocol.Count)
	if count.Count != 1 || count.Handles[0] != "alice" {
		t.Errorf("count after departure = %#v", count)
	}
}

func TestServer_StopClosesClients(t *testing.T) {
	srv := startServer(t)
	alice := dialWS(t, srv, protocol.JSON)
	alice.send(protocol.Register{Handle: "alice"})
	alice.awaitKind(protocol.KindHistory)

	srv.Stop()

	alice.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := alice.conn.ReadMessage(); err == nil {
		t.Error("expected read error after Stop")
	}
	if n := srv.ConnCount(); n != 0 {
		t.Errorf("ConnCount() = %d after Stop, want 0", n)
	}
}

func TestServer_RejectsWrongPath(t *testing.T) {
	srv := startServer(t)

	dialer := websocket.Dialer{HandshakeTimeout: time.Second}
	_, resp, err := dialer.Dial("ws://"+srv.Addr()+"/elsewhere", nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("response = %v, want 404", resp)
	}
}
