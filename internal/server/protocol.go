package server

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"time"
)

type protocolType int

const (
	protocolTCP protocolType = iota
	protocolHTTP
)

func (p protocolType) String() string {
	if p == protocolHTTP {
		return "websocket"
	}
	return "tcp"
}

var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("POST"),
	[]byte("PUT "),
	[]byte("HEAD"),
	[]byte("OPTI"),
	[]byte("PATC"),
	[]byte("DELE"),
	[]byte("CONN"),
}

// detectProtocol peeks at the first bytes to determine protocol type.
// A client that sends fewer than four bytes within timeout is treated as raw
// TCP. The returned reader holds the peeked bytes and must replace conn for
// subsequent reads.
func detectProtocol(conn net.Conn, timeout time.Duration) (protocolType, *bufio.Reader, error) {
	reader := bufio.NewReader(conn)

	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return protocolTCP, reader, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	peek, err := reader.Peek(4)
	if err != nil {
		var netErr net.Error
		if len(peek) == 0 || !errors.As(err, &netErr) || !netErr.Timeout() {
			return protocolTCP, reader, err
		}
	}

	for _, method := range httpMethods {
		if bytes.HasPrefix(peek, method) {
			return protocolHTTP, reader, nil
		}
	}
	return protocolTCP, reader, nil
}

// bufferedConn wraps a net.Conn with a bufio.Reader to preserve peeked data
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (bc *bufferedConn) Read(p []byte) (int, error) {
	return bc.reader.Read(p)
}
