// Package client defines the common interface for relay chat clients and
// the line-oriented commands the CLI understands.
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/omochice/relay-chat/pkg/protocol"
)

// Client defines the interface for chat clients.
// Both TCP and WebSocket implementations satisfy this interface.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Send(ctx context.Context, msg protocol.Inbound) error
	// Messages is closed when the connection ends. A later Connect starts
	// a new channel.
	Messages() <-chan protocol.Outbound
}

// ErrNotConnected is returned by Send before Connect or after Disconnect.
var ErrNotConnected = errors.New("not connected to server")

// ErrAlreadyConnected is returned by Connect while a connection is open.
var ErrAlreadyConnected = errors.New("already connected to server")

// ErrUsage is returned by ParseInput for a malformed command.
var ErrUsage = errors.New("invalid command")

// ParseInput turns one line typed by the user into a message.
//
//	/w <user> <text>    private message
//	/typing on|off      typing status
//	/file <path>        send a file as a data URL
//	anything else       public chat
func ParseInput(line string) (protocol.Inbound, error) {
	if !strings.HasPrefix(line, "/") {
		return protocol.PublicChat{Body: line}, nil
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/w":
		target, body, ok := strings.Cut(rest, " ")
		if !ok || target == "" {
			return nil, fmt.Errorf("%w: usage: /w <user> <text>", ErrUsage)
		}
		return protocol.PrivateTransfer{Target: target, Body: strings.TrimSpace(body)}, nil

	case "/typing":
		switch rest {
		case "on":
			return protocol.TypingStatus{IsTyping: true}, nil
		case "off":
			return protocol.TypingStatus{IsTyping: false}, nil
		}
		return nil, fmt.Errorf("%w: usage: /typing on|off", ErrUsage)

	case "/file":
		if rest == "" {
			return nil, fmt.Errorf("%w: usage: /file <path>", ErrUsage)
		}
		data, err := os.ReadFile(rest)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		return protocol.FileTransfer{Filename: filepath.Base(rest), Payload: dataURL(rest, data)}, nil

	default:
		return protocol.PublicChat{Body: line}, nil
	}
}

func dataURL(path string, data []byte) string {
	mediaType := mime.TypeByExtension(filepath.Ext(path))
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Format renders a server message for the terminal.
func Format(msg protocol.Outbound) string {
	switch m := msg.(type) {
	case protocol.Count:
		return fmt.Sprintf("*** %d online: %s ***", m.Count, strings.Join(m.Handles, ", "))
	case protocol.History:
		lines := make([]string, 0, len(m.Messages))
		for _, c := range m.Messages {
			lines = append(lines, Format(c))
		}
		return strings.Join(lines, "\n")
	case protocol.Chat:
		return fmt.Sprintf("%s [%s]: %s", clock(m.Time), m.Sender, m.Body)
	case protocol.Private:
		return fmt.Sprintf("%s [%s -> %s]: %s", clock(m.Time), m.Sender, m.Target, m.Body)
	case protocol.File:
		return fmt.Sprintf("%s [%s] sent file %s", clock(m.Time), m.Sender, m.Filename)
	case protocol.TypingNotification:
		if m.IsTyping {
			return fmt.Sprintf("*** %s is typing ***", m.Sender)
		}
		return fmt.Sprintf("*** %s stopped typing ***", m.Sender)
	case protocol.Error:
		return "error: " + m.Message
	case protocol.Info:
		return m.Message
	default:
		return fmt.Sprintf("unknown message %s", msg.Kind())
	}
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.Local().Format(time.TimeOnly)
}
