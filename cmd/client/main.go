package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/omochice/relay-chat/internal/client"
	"github.com/omochice/relay-chat/internal/client/tcp"
	"github.com/omochice/relay-chat/internal/client/ws"
	"github.com/omochice/relay-chat/internal/logging"
	"github.com/omochice/relay-chat/pkg/protocol"
	"github.com/spf13/cobra"
)

type options struct {
	server   string
	username string
	binary   bool
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "relay-client",
		Short: "Terminal client for the chat relay",
		Long: `relay-client connects to a relay server, registers a handle and relays
lines typed on stdin. A ws:// or wss:// server URL uses websocket; a
plain host:port uses newline-delimited JSON over TCP.

Commands:
  /w <user> <text>   private message
  /typing on|off     typing status
  /file <path>       send a file
  /quit              leave`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.server, "server", "s", "ws://localhost:8765/ws", "server URL or TCP address")
	flags.StringVarP(&opts.username, "username", "u", "", "handle to register")
	flags.BoolVar(&opts.binary, "binary", false, "use the protobuf websocket subprotocol")
	flags.StringVar(&opts.logLevel, "log-level", logging.LevelWarn, "log level (DEBUG, INFO, WARN, ERROR)")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}

func newClient(opts options, logger *logging.Logger) client.Client {
	if strings.HasPrefix(opts.server, "ws://") || strings.HasPrefix(opts.server, "wss://") {
		codec := protocol.JSON
		if opts.binary {
			codec = protocol.Proto
		}
		return ws.New(opts.server, codec, logger)
	}
	return tcp.New(opts.server, logger)
}

func run(ctx context.Context, opts options) error {
	logger := logging.New(os.Stderr, opts.logLevel, logging.FormatText)

	c := newClient(opts, logger)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.Connect(dialCtx); err != nil {
		return err
	}
	defer c.Disconnect()

	if err := c.Send(ctx, protocol.Register{Handle: opts.username}); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}

	// Display messages until the server hangs up
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for msg := range c.Messages() {
			if text := client.Format(msg); text != "" {
				fmt.Println(text)
			}
		}
		fmt.Fprintln(os.Stderr, "*** disconnected ***")
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("error reading input", "error", err)
		}
	}()

	for {
		select {
		case <-closed:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if text == "/quit" || text == "/exit" {
				return nil
			}

			msg, err := client.ParseInput(text)
			if err != nil {
				if errors.Is(err, client.ErrUsage) {
					fmt.Fprintln(os.Stderr, err)
					continue
				}
				logger.Warn("failed to read input", "error", err)
				continue
			}
			if err := c.Send(ctx, msg); err != nil {
				logger.Error("failed to send message", "error", err)
			}
		}
	}
}
