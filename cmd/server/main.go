package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/omochice/relay-chat/internal/chat"
	"github.com/omochice/relay-chat/internal/config"
	"github.com/omochice/relay-chat/internal/history"
	"github.com/omochice/relay-chat/internal/logging"
	"github.com/omochice/relay-chat/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "relay-server",
		Short: "Chat relay for websocket and raw TCP clients",
		Long: `relay-server accepts websocket and newline-delimited JSON TCP clients
on a single port, registers a unique handle per connection and relays
public, private, file and typing messages between them.`,
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "config file (default is ./relay.yaml)")
	flags.StringP("address", "a", "", "address to listen on for websocket and TCP clients")
	flags.String("path", "", "HTTP path accepting websocket upgrades")
	flags.String("history", "", "append public chat to this JSON lines file")
	flags.Float64("rate-limit", 0, "inbound messages per second per connection (0 disables)")
	flags.String("log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	flags.String("log-format", "", "log format (json, text)")

	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("server.address", flags.Lookup("address"))
	_ = v.BindPFlag("server.path", flags.Lookup("path"))
	_ = v.BindPFlag("history.path", flags.Lookup("history"))
	_ = v.BindPFlag("relay.rate_limit", flags.Lookup("rate-limit"))
	_ = v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("logging.format", flags.Lookup("log-format"))

	return cmd
}

func initConfig(v *viper.Viper) error {
	config.SetDefaults(v)

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/relay")
	}

	// e.g. RELAY_SERVER_ADDRESS for server.address
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || v.GetString("config") != "" {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func run(cfg *config.Config) error {
	logger, err := logging.NewLogger(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Close()

	var historyLog history.Log = history.Nop{}
	if cfg.History.Path != "" {
		fileLog, err := history.OpenFile(cfg.History.Path, logger)
		if err != nil {
			return err
		}
		defer fileLog.Close()
		historyLog = fileLog
	}

	registry := chat.NewRegistry()
	router := chat.NewRouter(registry, historyLog, logger.With("component", "router"))
	supervisor := chat.NewSupervisor(registry, router, logger,
		chat.WithRateLimit(cfg.Relay.RateLimit, cfg.Relay.RateBurst))

	srv := server.New(cfg.Server, supervisor, logger.With("component", "server"))
	if err := srv.Listen(); err != nil {
		return err
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve()
	}()

	// Wait for either error or shutdown signal
	select {
	case err := <-errChan:
		if err != nil {
			logger.Error("server error", "error", err)
			return err
		}
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig.String())
		srv.Stop()
	}
	return nil
}
