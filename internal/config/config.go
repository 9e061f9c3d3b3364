// Package config loads relay server settings through viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/omochice/relay-chat/internal/logging"
	"github.com/spf13/viper"
)

// Config is the complete server configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Relay   RelayConfig   `mapstructure:"relay"`
	History HistoryConfig `mapstructure:"history"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the listener.
type ServerConfig struct {
	// Address to listen on for both websocket and raw TCP clients (default ":8765")
	Address string `mapstructure:"address"`
	// Path is the HTTP path that accepts websocket upgrades (default "/ws")
	Path string `mapstructure:"path"`
	// WriteTimeout bounds a single frame write to one client; 0 disables it
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxFrameBytes caps one inbound websocket message, fragments included, or one TCP line
	MaxFrameBytes int `mapstructure:"max_frame_bytes"`
}

// RelayConfig controls per-connection message handling.
type RelayConfig struct {
	// RateLimit is the sustained inbound messages per second per connection; 0 disables limiting
	RateLimit float64 `mapstructure:"rate_limit"`
	// RateBurst is the number of messages allowed above RateLimit in a burst
	RateBurst int `mapstructure:"rate_burst"`
}

// HistoryConfig controls the public chat log.
type HistoryConfig struct {
	// Path of the append-only JSON lines file; empty disables history
	Path string `mapstructure:"path"`
}

// LoggingConfig controls server logs.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File to append logs to; empty writes to stderr
	File string `mapstructure:"file"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:       ":8765",
			Path:          "/ws",
			WriteTimeout:  10 * time.Second,
			MaxFrameBytes: 16 << 20,
		},
		Relay: RelayConfig{
			RateLimit: 0,
			RateBurst: 20,
		},
		Logging: LoggingConfig{
			Level:  logging.LevelInfo,
			Format: logging.FormatJSON,
		},
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("server.address", defaults.Server.Address)
	v.SetDefault("server.path", defaults.Server.Path)
	v.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	v.SetDefault("server.max_frame_bytes", defaults.Server.MaxFrameBytes)

	v.SetDefault("relay.rate_limit", defaults.Relay.RateLimit)
	v.SetDefault("relay.rate_burst", defaults.Relay.RateBurst)

	v.SetDefault("history.path", defaults.History.Path)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.file", defaults.Logging.File)
}

// Load reads the configuration from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid field of a Config.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if c.Server.Address == "" {
		errs = append(errs, ValidationError{"server.address", "must not be empty"})
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		errs = append(errs, ValidationError{"server.path", "must start with /"})
	}
	if c.Server.WriteTimeout < 0 {
		errs = append(errs, ValidationError{"server.write_timeout", "must not be negative"})
	}
	if c.Server.MaxFrameBytes <= 0 {
		errs = append(errs, ValidationError{"server.max_frame_bytes", "must be positive"})
	}
	if c.Relay.RateLimit < 0 {
		errs = append(errs, ValidationError{"relay.rate_limit", "must not be negative"})
	}
	if c.Relay.RateLimit > 0 && c.Relay.RateBurst < 1 {
		errs = append(errs, ValidationError{"relay.rate_burst", "must be at least 1 when rate_limit is set"})
	}
	if !isValidLevel(c.Logging.Level) {
		errs = append(errs, ValidationError{"logging.level", fmt.Sprintf("must be one of %v", logging.ValidLevels())})
	}
	switch strings.ToLower(c.Logging.Format) {
	case logging.FormatJSON, logging.FormatText:
	default:
		errs = append(errs, ValidationError{"logging.format", "must be json or text"})
	}

	return errs
}

func isValidLevel(level string) bool {
	for _, valid := range logging.ValidLevels() {
		if strings.EqualFold(level, valid) {
			return true
		}
	}
	return false
}
