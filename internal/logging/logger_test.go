package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	t.Run("creates log file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "relay.log")

		logger, err := NewLogger(path, LevelDebug, FormatJSON)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		logger.Info("started")
		if err := logger.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read log file: %v", err)
		}
		if !strings.Contains(string(data), `"msg":"started"`) {
			t.Errorf("log file missing entry: %s", data)
		}
	})

	t.Run("writes to stderr when path is empty", func(t *testing.T) {
		logger, err := NewLogger("", LevelInfo, FormatText)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		if logger.file != nil {
			t.Error("expected file to be nil when path is empty")
		}
		if err := logger.Close(); err != nil {
			t.Errorf("Close on stderr logger returned %v", err)
		}
	})

	t.Run("fails for unwritable path", func(t *testing.T) {
		_, err := NewLogger(filepath.Join(t.TempDir(), "missing", "relay.log"), LevelInfo, FormatJSON)
		if err == nil {
			t.Error("expected error for missing directory")
		}
	})
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn, FormatJSON)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 entries, got %d: %q", len(lines), buf.String())
	}
}

func TestLogger_ConnectionAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug, FormatJSON).WithConn("c-1", "127.0.0.1:5000").WithHandle("alice")

	logger.Info("registered", "count", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid json entry %q: %v", buf.String(), err)
	}
	for key, want := range map[string]any{
		"conn_id": "c-1",
		"remote":  "127.0.0.1:5000",
		"handle":  "alice",
		"count":   float64(3),
	} {
		if entry[key] != want {
			t.Errorf("entry[%q] = %v, want %v", key, entry[key], want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", LevelDebug},
		{"WARN", LevelWarn},
		{"error", LevelError},
		{"verbose", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.Error("discarded")
	if err := logger.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
