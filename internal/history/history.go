// Package history is the relay's write-only message log.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/omochice/relay-chat/internal/logging"
)

// Record is one logged message. Receiver is nil for broadcasts.
type Record struct {
	Sender   string    `json:"sender"`
	Receiver *string   `json:"receiver"`
	Body     string    `json:"body"`
	Time     time.Time `json:"timestamp"`
}

// Log accepts records fire-and-forget. Implementations report their own
// failures and never return them to the caller.
type Log interface {
	Append(rec Record)
}

// Nop discards every record.
type Nop struct{}

// Append implements Log.
func (Nop) Append(Record) {}

// FileLog appends records as JSON lines to a file.
type FileLog struct {
	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	logger *logging.Logger
}

// OpenFile opens (or creates) the log file at path in append mode.
func OpenFile(path string, logger *logging.Logger) (*FileLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	return &FileLog{
		file:   file,
		enc:    json.NewEncoder(file),
		logger: logger.With("component", "history"),
	}, nil
}

// Append implements Log. Write failures are logged and dropped.
func (l *FileLog) Append(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		l.logger.Error("history append after close", "sender", rec.Sender)
		return
	}
	if err := l.enc.Encode(rec); err != nil {
		l.logger.Error("failed to append history record", "sender", rec.Sender, "error", err)
	}
}

// Close flushes and closes the file. Later appends are logged and dropped.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to close history file: %w", err)
	}
	return nil
}
