package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// DebugLogger provides verbose debug logging for troubleshooting
// connection and polling problems. It writes to a dedicated file and
// can be filtered to a subset of subsystems.
type DebugLogger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // subsystem filters (empty = log all)
}

var (
	globalDebugLogger *DebugLogger
	globalDebugMu     sync.RWMutex
)

// Subsystem names used across the codebase.
var knownSubsystems = []string{
	"modbus", "sim", "poll", "bus", "devman",
	"mqtt", "kafka", "valkey", "api", "debug",
}

// NewDebugLogger creates a debug logger writing to path. The file is
// truncated for each session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	logger := &DebugLogger{
		file:    file,
		filters: make(map[string]bool),
	}
	logger.Log("debug", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	return logger, nil
}

// SetFilter restricts logging to the given comma-separated subsystem
// list. Empty means log everything.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	for _, s := range strings.Split(filter, ",") {
		s = strings.TrimSpace(strings.ToLower(s))
		if s != "" {
			l.filters[s] = true
		}
	}
}

// shouldLog must be called with l.mu held.
func (l *DebugLogger) shouldLog(subsystem string) bool {
	if len(l.filters) == 0 {
		return true
	}
	s := strings.ToLower(subsystem)
	// The debug subsystem carries session header/footer lines.
	return l.filters[s] || s == "debug"
}

// Log writes a formatted message with timestamp and subsystem prefix.
func (l *DebugLogger) Log(subsystem, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(subsystem) {
		return
	}
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, subsystem, fmt.Sprintf(format, args...))
}

// Close writes the footer and closes the file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [debug] Debug logging ended\n", timestamp)
	return l.file.Close()
}

// SetGlobalDebugLogger installs the process-wide debug logger.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the process-wide debug logger, or nil.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// DebugLog logs a message if debug logging is enabled.
func DebugLog(subsystem, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(subsystem, format, args...)
	}
}

// Subsystems returns the known subsystem names for filter help text.
func Subsystems() []string {
	out := make([]string, len(knownSubsystems))
	copy(out, knownSubsystems)
	return out
}
