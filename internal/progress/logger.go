package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrorEntry is one logged failure.
type ErrorEntry struct {
	Source    string
	Error     string
	Timestamp time.Time
}

// ErrorLogger appends one JSON line per failure to a file, so that operators
// can review what the gateway could not forward.
type ErrorLogger struct {
	mu      sync.Mutex
	logFile string
	errors  []ErrorEntry
	file    *os.File
	log     zerolog.Logger
}

// NewErrorLogger opens logFile for appending. An empty name keeps the
// entries in memory only.
func NewErrorLogger(logFile string) (*ErrorLogger, error) {
	l := &ErrorLogger{logFile: logFile, log: zerolog.New(io.Discard)}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, fmt.Errorf("could not create log directory: %w", err)
		}
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("could not open log file: %w", err)
		}
		l.file = file
		l.log = zerolog.New(file).With().Timestamp().Logger()
	}
	return l, nil
}

// Log records a failure for source.
func (l *ErrorLogger) Log(source string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	l.errors = append(l.errors, ErrorEntry{Source: source, Error: msg, Timestamp: time.Now()})
	l.log.Error().Str("source", source).Str("file", filepath.Base(source)).Msg(msg)
}

// Summary returns a one-line summary of the logged errors.
func (l *ErrorLogger) Summary() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.errors) == 0 {
		return "No errors"
	}
	if l.logFile == "" {
		return fmt.Sprintf("%d errors", len(l.errors))
	}
	return fmt.Sprintf("%d errors logged to %s", len(l.errors), l.logFile)
}

// ErrorCount returns the number of logged errors.
func (l *ErrorLogger) ErrorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

// Close closes the log file.
func (l *ErrorLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
