package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogAppender is a destination for formatted log lines. Implementations must
// be safe for concurrent use; the transport goroutines and the tick loop log
// through the same appender chain.
type LogAppender interface {
	// Write outputs one formatted log line, including the trailing newline.
	Write(buf []byte) (n int, err error)

	// Refresh forces buffered data out. It blocks until pending lines are
	// durable in the underlying sink.
	Refresh() error

	// Close flushes and releases resources. Called once at shutdown.
	Close() error
}

// ConsoleAppender writes log lines straight to stdout without buffering.
// Suitable for development and containerized deployments.
type ConsoleAppender struct{}

// NewConsoleAppender returns a stateless stdout appender.
func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{}
}

// Write writes the buffer to stdout.
func (ca *ConsoleAppender) Write(buf []byte) (int, error) {
	return os.Stdout.Write(buf)
}

// Refresh is a no-op; console writes are unbuffered.
func (ca *ConsoleAppender) Refresh() error { return nil }

// Close is a no-op; stdout is not owned by the appender.
func (ca *ConsoleAppender) Close() error { return nil }

// FileAppender writes log lines to a file and rotates it once it exceeds the
// configured size, renaming the old file with a timestamp suffix.
type FileAppender struct {
	mu      sync.Mutex
	path    string
	splitMB int
	file    *os.File
	written int64
}

// NewFileAppender opens (creating if needed) the log file at path.
// splitMB bounds the file size before rotation; zero disables rotation.
func NewFileAppender(path string, splitMB int) (*FileAppender, error) {
	if path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &FileAppender{
		path:    path,
		splitMB: splitMB,
		file:    f,
		written: st.Size(),
	}, nil
}

// Write appends the buffer to the log file, rotating first if the size
// threshold has been crossed.
func (fa *FileAppender) Write(buf []byte) (int, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if fa.splitMB > 0 && fa.written+int64(len(buf)) > int64(fa.splitMB)<<20 {
		if err := fa.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := fa.file.Write(buf)
	fa.written += int64(n)
	return n, err
}

// rotate renames the current file with a timestamp suffix and reopens a fresh
// one. Caller holds fa.mu.
func (fa *FileAppender) rotate() error {
	if err := fa.file.Close(); err != nil {
		return err
	}
	rotated := fmt.Sprintf("%s.%s", fa.path, time.Now().Format("20060102-150405"))
	if err := os.Rename(fa.path, rotated); err != nil {
		return err
	}
	f, err := os.OpenFile(fa.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	fa.file = f
	fa.written = 0
	return nil
}

// Refresh syncs the file to disk.
func (fa *FileAppender) Refresh() error {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.file.Sync()
}

// Close syncs and closes the log file.
func (fa *FileAppender) Close() error {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if err := fa.file.Sync(); err != nil {
		return err
	}
	return fa.file.Close()
}
