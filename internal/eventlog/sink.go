// Package eventlog is the user-visible connection log: an append-only text
// file plus live delivery of new lines to followers.
package eventlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.olrik.dev/gpconnect/internal/core"
)

// NoLogsMessage is returned by Tail when nothing has been logged yet
const NoLogsMessage = "No logs found."

// Sink is the single writer for the log file. Every append takes the same
// lock, so concurrent writers never interleave partial lines.
type Sink struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	clients map[chan string]bool
}

// NewSink creates a sink writing to path. Nothing touches the disk until the first append.
func NewSink(path string) *Sink {
	return &Sink{
		path:    path,
		now:     time.Now,
		clients: make(map[chan string]bool),
	}
}

// Path returns the log file location
func (s *Sink) Path() string {
	return s.path
}

// Append writes one timestamped line. Embedded newlines are split into
// separate entries so each line stays self-describing.
func (s *Sink) Append(line string) error {
	line = strings.TrimRight(line, "\r\n")
	stamp := s.now().Format(time.DateTime)

	var b strings.Builder
	for _, part := range strings.Split(line, "\n") {
		b.WriteString("[")
		b.WriteString(stamp)
		b.WriteString("] ")
		b.WriteString(strings.TrimRight(part, "\r"))
		b.WriteString("\n")
	}
	entry := b.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLocked(entry); err != nil {
		return err
	}

	for ch := range s.clients {
		select {
		case ch <- entry:
		default:
			// Follower too slow, drop rather than block writers
		}
	}
	return nil
}

// Appendf formats and appends a line
func (s *Sink) Appendf(format string, args ...any) error {
	return s.Append(fmt.Sprintf(format, args...))
}

// Banner appends an unstamped separator line
func (s *Sink) Banner(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked("\n--- " + text + " ---\n")
}

func (s *Sink) writeLocked(entry string) error {
	// Created lazily so that merely reading logs never creates directories
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("%w: failed to create log directory: %w", core.ErrLogIO, err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: failed to open log file: %w", core.ErrLogIO, err)
	}
	defer f.Close()

	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("%w: failed to write log file: %w", core.ErrLogIO, err)
	}
	return nil
}

// Tail returns at most maxBytes from the end of the log, starting on a line
// boundary. maxBytes <= 0 returns the whole file.
func (s *Sink) Tail(maxBytes int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return NoLogsMessage, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: failed to open log file: %w", core.ErrLogIO, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: failed to stat log file: %w", core.ErrLogIO, err)
	}

	size := info.Size()
	offset := int64(0)
	if maxBytes > 0 && size > maxBytes {
		offset = size - maxBytes
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", fmt.Errorf("%w: failed to seek log file: %w", core.ErrLogIO, err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read log file: %w", core.ErrLogIO, err)
	}

	content := string(data)
	if offset > 0 {
		// Drop the partial first line
		if i := strings.IndexByte(content, '\n'); i >= 0 {
			content = content[i+1:]
		}
	}
	return content, nil
}

// Clear truncates the log. A missing file is left missing.
func (s *Sink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Truncate(s.path, 0)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: failed to clear log file: %w", core.ErrLogIO, err)
	}
	return nil
}

// Subscribe returns a channel receiving every line appended from now on
func (s *Sink) Subscribe() chan string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan string, 100) // Buffer to prevent blocking
	s.clients[ch] = true
	return ch
}

// Unsubscribe removes a follower and closes its channel
func (s *Sink) Unsubscribe(ch chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clients[ch] {
		delete(s.clients, ch)
		close(ch)
	}
}

// Writer returns an io.Writer that appends each written line under prefix
func (s *Sink) Writer(prefix string) io.Writer {
	return &lineWriter{sink: s, prefix: prefix}
}

// lineWriter buffers partial writes until a newline arrives
type lineWriter struct {
	sink   *Sink
	prefix string
	mu     sync.Mutex
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := strings.IndexByte(string(w.buf), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf[:i])
		w.buf = w.buf[i+1:]
		if err := w.sink.Append(w.prefix + line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Flush appends a trailing line that never got its newline
func (w *lineWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) == 0 {
		return nil
	}
	line := string(w.buf)
	w.buf = nil
	return w.sink.Append(w.prefix + line)
}
