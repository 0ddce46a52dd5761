package daemon

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger returns a tint logger writing to w. verbose > 0 enables debug output.
func NewLogger(w io.Writer, verbose int) *slog.Logger {
	level := slog.LevelInfo
	if verbose > 0 {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	}))
}

// SetupLogging installs a tint logger on stderr as the slog default
func SetupLogging(verbose int) *slog.Logger {
	logger := NewLogger(os.Stderr, verbose)
	slog.SetDefault(logger)
	return logger
}

// handleFollowLogs sends the tail of the connection log, then streams new
// lines until the client disconnects or the daemon stops
func (d *Daemon) handleFollowLogs(conn net.Conn, historyBytes int64) {
	lines := d.sink.Subscribe()
	defer d.sink.Unsubscribe(lines)

	initialMsg := fmt.Sprintf("Following %s. Press Ctrl+C to exit.\n", d.sink.Path())
	if _, err := conn.Write([]byte(initialMsg)); err != nil {
		d.logger.Warn("Failed to send initial message to logs client", "error", err)
		return
	}

	history, err := d.sink.Tail(historyBytes)
	if err != nil {
		d.logger.Warn("Failed to read log history", "error", err)
	} else if history != "" {
		if !strings.HasSuffix(history, "\n") {
			history += "\n"
		}
		if _, err := conn.Write([]byte(history)); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		reader := bufio.NewReader(conn)
		io.Copy(io.Discard, reader)
		close(done)
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if _, err := conn.Write([]byte(line)); err != nil {
				return
			}
		case <-done:
			d.logger.Debug("Logs client disconnected")
			return
		case <-d.ctx.Done():
			return
		}
	}
}
