package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.olrik.dev/gpconnect/internal/core"
)

// ErrDaemonNotRunning is returned when nothing listens on the socket
var ErrDaemonNotRunning = errors.New("daemon is not running")

// SendCommand connects to the daemon, sends a command, and returns the response.
func SendCommand(command string) (Response, error) {
	return sendCommand(core.GetSocketPath(), command)
}

func sendCommand(socketPath, command string) (Response, error) {
	response := Response{}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return response, fmt.Errorf("%w: %w", ErrDaemonNotRunning, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return response, fmt.Errorf("failed to send command to daemon: %w", err)
	}
	bytes, err := io.ReadAll(conn)
	if err != nil {
		return response, fmt.Errorf("failed to read response from daemon: %w", err)
	}

	if err := json.Unmarshal(bytes, &response); err != nil {
		return response, fmt.Errorf("failed to parse response from daemon: %w", err)
	}

	return response, nil
}

// StreamCommand sends command and copies the raw reply to w until the daemon
// closes the connection
func StreamCommand(command string, w io.Writer) error {
	conn, err := net.Dial("unix", core.GetSocketPath())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDaemonNotRunning, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return fmt.Errorf("failed to send command to daemon: %w", err)
	}
	if _, err := io.Copy(w, conn); err != nil {
		return fmt.Errorf("failed to read from daemon: %w", err)
	}
	return nil
}

// EnsureDaemonIsRunning starts the daemon in the background unless it
// already answers on the socket.
func EnsureDaemonIsRunning() error {
	if _, err := SendCommand("VERSION"); err == nil {
		return nil // Daemon is running
	}

	slog.Info("Daemon not running. Starting it now...")
	cmd := exec.Command(os.Args[0], "--config-path", core.Config.ConfigPath, "internal-daemon-start")
	// Detach from the terminal so Ctrl+C in the CLI doesn't reach the daemon
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not fork daemon process: %w", err)
	}
	slog.Debug(fmt.Sprintf("Daemon process launched with PID: %d", cmd.Process.Pid))
	go cmd.Wait()

	// Wait for the daemon to create the socket
	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if _, err := os.Stat(core.GetSocketPath()); err == nil {
			slog.Debug("Daemon is ready.")
			return nil
		}
	}
	return errors.New("daemon process was launched but socket was not created in time")
}
