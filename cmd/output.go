package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.olrik.dev/gpconnect/internal/daemon"
)

// mustSend sends command to a running daemon and exits if there is none
func mustSend(command string) daemon.Response {
	response, err := daemon.SendCommand(command)
	if err != nil {
		slog.Error("Daemon is not running. Use 'gpconnect start' to start it.")
		os.Exit(1)
	}
	return response
}

// mustStartAndSend starts the daemon if needed, then sends command
func mustStartAndSend(command string) daemon.Response {
	if err := daemon.EnsureDaemonIsRunning(); err != nil {
		slog.Error(fmt.Sprintf("Fatal: %v", err))
		os.Exit(1)
	}
	response, err := daemon.SendCommand(command)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	return response
}

// finish logs the daemon's messages and exits non-zero if any is an error
func finish(response daemon.Response) {
	response.LogMessages()
	if response.HasErrors() {
		os.Exit(1)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		mins := int(d.Minutes())
		secs := int(d.Seconds()) % 60
		if secs > 0 {
			return fmt.Sprintf("%dm%ds", mins, secs)
		}
		return fmt.Sprintf("%dm", mins)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}
