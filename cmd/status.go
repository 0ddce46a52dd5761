package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/gpconnect/internal/daemon"
	"go.olrik.dev/gpconnect/internal/supervisor"
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show the VPN connection status",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STATUS")
			if err != nil {
				slog.Warn("Not connected (daemon is not running).")
				return
			}

			var report daemon.StatusReport
			if err := response.DecodeData(&report); err != nil {
				slog.Error(fmt.Sprintf("Failed to parse status: %v", err))
				os.Exit(1)
			}

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				fmt.Print(formatStatus(report, time.Now()))
			case "json":
				jsonBytes, _ := json.MarshalIndent(report, "", "  ")
				fmt.Println(string(jsonBytes))
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}

// formatStatus renders a status report for humans
func formatStatus(report daemon.StatusReport, now time.Time) string {
	st := report.Status
	var b strings.Builder

	switch st.State {
	case supervisor.StateConnected:
		fmt.Fprintf(&b, "Connected to %s", st.Portal)
		if st.Username != "" {
			fmt.Fprintf(&b, " as %s", st.Username)
		}
		if !st.ConnectedAt.IsZero() {
			fmt.Fprintf(&b, " (PID: %d, Age: %s)", st.PID, formatDuration(now.Sub(st.ConnectedAt)))
		}
		b.WriteString("\n")
	case supervisor.StateConnecting:
		if st.WaitingForNetwork {
			fmt.Fprintf(&b, "Waiting for network to reconnect to %s\n", st.Portal)
		} else {
			fmt.Fprintf(&b, "Connecting to %s\n", st.Portal)
		}
	case supervisor.StateDisconnecting:
		fmt.Fprintf(&b, "Disconnecting from %s\n", st.Portal)
	default:
		b.WriteString("Disconnected")
		if !st.Since.IsZero() {
			fmt.Fprintf(&b, " for %s", formatDuration(now.Sub(st.Since)))
		}
		b.WriteString("\n")
	}

	if st.RetryCount > 0 {
		fmt.Fprintf(&b, "  Retry: %d/%d\n", st.RetryCount, st.MaxRetries)
	}
	if st.LastError != "" && st.State != supervisor.StateConnected {
		fmt.Fprintf(&b, "  Last error: %s\n", st.LastError)
	}
	if st.ManuallyDisconnected && st.State == supervisor.StateDisconnected {
		b.WriteString("  Automatic reconnect is off until the next connect\n")
	}
	if report.ClientRunning && st.State == supervisor.StateDisconnected {
		b.WriteString("  Warning: a tunnel client process is still running\n")
	}
	return b.String()
}
