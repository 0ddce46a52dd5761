package cmd

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/gpconnect/internal/daemon"
)

func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the gpconnect daemon",
		Long: `Stop the gpconnect daemon, disconnecting the VPN first.

The tunnel client is terminated before the daemon exits.`,
		Aliases: []string{"shutdown", "quit"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STOP")
			if err != nil {
				slog.Warn("Daemon is not running")
				return
			}
			response.LogMessages()

			// Poll for up to 10 seconds; terminating the tunnel client can take a while
			maxWait := 10 * time.Second
			pollInterval := 100 * time.Millisecond
			elapsed := time.Duration(0)

			for elapsed < maxWait {
				time.Sleep(pollInterval)
				elapsed += pollInterval

				if _, err := daemon.SendCommand("VERSION"); err != nil {
					slog.Debug("Daemon shutdown confirmed")
					return
				}
			}

			slog.Warn("Daemon did not shut down within timeout, but stop command was sent")
		},
	}
}
