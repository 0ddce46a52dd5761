package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/gpconnect/internal/core"
	"go.olrik.dev/gpconnect/internal/daemon"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Show version of both client and daemon (if running)`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			clientVersion := core.Version
			clientFormatted := core.FormatVersion(clientVersion)
			fmt.Fprintf(os.Stderr, "Client version: %s\n", clientFormatted)

			response, err := daemon.SendCommand("VERSION")
			if err != nil {
				fmt.Fprintln(os.Stderr, "Daemon: not running")
				return
			}

			var data struct {
				Version string `json:"version"`
				PID     int    `json:"pid"`
			}
			if err := response.DecodeData(&data); err != nil || data.Version == "" {
				return
			}
			daemonFormatted := core.FormatVersion(data.Version)
			fmt.Fprintf(os.Stderr, "Daemon version: %s (PID %d)\n", daemonFormatted, data.PID)

			if clientVersion != data.Version {
				slog.Warn(fmt.Sprintf("Version mismatch! Client %s and daemon %s versions differ. Consider restarting the daemon.", clientFormatted, daemonFormatted))
			}
		},
	}
}
