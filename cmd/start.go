package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/gpconnect/internal/core"
	"go.olrik.dev/gpconnect/internal/daemon"
)

func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the gpconnect daemon",
		Long: `Start the gpconnect daemon in the background.

The daemon supervises the VPN tunnel client. It will continue running until
explicitly stopped with 'gpconnect stop'. When auto_connect is enabled in the
settings, it connects on startup.

If the daemon is already running, this command will report its version.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if response, err := daemon.SendCommand("VERSION"); err == nil {
				var data struct {
					Version string `json:"version"`
				}
				response.DecodeData(&data)
				slog.Info(fmt.Sprintf("Daemon is already running (version %s)", core.FormatVersion(data.Version)))
				return
			}

			if err := daemon.EnsureDaemonIsRunning(); err != nil {
				slog.Error(fmt.Sprintf("Daemon failed to start: %v", err))
				os.Exit(1)
			}
			slog.Info("Daemon started successfully")
		},
	}
}
