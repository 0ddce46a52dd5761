package cmd

import (
	"github.com/spf13/cobra"

	"go.olrik.dev/gpconnect/internal/core"
	"go.olrik.dev/gpconnect/internal/daemon"
)

func runDaemon() error {
	daemon.SetupLogging(core.Config.Verbose)
	d := daemon.New(core.Config)
	return d.Run()
}

// NewDaemonCommand runs the daemon in the foreground
func NewDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the daemon in the foreground",
		Long: `Run the daemon in the foreground, logging to stderr.

Useful under a service manager such as a systemd user unit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

// NewInternalCommand is what the CLI forks when it needs a background daemon
func NewInternalCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "internal-daemon-start",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}
