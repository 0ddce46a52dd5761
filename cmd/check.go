package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/gpconnect/internal/permission"
)

func NewCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check that the tunnel client is installed and can be elevated",
		Long: `Check that the tunnel client is installed and can run with elevated
privileges without a password prompt.

When elevation is not configured, the command prints a sudoers rule scoped to
the tunnel client that you can install yourself.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			installed := mustStartAndSend("CHECK_INSTALLED")
			installed.LogMessages()
			var data struct {
				Installed bool `json:"installed"`
			}
			installed.DecodeData(&data)
			if !data.Installed {
				os.Exit(1)
			}

			perms := mustSend("CHECK_PERMISSIONS")
			perms.LogMessages()
			var status permission.Status
			perms.DecodeData(&status)
			if !status.OK {
				if status.Detail != "" {
					fmt.Fprintf(os.Stderr, "\n%s\n", status.Detail)
				}
				if status.Remediation != "" {
					fmt.Fprintf(os.Stderr, "\nTo allow it, run:\n\n  %s\n\n", status.Remediation)
				}
				os.Exit(1)
			}
		},
	}
}
