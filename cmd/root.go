package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/gpconnect/internal/core"
	"go.olrik.dev/gpconnect/internal/daemon"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	rootCmd := &cobra.Command{
		Use:   "gpconnect",
		Short: "gpconnect - GlobalProtect VPN connection manager",
		Long: `gpconnect keeps a GlobalProtect VPN connection up using openconnect.

A background daemon supervises the tunnel client, reconnects after drops and
network changes, and records every state change.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize config and bind global flags to the config
			messages, err := core.InitializeConfig(cmd)
			for _, message := range messages {
				fmt.Println(message)
			}
			if err != nil {
				return err
			}
			slog.SetDefault(daemon.NewLogger(os.Stderr, core.Config.Verbose))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", core.DefaultConfigPath(),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewCheckCommand(),
		NewConfigCommand(),
		NewConnectCommand(),
		NewDaemonCommand(),
		NewDisconnectCommand(),
		NewHistoryCommand(),
		NewInternalCommand(),
		NewLogsCommand(),
		NewPasswordCommand(),
		NewStartCommand(),
		NewStatusCommand(),
		NewStopCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}
