package cmd

import (
	"github.com/spf13/cobra"
)

func NewDisconnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "disconnect",
		Aliases: []string{"d", "down"},
		Short:   "Disconnect from the VPN",
		Long: `Disconnect from the VPN and stop the tunnel client.

Automatic reconnection stays off until the next 'gpconnect connect'.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			finish(mustSend("DISCONNECT"))
		},
	}
}
