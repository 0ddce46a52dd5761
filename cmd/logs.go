package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/gpconnect/internal/core"
	"go.olrik.dev/gpconnect/internal/daemon"
)

func NewLogsCommand() *cobra.Command {
	var follow, clearLog bool
	var maxBytes int

	logsCmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"log"},
		Short:   "Show the connection log",
		Long: `Show the connection log: tunnel client output and connection events.

Examples:
  gpconnect logs              # Print the end of the log
  gpconnect logs -f           # Keep streaming new lines, Ctrl+C to exit
  gpconnect logs --bytes 0    # Print the whole log
  gpconnect logs --clear      # Empty the log`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if clearLog {
				finish(mustSend("CLEAR_LOGS"))
				return
			}

			if follow {
				if err := daemon.StreamCommand(fmt.Sprintf("FOLLOW_LOGS %d", maxBytes), os.Stdout); err != nil {
					slog.Error(err.Error())
					os.Exit(1)
				}
				return
			}

			response := mustSend(fmt.Sprintf("READ_LOGS %d", maxBytes))
			if response.HasErrors() {
				finish(response)
			}
			var logs daemon.LogsReport
			if err := response.DecodeData(&logs); err != nil {
				slog.Error(fmt.Sprintf("Failed to parse logs: %v", err))
				os.Exit(1)
			}
			fmt.Print(logs.Content)
			if logs.Content != "" && logs.Content[len(logs.Content)-1] != '\n' {
				fmt.Println()
			}
		},
	}

	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream new lines as they are written")
	logsCmd.Flags().BoolVar(&clearLog, "clear", false, "Clear the log")
	logsCmd.Flags().IntVarP(&maxBytes, "bytes", "b", core.DefaultTailBytes, "Show at most this many bytes from the end (0 for all)")

	return logsCmd
}
