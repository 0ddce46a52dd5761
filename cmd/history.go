package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/gpconnect/internal/db"
)

func NewHistoryCommand() *cobra.Command {
	var limit int
	var format string
	var session string
	var daemonEvents bool

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent connection state changes",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if daemonEvents {
				showDaemonHistory(limit, format)
				return
			}

			command := fmt.Sprintf("HISTORY %d", limit)
			if session != "" {
				command = "HISTORY session " + session
			}
			response := mustSend(command)
			if response.HasErrors() {
				finish(response)
			}

			var events []db.ConnectionEvent
			if err := response.DecodeData(&events); err != nil {
				slog.Error(fmt.Sprintf("Failed to parse history: %v", err))
				os.Exit(1)
			}

			switch format {
			case "text":
				if len(events) == 0 {
					response.LogMessages()
					slog.Info("No connection events recorded yet")
					return
				}
				printHistory(os.Stdout, events)
			case "json":
				jsonBytes, _ := json.MarshalIndent(events, "", "  ")
				fmt.Println(string(jsonBytes))
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of events to show")
	historyCmd.Flags().StringVarP(&format, "format", "F", "text", "Format to use (text/json)")
	historyCmd.Flags().StringVar(&session, "session", "", "Show every transition of one connection attempt")
	historyCmd.Flags().BoolVar(&daemonEvents, "daemon", false, "Show daemon start/stop events instead")

	return historyCmd
}

// printHistory writes events oldest first
func printHistory(w io.Writer, events []db.ConnectionEvent) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tPORTAL\tTRANSITION\tREASON\tDETAILS")
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		fmt.Fprintf(tw, "%s\t%s\t%s -> %s\t%s\t%s\n",
			ev.Timestamp.Local().Format(time.DateTime),
			valueOrNone(ev.Portal),
			ev.FromState, ev.ToState,
			ev.Reason,
			ev.Details)
	}
	tw.Flush()
}

func showDaemonHistory(limit int, format string) {
	response := mustSend(fmt.Sprintf("DAEMON_HISTORY %d", limit))
	if response.HasErrors() {
		finish(response)
	}

	var events []db.DaemonEvent
	if err := response.DecodeData(&events); err != nil {
		slog.Error(fmt.Sprintf("Failed to parse history: %v", err))
		os.Exit(1)
	}

	if format == "json" {
		jsonBytes, _ := json.MarshalIndent(events, "", "  ")
		fmt.Println(string(jsonBytes))
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tDETAILS")
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\n", ev.Timestamp.Local().Format(time.DateTime), ev.EventType, ev.Details)
	}
	tw.Flush()
}
