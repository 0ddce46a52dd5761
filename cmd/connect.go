package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"go.olrik.dev/gpconnect/internal/daemon"
	"go.olrik.dev/gpconnect/internal/keyring"
	"go.olrik.dev/gpconnect/internal/settings"
)

func NewConnectCommand() *cobra.Command {
	var req settings.Credentials
	var passwordStdin bool

	connectCmd := &cobra.Command{
		Use:     "connect",
		Aliases: []string{"c", "up"},
		Short:   "Connect to the VPN portal",
		Long: `Connect to the VPN portal and wait until the tunnel is up.

Portal and username default to the saved settings. The password is taken from
the saved settings or the keyring; when neither has it you are prompted.
--remember saves the password in the settings file.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if passwordStdin {
				password, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && password == "" {
					slog.Error(fmt.Sprintf("Failed to read password from stdin: %v", err))
					os.Exit(1)
				}
				req.Password = strings.TrimRight(password, "\r\n")
			}

			if err := daemon.EnsureDaemonIsRunning(); err != nil {
				slog.Error(fmt.Sprintf("Fatal: %v", err))
				os.Exit(1)
			}

			req.Portal, req.Username = savedIdentity(req.Portal, req.Username)
			if req.Portal == "" && keyring.IsInteractive() {
				portal, err := keyring.PromptLine("Portal")
				if err != nil {
					slog.Error(err.Error())
					os.Exit(1)
				}
				req.Portal = portal
			}

			response := sendConnect(req)

			var missing daemon.MissingFields
			if response.HasErrors() && response.DecodeData(&missing) == nil && len(missing.Fields) > 0 {
				if !keyring.IsInteractive() {
					finish(response)
				}
				prompted, err := promptMissing(req, missing.Fields)
				if err != nil {
					slog.Error(err.Error())
					os.Exit(1)
				}
				response = sendConnect(prompted)
			}

			finish(response)
		},
	}

	connectCmd.Flags().StringVarP(&req.Portal, "portal", "p", "", "Portal address (defaults to the saved portal)")
	connectCmd.Flags().StringVarP(&req.Username, "username", "u", "", "Username (defaults to the saved username)")
	connectCmd.Flags().BoolVar(&req.Remember, "remember", false, "Save the password in the settings file")
	connectCmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")

	return connectCmd
}

func sendConnect(req settings.Credentials) daemon.Response {
	payload, err := json.Marshal(req)
	if err != nil {
		slog.Error(fmt.Sprintf("Failed to encode request: %v", err))
		os.Exit(1)
	}
	slog.Info(fmt.Sprintf("Connecting to %s...", req.Portal))
	return mustSend("CONNECT " + string(payload))
}

// promptMissing asks for each field the daemon reported as missing
func promptMissing(req settings.Credentials, fields []string) (settings.Credentials, error) {
	for _, field := range fields {
		switch field {
		case "username":
			username, err := keyring.PromptLine("Username")
			if err != nil {
				return req, err
			}
			req.Username = username
		case "password":
			password, err := keyring.PromptPassword(keyring.Key(req.Portal, req.Username))
			if err != nil {
				return req, err
			}
			req.Password = password
		}
	}
	return req, nil
}
