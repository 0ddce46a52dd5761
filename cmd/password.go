package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/gpconnect/internal/daemon"
	"go.olrik.dev/gpconnect/internal/keyring"
	"go.olrik.dev/gpconnect/internal/settings"
)

func NewPasswordCommand() *cobra.Command {
	var portal, username string

	passwordCmd := &cobra.Command{
		Use:     "password",
		Aliases: []string{"passwd", "pass"},
		Short:   "Manage the portal password in the system keyring",
		Long: `Store, delete, and check the portal password in the system keyring
(Secret Service or KWallet on Linux, Keychain on macOS). The daemon uses it
whenever the settings file holds no password.

Portal and username default to the saved settings.`,
	}
	passwordCmd.PersistentFlags().StringVarP(&portal, "portal", "p", "", "Portal address")
	passwordCmd.PersistentFlags().StringVarP(&username, "username", "u", "", "Username")

	account := func() (string, string) {
		p, u := savedIdentity(portal, username)
		if p == "" || u == "" {
			slog.Error("Portal and username are required (use --portal and --username or save them with 'gpconnect config set')")
			os.Exit(1)
		}
		return p, u
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store the password",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			p, u := account()

			password, err := keyring.PromptAndConfirmPassword(keyring.Key(p, u))
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to read password: %v", err))
				os.Exit(1)
			}

			if err := keyring.New().SetPassword(p, u, password); err != nil {
				slog.Error(fmt.Sprintf("Failed to store password: %v", err))
				os.Exit(1)
			}

			slog.Info(fmt.Sprintf("Password stored securely for '%s'", keyring.Key(p, u)))
		},
	}

	deleteCmd := &cobra.Command{
		Use:     "delete",
		Aliases: []string{"del", "remove", "rm"},
		Short:   "Delete the stored password",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			p, u := account()

			err := keyring.New().DeletePassword(p, u)
			if errors.Is(err, keyring.ErrNotFound) {
				slog.Warn(fmt.Sprintf("No password stored for '%s'", keyring.Key(p, u)))
				return
			}
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to delete password: %v", err))
				os.Exit(1)
			}

			slog.Info(fmt.Sprintf("Password deleted for '%s'", keyring.Key(p, u)))
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether a password is stored",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			p, u := account()
			if keyring.New().HasPassword(p, u) {
				slog.Info(fmt.Sprintf("A password is stored for '%s'", keyring.Key(p, u)))
			} else {
				slog.Info(fmt.Sprintf("No password stored for '%s'", keyring.Key(p, u)))
			}
		},
	}

	passwordCmd.AddCommand(setCmd, deleteCmd, statusCmd)
	return passwordCmd
}

// savedIdentity fills blanks from the saved settings when the daemon is running
func savedIdentity(portal, username string) (string, string) {
	if portal != "" && username != "" {
		return portal, username
	}
	response, err := daemon.SendCommand("LOAD_CONFIG")
	if err != nil {
		return portal, username
	}
	var saved settings.Config
	if response.DecodeData(&saved) != nil {
		return portal, username
	}
	if portal == "" {
		portal = saved.Portal
	}
	if username == "" && portal == saved.Portal {
		username = saved.Username
	}
	return portal, username
}
