package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"go.olrik.dev/gpconnect/internal/core"
	"go.olrik.dev/gpconnect/internal/settings"
)

func NewConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change saved settings",
		Long: `Show or change the saved portal, username and preferences.

Settings live in vpn_config.json in the config path. The daemon picks up
changes immediately.`,
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show saved settings",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadSettings()
			fmt.Print(formatSettings(cfg))
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a setting",
		Long: `Change a setting. Keys:
  portal          Portal address
  username        Username
  notifications   true/false, desktop notifications on state changes
  auto-connect    true/false, connect when the daemon starts
  password        "forget" removes a password saved in the settings file`,
		Args: cobra.ExactArgs(2),
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			if len(args) == 0 {
				return settingKeys, cobra.ShellCompDirectiveNoFileComp
			}
			return nil, cobra.ShellCompDirectiveNoFileComp
		},
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadSettings()
			if err := applySetting(&cfg, args[0], args[1]); err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			payload, err := json.Marshal(cfg)
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to encode settings: %v", err))
				os.Exit(1)
			}
			finish(mustStartAndSend("SAVE_CONFIG " + string(payload)))
		},
	}

	configCmd.AddCommand(showCmd, setCmd)
	return configCmd
}

var settingKeys = []string{"portal", "username", "notifications", "auto-connect", "password"}

func loadSettings() settings.Config {
	response := mustStartAndSend("LOAD_CONFIG")
	if response.HasErrors() {
		finish(response)
	}
	var cfg settings.Config
	if err := response.DecodeData(&cfg); err != nil {
		slog.Error(fmt.Sprintf("Failed to parse settings: %v", err))
		os.Exit(1)
	}
	return cfg
}

// applySetting changes one key on cfg
func applySetting(cfg *settings.Config, key, value string) error {
	switch key {
	case "portal":
		value = strings.TrimSpace(value)
		if cfg.Portal != value {
			// A saved password belongs to one portal and username
			cfg.Password = nil
		}
		cfg.Portal = value
	case "username":
		value = strings.TrimSpace(value)
		if cfg.Username != value {
			cfg.Password = nil
		}
		cfg.Username = value
	case "notifications", "auto-connect":
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: %s expects true or false, got %q", core.ErrInvalidInput, key, value)
		}
		if key == "notifications" {
			cfg.NotificationsEnabled = &enabled
		} else {
			cfg.AutoConnect = &enabled
		}
	case "password":
		if value != "forget" {
			return fmt.Errorf("%w: use 'gpconnect connect --remember' or 'gpconnect password set' to store a password", core.ErrInvalidInput)
		}
		cfg.Password = nil
	default:
		return fmt.Errorf("%w: unknown setting %q (expected one of %s)", core.ErrInvalidInput, key, strings.Join(settingKeys, ", "))
	}
	return nil
}

// formatSettings renders settings with the password hidden
func formatSettings(cfg settings.Config) string {
	prefs := cfg.Preferences()
	password := "not saved"
	if cfg.Password != nil {
		password = "saved in settings file"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Portal:         %s\n", valueOrNone(cfg.Portal))
	fmt.Fprintf(&b, "Username:       %s\n", valueOrNone(cfg.Username))
	fmt.Fprintf(&b, "Password:       %s\n", password)
	fmt.Fprintf(&b, "Notifications:  %t\n", prefs.NotificationsEnabled)
	fmt.Fprintf(&b, "Auto-connect:   %t\n", prefs.AutoConnect)
	return b.String()
}

func valueOrNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

