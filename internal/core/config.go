package core

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const (
	BaseDirName      = ".config/gpconnect"
	PidFileName      = "daemon.pid"
	SocketName       = "daemon.sock"
	ConfigFileName   = "config.hcl"
	SettingsName     = "vpn_config.json"
	LogDirName       = "logs"
	LogFileName      = "vpn.log"
	DatabaseName     = "gpconnect.db"
	TunnelStateName  = "tunnel_state.json"
	DefaultTailBytes = 64 * 1024
)

// DefaultConfigPath returns ~/.config/gpconnect
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, BaseDirName)
}

func GetSocketPath() string {
	return filepath.Join(Config.ConfigPath, SocketName)
}

func GetPIDFilePath() string {
	return filepath.Join(Config.ConfigPath, PidFileName)
}

func GetSettingsPath() string {
	return filepath.Join(Config.ConfigPath, SettingsName)
}

func GetLogPath() string {
	return filepath.Join(Config.ConfigPath, LogDirName, LogFileName)
}

func GetDatabasePath() string {
	return filepath.Join(Config.ConfigPath, DatabaseName)
}

func GetTunnelStatePath() string {
	return filepath.Join(Config.ConfigPath, TunnelStateName)
}

// InitializeConfig loads config.hcl from the --config-path directory into the
// global Config. A missing file is not an error; defaults are used instead.
func InitializeConfig(cmd *cobra.Command) ([]string, error) {
	var messages []string

	configPath, err := cmd.Flags().GetString("config-path")
	if err != nil || configPath == "" {
		configPath = DefaultConfigPath()
	}

	if err := os.MkdirAll(configPath, 0o700); err != nil {
		return messages, fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configPath, ConfigFileName)
	cfg := GetDefaultConfig()
	if ConfigExists(configFile) {
		loaded, err := LoadConfig(configFile)
		if err != nil {
			return messages, err
		}
		cfg = loaded
	}
	cfg.ConfigPath = configPath

	if verbose, err := cmd.Flags().GetCount("verbose"); err == nil && verbose > cfg.Verbose {
		cfg.Verbose = verbose
	}

	Config = cfg
	return messages, nil
}
