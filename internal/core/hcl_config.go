package core

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete daemon configuration
type Configuration struct {
	ConfigPath       string        // Directory containing config, settings, logs and socket
	Verbose          int           // Verbosity level
	AutoConnectDelay time.Duration // Settle delay before auto-connecting on startup
	Tunnel           TunnelConfig
	Supervisor       SupervisorConfig
	Network          NetworkConfig
}

// TunnelConfig describes how the tunnel client is invoked
type TunnelConfig struct {
	Binary          string   // Tunnel client executable
	Protocol        string   // Value for --protocol
	Elevate         []string // Elevation prefix, e.g. sudo -n
	ExtraArgs       []string // Appended after the generated arguments
	InterfacePrefix string   // Interface that must exist for the tunnel to count as up ("" disables)
}

// SupervisorConfig holds the connection supervisor timings
type SupervisorConfig struct {
	TickInterval        time.Duration
	RetryDelay          time.Duration
	MaxRetries          int
	ConnectPollInterval time.Duration
	ConnectPollAttempts int
	KillGrace           time.Duration
	NetworkSettle       time.Duration
}

// NetworkConfig holds connectivity watcher settings
type NetworkConfig struct {
	Targets  []string // host:port pairs dialed to decide if we are online
	Interval time.Duration
	Debounce time.Duration
}

// HCL parsing structs

type hclConfig struct {
	Verbose          int            `hcl:"verbose,optional"`
	AutoConnectDelay string         `hcl:"auto_connect_delay,optional"`
	Tunnel           *hclTunnel     `hcl:"tunnel,block"`
	Supervisor       *hclSupervisor `hcl:"supervisor,block"`
	Network          *hclNetwork    `hcl:"network,block"`
}

type hclTunnel struct {
	Binary          string   `hcl:"binary,optional"`
	Protocol        string   `hcl:"protocol,optional"`
	Elevate         []string `hcl:"elevate,optional"`
	ExtraArgs       []string `hcl:"extra_args,optional"`
	InterfacePrefix *string  `hcl:"interface_prefix,optional"`
}

type hclSupervisor struct {
	TickInterval        string `hcl:"tick_interval,optional"`
	RetryDelay          string `hcl:"retry_delay,optional"`
	MaxRetries          int    `hcl:"max_retries,optional"`
	ConnectPollInterval string `hcl:"connect_poll_interval,optional"`
	ConnectPollAttempts int    `hcl:"connect_poll_attempts,optional"`
	KillGrace           string `hcl:"kill_grace,optional"`
	NetworkSettle       string `hcl:"network_settle,optional"`
}

type hclNetwork struct {
	Targets  []string `hcl:"targets,optional"`
	Interval string   `hcl:"interval,optional"`
	Debounce string   `hcl:"debounce,optional"`
}

// LoadConfig loads the HCL configuration file and returns a Configuration struct.
// Settings missing from the file keep their defaults.
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	err := hclsimple.DecodeFile(filename, nil, &hclCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	cfg := GetDefaultConfig()
	cfg.Verbose = hclCfg.Verbose

	if err := parseDuration(hclCfg.AutoConnectDelay, "auto_connect_delay", &cfg.AutoConnectDelay); err != nil {
		return nil, err
	}

	if t := hclCfg.Tunnel; t != nil {
		if t.Binary != "" {
			cfg.Tunnel.Binary = t.Binary
		}
		if t.Protocol != "" {
			cfg.Tunnel.Protocol = t.Protocol
		}
		// An explicit empty list disables elevation
		if t.Elevate != nil {
			cfg.Tunnel.Elevate = t.Elevate
		}
		cfg.Tunnel.ExtraArgs = t.ExtraArgs
		if t.InterfacePrefix != nil {
			cfg.Tunnel.InterfacePrefix = *t.InterfacePrefix
		}
	}

	if s := hclCfg.Supervisor; s != nil {
		durations := []struct {
			value string
			name  string
			dst   *time.Duration
		}{
			{s.TickInterval, "tick_interval", &cfg.Supervisor.TickInterval},
			{s.RetryDelay, "retry_delay", &cfg.Supervisor.RetryDelay},
			{s.ConnectPollInterval, "connect_poll_interval", &cfg.Supervisor.ConnectPollInterval},
			{s.KillGrace, "kill_grace", &cfg.Supervisor.KillGrace},
			{s.NetworkSettle, "network_settle", &cfg.Supervisor.NetworkSettle},
		}
		for _, d := range durations {
			if err := parseDuration(d.value, "supervisor."+d.name, d.dst); err != nil {
				return nil, err
			}
		}
		if s.MaxRetries > 0 {
			cfg.Supervisor.MaxRetries = s.MaxRetries
		}
		if s.ConnectPollAttempts > 0 {
			cfg.Supervisor.ConnectPollAttempts = s.ConnectPollAttempts
		}
	}

	if n := hclCfg.Network; n != nil {
		if len(n.Targets) > 0 {
			cfg.Network.Targets = n.Targets
		}
		if err := parseDuration(n.Interval, "network.interval", &cfg.Network.Interval); err != nil {
			return nil, err
		}
		if err := parseDuration(n.Debounce, "network.debounce", &cfg.Network.Debounce); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// parseDuration overwrites dst when value is set
func parseDuration(value, name string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s %q: must be positive", name, value)
	}
	*dst = d
	return nil
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Verbose:          0,
		AutoConnectDelay: 3 * time.Second,
		Tunnel: TunnelConfig{
			Binary:          "openconnect",
			Protocol:        "gp",
			Elevate:         []string{"sudo", "-n"},
			InterfacePrefix: "tun",
		},
		Supervisor: SupervisorConfig{
			TickInterval:        2 * time.Second,
			RetryDelay:          5 * time.Second,
			MaxRetries:          5,
			ConnectPollInterval: 1 * time.Second,
			ConnectPollAttempts: 15,
			KillGrace:           2 * time.Second,
			NetworkSettle:       1 * time.Second,
		},
		Network: NetworkConfig{
			Targets:  []string{"1.1.1.1:443", "1.0.0.1:443", "8.8.8.8:443", "8.8.4.4:443"},
			Interval: 5 * time.Second,
			Debounce: 1 * time.Second,
		},
	}
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}
