// Package settings persists the user's portal, credentials and preferences.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.olrik.dev/gpconnect/internal/core"
)

// Config is the persisted record. Optional fields are pointers so that a
// save/load cycle reproduces exactly what was written, including an absent
// password when the user did not ask to remember it.
type Config struct {
	Portal               string  `json:"portal"`
	Username             string  `json:"username"`
	Password             *string `json:"password,omitempty"`
	NotificationsEnabled *bool   `json:"notifications_enabled,omitempty"`
	AutoConnect          *bool   `json:"auto_connect,omitempty"`
}

// Credentials are what the supervisor needs to start a connection
type Credentials struct {
	Portal   string `json:"portal"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	// Remember controls whether Password is written back to disk; it is never persisted itself
	Remember bool `json:"remember,omitempty"`
}

// Complete reports whether every field needed for a non-interactive connect is present
func (c Credentials) Complete() bool {
	return c.Portal != "" && c.Username != "" && c.Password != ""
}

// Preferences holds the user toggles with defaults applied
type Preferences struct {
	NotificationsEnabled bool `json:"notifications_enabled"`
	AutoConnect          bool `json:"auto_connect"`
}

// Credentials returns the stored credentials. Remember is true when a password was stored.
func (c *Config) Credentials() Credentials {
	creds := Credentials{Portal: c.Portal, Username: c.Username}
	if c.Password != nil {
		creds.Password = *c.Password
		creds.Remember = true
	}
	return creds
}

// Preferences returns the toggles, notifications default on and auto-connect off
func (c *Config) Preferences() Preferences {
	prefs := Preferences{NotificationsEnabled: true}
	if c.NotificationsEnabled != nil {
		prefs.NotificationsEnabled = *c.NotificationsEnabled
	}
	if c.AutoConnect != nil {
		prefs.AutoConnect = *c.AutoConnect
	}
	return prefs
}

// Validate rejects records that cannot describe a connection
func (c *Config) Validate() error {
	if c.Portal == "" && c.Username != "" {
		return fmt.Errorf("%w: username set without portal", core.ErrInvalidInput)
	}
	if c.Password != nil && c.Username == "" {
		return fmt.Errorf("%w: password set without username", core.ErrInvalidInput)
	}
	return nil
}

// ApplyCredentials updates portal and username, and stores the password only
// when creds.Remember is set. Preferences are left untouched.
func (c *Config) ApplyCredentials(creds Credentials) {
	c.Portal = creds.Portal
	c.Username = creds.Username
	if creds.Remember && creds.Password != "" {
		password := creds.Password
		c.Password = &password
	} else {
		c.Password = nil
	}
}

// Store reads and writes the settings file
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store for the file at path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the settings file location
func (s *Store) Path() string {
	return s.path
}

// Load reads the settings file. Returns nil if the file doesn't exist (not an error - first run).
func (s *Store) Load() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %w", core.ErrConfigIO, s.path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %w", core.ErrConfigIO, s.path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save atomically writes cfg: temp file in the same directory, then rename
func (s *Store) Save(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal settings: %w", core.ErrConfigIO, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("%w: failed to create settings directory: %w", core.ErrConfigIO, err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("%w: failed to write settings temp file: %w", core.ErrConfigIO, err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%w: failed to rename settings file: %w", core.ErrConfigIO, err)
	}

	return nil
}

// SaveCredentials merges creds into the stored record, keeping preferences
func (s *Store) SaveCredentials(creds Credentials) error {
	cfg, err := s.Load()
	if err != nil {
		// A corrupt file is replaced rather than blocking the connection
		if !errors.Is(err, core.ErrConfigIO) {
			return err
		}
		cfg = nil
	}
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.ApplyCredentials(creds)
	return s.Save(*cfg)
}
