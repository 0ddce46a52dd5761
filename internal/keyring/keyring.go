// Package keyring stores portal passwords in the OS secret store so they
// need not live in the settings file.
package keyring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

const serviceName = "gpconnect"

// ErrNotFound is returned by Delete when nothing is stored
var ErrNotFound = errors.New("no password stored")

// Store reads and writes passwords keyed by username and portal
type Store struct {
	open func() (keyring.Keyring, error)

	once sync.Once
	ring keyring.Keyring
	err  error
}

// New returns a store backed by the platform keyring, opened lazily
func New() *Store {
	return &Store{open: openSystemKeyring}
}

// NewWithKeyring wraps an already opened keyring
func NewWithKeyring(kr keyring.Keyring) *Store {
	return &Store{open: func() (keyring.Keyring, error) { return kr, nil }}
}

func openSystemKeyring() (keyring.Keyring, error) {
	return keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.SecretServiceBackend, // Linux Secret Service (GNOME Keyring, KWallet)
			keyring.KWalletBackend,
			keyring.KeychainBackend, // macOS Keychain
			keyring.PassBackend,     // Pass (password-store.org)
		},
	})
}

func (s *Store) keyring() (keyring.Keyring, error) {
	s.once.Do(func() {
		s.ring, s.err = s.open()
	})
	if s.err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", s.err)
	}
	return s.ring, nil
}

// Key identifies one account on one portal
func Key(portal, username string) string {
	return username + "@" + portal
}

// SetPassword stores a password for username on portal
func (s *Store) SetPassword(portal, username, password string) error {
	kr, err := s.keyring()
	if err != nil {
		return err
	}
	return kr.Set(keyring.Item{
		Key:         Key(portal, username),
		Label:       fmt.Sprintf("gpconnect: %s", Key(portal, username)),
		Description: "VPN portal password",
		Data:        []byte(password),
	})
}

// GetPassword retrieves a password. Returns empty string if none is stored.
func (s *Store) GetPassword(portal, username string) (string, error) {
	kr, err := s.keyring()
	if err != nil {
		return "", err
	}

	item, err := kr.Get(Key(portal, username))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to retrieve password: %w", err)
	}
	return string(item.Data), nil
}

// DeletePassword removes a stored password
func (s *Store) DeletePassword(portal, username string) error {
	kr, err := s.keyring()
	if err != nil {
		return err
	}

	// Backends disagree on removing a missing key, so look first
	key := Key(portal, username)
	if _, err := kr.Get(key); errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("%w for '%s'", ErrNotFound, key)
	} else if err != nil {
		return fmt.Errorf("failed to look up password: %w", err)
	}

	err = kr.Remove(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("%w for '%s'", ErrNotFound, key)
	}
	return err
}

// HasPassword checks if a password is stored
func (s *Store) HasPassword(portal, username string) bool {
	kr, err := s.keyring()
	if err != nil {
		return false
	}
	_, err = kr.Get(Key(portal, username))
	return err == nil
}
