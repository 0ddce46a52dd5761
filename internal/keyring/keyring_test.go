package keyring

import (
	"errors"
	"testing"

	"github.com/99designs/keyring"
)

func newTestStore() *Store {
	return NewWithKeyring(keyring.NewArrayKeyring(nil))
}

func TestKey(t *testing.T) {
	if got := Key("vpn.example.com", "alice"); got != "alice@vpn.example.com" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestStore_SetGetDelete(t *testing.T) {
	s := newTestStore()

	if s.HasPassword("vpn.example.com", "alice") {
		t.Fatal("expected empty keyring")
	}
	got, err := s.GetPassword("vpn.example.com", "alice")
	if err != nil || got != "" {
		t.Fatalf("expected empty password without error, got %q, %v", got, err)
	}

	if err := s.SetPassword("vpn.example.com", "alice", "s3cret"); err != nil {
		t.Fatalf("SetPassword failed: %v", err)
	}
	if !s.HasPassword("vpn.example.com", "alice") {
		t.Error("expected password to be stored")
	}
	if s.HasPassword("other.example.com", "alice") {
		t.Error("expected passwords to be scoped per portal")
	}

	got, err = s.GetPassword("vpn.example.com", "alice")
	if err != nil || got != "s3cret" {
		t.Errorf("expected stored password, got %q, %v", got, err)
	}

	if err := s.DeletePassword("vpn.example.com", "alice"); err != nil {
		t.Fatalf("DeletePassword failed: %v", err)
	}
	if err := s.DeletePassword("vpn.example.com", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestStore_DeleteMissing(t *testing.T) {
	s := newTestStore()
	if err := s.SetPassword("vpn.example.com", "bob", "pw"); err != nil {
		t.Fatal(err)
	}

	if err := s.DeletePassword("vpn.example.com", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for a password never stored, got %v", err)
	}
	if !s.HasPassword("vpn.example.com", "bob") {
		t.Error("expected other passwords to be untouched")
	}
}

func TestStore_OpenFailure(t *testing.T) {
	s := &Store{open: func() (keyring.Keyring, error) { return nil, errors.New("no backend") }}

	if _, err := s.GetPassword("p", "u"); err == nil {
		t.Error("expected error when keyring cannot be opened")
	}
	if s.HasPassword("p", "u") {
		t.Error("expected HasPassword to be false when keyring cannot be opened")
	}
}
