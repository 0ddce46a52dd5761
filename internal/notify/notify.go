// Package notify shows desktop notifications for connection changes.
package notify

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	busName    = "org.freedesktop.Notifications"
	objectPath = "/org/freedesktop/Notifications"
	appName    = "gpconnect"
	appIcon    = "network-vpn"
)

// Notifier shows a notification
type Notifier interface {
	Notify(title, body string) error
}

// DBus sends notifications through the freedesktop notification service on
// the session bus. The bus is connected on first use.
type DBus struct {
	logger *slog.Logger

	mu     sync.Mutex
	conn   *dbus.Conn
	lastID uint32
}

// NewDBus creates a session-bus notifier
func NewDBus(logger *slog.Logger) *DBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBus{logger: logger}
}

// Notify replaces the previous notification so status changes don't stack
func (n *DBus) Notify(title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		conn, err := dbus.SessionBus()
		if err != nil {
			return fmt.Errorf("failed to connect to session bus: %w", err)
		}
		n.conn = conn
	}

	obj := n.conn.Object(busName, objectPath)
	call := obj.Call(busName+".Notify", 0,
		appName,
		n.lastID,
		appIcon,
		title,
		body,
		[]string{},
		map[string]dbus.Variant{},
		int32(5000),
	)
	if call.Err != nil {
		return fmt.Errorf("failed to send notification: %w", call.Err)
	}
	if err := call.Store(&n.lastID); err != nil {
		n.logger.Debug("Notification id not returned", "error", err)
	}
	return nil
}

// Func adapts a function to Notifier
type Func func(title, body string) error

func (f Func) Notify(title, body string) error { return f(title, body) }

// TransitionMessage returns the notification for a state change, if any.
// Only changes a user cares about are announced: coming up, going down,
// and waiting for the network.
func TransitionMessage(from, to, portal string) (title, body string, ok bool) {
	switch {
	case to == "connected":
		return "VPN Connected", fmt.Sprintf("Successfully connected to %s", portal), true
	case from == "connected" && to == "connecting":
		return "VPN Reconnecting", "Network lost, the connection will resume when it returns", true
	case to == "disconnected" && (from == "connected" || from == "disconnecting"):
		return "VPN Disconnected", "The VPN connection has been closed.", true
	}
	return "", "", false
}
