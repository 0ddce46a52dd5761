package network

import (
	"context"
	"os"

	"github.com/godbus/dbus/v5"
)

// Start listens for logind PrepareForSleep on the system bus. Without D-Bus
// (headless hosts, containers) the monitor stays idle.
func (m *SleepMonitor) Start(ctx context.Context) {
	go func() {
		conn, err := dbus.SystemBus()
		if err != nil {
			if os.Getenv("DBUS_SYSTEM_BUS_ADDRESS") == "" {
				m.logger.Debug("D-Bus unavailable, sleep monitor disabled")
			} else {
				m.logger.Warn("Failed to connect to D-Bus for sleep monitoring", "error", err)
			}
			return
		}

		if err := conn.AddMatchSignal(
			dbus.WithMatchObjectPath("/org/freedesktop/login1"),
			dbus.WithMatchInterface("org.freedesktop.login1.Manager"),
			dbus.WithMatchMember("PrepareForSleep"),
		); err != nil {
			m.logger.Warn("Failed to subscribe to PrepareForSleep signal", "error", err)
			return
		}

		signals := make(chan *dbus.Signal, 8)
		conn.Signal(signals)
		m.logger.Info("Sleep monitor started (D-Bus logind)")

		for {
			select {
			case <-ctx.Done():
				conn.RemoveSignal(signals)
				m.logger.Debug("Sleep monitor stopped")
				return
			case sig := <-signals:
				if sig == nil {
					return
				}
				if entering, ok := prepareForSleep(sig); ok {
					if entering {
						m.markSleep()
					} else {
						m.markWake()
					}
				}
			}
		}
	}()
}

// prepareForSleep decodes the logind signal body
func prepareForSleep(sig *dbus.Signal) (entering bool, ok bool) {
	if sig.Name != "org.freedesktop.login1.Manager.PrepareForSleep" || len(sig.Body) < 1 {
		return false, false
	}
	entering, ok = sig.Body[0].(bool)
	return entering, ok
}
