package tunnel

import (
	"context"
	"errors"
	"strings"
	"syscall"

	psnet "github.com/shirou/gopsutil/v3/net"
	"golang.org/x/sys/unix"
)

// signalGroup signals the whole process group led by pid, falling back to the
// single process when the group is already gone
func signalGroup(pid int, sig syscall.Signal) error {
	err := unix.Kill(-pid, sig)
	if err == nil || errors.Is(err, unix.EPERM) {
		return nil
	}
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.EPERM) {
		return err
	}
	return nil
}

// processAlive probes pid with the null signal. EPERM means it exists but
// belongs to another user (an elevated child).
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// hasInterface reports whether a network interface with the prefix exists
func hasInterface(ctx context.Context, prefix string) bool {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if strings.HasPrefix(iface.Name, prefix) {
			return true
		}
	}
	return false
}
