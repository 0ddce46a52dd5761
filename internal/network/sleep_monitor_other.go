//go:build !linux

package network

import "context"

// Start is a no-op where logind is not available
func (m *SleepMonitor) Start(ctx context.Context) {
	m.logger.Debug("Sleep monitor not supported on this platform")
}
