package network

import (
	"log/slog"
	"sync"
)

// SleepMonitor tracks system sleep/wake and forwards transitions to
// callbacks, typically Watcher.NotifySleep and Watcher.NotifyWake
type SleepMonitor struct {
	mu       sync.RWMutex
	sleeping bool
	logger   *slog.Logger
	onSleep  func()
	onWake   func()
}

// NewSleepMonitor creates a monitor calling onSleep and onWake on transitions
func NewSleepMonitor(logger *slog.Logger, onSleep, onWake func()) *SleepMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SleepMonitor{
		logger:  logger,
		onSleep: onSleep,
		onWake:  onWake,
	}
}

// IsSleeping returns true if the system is currently marked as sleeping
func (m *SleepMonitor) IsSleeping() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sleeping
}

func (m *SleepMonitor) markSleep() {
	m.mu.Lock()
	if m.sleeping {
		m.mu.Unlock()
		return
	}
	m.sleeping = true
	m.mu.Unlock()

	m.logger.Info("System entering sleep")
	if m.onSleep != nil {
		m.onSleep()
	}
}

func (m *SleepMonitor) markWake() {
	m.mu.Lock()
	if !m.sleeping {
		m.mu.Unlock()
		return // Already awake
	}
	m.sleeping = false
	m.mu.Unlock()

	m.logger.Info("System waking up")
	if m.onWake != nil {
		m.onWake()
	}
}
