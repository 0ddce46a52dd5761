// Package network watches host connectivity and reports loss and
// restoration as events. It applies no connection policy of its own.
package network

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// Event is a connectivity transition
type Event int

const (
	EventLost Event = iota + 1
	EventRestored
)

func (e Event) String() string {
	switch e {
	case EventLost:
		return "network_lost"
	case EventRestored:
		return "network_restored"
	default:
		return "unknown"
	}
}

// Checker answers whether the network is currently usable
type Checker interface {
	Check(ctx context.Context) bool
}

// DefaultTargets are public anycast resolvers reachable on 443
func DefaultTargets() []string {
	return []string{
		"1.1.1.1:443",
		"1.0.0.1:443",
		"8.8.8.8:443",
		"8.8.4.4:443",
	}
}

// TCPChecker reports online when any target accepts a TCP connection
type TCPChecker struct {
	targets []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewTCPChecker creates a checker for host:port targets
func NewTCPChecker(targets []string, logger *slog.Logger) *TCPChecker {
	if logger == nil {
		logger = slog.Default()
	}
	if len(targets) == 0 {
		targets = DefaultTargets()
	}
	return &TCPChecker{
		targets: targets,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

func (p *TCPChecker) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// Try each target until one succeeds
	for _, target := range p.targets {
		dialer := net.Dialer{
			Timeout: p.timeout / time.Duration(len(p.targets)),
		}
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			p.logger.Debug("Connectivity target unreachable", "target", target, "error", err)
			continue
		}
		conn.Close()
		return true
	}
	return false
}

// Watcher turns periodic checks into EventLost/EventRestored. Restoration is
// reported only after the network has stayed up for the debounce window.
type Watcher struct {
	checker  Checker
	interval time.Duration
	debounce time.Duration
	logger   *slog.Logger
	now      func() time.Time

	events chan Event
	power  chan bool // true = entering sleep

	online      bool
	onlineSince time.Time
	sleeping    bool
}

// NewWatcher creates a watcher. The network is assumed online until a check
// says otherwise.
func NewWatcher(checker Checker, interval, debounce time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		checker:  checker,
		interval: interval,
		debounce: debounce,
		logger:   logger,
		now:      time.Now,
		events:   make(chan Event, 8),
		power:    make(chan bool, 4),
		online:   true,
	}
}

// Events delivers connectivity transitions
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// NotifySleep marks the system as going to sleep; the network is reported
// lost and checks pause until NotifyWake
func (w *Watcher) NotifySleep() {
	select {
	case w.power <- true:
	default:
	}
}

// NotifyWake resumes checking immediately
func (w *Watcher) NotifyWake() {
	select {
	case w.power <- false:
	default:
	}
}

// Run checks connectivity until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Pending restoration is confirmed by a recheck after the debounce window
	var confirm <-chan time.Time
	var confirmTimer *time.Timer
	stopConfirm := func() {
		if confirmTimer != nil {
			confirmTimer.Stop()
			confirmTimer = nil
		}
		confirm = nil
	}
	defer stopConfirm()

	w.logger.Info("Network watcher started", "interval", w.interval, "debounce", w.debounce)

	check := func() {
		if w.sleeping {
			return
		}
		w.observe(ctx, w.checker.Check(ctx))
		if !w.online && !w.onlineSince.IsZero() && confirm == nil {
			confirmTimer = time.NewTimer(w.debounce)
			confirm = confirmTimer.C
		}
	}

	check()
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Network watcher stopped")
			return nil
		case <-ticker.C:
			check()
		case <-confirm:
			confirmTimer = nil
			confirm = nil
			check()
		case entering := <-w.power:
			if entering {
				w.sleeping = true
				stopConfirm()
				w.logger.Info("System entering sleep, pausing connectivity checks")
				w.observe(ctx, false)
			} else if w.sleeping {
				w.sleeping = false
				w.logger.Info("System woke up, checking connectivity")
				check()
			}
		}
	}
}

// observe folds one check result into the state and emits transitions
func (w *Watcher) observe(ctx context.Context, up bool) {
	if !up {
		w.onlineSince = time.Time{}
		if w.online {
			w.online = false
			w.logger.Info("Network connectivity lost")
			w.emit(ctx, EventLost)
		}
		return
	}

	if w.online {
		return
	}

	now := w.now()
	if w.onlineSince.IsZero() {
		w.onlineSince = now
	}
	if now.Sub(w.onlineSince) >= w.debounce {
		w.online = true
		w.onlineSince = time.Time{}
		w.logger.Info("Network connectivity restored")
		w.emit(ctx, EventRestored)
	}
}

func (w *Watcher) emit(ctx context.Context, ev Event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}
