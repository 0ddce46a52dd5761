// Package daemon is the command boundary: it owns the supervisor and its
// collaborators, serves CLI commands on a unix socket and runs the
// background loops that drive the supervisor.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"go.olrik.dev/gpconnect/internal/core"
	"go.olrik.dev/gpconnect/internal/db"
	"go.olrik.dev/gpconnect/internal/eventlog"
	"go.olrik.dev/gpconnect/internal/keyring"
	"go.olrik.dev/gpconnect/internal/network"
	"go.olrik.dev/gpconnect/internal/notify"
	"go.olrik.dev/gpconnect/internal/permission"
	"go.olrik.dev/gpconnect/internal/settings"
	"go.olrik.dev/gpconnect/internal/supervisor"
	"go.olrik.dev/gpconnect/internal/tunnel"
)

// PasswordStore looks up passwords kept outside the settings file
type PasswordStore interface {
	GetPassword(portal, username string) (string, error)
}

// Daemon manages the tunnel client on behalf of the CLI.
type Daemon struct {
	cfg    *core.Configuration
	logger *slog.Logger

	sup      *supervisor.Supervisor
	tunnel   *tunnel.Controller
	perms    supervisor.Permissions
	store    *settings.Store
	sink     *eventlog.Sink
	database *db.DB
	secrets  PasswordStore
	notifier notify.Notifier
	checker  network.Checker
	watcher  *network.Watcher

	tunnelOpts []func(*tunnel.Options)

	prefsMu sync.RWMutex
	prefs   settings.Preferences

	listener     net.Listener
	shutdownOnce sync.Once
	ctx          context.Context // Context for lifecycle management
	cancelFunc   context.CancelFunc
}

// Option customizes a Daemon before its components are wired
type Option func(*Daemon)

// WithLogger replaces the default logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Daemon) { d.logger = logger }
}

// WithPermissions replaces the sudo probe
func WithPermissions(p supervisor.Permissions) Option {
	return func(d *Daemon) { d.perms = p }
}

// WithTunnelOptions adjusts how the tunnel client is started
func WithTunnelOptions(fn func(*tunnel.Options)) Option {
	return func(d *Daemon) { d.tunnelOpts = append(d.tunnelOpts, fn) }
}

// WithPasswordStore replaces the OS keyring
func WithPasswordStore(s PasswordStore) Option {
	return func(d *Daemon) { d.secrets = s }
}

// WithNotifier replaces the desktop notifier
func WithNotifier(n notify.Notifier) Option {
	return func(d *Daemon) { d.notifier = n }
}

// WithChecker replaces the connectivity check
func WithChecker(c network.Checker) Option {
	return func(d *Daemon) { d.checker = c }
}

// New wires the daemon from cfg. The database is opened by Run.
func New(cfg *core.Configuration, opts ...Option) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:        cfg,
		ctx:        ctx,
		cancelFunc: cancel,
		prefs:      settings.Preferences{NotificationsEnabled: true},
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.perms == nil {
		d.perms = permission.NewProbe(cfg.Tunnel.Binary, cfg.Tunnel.Elevate, d.logger)
	}
	if d.secrets == nil {
		d.secrets = keyring.New()
	}
	if d.notifier == nil {
		d.notifier = notify.NewDBus(d.logger)
	}
	if d.checker == nil {
		d.checker = network.NewTCPChecker(cfg.Network.Targets, d.logger)
	}

	d.store = settings.NewStore(filepath.Join(cfg.ConfigPath, core.SettingsName))
	d.sink = eventlog.NewSink(filepath.Join(cfg.ConfigPath, core.LogDirName, core.LogFileName))

	tunnelOpts := tunnel.OptionsFromConfig(cfg, filepath.Join(cfg.ConfigPath, core.TunnelStateName))
	for _, fn := range d.tunnelOpts {
		fn(&tunnelOpts)
	}
	d.tunnel = tunnel.NewController(tunnelOpts, d.sink, d.logger)

	d.watcher = network.NewWatcher(d.checker, cfg.Network.Interval, cfg.Network.Debounce, d.logger)

	supCfg := supervisor.ConfigFromCore(cfg)
	supCfg.Tunnel = d.tunnel
	supCfg.Permissions = d.perms
	supCfg.Store = d.store
	supCfg.Log = d.sink
	supCfg.Logger = d.logger
	d.sup = supervisor.New(supCfg)
	d.sup.Subscribe(d.onTransition)

	return d
}

// Run serves commands until a STOP command or a termination signal. The
// tunnel client is terminated before Run returns.
func (d *Daemon) Run() error {
	d.openDatabase()

	// Setup PID and socket files and ensure they are cleaned up on exit.
	socketPath := filepath.Join(d.cfg.ConfigPath, core.SocketName)
	pidFilePath := filepath.Join(d.cfg.ConfigPath, core.PidFileName)

	listener, err := listen(socketPath, d.logger)
	if err != nil {
		d.shutdown()
		return err
	}

	if err := os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		d.logger.Warn("Failed to write PID file", "error", err, "path", pidFilePath)
	}
	defer os.Remove(pidFilePath)
	defer os.Remove(socketPath)

	d.listener = listener
	d.logger.Info(fmt.Sprintf("Daemon listening on %s", socketPath))

	// A client left behind by a daemon that died without cleaning up would
	// break the at-most-one guarantee
	if pid, err := d.tunnel.ReapOrphan(d.ctx); err != nil {
		d.logger.Error("Failed to clean up orphan tunnel client", "error", err)
	} else if pid > 0 {
		d.logger.Info("Cleaned up orphan tunnel client from previous daemon", "pid", pid)
		d.sink.Appendf("Terminated tunnel client left over from a previous session (PID %d)", pid)
	}

	d.reloadPreferences()
	d.sup.Start()

	g, gctx := errgroup.WithContext(d.ctx)
	g.Go(func() error {
		d.tickLoop(gctx)
		return nil
	})
	g.Go(func() error {
		return d.watcher.Run(gctx)
	})
	g.Go(func() error {
		return d.sup.WatchNetwork(gctx, d.watcher.Events())
	})
	g.Go(func() error {
		d.watchSettings(gctx)
		return nil
	})
	g.Go(func() error {
		d.autoConnect(gctx)
		return nil
	})
	network.NewSleepMonitor(d.logger, d.watcher.NotifySleep, d.watcher.NotifyWake).Start(gctx)

	// Graceful shutdown on SIGTERM/SIGINT
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(shutdownChan)
	go func() {
		select {
		case sig := <-shutdownChan:
			d.logger.Info("Shutdown signal received. Closing the tunnel.", "signal", sig.String())
			d.Stop()
		case <-d.ctx.Done():
		}
	}()

	// Accept connections in a loop
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				d.logger.Error(fmt.Sprintf("Error accepting connection: %v", err))
			}
			break
		}
		go d.handleConnection(conn)
	}

	d.shutdown()
	if err := g.Wait(); err != nil {
		d.logger.Warn("Background task failed", "error", err)
	}
	return nil
}

// Stop shuts the daemon down and unblocks Run
func (d *Daemon) Stop() {
	d.shutdown()
	if d.listener != nil {
		d.listener.Close()
	}
}

// listen creates the socket listener, replacing a stale socket file left by
// a daemon that is no longer running
func listen(socketPath string, logger *slog.Logger) (net.Listener, error) {
	listener, err := net.Listen("unix", socketPath)
	if err == nil {
		return listener, nil
	}

	if _, statErr := os.Stat(socketPath); statErr != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}

	// Socket file exists, try to connect to it to see if daemon is actually running
	if conn, dialErr := net.Dial("unix", socketPath); dialErr == nil {
		conn.Close()
		return nil, errors.New("daemon is already running")
	}

	logger.Info(fmt.Sprintf("Removing stale socket file: %s", socketPath))
	if err := os.Remove(socketPath); err != nil {
		return nil, fmt.Errorf("could not remove stale socket: %w", err)
	}
	listener, err = net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}
	return listener, nil
}

// openDatabase opens the event history. The daemon runs without history if
// the database cannot be opened.
func (d *Daemon) openDatabase() {
	dbPath := filepath.Join(d.cfg.ConfigPath, core.DatabaseName)
	database, err := db.Open(dbPath)
	if err != nil {
		d.logger.Error("Failed to open database", "error", err, "path", dbPath)
		return
	}
	d.database = database
	d.logger.Debug("Database opened", "path", dbPath)

	version := core.FormatVersion(core.Version)
	if err := d.database.LogDaemonEvent("start", fmt.Sprintf("daemon started - version: %s, PID: %d", version, os.Getpid())); err != nil {
		d.logger.Error("Failed to log daemon start", "error", err)
	}
}

func (d *Daemon) shutdown() {
	d.shutdownOnce.Do(func() {
		d.logger.Info("Executing shutdown sequence...")

		// Cancel context to stop all background tasks
		d.cancelFunc()

		// Terminates the tunnel client and records the final transition
		if err := d.sup.Close(); err != nil {
			d.logger.Error("Failed to stop tunnel client", "error", err)
		}
		d.tunnel.Shutdown()

		if d.database != nil {
			details := fmt.Sprintf("daemon stopped - version: %s, PID: %d", core.FormatVersion(core.Version), os.Getpid())
			if err := d.database.LogDaemonEvent("stop", details); err != nil {
				d.logger.Error("Failed to log daemon stop event", "error", err)
			}
			if err := d.database.Flush(); err != nil {
				d.logger.Error("Failed to flush database during shutdown", "error", err)
			}
			if err := d.database.Close(); err != nil {
				d.logger.Error("Failed to close database during shutdown", "error", err)
			}
		}
	})
}

// onTransition records every state change and shows a notification when
// enabled. It runs on the supervisor goroutine, so nothing here may block on it.
func (d *Daemon) onTransition(t supervisor.Transition) {
	if d.database != nil {
		ev := db.ConnectionEvent{
			SessionID: t.Status.SessionID,
			Portal:    t.Status.Portal,
			FromState: string(t.From),
			ToState:   string(t.To),
			Reason:    t.Reason,
			Details:   t.Status.LastError,
			Timestamp: t.At,
		}
		if err := d.database.LogConnectionEvent(ev); err != nil {
			d.logger.Error("Failed to log connection event", "error", err)
		}
	}

	if !d.preferences().NotificationsEnabled {
		return
	}
	title, body, ok := notify.TransitionMessage(string(t.From), string(t.To), t.Status.Portal)
	if !ok {
		return
	}
	go func() {
		if err := d.notifier.Notify(title, body); err != nil {
			d.logger.Debug("Failed to show notification", "error", err)
		}
	}()
}

func (d *Daemon) preferences() settings.Preferences {
	d.prefsMu.RLock()
	defer d.prefsMu.RUnlock()
	return d.prefs
}

// reloadPreferences rereads the settings file. A broken file keeps the
// previous preferences.
func (d *Daemon) reloadPreferences() {
	cfg, err := d.store.Load()
	if err != nil {
		d.logger.Error("Failed to load settings, keeping previous preferences", "error", err)
		return
	}
	prefs := settings.Preferences{NotificationsEnabled: true}
	if cfg != nil {
		prefs = cfg.Preferences()
	}

	d.prefsMu.Lock()
	d.prefs = prefs
	d.prefsMu.Unlock()
	d.logger.Debug("Preferences loaded",
		"notifications_enabled", prefs.NotificationsEnabled,
		"auto_connect", prefs.AutoConnect)
}

// resolvePassword fills an empty password from the keyring
func (d *Daemon) resolvePassword(creds settings.Credentials) settings.Credentials {
	if creds.Password != "" || creds.Portal == "" || creds.Username == "" {
		return creds
	}
	password, err := d.secrets.GetPassword(creds.Portal, creds.Username)
	if err != nil {
		d.logger.Debug("No password in keyring", "portal", creds.Portal, "username", creds.Username, "error", err)
		return creds
	}
	creds.Password = password
	return creds
}

// maskPayload hides JSON payloads, which may carry a password
func maskPayload(command, payload string) string {
	switch command {
	case "CONNECT", "SAVE_CONFIG":
		if strings.TrimSpace(payload) != "" {
			return "[MASKED]"
		}
	}
	return payload
}
