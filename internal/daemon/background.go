package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"go.olrik.dev/gpconnect/internal/settings"
	"go.olrik.dev/gpconnect/internal/supervisor"
)

const settingsReloadDelay = 500 * time.Millisecond

// tickLoop asks the supervisor to check liveness at the configured interval
func (d *Daemon) tickLoop(ctx context.Context) {
	interval := d.cfg.Supervisor.TickInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Debug("Started liveness check loop", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.sup.Tick(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, supervisor.ErrClosed) {
				d.logger.Warn("Liveness check was not delivered", "error", err)
			}
		}
	}
}

// autoConnect connects on startup when the user enabled it and complete
// credentials are available
func (d *Daemon) autoConnect(ctx context.Context) {
	cfg, err := d.store.Load()
	if err != nil {
		d.logger.Warn("Auto-connect skipped, settings unreadable", "error", err)
		return
	}
	if cfg == nil || !cfg.Preferences().AutoConnect {
		return
	}

	creds := d.resolvePassword(cfg.Credentials())
	if !creds.Complete() {
		d.logger.Info("Auto-connect skipped, credentials are incomplete", "portal", creds.Portal)
		return
	}

	// Give the network stack a moment after login or resume
	select {
	case <-ctx.Done():
		return
	case <-time.After(d.cfg.AutoConnectDelay):
	}

	d.logger.Info("Auto-connecting", "portal", creds.Portal, "username", creds.Username)
	d.sink.Appendf("Auto-connecting to %s", creds.Portal)
	if err := d.sup.Connect(ctx, creds); err != nil {
		d.logger.Warn("Auto-connect failed", "portal", creds.Portal, "error", err)
	}
}

// watchSettings reloads preferences when the settings file changes. The
// directory is watched because the store replaces the file by rename.
func (d *Daemon) watchSettings(ctx context.Context) {
	settingsPath := d.store.Path()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Error("Failed to create settings file watcher", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(settingsPath)); err != nil {
		d.logger.Error("Failed to watch settings directory", "error", err, "path", filepath.Dir(settingsPath))
		return
	}

	// Set up a debounced reload handler
	var reloadTimer *time.Timer
	var reloadMutex sync.Mutex
	defer func() {
		reloadMutex.Lock()
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
		reloadMutex.Unlock()
	}()

	d.logger.Debug("Watching settings file for changes", "path", settingsPath)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != settingsPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}

			d.logger.Debug("Settings file change detected", "event", event.Op.String())

			reloadMutex.Lock()
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(settingsReloadDelay, d.reloadPreferences)
			reloadMutex.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("Settings file watcher error", "error", err)
		}
	}
}

// connectCredentials completes a connect request from the stored settings
// and the keyring. Fields given in the request always win.
func (d *Daemon) connectCredentials(req settings.Credentials) settings.Credentials {
	stored, err := d.store.Load()
	if err != nil {
		d.logger.Warn("Failed to read stored settings", "error", err)
	}
	if stored != nil {
		saved := stored.Credentials()
		if req.Portal == "" {
			req.Portal = saved.Portal
		}
		if req.Username == "" && req.Portal == saved.Portal {
			req.Username = saved.Username
		}
		if req.Password == "" && req.Portal == saved.Portal && req.Username == saved.Username && saved.Password != "" {
			req.Password = saved.Password
			req.Remember = true
		}
	}
	return d.resolvePassword(req)
}
