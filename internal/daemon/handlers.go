package daemon

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"

	"go.olrik.dev/gpconnect/internal/core"
	"go.olrik.dev/gpconnect/internal/db"
	"go.olrik.dev/gpconnect/internal/permission"
	"go.olrik.dev/gpconnect/internal/settings"
	"go.olrik.dev/gpconnect/internal/supervisor"
)

const defaultHistoryLimit = 20

// StatusReport is the STATUS payload
type StatusReport struct {
	Status        supervisor.Status `json:"status"`
	ClientRunning bool              `json:"client_running"`
	LogPath       string            `json:"log_path"`
}

// LogsReport is the READ_LOGS payload
type LogsReport struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// MissingFields is the CONNECT payload when credentials are incomplete
type MissingFields struct {
	Fields []string `json:"missing_fields"`
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	line := strings.TrimSpace(scanner.Text())
	if line == "" {
		return
	}
	command, payload, _ := strings.Cut(line, " ")
	payload = strings.TrimSpace(payload)

	// Log the command execution (skip VERSION as it's automatic)
	if command != "VERSION" {
		if logged := maskPayload(command, payload); logged != "" {
			d.logger.Info(fmt.Sprintf("Executing command: %s %s", command, logged))
		} else {
			d.logger.Info(fmt.Sprintf("Executing command: %s", command))
		}
	}

	var response Response
	switch command {
	case "CHECK_INSTALLED":
		response = d.checkInstalled()
	case "CHECK_PERMISSIONS":
		response = d.checkPermissions()
	case "CONNECT":
		response = d.connect(payload)
	case "DISCONNECT":
		response = d.disconnect()
	case "STATUS":
		response = d.getStatus()
	case "READ_LOGS":
		response = d.readLogs(payload)
	case "CLEAR_LOGS":
		response = d.clearLogs()
	case "FOLLOW_LOGS":
		maxBytes, err := parseLimit(payload, core.DefaultTailBytes)
		if err != nil {
			response.AddError(err)
			break
		}
		// Streams raw text instead of a JSON response
		d.handleFollowLogs(conn, int64(maxBytes))
		return
	case "LOAD_CONFIG":
		response = d.loadConfig()
	case "SAVE_CONFIG":
		response = d.saveConfig(payload)
	case "HISTORY":
		response = d.getHistory(payload)
	case "DAEMON_HISTORY":
		response = d.getDaemonHistory(payload)
	case "VERSION":
		response = d.getVersion()
	case "STOP":
		response.AddMessage("Stopping daemon...", StatusInfo)
		conn.Write([]byte(response.ToJSON()))
		conn.Close()
		d.Stop()
		return
	default:
		response.AddMessage(fmt.Sprintf("Unknown command: %s", command), StatusError)
	}

	if _, err := conn.Write([]byte(response.ToJSON())); err != nil {
		d.logger.Debug("Failed to write response", "command", command, "error", err)
	}
}

func (d *Daemon) checkInstalled() Response {
	response := Response{}
	installed := d.perms.CheckInstalled()
	if installed {
		response.AddMessage(fmt.Sprintf("%s is installed", d.cfg.Tunnel.Binary), StatusInfo)
	} else {
		response.AddMessage(fmt.Sprintf("%s was not found on PATH", d.cfg.Tunnel.Binary), StatusWarn)
	}
	response.AddData(map[string]bool{"installed": installed})
	return response
}

func (d *Daemon) checkPermissions() Response {
	response := Response{}
	status := d.perms.Check(d.ctx)
	if status.OK {
		response.AddMessage("Passwordless elevation is configured", StatusInfo)
	} else {
		response.AddMessage("Passwordless elevation is not configured", StatusWarn)
	}
	response.AddData(status)
	return response
}

func (d *Daemon) connect(payload string) Response {
	response := Response{}

	var req settings.Credentials
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			response.AddMessage(fmt.Sprintf("Invalid connect request: %v", err), StatusError)
			return response
		}
	}
	creds := d.connectCredentials(req)

	err := d.sup.Connect(d.ctx, creds)
	status := d.sup.Status()

	var missing *supervisor.MissingFieldsError
	switch {
	case err == nil:
		response.AddMessage(fmt.Sprintf("Connected to %s", creds.Portal), StatusInfo)
		response.AddData(status)
	case errors.As(err, &missing):
		response.AddError(err)
		response.AddData(MissingFields{Fields: missing.Fields})
	case errors.Is(err, core.ErrPermissionDenied):
		response.AddError(err)
		response.AddData(permission.Status{OK: false, Remediation: d.remediation()})
	case errors.Is(err, supervisor.ErrAlreadyConnected):
		response.AddMessage(fmt.Sprintf("Already connected to %s", status.Portal), StatusWarn)
		response.AddData(status)
	default:
		response.AddError(err)
		response.AddData(status)
	}
	return response
}

func (d *Daemon) remediation() string {
	if p, ok := d.perms.(interface{ Remediation() string }); ok {
		return p.Remediation()
	}
	return ""
}

func (d *Daemon) disconnect() Response {
	response := Response{}
	if err := d.sup.Disconnect(d.ctx); err != nil {
		response.AddError(err)
	} else {
		response.AddMessage("Disconnected", StatusInfo)
	}
	response.AddData(d.sup.Status())
	return response
}

func (d *Daemon) getStatus() Response {
	response := Response{}
	status := d.sup.Status()

	switch {
	case status.State == supervisor.StateConnected:
		response.AddMessage(fmt.Sprintf("Connected to %s", status.Portal), StatusInfo)
	case status.WaitingForNetwork:
		response.AddMessage("Waiting for network", StatusWarn)
	case status.LastError != "" && status.State == supervisor.StateDisconnected:
		response.AddMessage(status.LastError, StatusWarn)
	default:
		response.AddMessage(strings.ToUpper(string(status.State[:1]))+string(status.State[1:]), StatusInfo)
	}

	response.AddData(StatusReport{
		Status:        status,
		ClientRunning: d.tunnel.IsRunning(d.ctx),
		LogPath:       d.sink.Path(),
	})
	return response
}

func (d *Daemon) readLogs(payload string) Response {
	response := Response{}
	maxBytes, err := parseLimit(payload, core.DefaultTailBytes)
	if err != nil {
		response.AddError(err)
		return response
	}
	content, err := d.sink.Tail(int64(maxBytes))
	if err != nil {
		response.AddError(err)
		return response
	}
	response.AddMessage("OK", StatusInfo)
	response.AddData(LogsReport{Path: d.sink.Path(), Content: content})
	return response
}

func (d *Daemon) clearLogs() Response {
	response := Response{}
	if err := d.sink.Clear(); err != nil {
		response.AddError(err)
		return response
	}
	response.AddMessage("Logs cleared", StatusInfo)
	return response
}

func (d *Daemon) loadConfig() Response {
	response := Response{}
	cfg, err := d.store.Load()
	if err != nil {
		response.AddError(err)
		return response
	}
	if cfg == nil {
		response.AddMessage("No settings saved yet", StatusWarn)
		cfg = &settings.Config{}
	} else {
		response.AddMessage("OK", StatusInfo)
	}
	response.AddData(cfg)
	return response
}

func (d *Daemon) saveConfig(payload string) Response {
	response := Response{}
	var cfg settings.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		response.AddMessage(fmt.Sprintf("Invalid settings: %v", err), StatusError)
		return response
	}
	if err := d.store.Save(cfg); err != nil {
		response.AddError(err)
		return response
	}
	d.reloadPreferences()
	response.AddMessage("Settings saved", StatusInfo)
	return response
}

func (d *Daemon) getHistory(payload string) Response {
	response := Response{}
	if d.database == nil {
		response.AddMessage("Event history is unavailable", StatusWarn)
		response.AddData([]db.ConnectionEvent{})
		return response
	}

	var events []db.ConnectionEvent
	var err error
	if sessionID, ok := strings.CutPrefix(payload, "session "); ok {
		events, err = d.database.GetSessionEvents(strings.TrimSpace(sessionID))
		// Newest first, like the unfiltered listing
		slices.Reverse(events)
	} else {
		var limit int
		if limit, err = parseLimit(payload, defaultHistoryLimit); err != nil {
			response.AddError(err)
			return response
		}
		events, err = d.database.GetRecentConnectionEvents(limit)
	}
	if err != nil {
		response.AddError(fmt.Errorf("failed to read history: %w", err))
		return response
	}
	if events == nil {
		events = []db.ConnectionEvent{}
	}
	response.AddMessage("OK", StatusInfo)
	response.AddData(events)
	return response
}

func (d *Daemon) getDaemonHistory(payload string) Response {
	response := Response{}
	if d.database == nil {
		response.AddMessage("Event history is unavailable", StatusWarn)
		response.AddData([]db.DaemonEvent{})
		return response
	}
	limit, err := parseLimit(payload, defaultHistoryLimit)
	if err != nil {
		response.AddError(err)
		return response
	}
	events, err := d.database.GetRecentDaemonEvents(limit)
	if err != nil {
		response.AddError(fmt.Errorf("failed to read daemon history: %w", err))
		return response
	}
	if events == nil {
		events = []db.DaemonEvent{}
	}
	response.AddMessage("OK", StatusInfo)
	response.AddData(events)
	return response
}

func (d *Daemon) getVersion() Response {
	response := Response{}
	response.AddMessage("OK", StatusInfo)
	response.AddData(map[string]any{
		"version": core.Version,
		"pid":     os.Getpid(),
	})
	return response
}

// parseLimit reads an optional positive integer argument
func parseLimit(arg string, def int) (int, error) {
	if arg == "" {
		return def, nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: expected a non-negative number, got %q", core.ErrInvalidInput, arg)
	}
	return n, nil
}
