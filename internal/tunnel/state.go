package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const stateFileVersion = "1"

// ProcessState records the live client so a restarted daemon can find a
// process left behind by a crash
type ProcessState struct {
	Version    string    `json:"version"`
	PID        int       `json:"pid"`
	CreateTime int64     `json:"create_time"`
	Binary     string    `json:"binary"`
	StartDate  time.Time `json:"start_date"`
}

// SaveState atomically writes the state file (temp file + rename)
func SaveState(path string, state ProcessState) error {
	state.Version = stateFileVersion

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tunnel state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write tunnel state temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename tunnel state file: %w", err)
	}
	return nil
}

// LoadState reads the state file. A missing file returns nil, nil.
func LoadState(path string) (*ProcessState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tunnel state file: %w", err)
	}

	var state ProcessState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse tunnel state file: %w", err)
	}
	if state.Version != stateFileVersion {
		return nil, fmt.Errorf("unsupported state file version: %s (expected %s)", state.Version, stateFileVersion)
	}
	return &state, nil
}

// RemoveState deletes the state file; a missing file is not an error
func RemoveState(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove tunnel state file: %w", err)
	}
	return nil
}

// Validate reports whether the recorded PID still belongs to the recorded
// process. A reused PID has a different start time or command line.
func (s ProcessState) Validate(ctx context.Context) bool {
	if s.PID <= 0 {
		return false
	}

	proc, err := process.NewProcessWithContext(ctx, int32(s.PID))
	if err != nil {
		slog.Debug("Recorded tunnel client not found", "pid", s.PID)
		return false
	}

	if s.CreateTime != 0 {
		if ct, err := proc.CreateTimeWithContext(ctx); err == nil && ct != s.CreateTime {
			slog.Debug("Recorded PID has been reused", "pid", s.PID, "expected", s.CreateTime, "actual", ct)
			return false
		}
	}

	cmdline, err := proc.CmdlineWithContext(ctx)
	if err != nil {
		slog.Debug("Failed to get process command line", "pid", s.PID, "error", err)
		return false
	}
	if !matchesCommandLine(cmdline, s.Binary) {
		slog.Debug("Process command line mismatch",
			"pid", s.PID,
			"expected", s.Binary,
			"actual", cmdline)
		return false
	}
	return true
}

// matchesCommandLine checks that binary appears as a word of the command
// line, either directly or behind an elevation wrapper
func matchesCommandLine(actual, binary string) bool {
	if binary == "" {
		return false
	}
	base := filepath.Base(binary)
	for _, field := range strings.Fields(actual) {
		if field == binary || filepath.Base(field) == base {
			return true
		}
	}
	return false
}

// ReapOrphan kills a client left running by a previous daemon instance. It
// returns the PID it killed, or 0.
func (c *Controller) ReapOrphan(ctx context.Context) (int, error) {
	if c.opts.StatePath == "" {
		return 0, nil
	}

	state, err := LoadState(c.opts.StatePath)
	if err != nil {
		RemoveState(c.opts.StatePath)
		return 0, err
	}
	if state == nil {
		return 0, nil
	}

	// The controller's own process never needs reaping
	if h := c.Current(); h != nil && h.PID == state.PID {
		return 0, nil
	}

	if !state.Validate(ctx) {
		c.logger.Debug("Stale tunnel client state discarded", "pid", state.PID)
		return 0, RemoveState(c.opts.StatePath)
	}

	c.logger.Warn("Found orphaned tunnel client, terminating", "pid", state.PID, "started", state.StartDate)

	signalGroup(state.PID, syscall.SIGTERM)
	deadline := time.Now().Add(c.opts.KillGrace)
	for time.Now().Before(deadline) {
		if !processAlive(state.PID) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if processAlive(state.PID) {
		signalGroup(state.PID, syscall.SIGKILL)
	}

	return state.PID, RemoveState(c.opts.StatePath)
}
