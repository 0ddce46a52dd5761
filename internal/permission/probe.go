// Package permission checks whether the tunnel client is installed and can be
// elevated without an interactive password prompt. It never changes the
// host's elevation policy; it only reports.
package permission

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
	"time"
)

// Status is the result of a permission check
type Status struct {
	OK          bool   `json:"ok"`
	Remediation string `json:"remediation,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Probe runs the no-op privileged invocation
type Probe struct {
	Binary  string
	Elevate []string
	Timeout time.Duration
	logger  *slog.Logger

	lookPath func(string) (string, error)
	command  func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewProbe creates a probe for binary run under the elevate prefix (e.g. sudo -n)
func NewProbe(binary string, elevate []string, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		Binary:   binary,
		Elevate:  elevate,
		Timeout:  5 * time.Second,
		logger:   logger,
		lookPath: exec.LookPath,
		command:  exec.CommandContext,
	}
}

// CheckInstalled reports whether the tunnel client binary can be found
func (p *Probe) CheckInstalled() bool {
	path, err := p.lookPath(p.Binary)
	if err != nil {
		p.logger.Debug("Tunnel client not found", "binary", p.Binary, "error", err)
		return false
	}
	p.logger.Debug("Tunnel client found", "path", path)
	return true
}

// Check invokes "<elevate> <binary> --version". Elevation prefixes are
// expected to be non-interactive (sudo -n), so a configured policy succeeds
// and a missing one fails immediately instead of prompting.
func (p *Probe) Check(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	args := append(append([]string{}, p.Elevate...), p.Binary, "--version")
	cmd := p.command(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdin = nil

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		p.logger.Info("Privileged invocation of tunnel client failed",
			"binary", p.Binary,
			"error", err,
			"detail", detail)
		return Status{OK: false, Remediation: p.Remediation(), Detail: detail}
	}

	return Status{OK: true}
}

// Remediation returns a sudoers rule scoped to the single tunnel-client
// executable for the current user, suitable for /etc/sudoers.d/.
func (p *Probe) Remediation() string {
	binary := p.Binary
	if resolved, err := p.lookPath(binary); err == nil {
		binary = resolved
	}
	if abs, err := filepath.Abs(binary); err == nil && strings.Contains(binary, "/") {
		binary = abs
	}

	username := "$USER"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}

	return fmt.Sprintf("echo '%s ALL=(root) NOPASSWD: %s' | sudo tee /etc/sudoers.d/gpconnect && sudo chmod 0440 /etc/sudoers.d/gpconnect",
		username, binary)
}
