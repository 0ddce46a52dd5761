// Package tunnel owns the single tunnel-client process: starting it, deciding
// whether it is alive, and stopping it.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"go.olrik.dev/gpconnect/internal/core"
	"go.olrik.dev/gpconnect/internal/settings"
)

// ErrAlreadyRunning is returned by Spawn while a tracked process is alive
var ErrAlreadyRunning = errors.New("tunnel client is already running")

// LogSink receives the client's output
type LogSink interface {
	Append(line string) error
	Writer(prefix string) io.Writer
}

// Options configures how the client is launched
type Options struct {
	Binary          string
	Protocol        string
	Elevate         []string
	ExtraArgs       []string
	InterfacePrefix string        // Interface required for liveness ("" disables the check)
	KillGrace       time.Duration // Time between SIGTERM and SIGKILL
	StatePath       string        // Where the live PID is recorded for orphan cleanup ("" disables)

	// BuildArgs replaces the generated client arguments; the elevation prefix is still applied
	BuildArgs func(creds settings.Credentials) []string
}

// OptionsFromConfig maps the daemon configuration onto controller options
func OptionsFromConfig(cfg *core.Configuration, statePath string) Options {
	return Options{
		Binary:          cfg.Tunnel.Binary,
		Protocol:        cfg.Tunnel.Protocol,
		Elevate:         cfg.Tunnel.Elevate,
		ExtraArgs:       cfg.Tunnel.ExtraArgs,
		InterfacePrefix: cfg.Tunnel.InterfacePrefix,
		KillGrace:       cfg.Supervisor.KillGrace,
		StatePath:       statePath,
	}
}

// Handle identifies one spawned process
type Handle struct {
	PID        int
	StartedAt  time.Time
	createTime int64

	cmd     *exec.Cmd
	proc    *process.Process
	done    chan struct{}
	exitErr error
}

// ExitErr returns how the process ended, or nil while it is still running
func (h *Handle) ExitErr() error {
	if !h.Exited() {
		return nil
	}
	return h.exitErr
}

// Exited reports whether the process has been reaped
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Controller tracks at most one live tunnel-client process
type Controller struct {
	opts   Options
	sink   LogSink
	logger *slog.Logger

	mu      sync.Mutex
	current *Handle

	interfaceUp func(ctx context.Context, prefix string) bool
}

// NewController creates a controller. sink may be nil.
func NewController(opts Options, sink LogSink, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 2 * time.Second
	}
	if opts.Binary == "" {
		opts.Binary = "openconnect"
	}
	return &Controller{
		opts:        opts,
		sink:        sink,
		logger:      logger,
		interfaceUp: hasInterface,
	}
}

// Command returns the argv used for creds. The password never appears in it.
func (c *Controller) Command(creds settings.Credentials) []string {
	var args []string
	if c.opts.BuildArgs != nil {
		args = c.opts.BuildArgs(creds)
	} else {
		if c.opts.Protocol != "" {
			args = append(args, "--protocol="+c.opts.Protocol)
		}
		args = append(args, "--passwd-on-stdin", creds.Portal, "--user", creds.Username)
		args = append(args, c.opts.ExtraArgs...)
	}

	argv := append([]string{}, c.opts.Elevate...)
	argv = append(argv, c.opts.Binary)
	return append(argv, args...)
}

// Spawn starts the client and hands it the password on stdin. It returns once
// the process has started; liveness is confirmed separately via IsRunning.
func (c *Controller) Spawn(ctx context.Context, creds settings.Credentials) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && !c.current.Exited() {
		return nil, fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, c.current.PID)
	}

	argv := c.Command(creds)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()

	// Own process group so termination reaches the elevation wrapper and its child
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	// Bound how long Wait blocks on output pipes held open by grandchildren
	cmd.WaitDelay = c.opts.KillGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create stdin pipe: %w", core.ErrProcessSpawn, err)
	}
	if c.sink != nil {
		cmd.Stdout = c.sink.Writer("[stdout] ")
		cmd.Stderr = c.sink.Writer("[stderr] ")
	}

	if err := cmd.Start(); err != nil {
		c.logger.Error("Failed to launch tunnel client", "binary", c.opts.Binary, "error", err)
		return nil, fmt.Errorf("%w: %w", core.ErrProcessSpawn, err)
	}

	if creds.Password != "" {
		if _, err := io.WriteString(stdin, creds.Password+"\n"); err != nil {
			c.logger.Warn("Failed to write password to tunnel client", "pid", cmd.Process.Pid, "error", err)
		}
	}
	stdin.Close()

	h := &Handle{
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	if proc, err := process.NewProcessWithContext(ctx, int32(h.PID)); err == nil {
		h.proc = proc
		if ct, err := proc.CreateTimeWithContext(ctx); err == nil {
			h.createTime = ct
		}
	} else {
		c.logger.Debug("Could not inspect tunnel client process", "pid", h.PID, "error", err)
	}

	go c.wait(h)

	c.current = h
	c.logger.Info("Tunnel client started",
		"pid", h.PID,
		"portal", creds.Portal,
		"user", creds.Username)

	if c.opts.StatePath != "" {
		if err := SaveState(c.opts.StatePath, ProcessState{
			PID:        h.PID,
			CreateTime: h.createTime,
			Binary:     c.opts.Binary,
			StartDate:  h.StartedAt,
		}); err != nil {
			c.logger.Warn("Failed to record tunnel client state", "error", err)
		}
	}

	return h, nil
}

// wait reaps the process and records how it ended
func (c *Controller) wait(h *Handle) {
	err := h.cmd.Wait()

	// Wait has drained the pipes; keep a last line without a newline
	for _, w := range []io.Writer{h.cmd.Stdout, h.cmd.Stderr} {
		if f, ok := w.(interface{ Flush() error }); ok {
			f.Flush()
		}
	}

	h.exitErr = err
	close(h.done)

	if err != nil {
		c.logger.Info("Tunnel client exited", "pid", h.PID, "error", err)
	} else {
		c.logger.Info("Tunnel client exited successfully", "pid", h.PID)
	}
	if c.sink != nil {
		c.sink.Append(fmt.Sprintf("Tunnel client (PID %d) exited: %s", h.PID, exitDescription(err)))
	}

	c.mu.Lock()
	if (c.current == h || c.current == nil) && c.opts.StatePath != "" {
		if err := RemoveState(c.opts.StatePath); err != nil {
			c.logger.Warn("Failed to remove tunnel client state", "error", err)
		}
	}
	c.mu.Unlock()
}

func exitDescription(err error) string {
	if err == nil {
		return "status 0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ProcessState.String()
	}
	return err.Error()
}

// Current returns the tracked handle, or nil
func (c *Controller) Current() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// IsRunning reports whether the tracked process is alive, keyed by its PID
// and start time rather than by process name. When an interface prefix is
// configured the tunnel interface must also exist.
func (c *Controller) IsRunning(ctx context.Context) bool {
	h := c.Current()
	if h == nil || h.Exited() {
		return false
	}

	if h.proc != nil {
		running, err := h.proc.IsRunningWithContext(ctx)
		if err == nil && !running {
			return false
		}
		if err == nil && h.createTime != 0 {
			if ct, err := h.proc.CreateTimeWithContext(ctx); err == nil && ct != h.createTime {
				return false
			}
		}
	} else if !processAlive(h.PID) {
		return false
	}

	if c.opts.InterfacePrefix != "" && !c.interfaceUp(ctx, c.opts.InterfacePrefix) {
		return false
	}
	return true
}

// Terminate stops the tracked process: SIGTERM to its group, then SIGKILL
// once the grace period has passed. When it returns nil, IsRunning is false.
func (c *Controller) Terminate(ctx context.Context) error {
	h := c.Current()
	if h == nil {
		return nil
	}

	err := c.terminate(ctx, h)

	c.mu.Lock()
	if c.current == h && h.Exited() {
		c.current = nil
	}
	c.mu.Unlock()

	return err
}

// Shutdown terminates without a caller context; used as the exit hook
func (c *Controller) Shutdown() {
	if err := c.Terminate(context.Background()); err != nil {
		c.logger.Error("Failed to terminate tunnel client during shutdown", "error", err)
	}
}

func (c *Controller) terminate(ctx context.Context, h *Handle) error {
	if h.Exited() {
		return nil
	}

	label := fmt.Sprintf("tunnel client (PID %d)", h.PID)
	descendants := c.descendants(ctx, h)

	if err := signalGroup(h.PID, syscall.SIGTERM); err != nil {
		c.logger.Warn(fmt.Sprintf("Failed to send SIGTERM to %s, forcing kill", label), "error", err)
	} else {
		grace := time.NewTimer(c.opts.KillGrace)
		defer grace.Stop()

		select {
		case <-h.done:
			c.logger.Info(fmt.Sprintf("Process %s terminated gracefully", label))
			return nil
		case <-grace.C:
			c.logger.Warn(fmt.Sprintf("Process %s did not exit within %v, forcing kill", label, c.opts.KillGrace))
		case <-ctx.Done():
			c.logger.Warn(fmt.Sprintf("Termination of %s cancelled, forcing kill", label))
		}
	}

	signalGroup(h.PID, syscall.SIGKILL)
	h.cmd.Process.Kill()
	c.killElevated(descendants)

	// Wait for the reaper; the group is gone once SIGKILL lands
	select {
	case <-h.done:
		return nil
	case <-time.After(time.Second):
	}

	if h.Exited() {
		return nil
	}
	c.logger.Error(fmt.Sprintf("Process %s survived SIGKILL", label))
	return fmt.Errorf("process %d survived SIGKILL", h.PID)
}

// descendants lists children of the wrapper process. When the client runs
// under an elevation wrapper, SIGKILL to the wrapper cannot be relayed, so
// the elevated children are killed explicitly.
func (c *Controller) descendants(ctx context.Context, h *Handle) []int32 {
	if h.proc == nil || len(c.opts.Elevate) == 0 {
		return nil
	}
	children, err := h.proc.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}
	pids := make([]int32, 0, len(children))
	for _, child := range children {
		pids = append(pids, child.Pid)
	}
	return pids
}

// killElevated kills leftover children through the elevation prefix
func (c *Controller) killElevated(pids []int32) {
	var alive []string
	for _, pid := range pids {
		if processAlive(int(pid)) {
			alive = append(alive, fmt.Sprint(pid))
		}
	}
	if len(alive) == 0 {
		return
	}

	argv := append(append([]string{}, c.opts.Elevate...), "kill", "-KILL")
	argv = append(argv, alive...)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput(); err != nil {
		c.logger.Warn("Failed to kill elevated tunnel client children",
			"pids", strings.Join(alive, ","),
			"error", err,
			"output", strings.TrimSpace(string(out)))
	}
}
