// Package supervisor owns the connection state machine. Every state change
// happens on one goroutine; spawning, polling and terminating run in worker
// goroutines that report back through the same inbox.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.olrik.dev/gpconnect/internal/core"
	"go.olrik.dev/gpconnect/internal/network"
	"go.olrik.dev/gpconnect/internal/permission"
	"go.olrik.dev/gpconnect/internal/settings"
	"go.olrik.dev/gpconnect/internal/tunnel"
)

// State is the connection state
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
)

var (
	// ErrAlreadyConnected is returned by Connect while connected
	ErrAlreadyConnected = errors.New("already connected")

	// ErrBusy is returned by Connect while another transition is in progress
	ErrBusy = errors.New("a connection change is already in progress")

	// ErrCancelled is returned to a pending Connect superseded by Disconnect
	ErrCancelled = errors.New("connection attempt cancelled")

	// ErrClosed is returned once the supervisor has shut down
	ErrClosed = errors.New("supervisor is closed")
)

// MissingFieldsError names the credential fields a caller must prompt for
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "missing required fields: " + strings.Join(e.Fields, ", ")
}

func (e *MissingFieldsError) Unwrap() error {
	return core.ErrInvalidCredentials
}

// Tunnel is the process controller the supervisor drives
type Tunnel interface {
	Spawn(ctx context.Context, creds settings.Credentials) (*tunnel.Handle, error)
	IsRunning(ctx context.Context) bool
	Terminate(ctx context.Context) error
}

// Permissions checks installation and non-interactive elevation
type Permissions interface {
	CheckInstalled() bool
	Check(ctx context.Context) permission.Status
}

// CredentialStore persists credentials after a successful spawn
type CredentialStore interface {
	SaveCredentials(creds settings.Credentials) error
}

// LogSink is the user-visible connection log
type LogSink interface {
	Append(line string) error
	Banner(text string) error
}

// Config holds the supervisor's collaborators and timings
type Config struct {
	Tunnel      Tunnel
	Permissions Permissions
	Store       CredentialStore
	Log         LogSink
	Logger      *slog.Logger

	MaxRetries    int
	RetryDelay    time.Duration
	PollInterval  time.Duration
	PollAttempts  int
	NetworkSettle time.Duration
	KillTimeout   time.Duration // Upper bound for a terminate during disconnect
}

// ConfigFromCore fills timings from the daemon configuration
func ConfigFromCore(cfg *core.Configuration) Config {
	return Config{
		MaxRetries:    cfg.Supervisor.MaxRetries,
		RetryDelay:    cfg.Supervisor.RetryDelay,
		PollInterval:  cfg.Supervisor.ConnectPollInterval,
		PollAttempts:  cfg.Supervisor.ConnectPollAttempts,
		NetworkSettle: cfg.Supervisor.NetworkSettle,
		KillTimeout:   cfg.Supervisor.KillGrace + 3*time.Second,
	}
}

// Status is a point-in-time view of the supervisor
type Status struct {
	State                State     `json:"state"`
	RetryCount           int       `json:"retry_count"`
	MaxRetries           int       `json:"max_retries"`
	ManuallyDisconnected bool      `json:"manually_disconnected"`
	WaitingForNetwork    bool      `json:"waiting_for_network"`
	LastError            string    `json:"last_error,omitempty"`
	Portal               string    `json:"portal,omitempty"`
	Username             string    `json:"username,omitempty"`
	PID                  int       `json:"pid,omitempty"`
	Since                time.Time `json:"since"`
	ConnectedAt          time.Time `json:"connected_at,omitempty"`
	SessionID            string    `json:"session_id,omitempty"`

	epoch uint64
}

// Transition describes one state change
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
	Status Status
}

// Supervisor is the connection state machine
type Supervisor struct {
	tunnel Tunnel
	perms  Permissions
	store  CredentialStore
	log    LogSink
	logger *slog.Logger
	cfg    Config

	inbox chan any

	// Owned by the run goroutine
	state       State
	retryCount  int
	manual      bool
	waiting     bool
	offline     bool
	lastErr     string
	creds       settings.Credentials
	pid         int
	since       time.Time
	connectedAt time.Time
	sessionID   string
	epoch       uint64

	attempt    *attempt
	attemptSeq uint64
	abandoned  <-chan struct{} // done channel of an attempt cancelled by network loss
	stopping   *stopOp

	timer    *time.Timer
	timerGen uint64
	pending  timerKind

	subscribersMu sync.RWMutex
	subscribers   []func(Transition)

	stateMu sync.RWMutex
	current Status

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New creates a supervisor in the disconnected state. Call Start to begin
// processing.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 15
	}
	if cfg.NetworkSettle <= 0 {
		cfg.NetworkSettle = time.Second
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		tunnel: cfg.Tunnel,
		perms:  cfg.Permissions,
		store:  cfg.Store,
		log:    cfg.Log,
		logger: cfg.Logger,
		cfg:    cfg,
		inbox:  make(chan any, 64),
		state:  StateDisconnected,
		since:  time.Now(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.publish()
	return s
}

// Start begins processing commands
func (s *Supervisor) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("Connection supervisor started",
		"max_retries", s.cfg.MaxRetries,
		"retry_delay", s.cfg.RetryDelay)
}

// Close cancels pending timers and any in-flight attempt, then terminates the
// tunnel client. Safe to call more than once.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.KillTimeout)
		defer cancel()
		s.closeErr = s.tunnel.Terminate(ctx)

		// The run goroutine has exited, so state is ours to change
		s.pid = 0
		if s.state != StateDisconnected {
			s.setState(StateDisconnected, "shutdown")
		}
		s.publish()
		s.logger.Info("Connection supervisor stopped")
	})
	return s.closeErr
}

// Subscribe registers fn for every state transition. fn runs on the
// supervisor goroutine and must not block.
func (s *Supervisor) Subscribe(fn func(Transition)) {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Status returns the latest snapshot (thread-safe)
func (s *Supervisor) Status() Status {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.current
}

// Connect starts a manual connection and blocks until it is confirmed, fails,
// or is cancelled by Disconnect. Cancelling ctx stops the wait, not the attempt.
func (s *Supervisor) Connect(ctx context.Context, creds settings.Credentials) error {
	if strings.TrimSpace(creds.Portal) == "" {
		return fmt.Errorf("%w: portal address is required", core.ErrInvalidInput)
	}
	var missing []string
	if strings.TrimSpace(creds.Username) == "" {
		missing = append(missing, "username")
	}
	if creds.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return &MissingFieldsError{Fields: missing}
	}

	reply := make(chan error, 1)
	if err := s.send(ctx, connectCmd{creds: creds, reply: reply}); err != nil {
		return err
	}
	return s.await(ctx, reply)
}

// Disconnect stops the tunnel and suppresses automatic retries until the
// next Connect. It blocks until the process is gone.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, disconnectCmd{reply: reply}); err != nil {
		return err
	}
	return s.await(ctx, reply)
}

// Tick checks liveness in the caller's goroutine and submits the result
func (s *Supervisor) Tick(ctx context.Context) error {
	epoch := s.Status().epoch
	running := s.tunnel.IsRunning(ctx)
	return s.send(ctx, livenessMsg{running: running, epoch: epoch})
}

// HandleNetwork submits a connectivity event
func (s *Supervisor) HandleNetwork(ev network.Event) {
	s.post(networkMsg{event: ev})
}

// WatchNetwork forwards events until ctx is done or events closes
func (s *Supervisor) WatchNetwork(ctx context.Context, events <-chan network.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.HandleNetwork(ev)
		}
	}
}

func (s *Supervisor) send(ctx context.Context, msg any) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case s.inbox <- msg:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post is used by workers and timers, which must never block once closed
func (s *Supervisor) post(msg any) {
	select {
	case s.inbox <- msg:
	case <-s.ctx.Done():
	}
}

func (s *Supervisor) await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-s.ctx.Done():
		// A reply may have raced the shutdown
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
