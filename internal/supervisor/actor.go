package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"go.olrik.dev/gpconnect/internal/core"
	"go.olrik.dev/gpconnect/internal/network"
	"go.olrik.dev/gpconnect/internal/settings"
)

type connectCmd struct {
	creds settings.Credentials
	reply chan error
}

type disconnectCmd struct {
	reply chan error
}

type livenessMsg struct {
	running bool
	epoch   uint64
}

type networkMsg struct {
	event network.Event
}

type attemptResult struct {
	id  uint64
	pid int
	err error
}

type stopResult struct {
	op  *stopOp
	err error
}

type timerKind int

const (
	timerRetry timerKind = iota + 1
	timerSettle
)

type timerMsg struct {
	kind timerKind
	gen  uint64
}

// attempt is one in-flight connection attempt
type attempt struct {
	id        uint64
	creds     settings.Credentials
	automatic bool
	cancel    context.CancelFunc
	charged   bool // drew on the retry budget
	after     <-chan struct{}
	done      chan struct{}
	reply     chan error // nil for automatic attempts
}

// stopOp is one in-flight disconnect
type stopOp struct {
	replies []chan error
	done    chan struct{}
	quiet   bool // already disconnected; no state change to report
}

// run is the main processing loop - all state changes happen here
func (s *Supervisor) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return
		case msg := <-s.inbox:
			s.handle(msg)
			s.publish()
		}
	}
}

func (s *Supervisor) handle(msg any) {
	switch m := msg.(type) {
	case connectCmd:
		s.handleConnect(m)
	case disconnectCmd:
		s.handleDisconnect(m)
	case livenessMsg:
		s.handleLiveness(m)
	case networkMsg:
		s.handleNetwork(m.event)
	case attemptResult:
		s.handleAttemptResult(m)
	case stopResult:
		s.handleStopResult(m)
	case timerMsg:
		s.handleTimer(m)
	default:
		s.logger.Error("Supervisor received unknown message", "type", fmt.Sprintf("%T", msg))
	}
}

// shutdown runs on the supervisor goroutine when the supervisor is closed
func (s *Supervisor) shutdown() {
	s.cancelTimers()

	if a := s.attempt; a != nil {
		s.attempt = nil
		a.cancel()
		<-a.done
		if a.reply != nil {
			a.reply <- ErrClosed
		}
	}
	if op := s.stopping; op != nil {
		s.stopping = nil
		<-op.done
		for _, reply := range op.replies {
			reply <- nil
		}
	}
}

func (s *Supervisor) handleConnect(cmd connectCmd) {
	switch {
	case s.state == StateConnected:
		cmd.reply <- ErrAlreadyConnected
		return
	case s.state == StateDisconnecting, s.stopping != nil:
		cmd.reply <- ErrBusy
		return
	case s.state == StateConnecting && s.attempt != nil:
		cmd.reply <- ErrBusy
		return
	}

	// A manual connect wipes the retry policy
	s.manual = false
	s.retryCount = 0
	s.waiting = false
	s.lastErr = ""
	s.cancelTimers()

	s.startAttempt(cmd.creds, false, cmd.reply)
	s.setState(StateConnecting, "user connect")
}

func (s *Supervisor) handleDisconnect(cmd disconnectCmd) {
	s.manual = true
	s.retryCount = 0
	s.waiting = false
	s.cancelTimers()

	if op := s.stopping; op != nil {
		op.replies = append(op.replies, cmd.reply)
		return
	}

	var pending *attempt
	if a := s.attempt; a != nil {
		s.attempt = nil
		a.cancel()
		if a.reply != nil {
			a.reply <- ErrCancelled
		}
		pending = a
	}

	op := &stopOp{
		replies: []chan error{cmd.reply},
		done:    make(chan struct{}),
		quiet:   s.state == StateDisconnected && pending == nil,
	}
	s.stopping = op

	if !op.quiet {
		s.logf("Disconnecting from %s", s.creds.Portal)
		s.setState(StateDisconnecting, "user disconnect")
	}

	abandoned := s.abandoned
	s.abandoned = nil

	go func() {
		defer close(op.done)
		if pending != nil {
			<-pending.done
		}
		if abandoned != nil {
			<-abandoned
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.KillTimeout)
		defer cancel()
		err := s.tunnel.Terminate(ctx)
		s.post(stopResult{op: op, err: err})
	}()
}

func (s *Supervisor) handleStopResult(r stopResult) {
	if s.stopping != r.op {
		return
	}
	s.stopping = nil
	s.pid = 0

	if r.err != nil {
		s.logger.Error("Failed to terminate tunnel client", "error", r.err)
		s.lastErr = fmt.Sprintf("Failed to stop tunnel client: %v", r.err)
	}
	if !r.op.quiet {
		s.logf("Disconnected")
		s.setState(StateDisconnected, "user disconnect")
	}
	for _, reply := range r.op.replies {
		reply <- r.err
	}
}

func (s *Supervisor) handleLiveness(m livenessMsg) {
	if m.epoch != s.epoch {
		return // State changed while the probe ran
	}

	switch s.state {
	case StateConnected:
		if m.running {
			s.retryCount = 0
			return
		}
		s.pid = 0
		s.logger.Warn("Tunnel client is no longer running", "portal", s.creds.Portal)
		s.logf("Connection lost")
		s.lastErr = "Connection lost"
		s.scheduleRetry()
		s.setState(StateDisconnected, "connection dropped")

	case StateDisconnected:
		if m.running && !s.manual && s.attempt == nil && s.stopping == nil {
			s.cancelTimers()
			s.retryCount = 0
			s.lastErr = ""
			s.markConnected("tunnel client found running")
		}
	}
}

func (s *Supervisor) handleNetwork(ev network.Event) {
	switch ev {
	case network.EventLost:
		s.offline = true
		if s.waiting {
			// Lost again before the settle delay ran out
			s.cancelTimers()
			return
		}
		if s.manual || s.stopping != nil {
			return
		}

		switch {
		case s.state == StateConnected:
			s.waitForNetwork("network lost")
		case s.state == StateDisconnected && s.pending == timerRetry:
			// The drop was seen before the outage; it doesn't count
			s.refund()
			s.waitForNetwork("network lost")
		case s.state == StateConnecting && s.attempt != nil && s.attempt.automatic:
			a := s.attempt
			s.attempt = nil
			a.cancel()
			s.abandoned = a.done
			if a.charged {
				s.refund()
			}
			s.waitForNetwork("network lost")
		}

	case network.EventRestored:
		s.offline = false
		if !s.waiting || s.manual {
			return
		}
		s.logger.Info("Network restored, resuming connection", "settle", s.cfg.NetworkSettle)
		s.setTimer(timerSettle, s.cfg.NetworkSettle)
	}
}

func (s *Supervisor) handleTimer(m timerMsg) {
	if m.gen != s.timerGen {
		return // Cancelled or superseded
	}
	s.timer = nil
	s.pending = 0
	if s.manual {
		return
	}

	switch m.kind {
	case timerRetry:
		if s.state != StateDisconnected || s.attempt != nil {
			return
		}
		if s.offline {
			s.refund()
			s.waitForNetwork("network unavailable")
			return
		}
		s.logf("Retrying connection (%d/%d)", s.retryCount, s.cfg.MaxRetries)
		s.startAttempt(s.creds, true, nil)
		s.attempt.charged = true
		s.setState(StateConnecting, fmt.Sprintf("retry %d/%d", s.retryCount, s.cfg.MaxRetries))

	case timerSettle:
		if !s.waiting || s.offline || s.state != StateConnecting || s.attempt != nil {
			return
		}
		s.waiting = false
		s.lastErr = ""
		s.logf("Network restored, reconnecting")
		s.startAttempt(s.creds, true, nil)
	}
}

func (s *Supervisor) handleAttemptResult(r attemptResult) {
	a := s.attempt
	if a == nil || a.id != r.id {
		return // Superseded by disconnect
	}
	s.attempt = nil

	if r.err == nil {
		s.pid = r.pid
		s.retryCount = 0
		s.waiting = false
		s.lastErr = ""
		s.logf("Connected to %s", a.creds.Portal)
		s.markConnected("tunnel up")
		if a.reply != nil {
			a.reply <- nil
		}
		return
	}

	s.pid = 0
	if s.offline && core.Retryable(r.err) && !s.manual {
		// Resume once connectivity returns instead of spending the budget
		err := fmt.Errorf("%w: %w", core.ErrNetworkUnavailable, r.err)
		s.logger.Warn("Connection attempt failed while offline", "portal", a.creds.Portal, "error", r.err)
		s.logf("Connection failed: %v", err)
		if a.charged {
			s.refund()
		}
		s.waitForNetwork("network unavailable")
		if a.reply != nil {
			s.publish()
			a.reply <- err
		}
		return
	}

	s.lastErr = r.err.Error()
	s.logger.Warn("Connection attempt failed", "portal", a.creds.Portal, "error", r.err)
	s.logf("Connection failed: %v", r.err)
	if a.automatic && core.Retryable(r.err) {
		s.scheduleRetry()
	}
	s.setState(StateDisconnected, "attempt failed")
	if a.reply != nil {
		a.reply <- r.err
	}
}

// scheduleRetry arms the retry timer if the budget allows
func (s *Supervisor) scheduleRetry() bool {
	if s.manual {
		return false
	}
	if s.retryCount >= s.cfg.MaxRetries {
		s.lastErr = fmt.Sprintf("Connection lost. Maximum retries (%d) exceeded", s.cfg.MaxRetries)
		s.logf("%s", s.lastErr)
		return false
	}

	s.retryCount++
	s.lastErr = fmt.Sprintf("Retrying (%d/%d)", s.retryCount, s.cfg.MaxRetries)
	s.logf("Connection retry %d/%d in %v", s.retryCount, s.cfg.MaxRetries, s.cfg.RetryDelay)
	s.setTimer(timerRetry, s.cfg.RetryDelay)
	return true
}

// waitForNetwork parks the connection in the waiting sub-state until
// EventRestored. It is reported as connecting.
func (s *Supervisor) waitForNetwork(reason string) {
	s.cancelTimers()
	s.waiting = true
	s.lastErr = "Waiting for network"
	s.logf("Network lost, waiting for it to come back")
	if s.state != StateConnecting {
		s.setState(StateConnecting, reason)
	}
}

// refund returns one retry to the budget
func (s *Supervisor) refund() {
	if s.retryCount > 0 {
		s.retryCount--
	}
}

func (s *Supervisor) startAttempt(creds settings.Credentials, automatic bool, reply chan error) {
	s.attemptSeq++
	ctx, cancel := context.WithCancel(s.ctx)
	a := &attempt{
		id:        s.attemptSeq,
		creds:     creds,
		automatic: automatic,
		after:     s.abandoned,
		cancel:    cancel,
		done:      make(chan struct{}),
		reply:     reply,
	}
	s.abandoned = nil
	s.attempt = a
	s.creds = creds
	s.sessionID = uuid.NewString()

	go s.runAttempt(ctx, a)
}

func (s *Supervisor) markConnected(reason string) {
	s.connectedAt = time.Now()
	s.setState(StateConnected, reason)
}

// setTimer replaces any pending timer
func (s *Supervisor) setTimer(kind timerKind, d time.Duration) {
	s.cancelTimers()
	gen := s.timerGen
	s.pending = kind
	s.timer = time.AfterFunc(d, func() {
		s.post(timerMsg{kind: kind, gen: gen})
	})
}

func (s *Supervisor) cancelTimers() {
	s.timerGen++
	s.pending = 0
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Supervisor) setState(to State, reason string) {
	from := s.state
	s.state = to
	s.since = time.Now()
	s.epoch++
	if to != StateConnected {
		s.connectedAt = time.Time{}
	}

	s.logger.Info("Connection state changed", "from", from, "to", to, "reason", reason)

	s.publish()
	t := Transition{From: from, To: to, Reason: reason, At: s.since, Status: s.Status()}

	s.subscribersMu.RLock()
	subscribers := make([]func(Transition), len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.subscribersMu.RUnlock()

	for _, sub := range subscribers {
		sub(t)
	}
}

// publish copies the goroutine-owned state into the shared snapshot
func (s *Supervisor) publish() {
	st := Status{
		State:                s.state,
		RetryCount:           s.retryCount,
		MaxRetries:           s.cfg.MaxRetries,
		ManuallyDisconnected: s.manual,
		WaitingForNetwork:    s.waiting,
		LastError:            s.lastErr,
		Portal:               s.creds.Portal,
		Username:             s.creds.Username,
		PID:                  s.pid,
		Since:                s.since,
		ConnectedAt:          s.connectedAt,
		SessionID:            s.sessionID,
		epoch:                s.epoch,
	}

	s.stateMu.Lock()
	s.current = st
	s.stateMu.Unlock()
}

func (s *Supervisor) logf(format string, args ...any) {
	if s.log == nil {
		return
	}
	if err := s.log.Append(fmt.Sprintf(format, args...)); err != nil {
		s.logger.Warn("Failed to write connection log", "error", err)
	}
}
