package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.olrik.dev/gpconnect/internal/core"
	"go.olrik.dev/gpconnect/internal/tunnel"
)

// runAttempt performs one connection attempt off the supervisor goroutine
func (s *Supervisor) runAttempt(ctx context.Context, a *attempt) {
	defer close(a.done)

	// An attempt abandoned on network loss may still be tearing down
	if a.after != nil {
		select {
		case <-a.after:
		case <-ctx.Done():
		}
	}

	pid, err := s.connect(ctx, a)
	if err != nil && ctx.Err() == nil {
		// Never leave a half-started client behind a failed attempt
		tctx, cancel := context.WithTimeout(context.Background(), s.cfg.KillTimeout)
		if terr := s.tunnel.Terminate(tctx); terr != nil {
			s.logger.Error("Failed to terminate tunnel client after failed attempt", "error", terr)
		}
		cancel()
	}
	s.post(attemptResult{id: a.id, pid: pid, err: err})
}

func (s *Supervisor) connect(ctx context.Context, a *attempt) (int, error) {
	if !s.perms.CheckInstalled() {
		return 0, fmt.Errorf("%w: tunnel client executable not found", core.ErrInstallationMissing)
	}
	if st := s.perms.Check(ctx); !st.OK {
		if st.Remediation != "" {
			return 0, fmt.Errorf("%w: elevation requires a password; to allow it run: %s", core.ErrPermissionDenied, st.Remediation)
		}
		return 0, fmt.Errorf("%w: %s", core.ErrPermissionDenied, st.Detail)
	}

	// A previous client (dropped tunnel, stale process after network loss)
	// is stopped before a new one starts
	if err := s.tunnel.Terminate(ctx); err != nil {
		return 0, fmt.Errorf("failed to stop previous tunnel client: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if s.log != nil {
		s.log.Banner("Connection Attempt: " + time.Now().Format(time.DateTime))
	}
	s.logf("Connecting to %s as %s", a.creds.Portal, a.creds.Username)

	h, err := s.tunnel.Spawn(ctx, a.creds)
	if errors.Is(err, tunnel.ErrAlreadyRunning) {
		s.tunnel.Terminate(ctx)
		h, err = s.tunnel.Spawn(ctx, a.creds)
	}
	if err != nil {
		return 0, err
	}

	if !a.automatic && s.store != nil {
		if err := s.store.SaveCredentials(a.creds); err != nil {
			s.logger.Warn("Failed to save credentials", "error", err)
		}
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for i := 0; i < s.cfg.PollAttempts; i++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
		if s.tunnel.IsRunning(ctx) {
			return h.PID, nil
		}
		if h.Exited() {
			if exitErr := h.ExitErr(); exitErr != nil {
				return 0, fmt.Errorf("%w: tunnel client exited before the tunnel came up: %w", core.ErrProcessSpawn, exitErr)
			}
			return 0, fmt.Errorf("%w: tunnel client exited before the tunnel came up", core.ErrProcessSpawn)
		}
	}

	// One last look at the bound; a late tunnel still counts
	if s.tunnel.IsRunning(ctx) {
		return h.PID, nil
	}
	return 0, fmt.Errorf("%w after %v", core.ErrConnectTimeout, time.Duration(s.cfg.PollAttempts)*s.cfg.PollInterval)
}
