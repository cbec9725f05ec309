package relay

import (
	"context"
	"time"

	"github.com/PerryB-GIT/sessionforge-sub001/pkg/protocol"
)

// StartIdleReaper stops sessions that have seen no activity for longer than
// idleTimeout. The stop is optimistic, same as a user-issued one; the agent
// confirms it. Runs until ctx is cancelled. A zero idleTimeout disables it.
func (r *Relay) StartIdleReaper(ctx context.Context, idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		return
	}
	interval := idleTimeout / 4
	if interval < time.Minute {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.reapIdle(ctx, idleTimeout)
			}
		}
	}()
}

func (r *Relay) reapIdle(ctx context.Context, idleTimeout time.Duration) {
	sessions, err := r.store.ListActiveSessions(ctx)
	if err != nil {
		r.logger.Warn("list active sessions", "error", err)
		return
	}
	cutoff := time.Now().Add(-idleTimeout)
	for i := range sessions {
		sess := &sessions[i]
		if sess.UpdatedAt.After(cutoff) {
			continue
		}
		if err := r.tracker.MarkStopRequested(ctx, sess); err != nil {
			continue
		}
		r.dispatchToMachine(ctx, sess.MachineID, protocol.TypeStopSession, protocol.StopSession{SessionID: sess.ID})
		r.audit(ctx, "session.idle_stop", sess.UserID, sess.MachineID, sess.ID)
		r.logger.Info("stopped idle session", "session_id", sess.ID, "idle_timeout", idleTimeout)
	}
}
