// Package lifecycle owns session status transitions. All writes go through
// the store first; dashboard notifications are published only after the
// row is durable, so a browser can never observe a status the database
// does not hold.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/PerryB-GIT/sessionforge-sub001/internal/pubsub"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/store"
	"github.com/PerryB-GIT/sessionforge-sub001/pkg/protocol"
)

var (
	// ErrSessionLimit is returned when a user is at their active session cap.
	ErrSessionLimit = errors.New("active session limit reached")
	// ErrSessionTerminal is returned for commands against a finished session.
	ErrSessionTerminal = errors.New("session already terminal")
	// ErrInvalidTransition is returned when the requested transition does not
	// apply to the session's current status.
	ErrInvalidTransition = errors.New("invalid session transition")
)

// Tracker applies session lifecycle transitions and fans status changes
// out to the owning user's dashboard topic.
//
// User-initiated commands record an optimistic status; agent reports record
// a confirmed one. A confirmed terminal status is immutable, and agent
// reports overwrite anything the cloud only assumed.
type Tracker struct {
	store     store.Store
	broker    pubsub.Broker
	logger    *slog.Logger
	maxActive int // per user, 0 = unlimited
}

func New(st store.Store, broker pubsub.Broker, maxActive int, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:     st,
		broker:    broker,
		logger:    logger.With("component", "lifecycle"),
		maxActive: maxActive,
	}
}

// Create records a new pending session for the user on the given machine.
// The caller is responsible for dispatching the start command to the agent.
func (t *Tracker) Create(ctx context.Context, userID, machineID, processName, workdir string) (*store.Session, error) {
	if t.maxActive > 0 {
		n, err := t.store.CountActiveSessionsByUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if n >= t.maxActive {
			return nil, ErrSessionLimit
		}
	}

	sess := &store.Session{
		ID:           uuid.New().String(),
		MachineID:    machineID,
		UserID:       userID,
		ProcessName:  processName,
		Workdir:      workdir,
		Status:       store.SessionPending,
		StatusSource: store.SourceOptimistic,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := t.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	t.notify(ctx, sess, store.SessionPending)
	return sess, nil
}

// MarkStopRequested optimistically marks a session stopped on behalf of a
// user command. The agent's own report later confirms or corrects it.
func (t *Tracker) MarkStopRequested(ctx context.Context, sess *store.Session) error {
	return t.optimistic(ctx, sess,
		[]string{store.SessionPending, store.SessionRunning, store.SessionPaused},
		store.SessionStopped)
}

// MarkPauseRequested optimistically marks a running session paused.
func (t *Tracker) MarkPauseRequested(ctx context.Context, sess *store.Session) error {
	return t.optimistic(ctx, sess, []string{store.SessionRunning}, store.SessionPaused)
}

// MarkResumeRequested optimistically marks a paused session running again.
func (t *Tracker) MarkResumeRequested(ctx context.Context, sess *store.Session) error {
	return t.optimistic(ctx, sess, []string{store.SessionPaused}, store.SessionRunning)
}

func (t *Tracker) optimistic(ctx context.Context, sess *store.Session, from []string, to string) error {
	if sess.Terminal() && sess.StatusSource == store.SourceConfirmed {
		return ErrSessionTerminal
	}
	applied, err := t.store.UpdateSessionStatus(ctx, sess.ID, from, to, store.SourceOptimistic)
	if err != nil {
		return err
	}
	if !applied {
		return ErrInvalidTransition
	}
	t.notify(ctx, sess, to)
	return nil
}

// ConfirmStarted applies an agent session_started report: the status becomes
// running with confirmed provenance and the process facts are recorded. The
// status transition gates the process write, so a late report against a
// session the user already stopped leaves the row untouched.
func (t *Tracker) ConfirmStarted(ctx context.Context, sess *store.Session, d protocol.SessionDetail) error {
	applied, err := t.store.UpdateSessionStatus(ctx, sess.ID,
		[]string{store.SessionPending, store.SessionRunning, store.SessionPaused},
		store.SessionRunning, store.SourceConfirmed)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	if err := t.store.SetSessionProcess(ctx, sess.ID, d.PID, d.ProcessName, d.Workdir, d.StartedAt); err != nil {
		return err
	}
	t.notify(ctx, sess, store.SessionRunning)
	return nil
}

// ConfirmStopped applies an agent session_stopped report. Duplicate reports
// against an already-confirmed terminal session are silent no-ops.
func (t *Tracker) ConfirmStopped(ctx context.Context, sess *store.Session, exitCode int) error {
	applied, err := t.store.ConfirmSessionTerminal(ctx, sess.ID, store.SessionStopped, &exitCode, "", time.Now())
	if err != nil {
		return err
	}
	if applied {
		t.notify(ctx, sess, store.SessionStopped)
	}
	return nil
}

// ConfirmCrashed applies an agent session_crashed report.
func (t *Tracker) ConfirmCrashed(ctx context.Context, sess *store.Session, errMsg string) error {
	applied, err := t.store.ConfirmSessionTerminal(ctx, sess.ID, store.SessionCrashed, nil, errMsg, time.Now())
	if err != nil {
		return err
	}
	if applied {
		t.notify(ctx, sess, store.SessionCrashed)
	}
	return nil
}

func (t *Tracker) notify(ctx context.Context, sess *store.Session, status string) {
	env := protocol.Envelope{
		Type:      protocol.TypeSessionUpdated,
		Timestamp: time.Now(),
		Payload: protocol.SessionUpdated{Session: protocol.SessionSummary{
			ID:        sess.ID,
			Status:    status,
			MachineID: sess.MachineID,
		}},
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.logger.Error("marshal session update", "session_id", sess.ID, "error", err)
		return
	}
	if err := t.broker.Publish(ctx, pubsub.UserTopic(sess.UserID), data); err != nil {
		t.logger.Warn("publish session update", "session_id", sess.ID, "error", err)
	}
}
