package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/PerryB-GIT/sessionforge-sub001/internal/pubsub"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/store"
	"github.com/PerryB-GIT/sessionforge-sub001/pkg/protocol"
)

func setupTracker(t *testing.T, maxActive int) (*Tracker, store.Store, pubsub.Broker) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	broker := pubsub.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })

	return New(s, broker, maxActive, slog.Default()), s, broker
}

func seedOwner(t *testing.T, s store.Store) (userID, machineID string) {
	t.Helper()
	ctx := context.Background()
	u := &store.User{ID: uuid.New().String(), Username: "owner", PasswordHash: "x", Role: "user", CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	m := &store.Machine{ID: uuid.New().String(), UserID: u.ID, Name: "m", OS: "linux", Status: store.MachineOnline, CreatedAt: time.Now()}
	if err := s.CreateMachine(ctx, m); err != nil {
		t.Fatal(err)
	}
	return u.ID, m.ID
}

func TestCreate_PendingOptimistic(t *testing.T) {
	tr, s, _ := setupTracker(t, 0)
	ctx := context.Background()
	userID, machineID := seedOwner(t, s)

	sess, err := tr.Create(ctx, userID, machineID, "bash", "/tmp")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != store.SessionPending || sess.StatusSource != store.SourceOptimistic {
		t.Errorf("unexpected initial state: %s/%s", sess.Status, sess.StatusSource)
	}

	stored, err := s.GetSession(ctx, sess.ID)
	if err != nil || stored == nil {
		t.Fatalf("session not persisted: %v", err)
	}
}

func TestCreate_LimitEnforced(t *testing.T) {
	tr, s, _ := setupTracker(t, 1)
	ctx := context.Background()
	userID, machineID := seedOwner(t, s)

	if _, err := tr.Create(ctx, userID, machineID, "bash", "/tmp"); err != nil {
		t.Fatal(err)
	}
	_, err := tr.Create(ctx, userID, machineID, "bash", "/tmp")
	if !errors.Is(err, ErrSessionLimit) {
		t.Errorf("expected ErrSessionLimit, got %v", err)
	}
}

func TestConfirmStarted_RecordsProcess(t *testing.T) {
	tr, s, _ := setupTracker(t, 0)
	ctx := context.Background()
	userID, machineID := seedOwner(t, s)

	sess, err := tr.Create(ctx, userID, machineID, "bash", "/tmp")
	if err != nil {
		t.Fatal(err)
	}

	started := time.Now()
	err = tr.ConfirmStarted(ctx, sess, protocol.SessionDetail{
		ID:          sess.ID,
		PID:         4242,
		ProcessName: "bash",
		Workdir:     "/tmp",
		StartedAt:   started,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetSession(ctx, sess.ID)
	if got.Status != store.SessionRunning || got.StatusSource != store.SourceConfirmed {
		t.Errorf("unexpected state: %s/%s", got.Status, got.StatusSource)
	}
	if got.PID == nil || *got.PID != 4242 {
		t.Errorf("pid not recorded: %v", got.PID)
	}
	if got.StartedAt == nil {
		t.Error("started_at not recorded")
	}
}

func TestConfirmStarted_LateReportAfterStopLeavesRowUntouched(t *testing.T) {
	tr, s, _ := setupTracker(t, 0)
	ctx := context.Background()
	userID, machineID := seedOwner(t, s)

	sess, err := tr.Create(ctx, userID, machineID, "bash", "/tmp")
	if err != nil {
		t.Fatal(err)
	}
	// The user stops the pending session before the agent confirms the start.
	if err := tr.MarkStopRequested(ctx, sess); err != nil {
		t.Fatal(err)
	}

	// The agent's late started report must not resurrect the session or
	// write process facts onto the stopped row.
	err = tr.ConfirmStarted(ctx, sess, protocol.SessionDetail{
		ID:          sess.ID,
		PID:         4242,
		ProcessName: "bash",
		Workdir:     "/tmp",
		StartedAt:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetSession(ctx, sess.ID)
	if got.Status != store.SessionStopped {
		t.Errorf("late start report changed status to %q", got.Status)
	}
	if got.PID != nil {
		t.Errorf("late start report recorded pid %d on stopped session", *got.PID)
	}
	if got.StartedAt != nil {
		t.Error("late start report recorded started_at on stopped session")
	}
}

func TestPauseResumeCycle(t *testing.T) {
	tr, s, _ := setupTracker(t, 0)
	ctx := context.Background()
	userID, machineID := seedOwner(t, s)

	sess, _ := tr.Create(ctx, userID, machineID, "bash", "/tmp")
	if err := tr.ConfirmStarted(ctx, sess, protocol.SessionDetail{ID: sess.ID, PID: 1, StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	sess, _ = s.GetSession(ctx, sess.ID)
	if err := tr.MarkPauseRequested(ctx, sess); err != nil {
		t.Fatal(err)
	}
	// Pausing a paused session is rejected, not queued.
	sess, _ = s.GetSession(ctx, sess.ID)
	if err := tr.MarkPauseRequested(ctx, sess); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	if err := tr.MarkResumeRequested(ctx, sess); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetSession(ctx, sess.ID)
	if got.Status != store.SessionRunning {
		t.Errorf("expected running after resume, got %q", got.Status)
	}
}

func TestAgentCrashOverwritesOptimisticStop(t *testing.T) {
	tr, s, _ := setupTracker(t, 0)
	ctx := context.Background()
	userID, machineID := seedOwner(t, s)

	sess, _ := tr.Create(ctx, userID, machineID, "bash", "/tmp")
	if err := tr.ConfirmStarted(ctx, sess, protocol.SessionDetail{ID: sess.ID, PID: 1, StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	sess, _ = s.GetSession(ctx, sess.ID)
	if err := tr.MarkStopRequested(ctx, sess); err != nil {
		t.Fatal(err)
	}

	// The racing agent report carries ground truth and wins.
	if err := tr.ConfirmCrashed(ctx, sess, "segfault"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetSession(ctx, sess.ID)
	if got.Status != store.SessionCrashed || got.StatusSource != store.SourceConfirmed {
		t.Errorf("expected confirmed crash, got %s/%s", got.Status, got.StatusSource)
	}
}

func TestConfirmedTerminalAbsorbsFurtherTransitions(t *testing.T) {
	tr, s, _ := setupTracker(t, 0)
	ctx := context.Background()
	userID, machineID := seedOwner(t, s)

	sess, _ := tr.Create(ctx, userID, machineID, "bash", "/tmp")
	if err := tr.ConfirmStopped(ctx, sess, 0); err != nil {
		t.Fatal(err)
	}

	// Duplicate agent report: silent no-op.
	if err := tr.ConfirmStopped(ctx, sess, 1); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetSession(ctx, sess.ID)
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("duplicate report changed exit code: %v", got.ExitCode)
	}

	// User command against the terminal session is rejected.
	if err := tr.MarkStopRequested(ctx, got); !errors.Is(err, ErrSessionTerminal) {
		t.Errorf("expected ErrSessionTerminal, got %v", err)
	}
}

func TestTransitionPublishesAfterPersist(t *testing.T) {
	tr, s, broker := setupTracker(t, 0)
	ctx := context.Background()
	userID, machineID := seedOwner(t, s)

	events := make(chan protocol.Envelope, 8)
	cancel, err := broker.Subscribe(pubsub.UserTopic(userID), func(data []byte) {
		var env protocol.Envelope
		if json.Unmarshal(data, &env) == nil {
			events <- env
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	sess, err := tr.Create(ctx, userID, machineID, "bash", "/tmp")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case env := <-events:
		if env.Type != protocol.TypeSessionUpdated {
			t.Errorf("expected session_updated, got %q", env.Type)
		}
		// The notification trails the durable write.
		stored, _ := s.GetSession(ctx, sess.ID)
		if stored == nil {
			t.Error("event published before session persisted")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no session_updated event received")
	}
}
