// Package relay manages WebSocket connections for both agents and browser
// dashboards, and routes messages between them. It is the only component
// that touches both the connection registry and persisted ownership records.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/PerryB-GIT/sessionforge-sub001/internal/auth"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/lifecycle"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/pubsub"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/registry"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/store"
	"github.com/PerryB-GIT/sessionforge-sub001/pkg/protocol"
)

var (
	// ErrMachineNotFound is returned for commands against a machine the
	// caller does not own or that does not exist. The two cases are not
	// distinguished to callers.
	ErrMachineNotFound = errors.New("machine not found")
	// ErrSessionNotFound is the session analogue of ErrMachineNotFound.
	ErrSessionNotFound = errors.New("session not found")
	// ErrMachineOffline is returned when a start command targets a machine
	// with no registered agent connection.
	ErrMachineOffline = errors.New("machine offline")
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Relay.
type Options struct {
	AllowedOrigins     []string
	MaxAgentMsgBytes   int64 // max WebSocket message size from agents (default 1MB)
	MaxBrowserMsgBytes int64 // max WebSocket message size from browsers (default 64KB)
	OutboundQueueSize  int   // per-connection outbound queue depth (default 256)
	MaxBrowserConns    int   // per-user browser connection cap (default 10)
	PingInterval       time.Duration
	PongTimeout        time.Duration
	Alerts             AlertThresholds
}

// Relay manages all WebSocket connections and message routing between
// agents, browsers, and the pub/sub broker.
type Relay struct {
	store    store.Store
	keys     *auth.KeyService
	provider auth.Provider
	registry *registry.Registry
	tracker  *lifecycle.Tracker
	broker   pubsub.Broker
	logger   *slog.Logger
	upgrader websocket.Upgrader
	alerts   *alerter

	maxAgentMessageSize   int64
	maxBrowserMessageSize int64
	queueSize             int
	maxBrowserConns       int
	pingInterval          time.Duration
	pongWait              time.Duration
}

// New creates a new Relay.
func New(s store.Store, keys *auth.KeyService, provider auth.Provider, reg *registry.Registry,
	tracker *lifecycle.Tracker, broker pubsub.Broker, logger *slog.Logger, opts Options) *Relay {

	agentLimit := opts.MaxAgentMsgBytes
	if agentLimit == 0 {
		agentLimit = 1024 * 1024 // 1MB default
	}
	browserLimit := opts.MaxBrowserMsgBytes
	if browserLimit == 0 {
		browserLimit = 64 * 1024 // 64KB default
	}
	queueSize := opts.OutboundQueueSize
	if queueSize == 0 {
		queueSize = 256
	}
	maxBrowserConns := opts.MaxBrowserConns
	if maxBrowserConns == 0 {
		maxBrowserConns = 10
	}
	pingInterval := opts.PingInterval
	if pingInterval == 0 {
		pingInterval = defaultPingInterval
	}
	pongWait := opts.PongTimeout
	if pongWait == 0 {
		pongWait = 2 * pingInterval
	}

	return &Relay{
		store:                 s,
		keys:                  keys,
		provider:              provider,
		registry:              reg,
		tracker:               tracker,
		broker:                broker,
		logger:                logger.With("component", "relay"),
		upgrader:              makeUpgrader(opts.AllowedOrigins),
		alerts:                newAlerter(opts.Alerts),
		maxAgentMessageSize:   agentLimit,
		maxBrowserMessageSize: browserLimit,
		queueSize:             queueSize,
		maxBrowserConns:       maxBrowserConns,
		pingInterval:          pingInterval,
		pongWait:              pongWait,
	}
}

// decodePayload re-marshals an envelope payload into a concrete message type.
func decodePayload(payload any, dst any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// dispatchToMachine sends a command toward a machine's agent through the
// broker's machine topic. The hub node holding the agent connection is
// subscribed to the topic and forwards; if no node holds one, the message
// goes nowhere, which is the intended drop semantics.
func (r *Relay) dispatchToMachine(ctx context.Context, machineID, msgType string, payload any) {
	env := protocol.Envelope{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("marshal agent command", "type", msgType, "error", err)
		return
	}
	if err := r.broker.Publish(ctx, pubsub.MachineTopic(machineID), data); err != nil {
		r.logger.Warn("publish agent command", "machine_id", machineID, "type", msgType, "error", err)
	}
}

// publishToUser fans an event out to all of a user's browser connections,
// cluster-wide, through the broker's user topic.
func (r *Relay) publishToUser(ctx context.Context, userID, msgType string, payload any) {
	env := protocol.Envelope{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("marshal browser event", "type", msgType, "error", err)
		return
	}
	if err := r.broker.Publish(ctx, pubsub.UserTopic(userID), data); err != nil {
		r.logger.Warn("publish browser event", "user_id", userID, "type", msgType, "error", err)
	}
}

// ownedSession loads a session and verifies the caller owns it. Absent and
// foreign sessions look identical to the caller.
func (r *Relay) ownedSession(ctx context.Context, userID, sessionID string) (*store.Session, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// StartSession creates a pending session on a machine the user owns and
// dispatches the start command to its agent.
func (r *Relay) StartSession(ctx context.Context, userID, machineID, command, workdir string, env map[string]string) (*store.Session, error) {
	m, err := r.store.GetMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if m == nil || m.UserID != userID {
		return nil, ErrMachineNotFound
	}
	if m.Status != store.MachineOnline {
		return nil, ErrMachineOffline
	}

	sess, err := r.tracker.Create(ctx, userID, machineID, command, workdir)
	if err != nil {
		return nil, err
	}

	r.dispatchToMachine(ctx, machineID, protocol.TypeStartSession, protocol.StartSession{
		RequestID: sess.ID,
		Command:   command,
		Workdir:   workdir,
		Env:       env,
	})
	r.audit(ctx, "session.start", userID, machineID, sess.ID)
	return sess, nil
}

// StopSession optimistically marks the session stopped and dispatches the
// stop command. The persisted state moves even when no agent is connected;
// the agent's own report reconciles it on reconnect.
func (r *Relay) StopSession(ctx context.Context, userID, sessionID string, force bool) error {
	sess, err := r.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if err := r.tracker.MarkStopRequested(ctx, sess); err != nil {
		return err
	}
	r.dispatchToMachine(ctx, sess.MachineID, protocol.TypeStopSession, protocol.StopSession{
		SessionID: sess.ID,
		Force:     force,
	})
	r.audit(ctx, "session.stop", userID, sess.MachineID, sess.ID)
	return nil
}

// PauseSession optimistically pauses a running session.
func (r *Relay) PauseSession(ctx context.Context, userID, sessionID string) error {
	sess, err := r.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if err := r.tracker.MarkPauseRequested(ctx, sess); err != nil {
		return err
	}
	r.dispatchToMachine(ctx, sess.MachineID, protocol.TypePauseSession, protocol.PauseSession{SessionID: sess.ID})
	r.audit(ctx, "session.pause", userID, sess.MachineID, sess.ID)
	return nil
}

// ResumeSession optimistically resumes a paused session.
func (r *Relay) ResumeSession(ctx context.Context, userID, sessionID string) error {
	sess, err := r.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if err := r.tracker.MarkResumeRequested(ctx, sess); err != nil {
		return err
	}
	r.dispatchToMachine(ctx, sess.MachineID, protocol.TypeResumeSession, protocol.ResumeSession{SessionID: sess.ID})
	r.audit(ctx, "session.resume", userID, sess.MachineID, sess.ID)
	return nil
}

func (r *Relay) audit(ctx context.Context, action, userID, machineID, sessionID string) {
	if err := r.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		MachineID: machineID,
		SessionID: sessionID,
		CreatedAt: time.Now(),
	}); err != nil {
		r.logger.Warn("log audit event", "action", action, "error", err)
	}
}
