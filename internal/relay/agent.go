package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/PerryB-GIT/sessionforge-sub001/internal/auth"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/pubsub"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/store"
	"github.com/PerryB-GIT/sessionforge-sub001/pkg/protocol"
)

// HandleAgentWS handles WebSocket connections from machine agents.
//
// The API key is validated before the upgrade; a bad key is rejected with
// 401 and a stable error code so agents can distinguish a typo from a
// revoked or expired credential.
func (r *Relay) HandleAgentWS(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Query().Get("key")
	if key == "" {
		key = bearerToken(req)
	}

	identity, err := r.keys.ValidateKey(req.Context(), key)
	if err != nil {
		http.Error(w, keyErrorCode(err), http.StatusUnauthorized)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("agent websocket upgrade failed", "error", err)
		return
	}

	ws.SetReadLimit(r.maxAgentMessageSize)
	conn := newWSConn(ws, r.queueSize, r.pingInterval, r.pongWait, r.logger.With("peer", "agent"))
	defer conn.Close("handler exit")

	// First message must be the register handshake.
	_, msg, err := ws.ReadMessage()
	if err != nil {
		r.logger.Warn("agent register read failed", "error", err)
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Type != protocol.TypeRegister {
		r.logger.Warn("agent sent invalid register handshake")
		conn.send(protocol.TypeRegisterAck, protocol.RegisterAck{OK: false, Error: "expected register"})
		return
	}
	var reg protocol.Register
	if err := decodePayload(env.Payload, &reg); err != nil || reg.MachineID == "" {
		conn.send(protocol.TypeRegisterAck, protocol.RegisterAck{OK: false, Error: "malformed register"})
		return
	}

	ctx := context.Background()
	machine, err := r.store.GetMachine(ctx, reg.MachineID)
	if err != nil {
		r.logger.Error("load machine", "machine_id", reg.MachineID, "error", err)
		conn.send(protocol.TypeRegisterAck, protocol.RegisterAck{OK: false, Error: "internal error"})
		return
	}
	if machine != nil && machine.UserID != identity.UserID {
		r.logger.Warn("agent key does not own machine", "machine_id", reg.MachineID, "user", identity.Username)
		conn.send(protocol.TypeRegisterAck, protocol.RegisterAck{OK: false, Error: "machine registered to another account"})
		return
	}
	if machine == nil {
		machine = &store.Machine{
			ID:           reg.MachineID,
			UserID:       identity.UserID,
			Name:         reg.Name,
			OS:           reg.OS,
			Hostname:     reg.Hostname,
			AgentVersion: reg.Version,
			Status:       store.MachineOffline,
			CreatedAt:    time.Now(),
		}
		if err := r.store.CreateMachine(ctx, machine); err != nil {
			r.logger.Error("create machine", "machine_id", reg.MachineID, "error", err)
			conn.send(protocol.TypeRegisterAck, protocol.RegisterAck{OK: false, Error: "internal error"})
			return
		}
	} else if err := r.store.UpdateMachineInfo(ctx, reg.MachineID, reg.Name, reg.OS, reg.Hostname, reg.Version); err != nil {
		r.logger.Warn("update machine info", "machine_id", reg.MachineID, "error", err)
	}

	// Install as the authoritative connection. Any previous connection is
	// closed with a supersession reason inside the registry's lock. The
	// registry epoch is node-local; connID is the cluster-wide claim on the
	// machine row, so a stale disconnect on another hub node cannot mark
	// this machine offline.
	connID := uuid.New().String()
	epoch := r.registry.RegisterAgent(reg.MachineID, conn)

	// Forward agent-bound commands published on the machine topic. The
	// epoch check drops deliveries that race a supersession.
	cancelSub, err := r.broker.Subscribe(pubsub.MachineTopic(reg.MachineID), func(data []byte) {
		if _, cur, ok := r.registry.LookupAgent(reg.MachineID); ok && cur == epoch {
			conn.enqueue(data)
		}
	})
	if err != nil {
		r.registry.UnregisterAgent(reg.MachineID, epoch)
		r.logger.Error("subscribe machine topic", "machine_id", reg.MachineID, "error", err)
		conn.send(protocol.TypeRegisterAck, protocol.RegisterAck{OK: false, Error: "internal error"})
		return
	}

	if err := r.store.SetMachineOnline(ctx, reg.MachineID, connID, time.Now()); err != nil {
		r.logger.Warn("set machine online", "machine_id", reg.MachineID, "error", err)
	}
	conn.send(protocol.TypeRegisterAck, protocol.RegisterAck{OK: true})
	r.publishToUser(ctx, identity.UserID, protocol.TypeMachineUpdated, protocol.MachineUpdated{
		Machine: protocol.MachineSummary{ID: reg.MachineID, Status: store.MachineOnline},
	})
	r.audit(ctx, "agent.connect", identity.UserID, reg.MachineID, "")
	r.logger.Info("agent connected", "machine_id", reg.MachineID, "user", identity.Username, "epoch", epoch)

	defer func() {
		cancelSub()
		r.registry.UnregisterAgent(reg.MachineID, epoch)
		// The conditional write only applies while this connection still
		// owns the row, so a stale close cannot clobber a machine that
		// already reconnected, even through another hub node.
		offline, err := r.store.SetMachineOffline(ctx, reg.MachineID, connID, time.Now())
		if err != nil {
			r.logger.Warn("set machine offline", "machine_id", reg.MachineID, "error", err)
		}
		if offline {
			r.publishToUser(ctx, identity.UserID, protocol.TypeMachineUpdated, protocol.MachineUpdated{
				Machine: protocol.MachineSummary{ID: reg.MachineID, Status: store.MachineOffline},
			})
			r.audit(ctx, "agent.disconnect", identity.UserID, reg.MachineID, "")
		}
		r.logger.Info("agent disconnected", "machine_id", reg.MachineID, "epoch", epoch)
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			r.logger.Debug("agent read error", "machine_id", reg.MachineID, "error", err)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			r.logger.Warn("invalid message from agent", "machine_id", reg.MachineID, "error", err)
			continue
		}
		r.handleAgentMessage(ctx, reg.MachineID, identity.UserID, env)
	}
}

func (r *Relay) handleAgentMessage(ctx context.Context, machineID, userID string, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		if err := decodePayload(env.Payload, &hb); err != nil {
			r.logger.Warn("malformed heartbeat", "machine_id", machineID, "error", err)
			return
		}
		if err := r.store.UpdateMachineMetrics(ctx, machineID, hb.CPU, hb.Memory, hb.Disk, hb.SessionCount, time.Now()); err != nil {
			r.logger.Warn("update machine metrics", "machine_id", machineID, "error", err)
			return
		}
		for _, sm := range hb.Sessions {
			if sess := r.machineSession(ctx, machineID, sm.SessionID); sess != nil {
				if err := r.store.UpdateSessionMetrics(ctx, sess.ID, sm.PeakMemory, sm.AvgCPU); err != nil {
					r.logger.Warn("update session metrics", "session_id", sess.ID, "error", err)
				}
			}
		}
		r.publishToUser(ctx, userID, protocol.TypeMachineUpdated, protocol.MachineUpdated{
			Machine: protocol.MachineSummary{
				ID:     machineID,
				Status: store.MachineOnline,
				CPU:    hb.CPU,
				Memory: hb.Memory,
			},
		})
		for _, alert := range r.alerts.evaluate(machineID, hb) {
			r.publishToUser(ctx, userID, protocol.TypeAlertFired, alert)
			r.logger.Info("alert fired", "machine_id", machineID, "severity", alert.Severity, "message", alert.Message)
		}

	case protocol.TypeSessionStarted:
		var started protocol.SessionStarted
		if err := decodePayload(env.Payload, &started); err != nil {
			r.logger.Warn("malformed session_started", "machine_id", machineID, "error", err)
			return
		}
		sess := r.machineSession(ctx, machineID, started.Session.ID)
		if sess == nil {
			return
		}
		if err := r.tracker.ConfirmStarted(ctx, sess, started.Session); err != nil {
			r.logger.Warn("confirm session started", "session_id", sess.ID, "error", err)
		}

	case protocol.TypeSessionStopped:
		var stopped protocol.SessionStopped
		if err := decodePayload(env.Payload, &stopped); err != nil {
			r.logger.Warn("malformed session_stopped", "machine_id", machineID, "error", err)
			return
		}
		sess := r.machineSession(ctx, machineID, stopped.SessionID)
		if sess == nil {
			return
		}
		if err := r.tracker.ConfirmStopped(ctx, sess, stopped.ExitCode); err != nil {
			r.logger.Warn("confirm session stopped", "session_id", sess.ID, "error", err)
		}

	case protocol.TypeSessionCrashed:
		var crashed protocol.SessionCrashed
		if err := decodePayload(env.Payload, &crashed); err != nil {
			r.logger.Warn("malformed session_crashed", "machine_id", machineID, "error", err)
			return
		}
		sess := r.machineSession(ctx, machineID, crashed.SessionID)
		if sess == nil {
			return
		}
		if err := r.tracker.ConfirmCrashed(ctx, sess, crashed.Error); err != nil {
			r.logger.Warn("confirm session crashed", "session_id", sess.ID, "error", err)
		}

	case protocol.TypeSessionOutput:
		var output protocol.SessionOutput
		if err := decodePayload(env.Payload, &output); err != nil {
			r.logger.Warn("malformed session_output", "machine_id", machineID, "error", err)
			return
		}
		sess := r.machineSession(ctx, machineID, output.SessionID)
		if sess == nil {
			return
		}
		if _, err := r.store.AppendOutput(ctx, &store.OutputChunk{
			ID:        uuid.New().String(),
			SessionID: sess.ID,
			Data:      output.Data,
			CreatedAt: time.Now(),
		}); err != nil {
			r.logger.Warn("persist session output", "session_id", sess.ID, "error", err)
			return
		}
		r.publishToUser(ctx, sess.UserID, protocol.TypeSessionOutput, output)

	default:
		r.logger.Warn("unknown message type from agent", "machine_id", machineID, "type", env.Type)
	}
}

// machineSession loads a session and checks it belongs to the reporting
// machine. Reports against foreign or unknown sessions are dropped.
func (r *Relay) machineSession(ctx context.Context, machineID, sessionID string) *store.Session {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		r.logger.Warn("load session", "session_id", sessionID, "error", err)
		return nil
	}
	if sess == nil || sess.MachineID != machineID {
		r.logger.Warn("session report from wrong machine", "session_id", sessionID, "machine_id", machineID)
		return nil
	}
	return sess
}

// keyErrorCode maps key validation failures onto the stable codes agents see.
func keyErrorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrKeyFormat):
		return "INVALID_FORMAT"
	case errors.Is(err, auth.ErrKeyNotFound):
		return "NOT_FOUND"
	case errors.Is(err, auth.ErrKeyExpired):
		return "EXPIRED"
	default:
		return "UNAUTHORIZED"
	}
}

func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	if len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	return ""
}
