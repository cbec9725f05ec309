package relay

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/PerryB-GIT/sessionforge-sub001/internal/auth"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/pubsub"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/store"
	"github.com/PerryB-GIT/sessionforge-sub001/pkg/protocol"
)

// HandleBrowserWS handles WebSocket connections from the dashboard.
//
// Security note: the bearer token is accepted as a query parameter because
// browsers cannot set custom headers during the WebSocket handshake. Server
// access logs must exclude query parameters to avoid token leakage.
func (r *Relay) HandleBrowserWS(w http.ResponseWriter, req *http.Request) {
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = bearerToken(req)
	}

	identity, err := r.provider.ValidateToken(req.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("browser websocket upgrade failed", "error", err)
		return
	}

	ws.SetReadLimit(r.maxBrowserMessageSize)
	conn := newWSConn(ws, r.queueSize, r.pingInterval, r.pongWait, r.logger.With("peer", "browser"))
	defer conn.Close("handler exit")

	connID := uuid.New().String()
	if !r.registry.RegisterBrowser(identity.UserID, connID, conn, r.maxBrowserConns) {
		r.logger.Warn("too many browser connections for user", "user", identity.Username, "limit", r.maxBrowserConns)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections")
		_ = ws.WriteMessage(websocket.CloseMessage, msg)
		return
	}
	defer r.registry.UnregisterBrowser(identity.UserID, connID)

	// Everything browser-bound for this user flows through the user topic,
	// so events raised on another hub node arrive here too.
	cancelSub, err := r.broker.Subscribe(pubsub.UserTopic(identity.UserID), conn.enqueue)
	if err != nil {
		r.logger.Error("subscribe user topic", "user_id", identity.UserID, "error", err)
		return
	}
	defer cancelSub()

	r.logger.Info("browser connected", "user", identity.Username, "conn_id", connID)
	defer r.logger.Info("browser disconnected", "user", identity.Username, "conn_id", connID)

	ctx := context.Background()
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			r.logger.Debug("browser read error", "conn_id", connID, "error", err)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			r.logger.Warn("invalid message from browser", "conn_id", connID, "error", err)
			continue
		}
		r.handleBrowserMessage(ctx, conn, identity, env)
	}
}

// handleBrowserMessage routes one command from the dashboard. Malformed or
// unauthorized commands are dropped without closing the connection, and
// without revealing whether the target exists.
func (r *Relay) handleBrowserMessage(ctx context.Context, conn *wsConn, identity *auth.Identity, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		conn.send(protocol.TypePong, protocol.Pong{})

	case protocol.TypeSessionInput:
		var input protocol.SessionInput
		if err := decodePayload(env.Payload, &input); err != nil {
			r.logger.Warn("malformed session_input", "user", identity.Username, "error", err)
			return
		}
		sess := r.runningOwnedSession(ctx, identity.UserID, input.SessionID)
		if sess == nil {
			return
		}
		r.dispatchToMachine(ctx, sess.MachineID, protocol.TypeSessionInput, input)

	case protocol.TypeResize:
		var resize protocol.Resize
		if err := decodePayload(env.Payload, &resize); err != nil {
			r.logger.Warn("malformed resize", "user", identity.Username, "error", err)
			return
		}
		sess := r.runningOwnedSession(ctx, identity.UserID, resize.SessionID)
		if sess == nil {
			return
		}
		r.dispatchToMachine(ctx, sess.MachineID, protocol.TypeResize, resize)

	default:
		r.logger.Warn("unknown message type from browser", "user", identity.Username, "type", env.Type)
	}
}

// runningOwnedSession resolves a session for an interactive command: it must
// exist, belong to the user, and be running. Anything else drops silently,
// the command is never queued.
func (r *Relay) runningOwnedSession(ctx context.Context, userID, sessionID string) *store.Session {
	sess, err := r.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil
	}
	if sess.Status != store.SessionRunning {
		return nil
	}
	return sess
}
