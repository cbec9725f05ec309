// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/PerryB-GIT/sessionforge-sub001/internal/auth"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/config"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/lifecycle"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/relay"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	keys          *auth.KeyService
	relay         *relay.Relay
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, keys *auth.KeyService,
	rl *relay.Relay, cfg *config.Config, logger *slog.Logger) *Server {

	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		keys:          keys,
		relay:         rl,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login route only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// WebSocket routes (auth handled inside, before upgrade)
	mux.Get("/ws/agent", rl.HandleAgentWS)
	mux.Get("/ws/browser", rl.HandleBrowserWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)

		r.Get("/api/machines", srv.handleListMachines)
		r.Get("/api/machines/{machineID}", srv.handleGetMachine)
		r.Get("/api/machines/{machineID}/sessions", srv.handleListMachineSessions)

		r.Get("/api/sessions", srv.handleListSessions)
		r.Post("/api/sessions", srv.handleStartSession)
		r.Get("/api/sessions/{sessionID}", srv.handleGetSession)
		r.Post("/api/sessions/{sessionID}/stop", srv.handleStopSession)
		r.Post("/api/sessions/{sessionID}/pause", srv.handlePauseSession)
		r.Post("/api/sessions/{sessionID}/resume", srv.handleResumeSession)
		r.Get("/api/sessions/{sessionID}/output", srv.handleGetOutput)

		r.Get("/api/keys", srv.handleListKeys)
		r.Post("/api/keys", srv.handleCreateKey)
		r.Delete("/api/keys/{keyID}", srv.handleRevokeKey)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/users", srv.handleListUsers)
			// User management only available with builtin auth.
			if lp != nil {
				r.Post("/api/users", srv.handleCreateUser)
			}
			r.Get("/api/admin/sessions", srv.handleAdminListSessions)
			r.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r.Context(), "login.failed", "", json.RawMessage(fmt.Sprintf(`{"username":%q}`, req.Username)))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	user, _ := s.store.GetUser(r.Context(), req.Username)
	userID := ""
	if user != nil {
		userID = user.ID
	}
	s.audit(r.Context(), "login.success", userID, nil)

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// --- Machine handlers ---

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	machines, err := s.store.ListMachinesByUser(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list machines")
		return
	}
	if machines == nil {
		machines = []store.Machine{}
	}
	writeJSON(w, http.StatusOK, machines)
}

// ownedMachine loads a machine and verifies ownership. Foreign and unknown
// machines both read as 404 so existence does not leak.
func (s *Server) ownedMachine(w http.ResponseWriter, r *http.Request) *store.Machine {
	identity := getIdentityFromContext(r.Context())
	m, err := s.store.GetMachine(r.Context(), chi.URLParam(r, "machineID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load machine")
		return nil
	}
	if m == nil || m.UserID != identity.UserID {
		writeError(w, http.StatusNotFound, "machine not found")
		return nil
	}
	return m
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	m := s.ownedMachine(w, r)
	if m == nil {
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleListMachineSessions(w http.ResponseWriter, r *http.Request) {
	m := s.ownedMachine(w, r)
	if m == nil {
		return
	}
	sessions, err := s.store.ListSessionsByMachine(r.Context(), m.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// --- Session handlers ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	sessions, err := s.store.ListSessionsByUser(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		MachineID string            `json:"machine_id"`
		Command   string            `json:"command"`
		Workdir   string            `json:"workdir"`
		Env       map[string]string `json:"env,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MachineID == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "machine_id and command are required")
		return
	}

	sess, err := s.relay.StartSession(r.Context(), identity.UserID, req.MachineID, req.Command, req.Workdir, req.Env)
	switch {
	case errors.Is(err, relay.ErrMachineNotFound):
		writeError(w, http.StatusNotFound, "machine not found")
		return
	case errors.Is(err, relay.ErrMachineOffline):
		writeError(w, http.StatusConflict, "machine is offline")
		return
	case errors.Is(err, lifecycle.ErrSessionLimit):
		writeError(w, http.StatusTooManyRequests, "maximum sessions per user reached")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil || sess.UserID != identity.UserID {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// sessionCommand maps relay/lifecycle errors onto HTTP statuses shared by
// the stop/pause/resume handlers.
func (s *Server) sessionCommand(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, relay.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, lifecycle.ErrSessionTerminal):
		writeError(w, http.StatusConflict, "session already terminal")
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "session is not in a state that allows this")
	default:
		writeError(w, http.StatusInternalServerError, "failed to update session")
	}
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Force bool `json:"force,omitempty"`
	}
	// Body is optional for stop.
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.sessionCommand(w, s.relay.StopSession(r.Context(), identity.UserID, chi.URLParam(r, "sessionID"), req.Force))
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	s.sessionCommand(w, s.relay.PauseSession(r.Context(), identity.UserID, chi.URLParam(r, "sessionID")))
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	s.sessionCommand(w, s.relay.ResumeSession(r.Context(), identity.UserID, chi.URLParam(r, "sessionID")))
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil || sess.UserID != identity.UserID {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	chunks, err := s.store.GetOutput(r.Context(), sess.ID, afterSeq, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load output")
		return
	}
	if chunks == nil {
		chunks = []store.OutputChunk{}
	}
	writeJSON(w, http.StatusOK, chunks)
}

// --- API key handlers ---

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	keys, err := s.store.ListAPIKeysByUser(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}
	if keys == nil {
		keys = []store.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Name     string `json:"name"`
		TTLHours int    `json:"ttl_hours,omitempty"` // 0 = no expiry
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || len(req.Name) > 128 {
		writeError(w, http.StatusBadRequest, "name is required (max 128 characters)")
		return
	}

	key, secret, err := s.keys.CreateKey(r.Context(), identity.UserID, req.Name, time.Duration(req.TTLHours)*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create key")
		return
	}
	s.audit(r.Context(), "apikey.create", identity.UserID, json.RawMessage(fmt.Sprintf(`{"key_id":%q}`, key.ID)))

	// The secret appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":    key,
		"secret": secret,
	})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	keyID := chi.URLParam(r, "keyID")

	removed, err := s.keys.RevokeKey(r.Context(), identity.UserID, keyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to revoke key")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	s.audit(r.Context(), "apikey.revoke", identity.UserID, json.RawMessage(fmt.Sprintf(`{"key_id":%q}`, keyID)))
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// --- Admin handlers ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}
	if req.Role != "admin" && req.Role != "user" {
		writeError(w, http.StatusBadRequest, "role must be admin or user")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	identity := getIdentityFromContext(r.Context())
	s.audit(r.Context(), "user.create", identity.UserID, json.RawMessage(fmt.Sprintf(`{"username":%q}`, req.Username)))
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleAdminListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListActiveSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	events, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func (s *Server) audit(ctx context.Context, action, userID string, detail json.RawMessage) {
	if err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		Detail:    detail,
		CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
