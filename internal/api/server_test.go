package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/PerryB-GIT/sessionforge-sub001/internal/auth"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/config"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/lifecycle"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/pubsub"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/registry"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/relay"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/store"
)

type testServer struct {
	srv   *Server
	store store.Store
	auth  *auth.Service
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "test-secret-at-least-32-chars-long!!"
	cfg.Auth.JWTExpiry = config.Duration{Duration: time.Hour}
	cfg.Auth.KeyPepper = "test-pepper-at-least-32-characters-ok"
	cfg.Auth.InitialAdmin = &config.InitialAdmin{Username: "admin", Password: "admin-password-1"}
	cfg.Server.MaxBodyBytes = 1024 * 1024
	cfg.RateLimit.RequestsPerSecond = 100
	cfg.RateLimit.Burst = 200

	logger := slog.Default()
	authSvc := auth.NewService(s, cfg.Auth)
	if err := authSvc.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	keys := auth.NewKeyService(s, cfg.Auth.KeyPepper, logger)

	broker := pubsub.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })
	reg := registry.New()
	tracker := lifecycle.New(s, broker, 5, logger)
	rl := relay.New(s, keys, authSvc, reg, tracker, broker, logger, relay.Options{})

	return &testServer{
		srv:   NewServer(s, authSvc, authSvc, keys, rl, cfg, logger),
		store: s,
		auth:  authSvc,
	}
}

func (ts *testServer) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) login(t *testing.T, username, password string) string {
	t.Helper()
	token, err := ts.auth.Login(context.Background(), username, password)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (ts *testServer) seedUser(t *testing.T, username string) (string, string) {
	t.Helper()
	u, err := ts.auth.Register(context.Background(), username, "testpassword123", "user")
	if err != nil {
		t.Fatal(err)
	}
	return u.ID, ts.login(t, username, "testpassword123")
}

func (ts *testServer) seedMachine(t *testing.T, userID, status string) *store.Machine {
	t.Helper()
	m := &store.Machine{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      "box",
		OS:        "linux",
		Status:    status,
		CreatedAt: time.Now(),
	}
	if err := ts.store.CreateMachine(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	return m
}

func parseJSON(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("bad JSON response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.request(t, "GET", "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}
	var resp map[string]string
	parseJSON(t, rec, &resp)
	if resp["status"] != "ok" {
		t.Errorf("unexpected body: %v", resp)
	}
}

func TestReadyz(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.request(t, "GET", "/readyz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz returned %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthConfig(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.request(t, "GET", "/api/auth/config", "", nil)
	var resp map[string]string
	parseJSON(t, rec, &resp)
	if resp["provider"] != "builtin" {
		t.Errorf("expected builtin provider, got %q", resp["provider"])
	}
}

func TestLogin(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.request(t, "POST", "/api/auth/login", "", map[string]string{
		"username": "admin", "password": "admin-password-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	parseJSON(t, rec, &resp)
	if resp["token"] == "" {
		t.Fatal("no token in login response")
	}

	rec = ts.request(t, "POST", "/api/auth/login", "", map[string]string{
		"username": "admin", "password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password returned %d", rec.Code)
	}
}

func TestLogin_Audited(t *testing.T) {
	ts := setupTestServer(t)
	ts.request(t, "POST", "/api/auth/login", "", map[string]string{
		"username": "admin", "password": "nope",
	})
	ts.request(t, "POST", "/api/auth/login", "", map[string]string{
		"username": "admin", "password": "admin-password-1",
	})

	events, err := ts.store.ListAuditEvents(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	actions := map[string]bool{}
	for _, e := range events {
		actions[e.Action] = true
	}
	if !actions["login.failed"] || !actions["login.success"] {
		t.Errorf("missing login audit events, got %v", actions)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := setupTestServer(t)
	for _, path := range []string{"/api/me", "/api/machines", "/api/sessions", "/api/keys"} {
		rec := ts.request(t, "GET", path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without token returned %d", path, rec.Code)
		}
	}
	rec := ts.request(t, "GET", "/api/me", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token returned %d", rec.Code)
	}
}

func TestGetMe(t *testing.T) {
	ts := setupTestServer(t)
	userID, token := ts.seedUser(t, "alice")

	rec := ts.request(t, "GET", "/api/me", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/api/me returned %d", rec.Code)
	}
	var resp map[string]string
	parseJSON(t, rec, &resp)
	if resp["id"] != userID || resp["username"] != "alice" || resp["role"] != "user" {
		t.Errorf("unexpected identity: %v", resp)
	}
}

func TestAdminRoutesForbiddenForUser(t *testing.T) {
	ts := setupTestServer(t)
	_, token := ts.seedUser(t, "plain")

	for _, path := range []string{"/api/users", "/api/admin/sessions", "/api/admin/audit"} {
		rec := ts.request(t, "GET", path, token, nil)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s as user returned %d", path, rec.Code)
		}
	}

	admin := ts.login(t, "admin", "admin-password-1")
	rec := ts.request(t, "GET", "/api/users", admin, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("/api/users as admin returned %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateUser(t *testing.T) {
	ts := setupTestServer(t)
	admin := ts.login(t, "admin", "admin-password-1")

	rec := ts.request(t, "POST", "/api/users", admin, map[string]string{
		"username": "newuser", "password": "longenoughpass1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user returned %d: %s", rec.Code, rec.Body.String())
	}
	var u store.User
	parseJSON(t, rec, &u)
	if u.Username != "newuser" || u.Role != "user" {
		t.Errorf("unexpected user: %+v", u)
	}

	rec = ts.request(t, "POST", "/api/users", admin, map[string]string{
		"username": "newuser", "password": "longenoughpass1",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate user returned %d", rec.Code)
	}
}

func TestListMachines_ScopedToUser(t *testing.T) {
	ts := setupTestServer(t)
	aliceID, aliceToken := ts.seedUser(t, "alice")
	bobID, bobToken := ts.seedUser(t, "bob")
	ts.seedMachine(t, aliceID, store.MachineOnline)
	ts.seedMachine(t, bobID, store.MachineOffline)

	rec := ts.request(t, "GET", "/api/machines", aliceToken, nil)
	var machines []store.Machine
	parseJSON(t, rec, &machines)
	if len(machines) != 1 || machines[0].UserID != aliceID {
		t.Errorf("alice sees %d machines: %+v", len(machines), machines)
	}

	// Bob cannot read alice's machine, and gets 404 rather than 403.
	rec = ts.request(t, "GET", "/api/machines/"+machines[0].ID, bobToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign machine returned %d", rec.Code)
	}
}

func TestStartSession_Errors(t *testing.T) {
	ts := setupTestServer(t)
	userID, token := ts.seedUser(t, "starter")
	offline := ts.seedMachine(t, userID, store.MachineOffline)

	rec := ts.request(t, "POST", "/api/sessions", token, map[string]string{
		"machine_id": "no-such-machine", "command": "bash",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown machine returned %d", rec.Code)
	}

	rec = ts.request(t, "POST", "/api/sessions", token, map[string]string{
		"machine_id": offline.ID, "command": "bash",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("offline machine returned %d", rec.Code)
	}

	rec = ts.request(t, "POST", "/api/sessions", token, map[string]string{
		"machine_id": offline.ID,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing command returned %d", rec.Code)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts := setupTestServer(t)
	userID, token := ts.seedUser(t, "runner")
	m := ts.seedMachine(t, userID, store.MachineOnline)

	rec := ts.request(t, "POST", "/api/sessions", token, map[string]string{
		"machine_id": m.ID, "command": "bash", "workdir": "/tmp",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start returned %d: %s", rec.Code, rec.Body.String())
	}
	var sess store.Session
	parseJSON(t, rec, &sess)
	if sess.Status != store.SessionPending {
		t.Fatalf("expected pending, got %q", sess.Status)
	}

	rec = ts.request(t, "POST", "/api/sessions/"+sess.ID+"/stop", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop returned %d: %s", rec.Code, rec.Body.String())
	}

	// A second stop hits a terminal session.
	rec = ts.request(t, "POST", "/api/sessions/"+sess.ID+"/stop", token, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("stop of stopped session returned %d", rec.Code)
	}

	// Pause requires a running session.
	rec = ts.request(t, "POST", "/api/sessions/"+sess.ID+"/pause", token, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("pause of stopped session returned %d", rec.Code)
	}

	// Other users see 404 for the session.
	_, otherToken := ts.seedUser(t, "bystander")
	rec = ts.request(t, "GET", "/api/sessions/"+sess.ID, otherToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign session read returned %d", rec.Code)
	}
}

func TestSessionLimit(t *testing.T) {
	ts := setupTestServer(t)
	userID, token := ts.seedUser(t, "greedy")
	m := ts.seedMachine(t, userID, store.MachineOnline)

	for i := 0; i < 5; i++ {
		rec := ts.request(t, "POST", "/api/sessions", token, map[string]string{
			"machine_id": m.ID, "command": fmt.Sprintf("job-%d", i),
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("session %d returned %d", i, rec.Code)
		}
	}
	rec := ts.request(t, "POST", "/api/sessions", token, map[string]string{
		"machine_id": m.ID, "command": "one-too-many",
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("over-limit start returned %d", rec.Code)
	}
}

func TestGetOutput(t *testing.T) {
	ts := setupTestServer(t)
	userID, token := ts.seedUser(t, "reader")
	m := ts.seedMachine(t, userID, store.MachineOnline)

	rec := ts.request(t, "POST", "/api/sessions", token, map[string]string{
		"machine_id": m.ID, "command": "bash",
	})
	var sess store.Session
	parseJSON(t, rec, &sess)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		chunk := &store.OutputChunk{
			ID:        uuid.New().String(),
			SessionID: sess.ID,
			Data:      fmt.Sprintf("chunk-%d", i),
			CreatedAt: time.Now(),
		}
		if _, err := ts.store.AppendOutput(ctx, chunk); err != nil {
			t.Fatal(err)
		}
	}

	rec = ts.request(t, "GET", "/api/sessions/"+sess.ID+"/output?after_seq=1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("output returned %d", rec.Code)
	}
	var chunks []store.OutputChunk
	parseJSON(t, rec, &chunks)
	if len(chunks) != 2 || chunks[0].Seq != 2 {
		t.Errorf("unexpected chunks: %+v", chunks)
	}
}

func TestAPIKeys_SecretReturnedOnce(t *testing.T) {
	ts := setupTestServer(t)
	_, token := ts.seedUser(t, "keyuser")

	rec := ts.request(t, "POST", "/api/keys", token, map[string]any{
		"name": "my agent", "ttl_hours": 24,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create key returned %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Key    store.APIKey `json:"key"`
		Secret string       `json:"secret"`
	}
	parseJSON(t, rec, &created)
	if created.Secret == "" || !strings.HasPrefix(created.Secret, "sfk_") {
		t.Fatalf("missing secret in create response: %q", created.Secret)
	}
	if created.Key.ExpiresAt == nil {
		t.Error("expected expiry on key with ttl")
	}

	// The list never carries the secret or its digest.
	rec = ts.request(t, "GET", "/api/keys", token, nil)
	if strings.Contains(rec.Body.String(), created.Secret) {
		t.Error("secret leaked in key list")
	}
	if strings.Contains(rec.Body.String(), "digest") {
		t.Error("digest leaked in key list")
	}
	var keys []store.APIKey
	parseJSON(t, rec, &keys)
	if len(keys) != 1 || keys[0].Prefix == "" {
		t.Errorf("unexpected key list: %+v", keys)
	}

	rec = ts.request(t, "DELETE", "/api/keys/"+created.Key.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke returned %d", rec.Code)
	}
	rec = ts.request(t, "DELETE", "/api/keys/"+created.Key.ID, token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second revoke returned %d", rec.Code)
	}
}

func TestRevokeKey_ForeignKey(t *testing.T) {
	ts := setupTestServer(t)
	_, ownerToken := ts.seedUser(t, "keyowner")
	_, thiefToken := ts.seedUser(t, "thief")

	rec := ts.request(t, "POST", "/api/keys", ownerToken, map[string]any{"name": "k"})
	var created struct {
		Key store.APIKey `json:"key"`
	}
	parseJSON(t, rec, &created)

	rec = ts.request(t, "DELETE", "/api/keys/"+created.Key.ID, thiefToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign revoke returned %d", rec.Code)
	}
}

func TestLoginRateLimit(t *testing.T) {
	ts := setupTestServer(t)

	var limited bool
	for i := 0; i < 30; i++ {
		rec := ts.request(t, "POST", "/api/auth/login", "", map[string]string{
			"username": "admin", "password": "wrong",
		})
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("login was never rate limited")
	}
}

func TestSecurityHeaders(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.request(t, "GET", "/healthz", "", nil)
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing X-Content-Type-Options header")
	}
	if rec.Header().Get("X-Frame-Options") == "" {
		t.Error("missing X-Frame-Options header")
	}
}
