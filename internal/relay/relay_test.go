package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/PerryB-GIT/sessionforge-sub001/internal/auth"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/config"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/lifecycle"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/pubsub"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/registry"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/store"
	"github.com/PerryB-GIT/sessionforge-sub001/pkg/protocol"
)

type relayFixture struct {
	relay    *Relay
	store    store.Store
	keys     *auth.KeyService
	auth     *auth.Service
	broker   pubsub.Broker
	registry *registry.Registry
}

// newRelayNode builds a Relay on an existing store and broker, so tests can
// run several hub nodes against the same shared backend.
func newRelayNode(t *testing.T, s store.Store, broker pubsub.Broker, opts Options) *relayFixture {
	t.Helper()
	authCfg := config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long!!",
		JWTExpiry: config.Duration{Duration: time.Hour},
	}
	authSvc := auth.NewService(s, authCfg)
	keys := auth.NewKeyService(s, "test-pepper-at-least-32-characters-ok", slog.Default())

	reg := registry.New()
	tracker := lifecycle.New(s, broker, 5, slog.Default())
	rl := New(s, keys, authSvc, reg, tracker, broker, slog.Default(), opts)

	return &relayFixture{relay: rl, store: s, keys: keys, auth: authSvc, broker: broker, registry: reg}
}

func setupRelayOpts(t *testing.T, opts Options) *relayFixture {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	broker := pubsub.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })

	return newRelayNode(t, s, broker, opts)
}

func setupRelay(t *testing.T) *relayFixture {
	t.Helper()
	return setupRelayOpts(t, Options{})
}

func (f *relayFixture) seedUser(t *testing.T, username string) string {
	t.Helper()
	u, err := f.auth.Register(context.Background(), username, "testpassword123", "user")
	if err != nil {
		t.Fatal(err)
	}
	return u.ID
}

func (f *relayFixture) seedMachine(t *testing.T, userID, status string) *store.Machine {
	t.Helper()
	m := &store.Machine{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      "test-machine",
		OS:        "linux",
		Status:    status,
		CreatedAt: time.Now(),
	}
	if err := f.store.CreateMachine(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	return m
}

func wsURL(serverURL, path, query string) string {
	u := "ws" + strings.TrimPrefix(serverURL, "http") + path
	if query != "" {
		u += "?" + query
	}
	return u
}

// dialAndRegister connects an agent socket and completes the register
// handshake, failing the test if the hub rejects it.
func dialAndRegister(t *testing.T, serverURL, secret, machineID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(serverURL, "/", "key="+secret), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	reg := protocol.Envelope{
		Type:      protocol.TypeRegister,
		Timestamp: time.Now(),
		Payload:   protocol.Register{MachineID: machineID, Name: "box", OS: "linux"},
	}
	if err := conn.WriteJSON(reg); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	var ack protocol.RegisterAck
	if err := decodePayload(env.Payload, &ack); err != nil {
		t.Fatal(err)
	}
	if !ack.OK {
		t.Fatalf("register rejected: %s", ack.Error)
	}
	return conn
}

// wsPair opens a WebSocket over a loopback server and hands back both ends.
func wsPair(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()
	serverCh := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverCh <- ws
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/", ""), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-serverCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server side of pair never arrived")
	}
	return client, server
}

func TestStartSession_OwnershipAndLiveness(t *testing.T) {
	f := setupRelay(t)
	ctx := context.Background()

	owner := f.seedUser(t, "owner")
	other := f.seedUser(t, "other")
	online := f.seedMachine(t, owner, store.MachineOnline)
	offline := f.seedMachine(t, owner, store.MachineOffline)

	// A foreign user sees not-found, not forbidden.
	_, err := f.relay.StartSession(ctx, other, online.ID, "bash", "", nil)
	if !errors.Is(err, ErrMachineNotFound) {
		t.Errorf("expected ErrMachineNotFound for foreign machine, got %v", err)
	}

	_, err = f.relay.StartSession(ctx, owner, offline.ID, "bash", "", nil)
	if !errors.Is(err, ErrMachineOffline) {
		t.Errorf("expected ErrMachineOffline, got %v", err)
	}

	sess, err := f.relay.StartSession(ctx, owner, online.ID, "bash", "/tmp", nil)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != store.SessionPending {
		t.Errorf("expected pending session, got %q", sess.Status)
	}
}

func TestStartSession_DispatchesCommandOnMachineTopic(t *testing.T) {
	f := setupRelay(t)
	ctx := context.Background()
	owner := f.seedUser(t, "dispatcher")
	m := f.seedMachine(t, owner, store.MachineOnline)

	commands := make(chan protocol.Envelope, 1)
	cancel, err := f.broker.Subscribe(pubsub.MachineTopic(m.ID), func(data []byte) {
		var env protocol.Envelope
		if json.Unmarshal(data, &env) == nil {
			commands <- env
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	sess, err := f.relay.StartSession(ctx, owner, m.ID, "top", "/", nil)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case env := <-commands:
		if env.Type != protocol.TypeStartSession {
			t.Fatalf("expected start_session, got %q", env.Type)
		}
		var cmd protocol.StartSession
		if err := decodePayload(env.Payload, &cmd); err != nil {
			t.Fatal(err)
		}
		if cmd.RequestID != sess.ID || cmd.Command != "top" {
			t.Errorf("unexpected command: %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no command published to machine topic")
	}
}

func TestStopSession_OptimisticWithoutAgent(t *testing.T) {
	f := setupRelay(t)
	ctx := context.Background()
	owner := f.seedUser(t, "stopper")
	m := f.seedMachine(t, owner, store.MachineOnline)

	sess, err := f.relay.StartSession(ctx, owner, m.ID, "bash", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	// No agent is connected, yet the stop must land in the store.
	if err := f.relay.StopSession(ctx, owner, sess.ID, false); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.GetSession(ctx, sess.ID)
	if got.Status != store.SessionStopped || got.StatusSource != store.SourceOptimistic {
		t.Errorf("expected optimistic stop, got %s/%s", got.Status, got.StatusSource)
	}

	// A foreign user cannot stop it, and cannot learn it exists.
	other := f.seedUser(t, "intruder")
	if err := f.relay.StopSession(ctx, other, sess.ID, false); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestHandleAgentMessage_SessionEventOwnershipChecked(t *testing.T) {
	f := setupRelay(t)
	ctx := context.Background()
	owner := f.seedUser(t, "eventowner")
	m1 := f.seedMachine(t, owner, store.MachineOnline)
	m2 := f.seedMachine(t, owner, store.MachineOnline)

	sess, err := f.relay.StartSession(ctx, owner, m1.ID, "bash", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	started := protocol.Envelope{
		Type:      protocol.TypeSessionStarted,
		Timestamp: time.Now(),
		Payload: protocol.SessionStarted{Session: protocol.SessionDetail{
			ID: sess.ID, PID: 99, ProcessName: "bash", Workdir: "/", StartedAt: time.Now(),
		}},
	}

	// A report from the wrong machine is dropped.
	f.relay.handleAgentMessage(ctx, m2.ID, owner, started)
	got, _ := f.store.GetSession(ctx, sess.ID)
	if got.Status != store.SessionPending {
		t.Fatalf("foreign machine report applied: %q", got.Status)
	}

	// The owning machine's report lands.
	f.relay.handleAgentMessage(ctx, m1.ID, owner, started)
	got, _ = f.store.GetSession(ctx, sess.ID)
	if got.Status != store.SessionRunning || got.StatusSource != store.SourceConfirmed {
		t.Errorf("expected confirmed running, got %s/%s", got.Status, got.StatusSource)
	}
}

func TestHandleAgentMessage_OutputPersistedAndFannedOut(t *testing.T) {
	f := setupRelay(t)
	ctx := context.Background()
	owner := f.seedUser(t, "outputowner")
	m := f.seedMachine(t, owner, store.MachineOnline)
	sess, err := f.relay.StartSession(ctx, owner, m.ID, "bash", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	events := make(chan protocol.Envelope, 8)
	cancel, err := f.broker.Subscribe(pubsub.UserTopic(owner), func(data []byte) {
		var env protocol.Envelope
		if json.Unmarshal(data, &env) == nil && env.Type == protocol.TypeSessionOutput {
			events <- env
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	f.relay.handleAgentMessage(ctx, m.ID, owner, protocol.Envelope{
		Type:      protocol.TypeSessionOutput,
		Timestamp: time.Now(),
		Payload:   protocol.SessionOutput{SessionID: sess.ID, Data: "aGVsbG8="},
	})

	select {
	case env := <-events:
		var out protocol.SessionOutput
		if err := decodePayload(env.Payload, &out); err != nil {
			t.Fatal(err)
		}
		if out.Data != "aGVsbG8=" {
			t.Errorf("unexpected output payload %q", out.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("output not fanned out")
	}

	chunks, err := f.store.GetOutput(ctx, sess.ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || chunks[0].Seq != 1 {
		t.Fatalf("output not persisted: %+v", chunks)
	}
}

func TestHandleAgentMessage_HeartbeatUpdatesMetrics(t *testing.T) {
	f := setupRelay(t)
	ctx := context.Background()
	owner := f.seedUser(t, "hbowner")
	m := f.seedMachine(t, owner, store.MachineOnline)
	sess, err := f.relay.StartSession(ctx, owner, m.ID, "bash", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	f.relay.handleAgentMessage(ctx, m.ID, owner, protocol.Envelope{
		Type:      protocol.TypeHeartbeat,
		Timestamp: time.Now(),
		Payload: protocol.Heartbeat{
			MachineID: m.ID, CPU: 12.5, Memory: 40, Disk: 55, SessionCount: 1,
			Sessions: []protocol.SessionMetrics{{SessionID: sess.ID, PeakMemory: 1 << 20, AvgCPU: 3.5}},
		},
	})

	machine, _ := f.store.GetMachine(ctx, m.ID)
	if machine.CPU != 12.5 || machine.SessionCount != 1 {
		t.Errorf("machine metrics not applied: %+v", machine)
	}
	got, _ := f.store.GetSession(ctx, sess.ID)
	if got.PeakMemory != 1<<20 || got.AvgCPU != 3.5 {
		t.Errorf("session metrics not applied: peak=%d avg=%v", got.PeakMemory, got.AvgCPU)
	}
}

func TestAlerter_ThresholdsAndCooldown(t *testing.T) {
	a := newAlerter(AlertThresholds{CPUPercent: 90, DiskPercent: 80, Cooldown: time.Hour})

	hb := protocol.Heartbeat{CPU: 50, Memory: 99, Disk: 50}
	if fired := a.evaluate("m-1", hb); len(fired) != 0 {
		t.Fatalf("alerts fired below thresholds (memory has no threshold): %+v", fired)
	}

	hb = protocol.Heartbeat{CPU: 96, Disk: 85}
	fired := a.evaluate("m-1", hb)
	if len(fired) != 2 {
		t.Fatalf("expected cpu and disk alerts, got %+v", fired)
	}
	if fired[0].Severity != "critical" || fired[1].Severity != "warning" {
		t.Errorf("unexpected severities: %s / %s", fired[0].Severity, fired[1].Severity)
	}

	// Same machine inside the cooldown window stays quiet.
	if fired := a.evaluate("m-1", hb); len(fired) != 0 {
		t.Errorf("alerts re-fired within cooldown: %+v", fired)
	}
	// A different machine has its own window.
	if fired := a.evaluate("m-2", hb); len(fired) != 2 {
		t.Errorf("expected independent alerts for second machine, got %+v", fired)
	}
}

func TestAlerter_DisabledWhenUnconfigured(t *testing.T) {
	a := newAlerter(AlertThresholds{})
	if a != nil {
		t.Fatal("expected nil alerter with no thresholds")
	}
	if fired := a.evaluate("m-1", protocol.Heartbeat{CPU: 100}); fired != nil {
		t.Errorf("nil alerter fired: %+v", fired)
	}
}

func TestAgentWS_RejectsBadKeyBeforeUpgrade(t *testing.T) {
	f := setupRelay(t)
	srv := httptest.NewServer(http.HandlerFunc(f.relay.HandleAgentWS))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/", "key=sfk_bogus"), nil)
	if err == nil {
		t.Fatal("dial with malformed key succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 before upgrade, got %+v", resp)
	}
}

func TestAgentWS_RegisterHandshake(t *testing.T) {
	f := setupRelay(t)
	srv := httptest.NewServer(http.HandlerFunc(f.relay.HandleAgentWS))
	defer srv.Close()

	ctx := context.Background()
	owner := f.seedUser(t, "wsowner")
	_, secret, err := f.keys.CreateKey(ctx, owner, "agent-key", 0)
	if err != nil {
		t.Fatal(err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/", "key="+secret), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	machineID := uuid.New().String()
	reg := protocol.Envelope{
		Type:      protocol.TypeRegister,
		Timestamp: time.Now(),
		Payload: protocol.Register{
			MachineID: machineID, Name: "box", OS: "linux", Hostname: "box.local", Version: "1.0.0",
		},
	}
	if err := conn.WriteJSON(reg); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Type != protocol.TypeRegisterAck {
		t.Fatalf("expected register_ack, got %q", env.Type)
	}
	var ack protocol.RegisterAck
	if err := decodePayload(env.Payload, &ack); err != nil {
		t.Fatal(err)
	}
	if !ack.OK {
		t.Fatalf("register rejected: %s", ack.Error)
	}

	// The machine was auto-created and marked online.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m, err := f.store.GetMachine(ctx, machineID)
		if err != nil {
			t.Fatal(err)
		}
		if m != nil && m.Status == store.MachineOnline {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("machine never marked online")
}

func TestBrowserWS_PingPong(t *testing.T) {
	f := setupRelay(t)
	srv := httptest.NewServer(http.HandlerFunc(f.relay.HandleBrowserWS))
	defer srv.Close()

	f.seedUser(t, "pinger")
	token, err := f.auth.Login(context.Background(), "pinger", "testpassword123")
	if err != nil {
		t.Fatal(err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/", "token="+token), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.Envelope{Type: protocol.TypePing, Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Type != protocol.TypePong {
		t.Errorf("expected pong, got %q", env.Type)
	}
}

// Two hub nodes share one store and broker. An agent that reconnects through
// the second node must stay online when the first node's stale connection
// finally unwinds; only the owning connection's disconnect flips the row.
func TestAgentWS_ReconnectThroughOtherNodeStaysOnline(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	broker := pubsub.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })

	nodeA := newRelayNode(t, s, broker, Options{})
	nodeB := newRelayNode(t, s, broker, Options{})
	srvA := httptest.NewServer(http.HandlerFunc(nodeA.relay.HandleAgentWS))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(nodeB.relay.HandleAgentWS))
	defer srvB.Close()

	ctx := context.Background()
	owner := nodeA.seedUser(t, "roamer")
	_, secret, err := nodeA.keys.CreateKey(ctx, owner, "agent-key", 0)
	if err != nil {
		t.Fatal(err)
	}

	machineID := uuid.New().String()
	connA := dialAndRegister(t, srvA.URL, secret, machineID)
	connB := dialAndRegister(t, srvB.URL, secret, machineID)

	// The agent drops its old connection to node A. Node A's cleanup runs,
	// but node B's connection owns the machine row now.
	_ = connA.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, _, ok := nodeA.registry.LookupAgent(machineID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("node A never released the stale connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	m, err := s.GetMachine(ctx, machineID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.MachineOnline {
		t.Fatalf("stale disconnect on node A marked machine %q", m.Status)
	}

	// Closing the live connection takes the machine offline.
	_ = connB.Close()
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m, err = s.GetMachine(ctx, machineID)
		if err != nil {
			t.Fatal(err)
		}
		if m.Status == store.MachineOffline {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("machine still %q after owning connection closed", m.Status)
}

// failingBroker passes publishes through but refuses subscriptions.
type failingBroker struct {
	pubsub.Broker
}

func (f *failingBroker) Subscribe(topic string, h pubsub.Handler) (func(), error) {
	return nil, errors.New("broker unavailable")
}

func TestAgentWS_SubscribeFailureReleasesRegistration(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	inner := pubsub.NewMemoryBroker()
	t.Cleanup(func() { _ = inner.Close() })

	f := newRelayNode(t, s, &failingBroker{inner}, Options{})
	srv := httptest.NewServer(http.HandlerFunc(f.relay.HandleAgentWS))
	defer srv.Close()

	ctx := context.Background()
	owner := f.seedUser(t, "suberr")
	_, secret, err := f.keys.CreateKey(ctx, owner, "agent-key", 0)
	if err != nil {
		t.Fatal(err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/", "key="+secret), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	machineID := uuid.New().String()
	if err := conn.WriteJSON(protocol.Envelope{
		Type:      protocol.TypeRegister,
		Timestamp: time.Now(),
		Payload:   protocol.Register{MachineID: machineID, Name: "box", OS: "linux"},
	}); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	var ack protocol.RegisterAck
	if err := decodePayload(env.Payload, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.OK {
		t.Fatal("register succeeded despite broken broker")
	}

	// The aborted registration must not leave a dead connection routable.
	if _, _, ok := f.registry.LookupAgent(machineID); ok {
		t.Error("dead connection still registered after subscribe failure")
	}
}

// Close must stay O(1) even when the writer goroutine is mid-write, because
// the registry invokes it under its lock during supersession.
func TestConnClose_ReturnsWhileWriterStalled(t *testing.T) {
	_, server := wsPair(t)
	c := &wsConn{ws: server, out: make(chan []byte, 1), done: make(chan struct{}), logger: slog.Default()}

	// Hold the write mutex the way an in-flight frame would.
	w, err := server.NextWriter(websocket.TextMessage)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	start := time.Now()
	c.Close("going away")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Close blocked %v with the writer busy", elapsed)
	}
	select {
	case <-c.done:
	default:
		t.Error("done not closed")
	}
}

func TestConnEnqueue_OverflowClosesSlowConsumer(t *testing.T) {
	client, server := wsPair(t)
	// No writeLoop: the queue never drains, like a wedged peer.
	c := &wsConn{ws: server, out: make(chan []byte, 2), done: make(chan struct{}), logger: slog.Default()}

	c.enqueue([]byte("a"))
	c.enqueue([]byte("b"))
	c.enqueue([]byte("c"))

	select {
	case <-c.done:
	default:
		t.Fatal("overflow did not close the connection")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close frame, got %v", err)
	}
	if closeErr.Text != "outbound queue overflow" {
		t.Errorf("unexpected close reason %q", closeErr.Text)
	}
}

func TestAgentWS_PongTimeoutMarksMachineOffline(t *testing.T) {
	f := setupRelayOpts(t, Options{
		PingInterval: 50 * time.Millisecond,
		PongTimeout:  500 * time.Millisecond,
	})
	srv := httptest.NewServer(http.HandlerFunc(f.relay.HandleAgentWS))
	defer srv.Close()

	ctx := context.Background()
	owner := f.seedUser(t, "deadagent")
	_, secret, err := f.keys.CreateKey(ctx, owner, "agent-key", 0)
	if err != nil {
		t.Fatal(err)
	}

	machineID := uuid.New().String()
	dialAndRegister(t, srv.URL, secret, machineID)

	// The client never reads again, so the hub's pings go unanswered and
	// the read deadline expires.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		m, err := f.store.GetMachine(ctx, machineID)
		if err != nil {
			t.Fatal(err)
		}
		if m != nil && m.Status == store.MachineOffline {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("unresponsive agent never marked offline")
}

func TestBrowserWS_RejectsBadToken(t *testing.T) {
	f := setupRelay(t)
	srv := httptest.NewServer(http.HandlerFunc(f.relay.HandleBrowserWS))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/", "token=garbage"), nil)
	if err == nil {
		t.Fatal("dial with bad token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 before upgrade, got %+v", resp)
	}
}
