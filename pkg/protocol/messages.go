// Package protocol defines the wire protocol messages exchanged between
// SessionForge components (agent ↔ hub ↔ browser dashboard) over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure.
package protocol

import "time"

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// --- Agent → Hub messages ---

// Register is sent by the agent immediately after connecting.
type Register struct {
	MachineID string `json:"machine_id"`
	Name      string `json:"name"`
	OS        string `json:"os"` // "linux", "darwin", "windows"
	Hostname  string `json:"hostname"`
	Version   string `json:"version"` // agent version string
}

// RegisterAck is the hub's response to Register.
type RegisterAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Heartbeat carries live machine metrics, plus optional aggregated metrics
// for the sessions the agent currently supervises.
type Heartbeat struct {
	MachineID    string           `json:"machine_id"`
	CPU          float64          `json:"cpu"`    // percent
	Memory       float64          `json:"memory"` // percent
	Disk         float64          `json:"disk"`   // percent
	SessionCount int              `json:"session_count"`
	Sessions     []SessionMetrics `json:"sessions,omitempty"`
}

// SessionMetrics carries per-session aggregates sampled by the agent.
type SessionMetrics struct {
	SessionID  string  `json:"session_id"`
	PeakMemory int64   `json:"peak_memory"` // bytes
	AvgCPU     float64 `json:"avg_cpu"`     // percent
}

// SessionStarted reports that a session process is now running.
type SessionStarted struct {
	Session SessionDetail `json:"session"`
}

// SessionDetail carries the agent-assigned runtime facts for a session.
type SessionDetail struct {
	ID          string    `json:"id"`
	PID         int       `json:"pid"`
	ProcessName string    `json:"process_name"`
	Workdir     string    `json:"workdir"`
	StartedAt   time.Time `json:"started_at"`
}

// SessionStopped reports a clean exit.
type SessionStopped struct {
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
}

// SessionCrashed reports an abnormal termination.
type SessionCrashed struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// SessionOutput carries terminal output from the session process.
// Data is base64-encoded raw bytes; the hub forwards it to subscribed
// browsers unchanged.
type SessionOutput struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// --- Hub → Agent messages ---

// StartSession instructs the agent to launch a new session process.
// RequestID is the hub-generated session ID; the agent echoes it back
// in SessionStarted so the hub can correlate without a second record.
type StartSession struct {
	RequestID string            `json:"request_id"`
	Command   string            `json:"command"`
	Workdir   string            `json:"workdir"`
	Env       map[string]string `json:"env,omitempty"`
}

// StopSession instructs the agent to terminate a session.
type StopSession struct {
	SessionID string `json:"session_id"`
	Force     bool   `json:"force,omitempty"`
}

// PauseSession suspends a session process.
type PauseSession struct {
	SessionID string `json:"session_id"`
}

// ResumeSession resumes a paused session process.
type ResumeSession struct {
	SessionID string `json:"session_id"`
}

// SessionInput carries user keystrokes to the session process.
// Data is base64-encoded on both legs.
type SessionInput struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// Resize changes the session pty dimensions.
type Resize struct {
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// Ping and Pong provide application-level liveness on top of WebSocket
// control frames, so browser clients behind proxies that swallow control
// frames still get a round trip.
type Ping struct{}
type Pong struct{}

// --- Hub → Browser messages ---

// MachineUpdated pushes a machine status/metrics change to the dashboard.
type MachineUpdated struct {
	Machine MachineSummary `json:"machine"`
}

// MachineSummary is the narrowed machine view sent to browsers.
type MachineSummary struct {
	ID     string  `json:"id"`
	Status string  `json:"status"` // "online", "offline", "error"
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
}

// SessionUpdated pushes a session lifecycle change to the dashboard.
type SessionUpdated struct {
	Session SessionSummary `json:"session"`
}

// SessionSummary is the narrowed session view sent to browsers.
type SessionSummary struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	MachineID string `json:"machine_id"`
}

// AlertFired pushes an operator alert to the dashboard.
type AlertFired struct {
	AlertID  string `json:"alert_id"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // "info", "warning", "critical"
}

// --- Message type constants ---

const (
	// Agent → Hub
	TypeRegister       = "register"
	TypeHeartbeat      = "heartbeat"
	TypeSessionStarted = "session_started"
	TypeSessionStopped = "session_stopped"
	TypeSessionCrashed = "session_crashed"
	TypeSessionOutput  = "session_output"

	// Hub → Agent
	TypeRegisterAck   = "register_ack"
	TypeStartSession  = "start_session"
	TypeStopSession   = "stop_session"
	TypePauseSession  = "pause_session"
	TypeResumeSession = "resume_session"
	TypeSessionInput  = "session_input"
	TypeResize        = "resize"
	TypePing          = "ping"
	TypePong          = "pong"

	// Hub → Browser
	TypeMachineUpdated = "machine_updated"
	TypeSessionUpdated = "session_updated"
	TypeAlertFired     = "alert_fired"
)
