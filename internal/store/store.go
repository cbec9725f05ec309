// Package store defines the persistence interface for the hub and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Machine statuses.
const (
	MachineOnline  = "online"
	MachineOffline = "offline"
	MachineError   = "error"
)

// Session statuses. Stopped and crashed are terminal.
const (
	SessionPending = "pending"
	SessionRunning = "running"
	SessionPaused  = "paused"
	SessionStopped = "stopped"
	SessionCrashed = "crashed"
)

// Session status sources. A confirmed write reflects agent-reported ground
// truth and always beats an optimistic cloud-side write.
const (
	SourceOptimistic = "optimistic"
	SourceConfirmed  = "confirmed"
)

// Store is the persistence interface for the hub.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Machines
	CreateMachine(ctx context.Context, m *Machine) error
	GetMachine(ctx context.Context, id string) (*Machine, error)
	ListMachinesByUser(ctx context.Context, userID string) ([]Machine, error)
	UpdateMachineInfo(ctx context.Context, id, name, os, hostname, version string) error
	// SetMachineOnline marks a machine online and records the connection ID
	// that now owns it. SetMachineOffline only applies while that same
	// connection still owns the row, so a stale disconnect on one node
	// cannot mark a machine offline after it reconnected elsewhere. It
	// reports whether the row changed.
	SetMachineOnline(ctx context.Context, id, connID string, lastSeen time.Time) error
	SetMachineOffline(ctx context.Context, id, connID string, lastSeen time.Time) (bool, error)
	UpdateMachineMetrics(ctx context.Context, id string, cpu, memory, disk float64, sessionCount int, lastSeen time.Time) error

	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessionsByUser(ctx context.Context, userID string) ([]Session, error)
	ListSessionsByMachine(ctx context.Context, machineID string) ([]Session, error)
	ListActiveSessions(ctx context.Context) ([]Session, error)
	CountActiveSessionsByUser(ctx context.Context, userID string) (int, error)
	// UpdateSessionStatus conditionally moves a session from any of the given
	// statuses to the new one, tagging the write with its source. It reports
	// whether a row actually changed, so callers can treat a no-op as an
	// idempotent duplicate rather than an error.
	UpdateSessionStatus(ctx context.Context, id string, from []string, to, source string) (bool, error)
	// ConfirmSessionTerminal applies an agent-reported terminal status. It
	// succeeds from any non-terminal status and also overwrites a terminal
	// status that was written optimistically (agent truth wins).
	ConfirmSessionTerminal(ctx context.Context, id, status string, exitCode *int, errMsg string, stoppedAt time.Time) (bool, error)
	SetSessionProcess(ctx context.Context, id string, pid int, processName, workdir string, startedAt time.Time) error
	UpdateSessionMetrics(ctx context.Context, id string, peakMemory int64, avgCPU float64) error

	// API keys
	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKeyByDigest(ctx context.Context, digest string) (*APIKey, error)
	ListAPIKeysByUser(ctx context.Context, userID string) ([]APIKey, error)
	DeleteAPIKey(ctx context.Context, userID, keyID string) (bool, error)
	TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error

	// Session output (transcript ring for the logs-retrieval path)
	AppendOutput(ctx context.Context, out *OutputChunk) (int64, error)
	GetOutput(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]OutputChunk, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)

	// Data retention
	PurgeOldOutput(ctx context.Context, before time.Time) (int64, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User represents a hub user.
type User struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"org_id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Machine represents a registered remote host.
type Machine struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	OrgID        string    `json:"org_id,omitempty"`
	Name         string    `json:"name"`
	OS           string    `json:"os"`
	Hostname     string    `json:"hostname"`
	AgentVersion string    `json:"agent_version"`
	Status       string    `json:"status"` // "online", "offline", "error"
	LastSeen     time.Time `json:"last_seen"`
	CPU          float64   `json:"cpu"`
	Memory       float64   `json:"memory"`
	Disk         float64   `json:"disk"`
	SessionCount int       `json:"session_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session represents one supervised process execution on a machine.
type Session struct {
	ID           string     `json:"id"`
	MachineID    string     `json:"machine_id"`
	UserID       string     `json:"user_id"`
	PID          *int       `json:"pid,omitempty"` // agent-assigned, nil until started
	ProcessName  string     `json:"process_name"`
	Workdir      string     `json:"workdir"`
	Status       string     `json:"status"`
	StatusSource string     `json:"status_source"` // "optimistic" or "confirmed"
	ExitCode     *int       `json:"exit_code,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	PeakMemory   int64      `json:"peak_memory"`
	AvgCPU       float64    `json:"avg_cpu"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Terminal reports whether the session has reached a terminal status.
func (s *Session) Terminal() bool {
	return s.Status == SessionStopped || s.Status == SessionCrashed
}

// APIKey is an agent credential at rest: digest plus display prefix,
// never the raw secret.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	Digest     string     `json:"-"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// OutputChunk is a stored piece of session output. Seq is assigned
// atomically per session by the store.
type OutputChunk struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Data      string    `json:"data"` // base64, as received on the wire
	CreatedAt time.Time `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	MachineID string          `json:"machine_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
