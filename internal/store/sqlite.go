package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default',
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS machines (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			org_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			os TEXT NOT NULL DEFAULT '',
			hostname TEXT NOT NULL DEFAULT '',
			agent_version TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			conn_id TEXT NOT NULL DEFAULT '',
			last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			cpu REAL NOT NULL DEFAULT 0,
			memory REAL NOT NULL DEFAULT 0,
			disk REAL NOT NULL DEFAULT 0,
			session_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_machines_user_id ON machines(user_id)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			machine_id TEXT NOT NULL REFERENCES machines(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			pid INTEGER,
			process_name TEXT NOT NULL DEFAULT '',
			workdir TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			status_source TEXT NOT NULL DEFAULT 'optimistic',
			exit_code INTEGER,
			error TEXT NOT NULL DEFAULT '',
			started_at DATETIME,
			stopped_at DATETIME,
			peak_memory INTEGER NOT NULL DEFAULT 0,
			avg_cpu REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_machine_id ON sessions(machine_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			name TEXT NOT NULL DEFAULT '',
			prefix TEXT NOT NULL,
			digest TEXT UNIQUE NOT NULL,
			expires_at DATETIME,
			last_used_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id)`,
		`CREATE TABLE IF NOT EXISTS session_output (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			seq INTEGER NOT NULL,
			data TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_session_output_seq ON session_output(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			machine_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, org_id, username, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		user.ID, user.OrgID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, username, password_hash, role, created_at FROM users WHERE username = ?",
		username,
	).Scan(&u.ID, &u.OrgID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, username, password_hash, role, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.OrgID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, org_id, username, password_hash, role, created_at FROM users ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.OrgID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Machines ---

const machineColumns = "id, user_id, org_id, name, os, hostname, agent_version, status, last_seen, cpu, memory, disk, session_count, created_at"

func scanMachine(row interface{ Scan(...any) error }) (*Machine, error) {
	var m Machine
	err := row.Scan(&m.ID, &m.UserID, &m.OrgID, &m.Name, &m.OS, &m.Hostname, &m.AgentVersion,
		&m.Status, &m.LastSeen, &m.CPU, &m.Memory, &m.Disk, &m.SessionCount, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) CreateMachine(ctx context.Context, m *Machine) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machines (id, user_id, org_id, name, os, hostname, agent_version, status, last_seen, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.OrgID, m.Name, m.OS, m.Hostname, m.AgentVersion, m.Status, m.LastSeen, m.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetMachine(ctx context.Context, id string) (*Machine, error) {
	m, err := scanMachine(s.db.QueryRowContext(ctx,
		"SELECT "+machineColumns+" FROM machines WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (s *SQLiteStore) ListMachinesByUser(ctx context.Context, userID string) ([]Machine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+machineColumns+" FROM machines WHERE user_id = ? ORDER BY created_at", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var machines []Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, *m)
	}
	return machines, rows.Err()
}

func (s *SQLiteStore) UpdateMachineInfo(ctx context.Context, id, name, os, hostname, version string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE machines SET name = ?, os = ?, hostname = ?, agent_version = ? WHERE id = ?",
		name, os, hostname, version, id,
	)
	return err
}

func (s *SQLiteStore) SetMachineOnline(ctx context.Context, id, connID string, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE machines SET status = ?, conn_id = ?, last_seen = ? WHERE id = ?",
		MachineOnline, connID, lastSeen, id,
	)
	return err
}

func (s *SQLiteStore) SetMachineOffline(ctx context.Context, id, connID string, lastSeen time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE machines SET status = ?, conn_id = '', last_seen = ? WHERE id = ? AND conn_id = ?",
		MachineOffline, lastSeen, id, connID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) UpdateMachineMetrics(ctx context.Context, id string, cpu, memory, disk float64, sessionCount int, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE machines SET cpu = ?, memory = ?, disk = ?, session_count = ?, last_seen = ? WHERE id = ?",
		cpu, memory, disk, sessionCount, lastSeen, id,
	)
	return err
}

// --- Sessions ---

const sessionColumns = "id, machine_id, user_id, pid, process_name, workdir, status, status_source, exit_code, error, started_at, stopped_at, peak_memory, avg_cpu, created_at, updated_at"

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.MachineID, &sess.UserID, &sess.PID, &sess.ProcessName,
		&sess.Workdir, &sess.Status, &sess.StatusSource, &sess.ExitCode, &sess.Error,
		&sess.StartedAt, &sess.StoppedAt, &sess.PeakMemory, &sess.AvgCPU, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, machine_id, user_id, pid, process_name, workdir, status, status_source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.MachineID, sess.UserID, sess.PID, sess.ProcessName, sess.Workdir,
		sess.Status, sess.StatusSource, sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

func (s *SQLiteStore) listSessions(ctx context.Context, where string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE "+where+" ORDER BY created_at DESC", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) ListSessionsByUser(ctx context.Context, userID string) ([]Session, error) {
	return s.listSessions(ctx, "user_id = ?", userID)
}

func (s *SQLiteStore) ListSessionsByMachine(ctx context.Context, machineID string) ([]Session, error) {
	return s.listSessions(ctx, "machine_id = ?", machineID)
}

func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]Session, error) {
	return s.listSessions(ctx, "status IN ('pending', 'running', 'paused')")
}

func (s *SQLiteStore) CountActiveSessionsByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE user_id = ? AND status IN ('pending', 'running', 'paused')",
		userID,
	).Scan(&count)
	return count, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, from []string, to, source string) (bool, error) {
	args := make([]any, 0, len(from)+4)
	args = append(args, to, source, time.Now(), id)
	for _, f := range from {
		args = append(args, f)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = ?, status_source = ?, updated_at = ? WHERE id = ? AND status IN ("+placeholders(len(from))+")",
		args...,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) ConfirmSessionTerminal(ctx context.Context, id, status string, exitCode *int, errMsg string, stoppedAt time.Time) (bool, error) {
	// Agent truth wins: overwrite any non-terminal status, and any terminal
	// status the cloud only assumed optimistically. Confirmed terminal rows
	// are immutable, which makes duplicate agent reports idempotent.
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, status_source = 'confirmed', exit_code = ?, error = ?, stopped_at = ?, updated_at = ?
		 WHERE id = ? AND (status IN ('pending', 'running', 'paused') OR status_source = 'optimistic')`,
		status, exitCode, errMsg, stoppedAt, time.Now(), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) SetSessionProcess(ctx context.Context, id string, pid int, processName, workdir string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET pid = ?, process_name = ?, workdir = ?, started_at = ?, updated_at = ? WHERE id = ?",
		pid, processName, workdir, startedAt, time.Now(), id,
	)
	return err
}

func (s *SQLiteStore) UpdateSessionMetrics(ctx context.Context, id string, peakMemory int64, avgCPU float64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET peak_memory = ?, avg_cpu = ?, updated_at = ? WHERE id = ?",
		peakMemory, avgCPU, time.Now(), id,
	)
	return err
}

// --- API keys ---

const apiKeyColumns = "id, user_id, name, prefix, digest, expires_at, last_used_at, created_at"

func scanAPIKey(row interface{ Scan(...any) error }) (*APIKey, error) {
	var k APIKey
	err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.Prefix, &k.Digest, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO api_keys (id, user_id, name, prefix, digest, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		key.ID, key.UserID, key.Name, key.Prefix, key.Digest, key.ExpiresAt, key.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetAPIKeyByDigest(ctx context.Context, digest string) (*APIKey, error) {
	k, err := scanAPIKey(s.db.QueryRowContext(ctx,
		"SELECT "+apiKeyColumns+" FROM api_keys WHERE digest = ?", digest))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return k, err
}

func (s *SQLiteStore) ListAPIKeysByUser(ctx context.Context, userID string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+apiKeyColumns+" FROM api_keys WHERE user_id = ? ORDER BY created_at", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, userID, keyID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM api_keys WHERE id = ? AND user_id = ?", keyID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET last_used_at = ? WHERE id = ?", usedAt, id)
	return err
}

// --- Session output ---

func (s *SQLiteStore) AppendOutput(ctx context.Context, out *OutputChunk) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO session_output (id, session_id, seq, data, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq),0)+1 FROM session_output WHERE session_id = ?), ?, ?)
		 RETURNING seq`,
		out.ID, out.SessionID, out.SessionID, out.Data, out.CreatedAt,
	).Scan(&seq)
	return seq, err
}

func (s *SQLiteStore) GetOutput(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]OutputChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, data, created_at
		 FROM session_output WHERE session_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		sessionID, afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []OutputChunk
	for rows.Next() {
		var c OutputChunk
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Seq, &c.Data, &c.CreatedAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := "{}"
	if len(event.Detail) > 0 {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_events (id, action, user_id, machine_id, session_id, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		event.ID, event.Action, event.UserID, event.MachineID, event.SessionID, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, user_id, machine_id, session_id, detail, created_at
		 FROM audit_events ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var detail string
		if err := rows.Scan(&ev.ID, &ev.Action, &ev.UserID, &ev.MachineID, &ev.SessionID, &detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" && detail != "{}" {
			ev.Detail = []byte(detail)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Data retention ---

func (s *SQLiteStore) PurgeOldOutput(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM session_output WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
