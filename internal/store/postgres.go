package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default',
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			cpu DOUBLE PRECISION NOT NULL DEFAULT 0,
			memory DOUBLE PRECISION NOT NULL DEFAULT 0,
			disk DOUBLE PRECISION NOT NULL DEFAULT 0,
			session_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
			started_at TIMESTAMPTZ,
			stopped_at TIMESTAMPTZ,
			peak_memory BIGINT NOT NULL DEFAULT 0,
			avg_cpu DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
			expires_at TIMESTAMPTZ,
			last_used_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id)`,
		`CREATE TABLE IF NOT EXISTS session_output (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			seq BIGINT NOT NULL,
			data TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_session_output_seq ON session_output(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			machine_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			detail JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, org_id, username, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		user.ID, user.OrgID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, username, password_hash, role, created_at FROM users WHERE username = $1",
		username,
	).Scan(&u.ID, &u.OrgID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, username, password_hash, role, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.OrgID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, org_id, username, password_hash, role, created_at FROM users ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *PostgresStore) CreateMachine(ctx context.Context, m *Machine) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machines (id, user_id, org_id, name, os, hostname, agent_version, status, last_seen, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.UserID, m.OrgID, m.Name, m.OS, m.Hostname, m.AgentVersion, m.Status, m.LastSeen, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetMachine(ctx context.Context, id string) (*Machine, error) {
	m, err := scanMachine(s.db.QueryRowContext(ctx,
		"SELECT "+machineColumns+" FROM machines WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (s *PostgresStore) ListMachinesByUser(ctx context.Context, userID string) ([]Machine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+machineColumns+" FROM machines WHERE user_id = $1 ORDER BY created_at", userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *PostgresStore) UpdateMachineInfo(ctx context.Context, id, name, os, hostname, version string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE machines SET name = $1, os = $2, hostname = $3, agent_version = $4 WHERE id = $5",
		name, os, hostname, version, id,
	)
	return err
}

func (s *PostgresStore) SetMachineOnline(ctx context.Context, id, connID string, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE machines SET status = $1, conn_id = $2, last_seen = $3 WHERE id = $4",
		MachineOnline, connID, lastSeen, id,
	)
	return err
}

func (s *PostgresStore) SetMachineOffline(ctx context.Context, id, connID string, lastSeen time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE machines SET status = $1, conn_id = '', last_seen = $2 WHERE id = $3 AND conn_id = $4",
		MachineOffline, lastSeen, id, connID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) UpdateMachineMetrics(ctx context.Context, id string, cpu, memory, disk float64, sessionCount int, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE machines SET cpu = $1, memory = $2, disk = $3, session_count = $4, last_seen = $5 WHERE id = $6",
		cpu, memory, disk, sessionCount, lastSeen, id,
	)
	return err
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, machine_id, user_id, pid, process_name, workdir, status, status_source, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.MachineID, sess.UserID, sess.PID, sess.ProcessName, sess.Workdir,
		sess.Status, sess.StatusSource, sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

func (s *PostgresStore) listSessions(ctx context.Context, where string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE "+where+" ORDER BY created_at DESC", args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *PostgresStore) ListSessionsByUser(ctx context.Context, userID string) ([]Session, error) {
	return s.listSessions(ctx, "user_id = $1", userID)
}

func (s *PostgresStore) ListSessionsByMachine(ctx context.Context, machineID string) ([]Session, error) {
	return s.listSessions(ctx, "machine_id = $1", machineID)
}

func (s *PostgresStore) ListActiveSessions(ctx context.Context) ([]Session, error) {
	return s.listSessions(ctx, "status IN ('pending', 'running', 'paused')")
}

func (s *PostgresStore) CountActiveSessionsByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE user_id = $1 AND status IN ('pending', 'running', 'paused')",
		userID,
	).Scan(&count)
	return count, err
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, id string, from []string, to, source string) (bool, error) {
	ph := make([]string, len(from))
	args := []any{to, source, time.Now(), id}
	for i, f := range from {
		ph[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, f)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = $1, status_source = $2, updated_at = $3 WHERE id = $4 AND status IN ("+strings.Join(ph, ", ")+")",
		args...,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) ConfirmSessionTerminal(ctx context.Context, id, status string, exitCode *int, errMsg string, stoppedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $1, status_source = 'confirmed', exit_code = $2, error = $3, stopped_at = $4, updated_at = $5
		 WHERE id = $6 AND (status IN ('pending', 'running', 'paused') OR status_source = 'optimistic')`,
		status, exitCode, errMsg, stoppedAt, time.Now(), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) SetSessionProcess(ctx context.Context, id string, pid int, processName, workdir string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET pid = $1, process_name = $2, workdir = $3, started_at = $4, updated_at = $5 WHERE id = $6",
		pid, processName, workdir, startedAt, time.Now(), id,
	)
	return err
}

func (s *PostgresStore) UpdateSessionMetrics(ctx context.Context, id string, peakMemory int64, avgCPU float64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET peak_memory = $1, avg_cpu = $2, updated_at = $3 WHERE id = $4",
		peakMemory, avgCPU, time.Now(), id,
	)
	return err
}

// --- API keys ---

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO api_keys (id, user_id, name, prefix, digest, expires_at, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		key.ID, key.UserID, key.Name, key.Prefix, key.Digest, key.ExpiresAt, key.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAPIKeyByDigest(ctx context.Context, digest string) (*APIKey, error) {
	k, err := scanAPIKey(s.db.QueryRowContext(ctx,
		"SELECT "+apiKeyColumns+" FROM api_keys WHERE digest = $1", digest))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return k, err
}

func (s *PostgresStore) ListAPIKeysByUser(ctx context.Context, userID string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+apiKeyColumns+" FROM api_keys WHERE user_id = $1 ORDER BY created_at", userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, userID, keyID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM api_keys WHERE id = $1 AND user_id = $2", keyID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET last_used_at = $1 WHERE id = $2", usedAt, id)
	return err
}

// --- Session output ---

func (s *PostgresStore) AppendOutput(ctx context.Context, out *OutputChunk) (int64, error) {
	// MAX(seq)+1 can race with a concurrent appender; the unique index on
	// (session_id, seq) rejects the loser, so retry until we win a slot.
	var seq int64
	for attempt := 0; ; attempt++ {
		err := s.db.QueryRowContext(ctx,
			`INSERT INTO session_output (id, session_id, seq, data, created_at)
			 VALUES ($1, $2, (SELECT COALESCE(MAX(seq),0)+1 FROM session_output WHERE session_id = $3), $4, $5)
			 RETURNING seq`,
			out.ID, out.SessionID, out.SessionID, out.Data, out.CreatedAt,
		).Scan(&seq)
		if err == nil {
			return seq, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && attempt < 5 {
			continue
		}
		return 0, err
	}
}

func (s *PostgresStore) GetOutput(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]OutputChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, data, created_at
		 FROM session_output WHERE session_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
		sessionID, afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := "{}"
	if len(event.Detail) > 0 {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_events (id, action, user_id, machine_id, session_id, detail, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		event.ID, event.Action, event.UserID, event.MachineID, event.SessionID, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, user_id, machine_id, session_id, detail, created_at
		 FROM audit_events ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *PostgresStore) PurgeOldOutput(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM session_output WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
