package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by mutations addressed to a missing session.
var ErrNotFound = errors.New("session: not found")

// Store provides SQLite-backed persistence for sessions and jobs.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens the SQLite database at dbPath and creates tables if they don't exist.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		test_name TEXT NOT NULL DEFAULT '',
		os TEXT NOT NULL,
		image_id TEXT NOT NULL,
		instance_id TEXT NOT NULL DEFAULT '',
		public_ip TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		connection_id INTEGER NOT NULL DEFAULT 0,
		sealed_password TEXT NOT NULL DEFAULT '',
		probe_script TEXT NOT NULL DEFAULT '',
		verdict TEXT NOT NULL DEFAULT '',
		snapshot_image_id TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL DEFAULT '',
		accessed_by_name TEXT NOT NULL DEFAULT '',
		accessed_by_email TEXT NOT NULL DEFAULT '',
		recording_path TEXT NOT NULL DEFAULT '',
		time_limit_seconds INTEGER NOT NULL,
		failed_attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		session_id TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 1,
		run_after INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS jobs_state ON jobs(state, run_after);
	`
	_, err := db.Exec(schema)
	return err
}

const sessionColumns = `id, title, test_name, os, image_id, instance_id, public_ip, status,
	connection_id, sealed_password, probe_script, verdict, snapshot_image_id, password_hash,
	accessed_by_name, accessed_by_email, recording_path, time_limit_seconds, failed_attempts,
	last_error, started_at, expires_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var limitSeconds, startedAt, expiresAt int64
	err := row.Scan(
		&sess.ID, &sess.Title, &sess.TestName, &sess.OS, &sess.ImageID, &sess.InstanceID,
		&sess.PublicIP, &sess.Status, &sess.ConnectionID, &sess.SealedPassword, &sess.ProbeScript,
		&sess.Verdict, &sess.SnapshotImageID, &sess.PasswordHash, &sess.AccessedByName,
		&sess.AccessedByEmail, &sess.RecordingPath, &limitSeconds, &sess.FailedAttempts,
		&sess.LastError, &startedAt, &expiresAt, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.TimeLimit = time.Duration(limitSeconds) * time.Second
	sess.StartedAt = fromMillis(startedAt)
	sess.ExpiresAt = fromMillis(expiresAt)
	return &sess, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// CreateSession inserts sess in the pending state. An empty ID is filled
// with a new UUID.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := s.now().UTC()
	sess.Status = StatusPending
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, test_name, os, image_id, status, probe_script,
		 password_hash, time_limit_seconds, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.TestName, sess.OS, sess.ImageID, sess.Status, sess.ProbeScript,
		sess.PasswordHash, int64(sess.TimeLimit/time.Second), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID. Returns nil, nil if it does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

// UpdateSession writes every mutable field of sess in one statement, so no
// reader observes a partially updated record.
func (s *Store) UpdateSession(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = s.now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, test_name = ?, instance_id = ?, public_ip = ?, status = ?,
		 connection_id = ?, sealed_password = ?, probe_script = ?, verdict = ?, snapshot_image_id = ?,
		 password_hash = ?, accessed_by_name = ?, accessed_by_email = ?, recording_path = ?,
		 time_limit_seconds = ?, last_error = ?, started_at = ?, expires_at = ?, updated_at = ?
		 WHERE id = ?`,
		sess.Title, sess.TestName, sess.InstanceID, sess.PublicIP, sess.Status,
		sess.ConnectionID, sess.SealedPassword, sess.ProbeScript, sess.Verdict, sess.SnapshotImageID,
		sess.PasswordHash, sess.AccessedByName, sess.AccessedByEmail, sess.RecordingPath,
		int64(sess.TimeLimit/time.Second), sess.LastError, toMillis(sess.StartedAt), toMillis(sess.ExpiresAt),
		sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(res)
}

// ClaimProvisioning moves a pending session without an instance to
// provisioning. It returns false when another caller already claimed it:
// the conditional update is the single authority on whether a launch may
// proceed.
func (s *Store) ClaimProvisioning(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, last_error = '', updated_at = ?
		 WHERE id = ? AND status = ? AND instance_id = ''`,
		StatusProvisioning, s.now().UTC(), id, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("claim session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// Transition sets status to "to" only if the current status is one of from.
// It returns false when the session was in some other state.
func (s *Store) Transition(ctx context.Context, id string, to Status, from ...Status) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition needs at least one source state")
	}
	args := []any{to, s.now().UTC(), id}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("transition session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// ListSessions returns summaries of the most recently updated sessions.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.title, s.os, s.status, s.instance_id, s.public_ip, s.verdict,
		        s.expires_at, s.updated_at,
		        COALESCE(SUM(CASE WHEN j.state IN ('queued', 'running') THEN 1 ELSE 0 END), 0) AS open_jobs
		 FROM sessions s
		 LEFT JOIN jobs j ON s.id = j.session_id
		 GROUP BY s.id
		 ORDER BY s.updated_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []Summary
	for rows.Next() {
		var sum Summary
		var expiresAt int64
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.OS, &sum.Status, &sum.InstanceID, &sum.PublicIP,
			&sum.Verdict, &expiresAt, &sum.UpdatedAt, &sum.OpenJobs); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.ExpiresAt = fromMillis(expiresAt)
		summaries = append(summaries, sum)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return summaries, nil
}

// ListByStatus returns full sessions in any of the given states.
func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]*Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status IN (`+placeholders(len(statuses))+`)
		 ORDER BY created_at ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// RecordFailedAttempt increments the failed password counter and returns
// the new count.
func (s *Store) RecordFailedAttempt(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE sessions SET failed_attempts = failed_attempts + 1, updated_at = ?
		 WHERE id = ? RETURNING failed_attempts`,
		s.now().UTC(), id,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("record attempt: %w", err)
	}
	return count, nil
}

// FailedAttempts returns the failed password counter.
func (s *Store) FailedAttempts(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT failed_attempts FROM sessions WHERE id = ?`, id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read attempts: %w", err)
	}
	return count, nil
}

// ClearAttemptsBelow zeroes the failed password counter only while it is
// below ceiling, so a lockout reached by a concurrent attempt survives. It
// reports whether the counter was below ceiling. updated_at only moves when
// the counter actually changes.
func (s *Store) ClearAttemptsBelow(ctx context.Context, id string, ceiling int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET failed_attempts = 0,
		 updated_at = CASE WHEN failed_attempts > 0 THEN ? ELSE updated_at END
		 WHERE id = ? AND failed_attempts < ?`,
		s.now().UTC(), id, ceiling,
	)
	if err != nil {
		return false, fmt.Errorf("clear attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// ResetAttempts clears the failed password counter.
func (s *Store) ResetAttempts(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET failed_attempts = 0, updated_at = ? WHERE id = ?`,
		s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}
	return requireRow(res)
}

// SetAccessedBy records who first authenticated. Later calls do not
// overwrite an existing identity.
func (s *Store) SetAccessedBy(ctx context.Context, id, name, email string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET accessed_by_name = ?, accessed_by_email = ?, updated_at = ?
		 WHERE id = ? AND accessed_by_name = '' AND accessed_by_email = ''`,
		name, email, s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set accessed by: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
