package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const jobColumns = `id, kind, session_id, state, attempts, max_attempts, run_after, last_error, created_at, updated_at`

func scanJob(row scanner) (*Job, error) {
	var job Job
	var runAfter int64
	err := row.Scan(&job.ID, &job.Kind, &job.SessionID, &job.State, &job.Attempts, &job.MaxAttempts,
		&runAfter, &job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.RunAfter = fromMillis(runAfter)
	return &job, nil
}

// EnqueueJob persists a queued job. If an open (queued or running) job of
// the same kind already exists for the session, that job is returned
// instead and nothing is inserted.
func (s *Store) EnqueueJob(ctx context.Context, kind JobKind, sessionID string, maxAttempts int) (*Job, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanJob(tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE session_id = ? AND kind = ? AND state IN (?, ?)
		 ORDER BY id DESC LIMIT 1`,
		sessionID, kind, JobQueued, JobRunning,
	))
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("check open jobs: %w", err)
	}

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (kind, session_id, state, max_attempts, run_after, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		kind, sessionID, JobQueued, maxAttempts, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("job id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}

	return &Job{
		ID:          id,
		Kind:        kind,
		SessionID:   sessionID,
		State:       JobQueued,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// ClaimJob atomically moves the oldest runnable queued job to running and
// increments its attempt counter. Returns nil, nil when nothing is runnable.
func (s *Store) ClaimJob(ctx context.Context) (*Job, error) {
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE state = ? AND run_after <= ?
		 ORDER BY run_after ASC, id ASC LIMIT 1`,
		JobQueued, now.UnixMilli(),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select runnable job: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND state = ?`,
		JobRunning, now, id, JobQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, nil
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("read claimed job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

// CompleteJob marks a job done.
func (s *Store) CompleteJob(ctx context.Context, id int64) error {
	return s.setJobState(ctx, id, JobDone, "", 0)
}

// FailJob records a failed attempt. The job is re-queued to run after
// retryAfter when attempts remain, and marked failed otherwise. It reports
// whether the job will run again.
func (s *Store) FailJob(ctx context.Context, job *Job, cause error, retryAfter time.Duration) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if job.Attempts < job.MaxAttempts {
		runAfter := s.now().Add(retryAfter).UnixMilli()
		return true, s.setJobState(ctx, job.ID, JobQueued, msg, runAfter)
	}
	return false, s.setJobState(ctx, job.ID, JobFailed, msg, 0)
}

func (s *Store) setJobState(ctx context.Context, id int64, state JobState, lastError string, runAfter int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
		state, lastError, runAfter, s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return requireRow(res)
}

// RequeueStale returns jobs left running by a crashed process to the
// queue. Call once at startup before workers begin.
func (s *Store) RequeueStale(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, updated_at = ? WHERE state = ?`,
		JobQueued, s.now().UTC(), JobRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// ListJobs returns all jobs for a session, oldest first.
func (s *Store) ListJobs(ctx context.Context, sessionID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return jobs, nil
}

// OpenJob returns the queued or running job of kind for a session, or nil.
func (s *Store) OpenJob(ctx context.Context, sessionID string, kind JobKind) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE session_id = ? AND kind = ? AND state IN (?, ?)
		 ORDER BY id DESC LIMIT 1`,
		sessionID, kind, JobQueued, JobRunning,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query open job: %w", err)
	}
	return job, nil
}
