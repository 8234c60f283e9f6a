package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/target/sandstorm/internal/core"
	"github.com/target/sandstorm/internal/domain/model"
)

// statusStrings converts a status set for use with = ANY($n::text[]).
func statusStrings(statuses []model.JobStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

// Create inserts a new job in status pending.
func (r *JobRepo) Create(ctx context.Context, params core.CreateJobParams) (*model.Job, error) {
	if params.Task == "" {
		return nil, errors.New("task is required")
	}
	if params.CodeRef == "" {
		return nil, errors.New("code ref is required")
	}
	if params.DeadlineAt.IsZero() {
		return nil, errors.New("deadline is required")
	}

	now := r.timeProvider.Now().UTC()
	query := `
      INSERT INTO jobs(id, status, task, code_ref, created_at, updated_at, deadline_at)
      VALUES ($1, 'pending', $2, $3, $4, $5, $6)
      RETURNING ` + jobColumns

	row := r.DB.QueryRowContext(ctx, query,
		uuid.NewString(),
		params.Task,
		params.CodeRef,
		now,
		now,
		params.DeadlineAt.UTC(),
	)

	job, err := scanJobFromRow(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrJobExists
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetByID retrieves a job by its id.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJobFromRow(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Transition atomically swaps the job's status when the current status is in
// params.From. Result is written only if the row has none yet; the error
// message and event sequence are folded into the same statement so a terminal
// transition is a single atomic write.
//
// Returns (false, nil) when the row was not in the expected status set: the
// caller lost the race and must take no further action.
func (r *JobRepo) Transition(ctx context.Context, params core.TransitionParams) (bool, error) {
	if params.ID == "" {
		return false, errors.New("job id is required")
	}
	if !params.To.Valid() {
		return false, fmt.Errorf("invalid target status: %s", params.To)
	}
	if len(params.From) == 0 {
		return false, errors.New("from status set is required")
	}

	now := r.timeProvider.Now().UTC()
	query := `
		UPDATE jobs
		SET status = $2,
		    result = CASE WHEN result IS NULL THEN $3 ELSE result END,
		    error = COALESCE($4, error),
		    last_event_seq = GREATEST(last_event_seq, COALESCE($5, last_event_seq)),
		    updated_at = $6
		WHERE id = $1 AND status = ANY($7::text[])
	`

	var result any
	if len(params.Result) > 0 {
		result = []byte(params.Result)
	}

	res, err := r.DB.ExecContext(ctx, query,
		params.ID,
		params.To,
		result,
		params.Error,
		params.EventSeq,
		now,
		statusStrings(params.From),
	)
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// BindSandbox records the provisioned sandbox and moves the job from pending
// to provisioning. Returns (false, nil) when the job left pending in the
// meantime (for example a racing cancel); the caller still owns the fresh
// sandbox and must tear it down itself.
func (r *JobRepo) BindSandbox(ctx context.Context, id string, handle model.SandboxHandle) (bool, error) {
	if handle.ID == "" {
		return false, errors.New("sandbox id is required")
	}

	now := r.timeProvider.Now().UTC()
	query := `
		UPDATE jobs
		SET status = 'provisioning',
		    sandbox_id = $2,
		    sandbox_endpoint = $3,
		    updated_at = $4
		WHERE id = $1 AND status = 'pending'
	`

	res, err := r.DB.ExecContext(ctx, query, id, handle.ID, handle.Endpoint, now)
	if err != nil {
		return false, fmt.Errorf("bind sandbox: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("bind sandbox rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ClaimTeardown atomically claims the job's sandbox for teardown. The first
// caller gets the handle back and the row's torn_down flag is set; every later
// caller gets (nil, nil). This is the at-most-once guard for teardown.
func (r *JobRepo) ClaimTeardown(ctx context.Context, id string) (*model.SandboxHandle, error) {
	now := r.timeProvider.Now().UTC()
	query := `
		WITH prev AS (
		  SELECT id, sandbox_id, sandbox_endpoint FROM jobs
		  WHERE id = $1 AND torn_down = FALSE AND sandbox_id IS NOT NULL
		  FOR UPDATE
		)
		UPDATE jobs j
		SET torn_down = TRUE,
		    sandbox_id = NULL,
		    sandbox_endpoint = NULL,
		    updated_at = $2
		FROM prev
		WHERE j.id = prev.id
		RETURNING prev.sandbox_id, prev.sandbox_endpoint
	`

	var sandboxID, sandboxEndpoint sql.NullString
	if err := r.DB.QueryRowContext(ctx, query, id, now).Scan(&sandboxID, &sandboxEndpoint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim teardown: %w", err)
	}

	handle := &model.SandboxHandle{ID: sandboxID.String}
	if sandboxEndpoint.Valid {
		handle.Endpoint = sandboxEndpoint.String
	}
	return handle, nil
}

// AcceptProgress records an accepted progress event: it bumps last_event_seq
// and, when the extension policy granted one, moves the deadline, in a single
// compare-and-swap statement. Returns (false, nil) when the sequence was
// already recorded or the job turned terminal.
func (r *JobRepo) AcceptProgress(ctx context.Context, params core.AcceptProgressParams) (bool, error) {
	if params.ID == "" {
		return false, errors.New("job id is required")
	}
	if params.Seq <= 0 {
		return false, errors.New("event seq must be positive")
	}

	now := r.timeProvider.Now().UTC()
	var deadline any
	if params.Deadline != nil {
		deadline = params.Deadline.UTC()
	}

	query := `
		UPDATE jobs
		SET last_event_seq = $2,
		    deadline_at = COALESCE($3, deadline_at),
		    updated_at = $4
		WHERE id = $1
		  AND last_event_seq < $2
		  AND status = ANY($5::text[])
	`

	res, err := r.DB.ExecContext(ctx, query,
		params.ID,
		params.Seq,
		deadline,
		now,
		statusStrings(model.NonTerminalStatuses()),
	)
	if err != nil {
		return false, fmt.Errorf("accept progress: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("accept progress rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Stats returns job counts per status.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	query := `
		SELECT
		  COUNT(*) FILTER (WHERE status = 'pending') AS pending,
		  COUNT(*) FILTER (WHERE status = 'provisioning') AS provisioning,
		  COUNT(*) FILTER (WHERE status = 'running') AS running,
		  COUNT(*) FILTER (WHERE status = 'succeeded') AS succeeded,
		  COUNT(*) FILTER (WHERE status = 'failed') AS failed,
		  COUNT(*) FILTER (WHERE status = 'timed_out') AS timed_out,
		  COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled
		FROM jobs
	`

	stats := &model.JobStats{}
	err := r.DB.QueryRowContext(ctx, query).Scan(
		&stats.Pending,
		&stats.Provisioning,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.TimedOut,
		&stats.Cancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// touchUpdatedAt is used by tests to age rows deterministically.
func (r *JobRepo) touchUpdatedAt(ctx context.Context, id string, t time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE jobs SET updated_at = $2 WHERE id = $1`, id, t.UTC())
	return err
}
