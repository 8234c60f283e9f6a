package data

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/target/sandstorm/internal/core"
	"github.com/target/sandstorm/internal/data/pgxutil"
	"github.com/target/sandstorm/internal/domain/model"
)

// Advisory lock namespace for sweeper operations so concurrent instances
// do not double-sweep the same rows.
const (
	advisoryLockSweeperMajor int64 = 2000

	advisoryLockExpiredMinor int64 = 1
	advisoryLockPruneMinor   int64 = 2
	advisoryLockOrphanMinor  int64 = 3
)

func tryAdvisoryXactLock(ctx context.Context, tx *sql.Tx, major, minor int64) (bool, error) {
	var locked bool
	err := tx.QueryRowContext(ctx,
		"SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)", major, minor,
	).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	return locked, nil
}

// FindExpired returns non-terminal jobs whose deadline has elapsed, oldest
// deadline first, up to limit rows. The advisory lock keeps concurrent
// sweepers from racing over the same batch; when another instance holds the
// lock this returns no rows.
func (r *JobRepo) FindExpired(ctx context.Context, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 1
	}

	var jobs []*model.Job
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			locked, lockErr := tryAdvisoryXactLock(ctx, tx, advisoryLockSweeperMajor, advisoryLockExpiredMinor)
			if lockErr != nil {
				return lockErr
			}
			if !locked {
				return nil
			}

			now := r.timeProvider.Now().UTC()
			query := `
				SELECT ` + jobColumns + `
				FROM jobs
				WHERE status = ANY($1::text[]) AND deadline_at < $2
				ORDER BY deadline_at ASC
				LIMIT $3
			`

			rows, queryErr := tx.QueryContext(ctx, query,
				statusStrings(model.NonTerminalStatuses()), now, limit)
			if queryErr != nil {
				return fmt.Errorf("find expired jobs: %w", queryErr)
			}
			defer rows.Close()

			for rows.Next() {
				job, scanErr := scanJobFromRow(rows)
				if scanErr != nil {
					return fmt.Errorf("scan expired job: %w", scanErr)
				}
				jobs = append(jobs, job)
			}
			return rows.Err()
		},
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// FindOrphanedSandboxes returns terminal jobs whose sandbox is still bound
// and not yet torn down, oldest first, up to limit rows. These are leftovers
// from a resolver that crashed between the terminal swap and the provider
// call; the caller reclaims each through ClaimTeardown.
func (r *JobRepo) FindOrphanedSandboxes(ctx context.Context, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 1
	}

	var jobs []*model.Job
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			locked, lockErr := tryAdvisoryXactLock(ctx, tx, advisoryLockSweeperMajor, advisoryLockOrphanMinor)
			if lockErr != nil {
				return lockErr
			}
			if !locked {
				return nil
			}

			query := `
				SELECT ` + jobColumns + `
				FROM jobs
				WHERE status = ANY($1::text[])
				  AND torn_down = FALSE
				  AND sandbox_id IS NOT NULL
				ORDER BY updated_at ASC
				LIMIT $2
			`

			rows, queryErr := tx.QueryContext(ctx, query,
				statusStrings(model.TerminalStatuses()), limit)
			if queryErr != nil {
				return fmt.Errorf("find orphaned sandboxes: %w", queryErr)
			}
			defer rows.Close()

			for rows.Next() {
				job, scanErr := scanJobFromRow(rows)
				if scanErr != nil {
					return fmt.Errorf("scan orphaned job: %w", scanErr)
				}
				jobs = append(jobs, job)
			}
			return rows.Err()
		},
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// DeleteOldJobs deletes terminal jobs older than MaxAge, up to BatchSize rows
// per call. Batching prevents long locks and I/O spikes on large tables.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if len(params.Statuses) == 0 {
		params.Statuses = model.TerminalStatuses()
	}
	if params.BatchSize <= 0 {
		params.BatchSize = 1
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			locked, lockErr := tryAdvisoryXactLock(ctx, tx, advisoryLockSweeperMajor, advisoryLockPruneMinor)
			if lockErr != nil {
				return lockErr
			}
			if !locked {
				return nil
			}

			cutoff := r.timeProvider.Now().UTC().Add(-params.MaxAge)
			res, execErr := tx.ExecContext(ctx, `
				DELETE FROM jobs
				WHERE id IN (
				  SELECT id FROM jobs
				  WHERE status = ANY($1::text[]) AND updated_at < $2
				  ORDER BY updated_at ASC
				  LIMIT $3
				)
			`, statusStrings(params.Statuses), cutoff, params.BatchSize)
			if execErr != nil {
				return fmt.Errorf("delete old jobs: %w", execErr)
			}

			ra, raErr := res.RowsAffected()
			if raErr != nil {
				return fmt.Errorf("delete old jobs rows affected: %w", raErr)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}
