// Package data provides the Postgres-backed repositories for the sandstorm orchestrator.
package data

import (
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/target/sandstorm/internal/domain/model"
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo provides database operations for job state management.
//
// All status mutations go through single-statement compare-and-swap UPDATEs;
// a zero rows-affected result is reported as a lost race, never as an error.
type JobRepo struct {
	DB           *sql.DB
	cfg          RepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &JobRepo{
		DB:           db,
		cfg:          cfg,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  id,
  status,
  task,
  code_ref,
  sandbox_id,
  sandbox_endpoint,
  result,
  error,
  last_event_seq,
  torn_down,
  created_at,
  updated_at,
  deadline_at
`

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	result                     []byte
	sandboxID, sandboxEndpoint sql.NullString
	errMsg                     sql.NullString
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.Status,
		&job.Task,
		&job.CodeRef,
		&d.sandboxID,
		&d.sandboxEndpoint,
		&d.result,
		&d.errMsg,
		&job.LastEventSeq,
		&job.TornDown,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.DeadlineAt,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.SandboxID = cloneNullableString(d.sandboxID)
	job.SandboxEndpoint = cloneNullableString(d.sandboxEndpoint)
	job.Error = cloneNullableString(d.errMsg)
	job.Result = cloneResult(d.result)
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}

	data.apply(job)
	return job, nil
}

// cloneResult preserves NULL results as nil; result stays unset until the
// first terminal transition writes it.
func cloneResult(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
