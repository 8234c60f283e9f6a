// Package core defines the ports between the orchestration services and their adapters.
package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/target/sandstorm/internal/domain/model"
)

// This file contains repository and provider interface definitions (ports in
// hexagonal architecture). Service implementations depend on these interfaces,
// not on the concrete Postgres/provider adapters.

// CreateJobParams groups parameters for JobRepository.Create.
type CreateJobParams struct {
	Task       string
	CodeRef    string
	DeadlineAt time.Time
}

// TransitionParams groups parameters for JobRepository.Transition.
// From is the set of statuses the row must currently hold for the swap to
// apply. EventSeq, when set, is folded into the same atomic statement so a
// webhook-driven terminal transition also records the accepted sequence.
type TransitionParams struct {
	ID       string
	From     []model.JobStatus
	To       model.JobStatus
	Result   json.RawMessage
	Error    *string
	EventSeq *int64
}

// AcceptProgressParams groups parameters for JobRepository.AcceptProgress.
// Deadline is nil when the extension policy granted no extension.
type AcceptProgressParams struct {
	ID       string
	Seq      int64
	Deadline *time.Time
}

// JobRepository defines the interface for job state operations.
//
// Transition, BindSandbox, ClaimTeardown and AcceptProgress are all
// compare-and-swap operations: a false/zero return means the caller lost the
// race and must take no further action.
type JobRepository interface {
	Create(ctx context.Context, params CreateJobParams) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	Transition(ctx context.Context, params TransitionParams) (bool, error)
	BindSandbox(ctx context.Context, id string, handle model.SandboxHandle) (bool, error)
	ClaimTeardown(ctx context.Context, id string) (*model.SandboxHandle, error)
	AcceptProgress(ctx context.Context, params AcceptProgressParams) (bool, error)
	Stats(ctx context.Context) (*model.JobStats, error)
}

// DeleteOldJobsParams groups parameters for SweeperRepository.DeleteOldJobs.
type DeleteOldJobsParams struct {
	Statuses  []model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// SweeperRepository defines the interface for deadline enforcement and cleanup operations.
type SweeperRepository interface {
	// FindExpired returns non-terminal jobs whose deadline has elapsed,
	// up to limit rows, ordered by deadline. Guarded against concurrent
	// sweepers by an advisory lock; returns no rows when the lock is held.
	FindExpired(ctx context.Context, limit int) ([]*model.Job, error)

	// FindOrphanedSandboxes returns terminal jobs whose sandbox was never
	// torn down, up to limit rows. Callers must go through ClaimTeardown
	// before destroying anything.
	FindOrphanedSandboxes(ctx context.Context, limit int) ([]*model.Job, error)

	// DeleteOldJobs deletes terminal jobs older than MaxAge.
	// Processes up to BatchSize rows per call to prevent long locks.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)
}

// ProvisionRequest is the startup payload injected into a new sandbox.
type ProvisionRequest struct {
	JobID       string
	Task        string
	CodeRef     string
	CallbackURL string
	Env         map[string]string
}

// SandboxProvisioner creates and destroys sandboxes via the external provider.
type SandboxProvisioner interface {
	// Provision creates a sandbox and injects the startup payload. Transient
	// provider errors are retried internally with backoff up to a bound.
	Provision(ctx context.Context, req ProvisionRequest) (*model.SandboxHandle, error)

	// Teardown destroys the sandbox. Best-effort: callers log the returned
	// error and never let it block a terminal transition.
	Teardown(ctx context.Context, handle model.SandboxHandle) error
}

// RunnerLauncher starts the detached agent process inside a provisioned sandbox.
type RunnerLauncher interface {
	Launch(ctx context.Context, handle model.SandboxHandle, req ProvisionRequest) error
}

// CacheRepository defines the interface for cache operations used by the webhook dedup fast-path.
type CacheRepository interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) (bool, error)
	SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}
