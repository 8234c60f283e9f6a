// Package model defines the core data types and structures used throughout the sandstorm orchestrator.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the current status of an orchestrated run.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobStatus string

const (
	// JobStatusPending indicates a job has been accepted but no sandbox exists yet.
	JobStatusPending JobStatus = "pending"
	// JobStatusProvisioning indicates a sandbox has been created and the runner is being launched.
	JobStatusProvisioning JobStatus = "provisioning"
	// JobStatusRunning indicates the runner was launched and the orchestrator is awaiting callbacks.
	JobStatusRunning JobStatus = "running"
	// JobStatusSucceeded indicates the runner reported success.
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed indicates provisioning, launch, or the runner itself failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusTimedOut indicates the deadline elapsed before a terminal callback arrived.
	JobStatusTimedOut JobStatus = "timed_out"
	// JobStatusCancelled indicates an external cancel request won the terminal race.
	JobStatusCancelled JobStatus = "cancelled"
)

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProvisioning, JobStatusRunning,
		JobStatusSucceeded, JobStatusFailed, JobStatusTimedOut, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transition is permitted from this status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusTimedOut, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// UnmarshalText implements encoding.TextUnmarshaler for JobStatus to allow env parsing.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := JobStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobStatus: %q", string(text))
	}
	*s = v
	return nil
}

// TerminalStatuses returns the set of statuses from which no transition is allowed.
func TerminalStatuses() []JobStatus {
	return []JobStatus{JobStatusSucceeded, JobStatusFailed, JobStatusTimedOut, JobStatusCancelled}
}

// NonTerminalStatuses returns the set of statuses still subject to transitions.
func NonTerminalStatuses() []JobStatus {
	return []JobStatus{JobStatusPending, JobStatusProvisioning, JobStatusRunning}
}

// ErrJobTerminal is returned when an operation requires a non-terminal job.
var ErrJobTerminal = errors.New("job is already in a terminal state")

// Job represents the persistent state of one orchestrated run.
//
// Status, Result, SandboxID and TornDown are mutated exclusively through the
// repository's compare-and-swap operations; no other code path writes them.
type Job struct {
	ID              string          `json:"id"                         db:"id"`
	Status          JobStatus       `json:"status"                     db:"status"`
	Task            string          `json:"task"                       db:"task"`
	CodeRef         string          `json:"code_ref"                   db:"code_ref"`
	SandboxID       *string         `json:"sandbox_id,omitempty"       db:"sandbox_id"`
	SandboxEndpoint *string         `json:"sandbox_endpoint,omitempty" db:"sandbox_endpoint"`
	Result          json.RawMessage `json:"result,omitempty"           db:"result"`
	Error           *string         `json:"error,omitempty"            db:"error"`
	LastEventSeq    int64           `json:"last_event_seq"             db:"last_event_seq"`
	TornDown        bool            `json:"torn_down"                  db:"torn_down"`
	CreatedAt       time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"                 db:"updated_at"`
	DeadlineAt      time.Time       `json:"deadline_at"                db:"deadline_at"`
}

// Sandbox returns the job's sandbox handle, or nil when none is bound.
func (j *Job) Sandbox() *SandboxHandle {
	if j.SandboxID == nil {
		return nil
	}
	handle := &SandboxHandle{ID: *j.SandboxID}
	if j.SandboxEndpoint != nil {
		handle.Endpoint = *j.SandboxEndpoint
	}
	return handle
}

// SubmitJobRequest represents a request to orchestrate a new run.
type SubmitJobRequest struct {
	Task              string `json:"task"`
	CodeRef           string `json:"codeRef"`
	MaxRuntimeSeconds int    `json:"maxRuntimeSeconds,omitempty"`
}

// Validate validates the SubmitJobRequest fields.
func (r *SubmitJobRequest) Validate() error {
	if strings.TrimSpace(r.Task) == "" {
		return errors.New("task is required")
	}
	if strings.TrimSpace(r.CodeRef) == "" {
		return errors.New("code ref is required")
	}
	if r.MaxRuntimeSeconds < 0 {
		return errors.New("max runtime seconds must be >= 0")
	}
	return nil
}

// JobStats represents counts of jobs per status.
type JobStats struct {
	Pending      int `json:"pending"`
	Provisioning int `json:"provisioning"`
	Running      int `json:"running"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	TimedOut     int `json:"timed_out"`
	Cancelled    int `json:"cancelled"`
}

// JobStatusResponse represents the externally visible view of one job.
type JobStatusResponse struct {
	JobID      string          `json:"jobId"`
	Status     JobStatus       `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *string         `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	DeadlineAt time.Time       `json:"deadlineAt"`
}

// StatusView projects a Job onto its external representation.
func (j *Job) StatusView() JobStatusResponse {
	return JobStatusResponse{
		JobID:      j.ID,
		Status:     j.Status,
		Result:     j.Result,
		Error:      j.Error,
		CreatedAt:  j.CreatedAt,
		DeadlineAt: j.DeadlineAt,
	}
}
