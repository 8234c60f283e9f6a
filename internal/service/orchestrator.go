package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/target/sandstorm/internal/core"
	"github.com/target/sandstorm/internal/data"
	domainjob "github.com/target/sandstorm/internal/domain/job"
	"github.com/target/sandstorm/internal/domain/model"
	apperrors "github.com/target/sandstorm/internal/errors"
	obserrors "github.com/target/sandstorm/internal/observability/errors"
	"github.com/target/sandstorm/internal/observability/metrics"
	"github.com/target/sandstorm/internal/observability/notify"
	"github.com/target/sandstorm/internal/observability/statsd"
	"github.com/target/sandstorm/internal/service/failurenotifier"
)

// TerminalResolution describes one attempt to move a job into a terminal state.
// Reason tags the metric emitted for the transition ("webhook", "timeout",
// "cancel", "provision", "launch").
type TerminalResolution struct {
	JobID    string
	To       model.JobStatus
	Result   json.RawMessage
	Error    *string
	EventSeq *int64
	Reason   string
}

// TerminalResolver applies terminal transitions with at-most-once semantics.
// A false return means another caller already resolved the job; the loser must
// take no further action.
type TerminalResolver interface {
	ResolveTerminal(ctx context.Context, res TerminalResolution) (bool, error)
}

// OrchestratorServiceOptions groups dependencies for OrchestratorService.
type OrchestratorServiceOptions struct {
	Repo            core.JobRepository        // Required: job repository
	Provisioner     core.SandboxProvisioner   // Required: sandbox provider client
	Launcher        core.RunnerLauncher       // Required: runner launcher
	RuntimePolicy   *domainjob.RuntimePolicy  // Required: deadline policy for new jobs
	CallbackURL     string                    // Required: webhook URL injected into runners
	MaxConcurrent   int64                     // Optional: provisioning concurrency bound (default 8)
	ProvisionGrace  time.Duration             // Optional: extra budget past the deadline for the provision pipeline
	ProvisionEnv    map[string]string         // Optional: extra env vars injected into every sandbox
	Logger          *slog.Logger              // Optional: structured logger
	Metrics         statsd.Sink               // Optional: metrics sink (StatsD-compatible)
	FailureNotifier *failurenotifier.Service  // Optional: failure notification fan-out
	TimeProvider    data.TimeProvider         // Optional: clock override for tests
}

const (
	defaultMaxConcurrentProvisions = 8
	defaultProvisionGrace          = 30 * time.Second
)

// OrchestratorService owns the job lifecycle: it accepts submissions, drives
// the provision/launch pipeline in the background, applies terminal
// transitions, and guarantees each sandbox is torn down exactly once.
type OrchestratorService struct {
	repo            core.JobRepository
	provisioner     core.SandboxProvisioner
	launcher        core.RunnerLauncher
	runtimePolicy   *domainjob.RuntimePolicy
	callbackURL     string
	provisionGrace  time.Duration
	provisionEnv    map[string]string
	sem             *semaphore.Weighted
	logger          *slog.Logger
	metrics         statsd.Sink
	failureNotifier *failurenotifier.Service
	timeProvider    data.TimeProvider
}

var _ TerminalResolver = (*OrchestratorService)(nil)

// NewOrchestratorService constructs a new OrchestratorService.
func NewOrchestratorService(opts OrchestratorServiceOptions) (*OrchestratorService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Provisioner == nil {
		return nil, errors.New("SandboxProvisioner is required")
	}
	if opts.Launcher == nil {
		return nil, errors.New("RunnerLauncher is required")
	}
	if opts.RuntimePolicy == nil {
		return nil, errors.New("RuntimePolicy is required")
	}
	if opts.CallbackURL == "" {
		return nil, errors.New("CallbackURL is required")
	}

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentProvisions
	}

	grace := opts.ProvisionGrace
	if grace <= 0 {
		grace = defaultProvisionGrace
	}

	timeProvider := opts.TimeProvider
	if timeProvider == nil {
		timeProvider = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "orchestrator_service")
		logger.Debug("OrchestratorService initialized",
			"default_runtime", opts.RuntimePolicy.Default(),
			"max_concurrent", maxConcurrent,
		)
	}

	return &OrchestratorService{
		repo:            opts.Repo,
		provisioner:     opts.Provisioner,
		launcher:        opts.Launcher,
		runtimePolicy:   opts.RuntimePolicy,
		callbackURL:     opts.CallbackURL,
		provisionGrace:  grace,
		provisionEnv:    opts.ProvisionEnv,
		sem:             semaphore.NewWeighted(maxConcurrent),
		logger:          logger,
		metrics:         opts.Metrics,
		failureNotifier: opts.FailureNotifier,
		timeProvider:    timeProvider,
	}, nil
}

// MustNewOrchestratorService constructs a new OrchestratorService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewOrchestratorService(opts OrchestratorServiceOptions) *OrchestratorService {
	svc, err := NewOrchestratorService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create OrchestratorService: %v", err))
	}
	return svc
}

// Submit accepts a new job, persists it as pending, and starts the
// provision/launch pipeline in the background. The returned job reflects the
// persisted pending state; callers observe progress through GetStatus.
func (s *OrchestratorService) Submit(ctx context.Context, req *model.SubmitJobRequest) (*model.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid job submission")
	}

	now := s.timeProvider.Now()
	deadline, decision := s.runtimePolicy.Deadline(now, req.MaxRuntimeSeconds)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped requested max runtime to configured ceiling",
			"requested_seconds", decision.Requested,
			"runtime", decision.Runtime,
		)
	}

	job, err := s.repo.Create(ctx, core.CreateJobParams{
		Task:       req.Task,
		CodeRef:    req.CodeRef,
		DeadlineAt: deadline,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job submitted",
			"id", job.ID,
			"deadline_at", job.DeadlineAt,
			"runtime_source", decision.Source,
		)
	}

	// The pipeline must outlive the submission request.
	go s.runJob(context.WithoutCancel(ctx), job)

	return job, nil
}

// GetJob returns a job by its ID.
func (s *OrchestratorService) GetJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			return nil, apperrors.NotFoundf("job %s not found", id)
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// GetStatus returns the externally visible status view for a job.
func (s *OrchestratorService) GetStatus(ctx context.Context, id string) (*model.JobStatusResponse, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	view := job.StatusView()
	return &view, nil
}

// Stats returns per-status job counts.
func (s *OrchestratorService) Stats(ctx context.Context) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return stats, nil
}

// Cancel requests cancellation of a job. It returns a Conflict error when the
// job already reached a terminal state, and NotFound when no such job exists.
func (s *OrchestratorService) Cancel(ctx context.Context, id string) error {
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}

	applied, err := s.ResolveTerminal(ctx, TerminalResolution{
		JobID:  id,
		To:     model.JobStatusCancelled,
		Error:  strPtr("cancelled by request"),
		Reason: "cancel",
	})
	if err != nil {
		return err
	}
	if !applied {
		return apperrors.Conflictf("job %s already reached a terminal state", id)
	}
	return nil
}

// ResolveTerminal applies a terminal transition exactly once. On a won race it
// claims and performs the sandbox teardown and emits lifecycle signals; on a
// lost race it returns false and does nothing else.
func (s *OrchestratorService) ResolveTerminal(ctx context.Context, res TerminalResolution) (bool, error) {
	if !res.To.Terminal() {
		return false, fmt.Errorf("resolve to non-terminal status %q", res.To)
	}

	start := s.timeProvider.Now()
	applied, err := s.repo.Transition(ctx, core.TransitionParams{
		ID:       res.JobID,
		From:     model.NonTerminalStatuses(),
		To:       res.To,
		Result:   res.Result,
		Error:    res.Error,
		EventSeq: res.EventSeq,
	})
	if err != nil {
		s.emitTransition(res, metrics.ResultError, 0, err)
		return false, fmt.Errorf("transition job %s to %s: %w", res.JobID, res.To, err)
	}
	if !applied {
		s.emitTransition(res, metrics.ResultNoop, 0, nil)
		if s.logger != nil {
			s.logger.DebugContext(ctx, "terminal transition lost race",
				"id", res.JobID,
				"to", res.To,
				"reason", res.Reason,
			)
		}
		return false, nil
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job resolved",
			"id", res.JobID,
			"status", res.To,
			"reason", res.Reason,
		)
	}

	s.finalizeTeardown(ctx, res.JobID)
	s.emitTransition(res, metrics.ResultSuccess, s.timeProvider.Now().Sub(start), nil)
	s.notifyIfFailure(ctx, res)

	return true, nil
}

// finalizeTeardown claims the job's sandbox and destroys it. ClaimTeardown
// flips the torn-down flag atomically so a sandbox is destroyed at most once
// no matter how many resolvers race here.
func (s *OrchestratorService) finalizeTeardown(ctx context.Context, jobID string) {
	handle, err := s.repo.ClaimTeardown(ctx, jobID)
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "failed to claim sandbox teardown", "id", jobID, "error", err)
		}
		return
	}
	if handle == nil {
		return
	}
	s.teardownSandbox(ctx, jobID, *handle)
}

// teardownSandbox destroys a sandbox best-effort. Errors are logged and
// counted but never surfaced; a leaked sandbox must not block a terminal
// transition.
func (s *OrchestratorService) teardownSandbox(ctx context.Context, jobID string, handle model.SandboxHandle) {
	if err := s.provisioner.Teardown(ctx, handle); err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "sandbox teardown failed",
				"id", jobID,
				"sandbox_id", handle.ID,
				"error", err,
			)
		}
		if s.metrics != nil {
			tags := map[string]string{"result": metrics.ResultError}
			if class := obserrors.Classify(err); class != "" {
				tags["error_class"] = class
			}
			s.metrics.Count("sandbox.teardown", 1, tags)
		}
		return
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "sandbox torn down", "id", jobID, "sandbox_id", handle.ID)
	}
	if s.metrics != nil {
		s.metrics.Count("sandbox.teardown", 1, map[string]string{"result": metrics.ResultSuccess})
	}
}

// runJob drives one job through provision, bind, and launch. Any pipeline
// failure resolves the job to failed; the provider client has already
// exhausted its own transient-error retries by the time Provision returns.
func (s *OrchestratorService) runJob(ctx context.Context, job *model.Job) {
	pipelineCtx, cancel := context.WithDeadline(ctx, job.DeadlineAt.Add(s.provisionGrace))
	defer cancel()

	if err := s.sem.Acquire(pipelineCtx, 1); err != nil {
		s.failJob(ctx, job, "provision", fmt.Errorf("acquire provisioning slot: %w", err))
		return
	}
	defer s.sem.Release(1)

	req := s.provisionRequest(job)

	handle, err := s.provisioner.Provision(pipelineCtx, req)
	if err != nil {
		s.failJob(ctx, job, "provision", err)
		return
	}

	bound, err := s.repo.BindSandbox(pipelineCtx, job.ID, *handle)
	if err != nil {
		s.teardownSandbox(ctx, job.ID, *handle)
		s.failJob(ctx, job, "provision", fmt.Errorf("bind sandbox: %w", err))
		return
	}
	if !bound {
		// The job left pending while we were provisioning (a cancel won).
		// The sandbox was never bound, so ClaimTeardown cannot see it and
		// we destroy it directly.
		if s.logger != nil {
			s.logger.InfoContext(ctx, "job no longer pending, discarding fresh sandbox",
				"id", job.ID,
				"sandbox_id", handle.ID,
			)
		}
		s.teardownSandbox(ctx, job.ID, *handle)
		s.emitTransition(TerminalResolution{JobID: job.ID, Reason: "provision"}, metrics.ResultNoop, 0, nil)
		return
	}

	if err := s.launcher.Launch(pipelineCtx, *handle, req); err != nil {
		s.failJob(ctx, job, "launch", err)
		return
	}

	running, err := s.repo.Transition(pipelineCtx, core.TransitionParams{
		ID:   job.ID,
		From: []model.JobStatus{model.JobStatusProvisioning},
		To:   model.JobStatusRunning,
	})
	if err != nil {
		s.failJob(ctx, job, "launch", fmt.Errorf("mark running: %w", err))
		return
	}
	if !running {
		// A terminal transition (cancel, or an unusually fast webhook) beat
		// us. Its resolver owns the teardown.
		s.emitTransition(TerminalResolution{JobID: job.ID, Reason: "launch"}, metrics.ResultNoop, 0, nil)
		return
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job running",
			"id", job.ID,
			"sandbox_id", handle.ID,
			"deadline_at", job.DeadlineAt,
		)
	}
	s.emitTransition(TerminalResolution{JobID: job.ID, Reason: "launch"}, metrics.ResultSuccess, 0, nil)
}

func (s *OrchestratorService) provisionRequest(job *model.Job) core.ProvisionRequest {
	return core.ProvisionRequest{
		JobID:       job.ID,
		Task:        job.Task,
		CodeRef:     job.CodeRef,
		CallbackURL: s.callbackURL,
		Env:         s.provisionEnv,
	}
}

// failJob resolves a pipeline failure to the failed state. Losing the race is
// fine; whoever won has already handled teardown.
func (s *OrchestratorService) failJob(ctx context.Context, job *model.Job, stage string, cause error) {
	if s.logger != nil {
		s.logger.ErrorContext(ctx, "job pipeline failed",
			"id", job.ID,
			"stage", stage,
			"error", cause,
		)
	}

	msg := fmt.Sprintf("%s: %v", stage, cause)
	if _, err := s.ResolveTerminal(ctx, TerminalResolution{
		JobID:  job.ID,
		To:     model.JobStatusFailed,
		Error:  &msg,
		Reason: stage,
	}); err != nil && s.logger != nil {
		s.logger.ErrorContext(ctx, "failed to resolve job after pipeline failure",
			"id", job.ID,
			"stage", stage,
			"error", err,
		)
	}
}

func (s *OrchestratorService) emitTransition(res TerminalResolution, result string, elapsed time.Duration, err error) {
	transition := res.Reason
	if result == metrics.ResultSuccess && res.To != "" {
		transition = string(res.To)
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: transition,
		Result:     result,
		Duration:   elapsed,
		Err:        err,
	})
}

// notifyIfFailure fans out a failure notification for failed and timed out
// jobs. The job row is reloaded to enrich the payload; by this point the
// terminal state is durable so a reload error only degrades the message.
func (s *OrchestratorService) notifyIfFailure(ctx context.Context, res TerminalResolution) {
	if s.failureNotifier == nil || !s.failureNotifier.Enabled() {
		return
	}
	if res.To != model.JobStatusFailed && res.To != model.JobStatusTimedOut {
		return
	}

	payload := notify.JobFailurePayload{
		JobID:      res.JobID,
		Status:     string(res.To),
		Severity:   notify.SeverityCritical,
		OccurredAt: s.timeProvider.Now(),
		Metadata:   map[string]string{"reason": res.Reason},
	}
	if res.Error != nil {
		payload.Error = *res.Error
	}

	if job, err := s.repo.GetByID(ctx, res.JobID); err == nil {
		payload.Task = job.Task
		if job.SandboxID != nil {
			payload.SandboxID = *job.SandboxID
		}
	} else if s.logger != nil {
		s.logger.WarnContext(ctx, "failed to load job for failure notification",
			"id", res.JobID,
			"error", err,
		)
	}

	s.failureNotifier.NotifyJobFailure(ctx, payload)
}

func strPtr(s string) *string {
	return &s
}
