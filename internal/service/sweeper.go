package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/sandstorm/config"
	"github.com/target/sandstorm/internal/core"
	"github.com/target/sandstorm/internal/domain/model"
	obserrors "github.com/target/sandstorm/internal/observability/errors"
	"github.com/target/sandstorm/internal/observability/metrics"
	"github.com/target/sandstorm/internal/observability/statsd"
)

// SweeperServiceOptions groups dependencies for SweeperService.
type SweeperServiceOptions struct {
	Repo        core.SweeperRepository  // Required: sweep queries
	Jobs        core.JobRepository      // Required: teardown claims
	Provisioner core.SandboxProvisioner // Required: sandbox destruction
	Config      config.SweeperConfig    // Required: sweeper configuration
	Logger      *slog.Logger            // Optional: structured logger
	Metrics     statsd.Sink             // Optional: metrics sink (StatsD-compatible)
}

// SweeperService reclaims leftovers.
//
// This service manages:
// - Tearing down sandboxes of terminal jobs whose teardown never completed
//   (e.g. the process crashed between the terminal transition and the
//   provider call).
// - Deleting old terminal jobs to prevent database bloat.
//
// The first sweep runs immediately after startup so orphans from a previous
// process generation are reclaimed right away.
type SweeperService struct {
	repo        core.SweeperRepository
	jobs        core.JobRepository
	provisioner core.SandboxProvisioner
	config      config.SweeperConfig
	logger      *slog.Logger
	metrics     statsd.Sink
}

// NewSweeperService constructs a new SweeperService.
func NewSweeperService(opts SweeperServiceOptions) (*SweeperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("SweeperRepository is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Provisioner == nil {
		return nil, errors.New("SandboxProvisioner is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "sweeper_service")
		logger.Debug("SweeperService initialized",
			"interval", opts.Config.Interval,
			"retention_max_age", opts.Config.RetentionMaxAge,
			"batch_size", opts.Config.BatchSize,
		)
	}

	return &SweeperService{
		repo:        opts.Repo,
		jobs:        opts.Jobs,
		provisioner: opts.Provisioner,
		config:      opts.Config,
		logger:      logger,
		metrics:     opts.Metrics,
	}, nil
}

// Run starts the sweep loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *SweeperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting sweeper service", "interval", s.config.Interval)
	}

	waitWithJitter(ctx, s.config.Interval, s.logger)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.SweepOnce(ctx); err != nil {
		s.logSweepError(err, "initial sweep")
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "sweeper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logSweepError(err, "sweep")
				// Continue running despite errors
			}
		}
	}
}

// SweepOnce performs one full sweep: orphaned sandbox reclamation followed by
// retention cleanup.
func (s *SweeperService) SweepOnce(ctx context.Context) error {
	start := time.Now()

	orphans, orphanErr := s.sweepOrphanedSandboxes(ctx)
	s.emitSweepOperation("reclaim_sandboxes", orphans, orphanErr)

	deleted, deleteErr := s.deleteOldJobs(ctx)
	s.emitSweepOperation("delete_terminal", deleted, deleteErr)

	err := errors.Join(orphanErr, deleteErr)

	if s.metrics != nil {
		result := metrics.ResultSuccess
		switch {
		case err != nil:
			result = metrics.ResultError
		case orphans+deleted == 0:
			result = metrics.ResultNoop
		}
		tags := map[string]string{"result": result}
		if err != nil {
			if class := obserrors.Classify(err); class != "" {
				tags["error_class"] = class
			}
		}
		s.metrics.Count("sweeper.sweep", 1, tags)
		s.metrics.Timing("sweeper.sweep_duration", time.Since(start), metrics.CloneTags(tags))
		if err == nil {
			s.metrics.Gauge("sweeper.last_success_epoch", float64(time.Now().Unix()), nil)
		}
	}

	if err != nil {
		if isContextCancellation(err) {
			return context.Canceled
		}
		return fmt.Errorf("sweep failed: %w", err)
	}
	return nil
}

// sweepOrphanedSandboxes claims and destroys sandboxes still bound to
// terminal jobs. ClaimTeardown keeps the destroy-at-most-once guarantee even
// when a racing resolver finishes its own teardown concurrently.
func (s *SweeperService) sweepOrphanedSandboxes(ctx context.Context) (int64, error) {
	var total int64
	for {
		jobs, err := s.repo.FindOrphanedSandboxes(ctx, s.config.BatchSize)
		if err != nil {
			return total, fmt.Errorf("find orphaned sandboxes: %w", err)
		}
		if len(jobs) == 0 {
			break
		}

		var claimed int64
		for _, job := range jobs {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}

			handle, err := s.jobs.ClaimTeardown(ctx, job.ID)
			if err != nil {
				if s.logger != nil {
					s.logger.ErrorContext(ctx, "failed to claim orphaned sandbox", "id", job.ID, "error", err)
				}
				continue
			}
			if handle == nil {
				continue
			}

			claimed++
			total++
			if err := s.provisioner.Teardown(ctx, *handle); err != nil {
				if s.logger != nil {
					s.logger.ErrorContext(ctx, "orphaned sandbox teardown failed",
						"id", job.ID,
						"sandbox_id", handle.ID,
						"error", err,
					)
				}
				continue
			}
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reclaimed orphaned sandbox",
					"id", job.ID,
					"sandbox_id", handle.ID,
				)
			}
		}

		// Every row either got claimed by us or by a racing resolver;
		// stop once a pass claims nothing to avoid spinning on losers.
		if claimed == 0 {
			break
		}
	}
	return total, nil
}

// deleteOldJobs deletes terminal jobs older than the retention max age.
// Loops until no more rows are affected to handle large datasets in batches.
func (s *SweeperService) deleteOldJobs(ctx context.Context) (int64, error) {
	var total int64
	for {
		count, err := s.repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
			Statuses:  model.TerminalStatuses(),
			MaxAge:    s.config.RetentionMaxAge,
			BatchSize: s.config.BatchSize,
		})
		if err != nil {
			return total, fmt.Errorf("delete old jobs: %w", err)
		}
		total += count
		if count == 0 {
			break
		}
		// Check context between batches
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}

	if total > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted old terminal jobs",
			"count", total,
			"max_age", s.config.RetentionMaxAge,
		)
	}
	return total, nil
}

func (s *SweeperService) emitSweepOperation(operation string, count int64, err error) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("sweeper.sweep_operation", 1, tags)
	if err == nil && count > 0 {
		s.metrics.Count("sweeper.rows_processed", count, metrics.CloneTags(tags))
	}
}

func (s *SweeperService) logSweepError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}
	s.logger.Error(label+" failed", "error", err)
}
