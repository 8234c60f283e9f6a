package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
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

// TimeoutServiceOptions groups dependencies for TimeoutService.
type TimeoutServiceOptions struct {
	Repo     core.SweeperRepository // Required: expired-job query access
	Resolver TerminalResolver       // Required: terminal transition resolver
	Config   config.TimeoutConfig   // Required: timeout configuration
	Logger   *slog.Logger           // Optional: structured logger
	Metrics  statsd.Sink            // Optional: metrics sink (StatsD-compatible)
}

// TimeoutService enforces job deadlines.
//
// It periodically scans for non-terminal jobs whose deadline elapsed and
// resolves each to timed_out. Resolution goes through the shared
// TerminalResolver, so a webhook or cancel that lands first simply wins the
// compare-and-swap and the scan moves on. The first scan runs immediately
// after startup, which also catches jobs that expired while the process was
// down.
type TimeoutService struct {
	repo     core.SweeperRepository
	resolver TerminalResolver
	config   config.TimeoutConfig
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewTimeoutService constructs a new TimeoutService.
func NewTimeoutService(opts TimeoutServiceOptions) (*TimeoutService, error) {
	if opts.Repo == nil {
		return nil, errors.New("SweeperRepository is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("TerminalResolver is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "timeout_service")
		logger.Debug("TimeoutService initialized",
			"interval", opts.Config.Interval,
			"batch_size", opts.Config.BatchSize,
		)
	}

	return &TimeoutService{
		repo:     opts.Repo,
		resolver: opts.Resolver,
		config:   opts.Config,
		logger:   logger,
		metrics:  opts.Metrics,
	}, nil
}

// Run starts the deadline scan loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *TimeoutService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting timeout service", "interval", s.config.Interval)
	}

	// Add jitter to prevent thundering herd if multiple instances start together
	waitWithJitter(ctx, s.config.Interval, s.logger)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Scan immediately so deadlines that elapsed during downtime are enforced
	// without waiting a full interval.
	if _, err := s.ScanOnce(ctx); err != nil {
		s.logScanError(err, "initial deadline scan")
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "timeout service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if _, err := s.ScanOnce(ctx); err != nil {
				s.logScanError(err, "deadline scan")
				// Continue running despite errors
			}
		}
	}
}

// ScanOnce runs one deadline scan and returns how many jobs this process
// resolved to timed_out.
func (s *TimeoutService) ScanOnce(ctx context.Context) (int64, error) {
	start := time.Now()

	expired, err := s.repo.FindExpired(ctx, s.config.BatchSize)
	if err != nil {
		s.emitScan(metrics.ResultError, 0, time.Since(start), err)
		return 0, fmt.Errorf("find expired jobs: %w", err)
	}

	var resolved int64
	for _, job := range expired {
		if ctx.Err() != nil {
			s.emitScan(metrics.ResultError, resolved, time.Since(start), ctx.Err())
			return resolved, ctx.Err()
		}

		applied, err := s.resolver.ResolveTerminal(ctx, TerminalResolution{
			JobID:  job.ID,
			To:     model.JobStatusTimedOut,
			Error:  strPtr(fmt.Sprintf("deadline %s exceeded", job.DeadlineAt.UTC().Format(time.RFC3339))),
			Reason: "timeout",
		})
		if err != nil {
			if s.logger != nil {
				s.logger.ErrorContext(ctx, "failed to time out job", "id", job.ID, "error", err)
			}
			continue
		}
		if applied {
			resolved++
		}
	}

	if resolved > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "timed out expired jobs",
			"count", resolved,
			"scanned", len(expired),
		)
	}

	result := metrics.ResultSuccess
	if resolved == 0 {
		result = metrics.ResultNoop
	}
	s.emitScan(result, resolved, time.Since(start), nil)

	return resolved, nil
}

func (s *TimeoutService) emitScan(result string, count int64, elapsed time.Duration, err error) {
	if s.metrics == nil {
		return
	}

	tags := map[string]string{"result": result}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("timeout.scan", 1, tags)
	if count > 0 {
		s.metrics.Count("timeout.jobs_timed_out", count, metrics.CloneTags(tags))
	}
	if elapsed > 0 {
		s.metrics.Timing("timeout.scan_duration", elapsed, metrics.CloneTags(tags))
	}
}

func (s *TimeoutService) logScanError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}
	s.logger.Error(label+" failed", "error", err)
}

// waitWithJitter sleeps a random duration up to 10% of the interval to avoid
// synchronized scans across instances.
func waitWithJitter(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	maxJitter := int64(interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		if logger != nil {
			logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
