package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/sandstorm/internal/core"
	"github.com/target/sandstorm/internal/data"
	domainjob "github.com/target/sandstorm/internal/domain/job"
	"github.com/target/sandstorm/internal/domain/model"
	apperrors "github.com/target/sandstorm/internal/errors"
	"github.com/target/sandstorm/internal/observability/metrics"
	"github.com/target/sandstorm/internal/observability/statsd"
)

// WebhookServiceOptions groups dependencies for WebhookService.
type WebhookServiceOptions struct {
	Repo            core.JobRepository        // Required: job repository
	Resolver        TerminalResolver          // Required: terminal transition resolver
	ExtensionPolicy domainjob.ExtensionPolicy // Required: deadline extension policy for progress events
	Cache           core.CacheRepository      // Optional: dedup fast-path cache
	DedupTTL        time.Duration             // Optional: TTL for dedup cache entries (default 15m)
	Logger          *slog.Logger              // Optional: structured logger
	Metrics         statsd.Sink               // Optional: metrics sink (StatsD-compatible)
	TimeProvider    data.TimeProvider         // Optional: clock override for tests
}

const defaultDedupTTL = 15 * time.Minute

// WebhookService ingests runner callbacks and applies them idempotently.
//
// Acknowledgments:
//   - accepted: the event was applied by this call.
//   - duplicate: the sequence number was already applied; nothing changed.
//   - stale: the job is unknown or already terminal and the event was dropped.
//
// Duplicate and reordered deliveries are expected; the persisted last_event_seq
// and the repository's compare-and-swap operations make redelivery harmless.
type WebhookService struct {
	repo            core.JobRepository
	resolver        TerminalResolver
	extensionPolicy domainjob.ExtensionPolicy
	cache           core.CacheRepository
	dedupTTL        time.Duration
	logger          *slog.Logger
	metrics         statsd.Sink
	timeProvider    data.TimeProvider
}

// NewWebhookService constructs a new WebhookService.
func NewWebhookService(opts WebhookServiceOptions) (*WebhookService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("TerminalResolver is required")
	}

	dedupTTL := opts.DedupTTL
	if dedupTTL <= 0 {
		dedupTTL = defaultDedupTTL
	}

	timeProvider := opts.TimeProvider
	if timeProvider == nil {
		timeProvider = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "webhook_service")
		logger.Debug("WebhookService initialized",
			"extension_mode", opts.ExtensionPolicy.Mode,
			"extension_window", opts.ExtensionPolicy.Window,
		)
	}

	return &WebhookService{
		repo:            opts.Repo,
		resolver:        opts.Resolver,
		extensionPolicy: opts.ExtensionPolicy,
		cache:           opts.Cache,
		dedupTTL:        dedupTTL,
		logger:          logger,
		metrics:         opts.Metrics,
		timeProvider:    timeProvider,
	}, nil
}

// MustNewWebhookService constructs a new WebhookService and panics on error.
func MustNewWebhookService(opts WebhookServiceOptions) *WebhookService {
	svc, err := NewWebhookService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create WebhookService: %v", err))
	}
	return svc
}

// Receive processes one runner callback and returns the acknowledgment to
// send back. Errors are returned only for infrastructure failures; every
// expected race or redelivery maps to a duplicate or stale ack.
func (s *WebhookService) Receive(ctx context.Context, event model.WebhookEvent) (model.EventAck, error) {
	if err := event.Validate(); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid webhook event")
	}

	if s.seenInCache(ctx, event) {
		s.ack(ctx, event, model.EventAckDuplicate, "dedup cache hit")
		return model.EventAckDuplicate, nil
	}

	job, err := s.repo.GetByID(ctx, event.JobID)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			s.ack(ctx, event, model.EventAckStale, "unknown job")
			return model.EventAckStale, nil
		}
		return "", fmt.Errorf("load job %s: %w", event.JobID, err)
	}

	// A sequence number at or below the recorded one was already applied,
	// even if the job has since gone terminal.
	if event.EventSeq <= job.LastEventSeq {
		s.ack(ctx, event, model.EventAckDuplicate, "sequence already applied")
		return model.EventAckDuplicate, nil
	}

	if job.Status.Terminal() {
		s.ack(ctx, event, model.EventAckStale, "job already terminal")
		return model.EventAckStale, nil
	}

	if event.Kind == model.EventKindProgress {
		return s.receiveProgress(ctx, event, job)
	}
	return s.receiveTerminal(ctx, event)
}

func (s *WebhookService) receiveProgress(
	ctx context.Context,
	event model.WebhookEvent,
	job *model.Job,
) (model.EventAck, error) {
	var deadline *time.Time
	now := s.timeProvider.Now()
	if next, extended := s.extensionPolicy.NextDeadline(now, job.DeadlineAt, job.CreatedAt); extended {
		deadline = &next
	}

	applied, err := s.repo.AcceptProgress(ctx, core.AcceptProgressParams{
		ID:       event.JobID,
		Seq:      event.EventSeq,
		Deadline: deadline,
	})
	if err != nil {
		return "", fmt.Errorf("accept progress for job %s: %w", event.JobID, err)
	}
	if !applied {
		// Lost to a concurrent delivery with the same or higher sequence,
		// or to a terminal transition that landed after our read.
		s.ack(ctx, event, model.EventAckDuplicate, "progress lost race")
		return model.EventAckDuplicate, nil
	}

	s.rememberInCache(ctx, event)
	s.ack(ctx, event, model.EventAckAccepted, "")
	if deadline != nil && s.logger != nil {
		s.logger.DebugContext(ctx, "deadline extended",
			"id", event.JobID,
			"seq", event.EventSeq,
			"deadline_at", *deadline,
		)
	}
	return model.EventAckAccepted, nil
}

func (s *WebhookService) receiveTerminal(ctx context.Context, event model.WebhookEvent) (model.EventAck, error) {
	res := TerminalResolution{
		JobID:    event.JobID,
		EventSeq: &event.EventSeq,
		Reason:   "webhook",
	}
	switch event.Kind {
	case model.EventKindSucceeded:
		res.To = model.JobStatusSucceeded
		res.Result = event.Payload
	case model.EventKindFailed:
		res.To = model.JobStatusFailed
		res.Result = event.Payload
		res.Error = strPtr(extractEventError(event.Payload))
	default:
		return "", fmt.Errorf("unexpected terminal event kind %q", event.Kind)
	}

	applied, err := s.resolver.ResolveTerminal(ctx, res)
	if err != nil {
		return "", err
	}
	if !applied {
		// Another terminal resolution won between our read and the swap.
		s.ack(ctx, event, model.EventAckStale, "terminal transition lost race")
		return model.EventAckStale, nil
	}

	s.rememberInCache(ctx, event)
	s.ack(ctx, event, model.EventAckAccepted, "")
	return model.EventAckAccepted, nil
}

// extractEventError pulls the runner's error message out of a failed event
// payload. Falls back to a generic message for payloads we cannot parse.
func extractEventError(payload json.RawMessage) string {
	if len(payload) > 0 {
		var body struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(payload, &body); err == nil && body.Error != "" {
			return body.Error
		}
	}
	return "runner reported failure"
}

// seenInCache is a read-only fast path; a miss always falls through to the
// database, so cache failures only cost a query.
func (s *WebhookService) seenInCache(ctx context.Context, event model.WebhookEvent) bool {
	if s.cache == nil {
		return false
	}
	value, err := s.cache.Get(ctx, dedupKey(event))
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "webhook dedup cache read failed", "error", err)
		}
		return false
	}
	return value != nil
}

// rememberInCache records an applied event. Written only after the database
// swap succeeded so a cache entry never claims an event that was not applied.
func (s *WebhookService) rememberInCache(ctx context.Context, event model.WebhookEvent) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, dedupKey(event), []byte{'1'}, s.dedupTTL); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "webhook dedup cache write failed", "error", err)
	}
}

func dedupKey(event model.WebhookEvent) string {
	return fmt.Sprintf("webhook:%s:%d", event.JobID, event.EventSeq)
}

func (s *WebhookService) ack(ctx context.Context, event model.WebhookEvent, ack model.EventAck, note string) {
	metrics.EmitWebhookAck(s.metrics, string(event.Kind), string(ack))
	if s.logger == nil {
		return
	}
	attrs := []any{
		"id", event.JobID,
		"seq", event.EventSeq,
		"kind", event.Kind,
		"ack", ack,
	}
	if note != "" {
		attrs = append(attrs, "note", note)
	}
	s.logger.DebugContext(ctx, "webhook event acknowledged", attrs...)
}
