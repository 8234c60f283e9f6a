package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/sandstorm/internal/core"
	"github.com/target/sandstorm/internal/data"
	domainjob "github.com/target/sandstorm/internal/domain/job"
	"github.com/target/sandstorm/internal/domain/model"
	apperrors "github.com/target/sandstorm/internal/errors"
	"github.com/target/sandstorm/internal/mocks"
)

type stubResolver struct {
	calls   []TerminalResolution
	applied bool
	err     error
}

func (s *stubResolver) ResolveTerminal(_ context.Context, res TerminalResolution) (bool, error) {
	s.calls = append(s.calls, res)
	return s.applied, s.err
}

var _ TerminalResolver = (*stubResolver)(nil)

func newWebhookFixture(
	t *testing.T,
	repo core.JobRepository,
	resolver TerminalResolver,
	cache core.CacheRepository,
) *WebhookService {
	t.Helper()
	return MustNewWebhookService(WebhookServiceOptions{
		Repo:     repo,
		Resolver: resolver,
		Cache:    cache,
		ExtensionPolicy: domainjob.ExtensionPolicy{
			Mode:   domainjob.ExtensionModeReset,
			Window: 5 * time.Minute,
		},
	})
}

func runningJob(id string, lastSeq int64) *model.Job {
	now := time.Now().UTC()
	return &model.Job{
		ID:           id,
		Status:       model.JobStatusRunning,
		Task:         "task",
		CodeRef:      "ref",
		LastEventSeq: lastSeq,
		CreatedAt:    now.Add(-time.Minute),
		UpdatedAt:    now,
		DeadlineAt:   now.Add(4 * time.Minute),
	}
}

func TestReceiveValidation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc := newWebhookFixture(t, mocks.NewMockJobRepository(ctrl), &stubResolver{}, nil)

	_, err := svc.Receive(context.Background(), model.WebhookEvent{JobID: "job-1"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestReceiveUnknownJobIsStale(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRepository(ctrl)
	repo.EXPECT().GetByID(gomock.Any(), "ghost").Return(nil, data.ErrJobNotFound)
	svc := newWebhookFixture(t, repo, &stubResolver{}, nil)

	ack, err := svc.Receive(context.Background(), model.WebhookEvent{
		JobID: "ghost", EventSeq: 1, Kind: model.EventKindProgress,
	})
	require.NoError(t, err)
	assert.Equal(t, model.EventAckStale, ack)
}

func TestReceiveDuplicateSequence(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRepository(ctrl)
	repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(runningJob("job-1", 5), nil)
	resolver := &stubResolver{}
	svc := newWebhookFixture(t, repo, resolver, nil)

	ack, err := svc.Receive(context.Background(), model.WebhookEvent{
		JobID: "job-1", EventSeq: 5, Kind: model.EventKindSucceeded,
	})
	require.NoError(t, err)
	assert.Equal(t, model.EventAckDuplicate, ack)
	assert.Empty(t, resolver.calls, "duplicate must not reach the resolver")
}

func TestReceiveDuplicateSequenceAfterTerminal(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// A redelivery of the very event that resolved the job must ack as
	// duplicate, not stale.
	job := runningJob("job-1", 3)
	job.Status = model.JobStatusSucceeded
	repo := mocks.NewMockJobRepository(ctrl)
	repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(job, nil)
	svc := newWebhookFixture(t, repo, &stubResolver{}, nil)

	ack, err := svc.Receive(context.Background(), model.WebhookEvent{
		JobID: "job-1", EventSeq: 3, Kind: model.EventKindSucceeded,
	})
	require.NoError(t, err)
	assert.Equal(t, model.EventAckDuplicate, ack)
}

func TestReceiveNewEventOnTerminalJobIsStale(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	job := runningJob("job-1", 3)
	job.Status = model.JobStatusTimedOut
	repo := mocks.NewMockJobRepository(ctrl)
	repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(job, nil)
	resolver := &stubResolver{}
	svc := newWebhookFixture(t, repo, resolver, nil)

	// Webhook arriving after the timeout fired: dropped as stale.
	ack, err := svc.Receive(context.Background(), model.WebhookEvent{
		JobID: "job-1", EventSeq: 4, Kind: model.EventKindSucceeded,
	})
	require.NoError(t, err)
	assert.Equal(t, model.EventAckStale, ack)
	assert.Empty(t, resolver.calls)
}

func TestReceiveProgressExtendsDeadline(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	job := runningJob("job-1", 1)
	repo := mocks.NewMockJobRepository(ctrl)
	repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(job, nil)
	repo.EXPECT().AcceptProgress(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.AcceptProgressParams) (bool, error) {
			assert.Equal(t, "job-1", params.ID)
			assert.Equal(t, int64(2), params.Seq)
			require.NotNil(t, params.Deadline, "reset mode must extend the deadline")
			assert.True(t, params.Deadline.After(job.DeadlineAt))
			return true, nil
		})
	svc := newWebhookFixture(t, repo, &stubResolver{}, nil)

	ack, err := svc.Receive(context.Background(), model.WebhookEvent{
		JobID: "job-1", EventSeq: 2, Kind: model.EventKindProgress,
	})
	require.NoError(t, err)
	assert.Equal(t, model.EventAckAccepted, ack)
}

func TestReceiveProgressNoExtensionWhenModeNone(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	job := runningJob("job-1", 1)
	repo := mocks.NewMockJobRepository(ctrl)
	repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(job, nil)
	repo.EXPECT().AcceptProgress(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.AcceptProgressParams) (bool, error) {
			assert.Nil(t, params.Deadline)
			return true, nil
		})

	svc := MustNewWebhookService(WebhookServiceOptions{
		Repo:            repo,
		Resolver:        &stubResolver{},
		ExtensionPolicy: domainjob.ExtensionPolicy{Mode: domainjob.ExtensionModeNone},
	})

	ack, err := svc.Receive(context.Background(), model.WebhookEvent{
		JobID: "job-1", EventSeq: 2, Kind: model.EventKindProgress,
	})
	require.NoError(t, err)
	assert.Equal(t, model.EventAckAccepted, ack)
}

func TestReceiveProgressLostRaceIsDuplicate(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRepository(ctrl)
	repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(runningJob("job-1", 1), nil)
	repo.EXPECT().AcceptProgress(gomock.Any(), gomock.Any()).Return(false, nil)
	svc := newWebhookFixture(t, repo, &stubResolver{}, nil)

	ack, err := svc.Receive(context.Background(), model.WebhookEvent{
		JobID: "job-1", EventSeq: 2, Kind: model.EventKindProgress,
	})
	require.NoError(t, err)
	assert.Equal(t, model.EventAckDuplicate, ack)
}

func TestReceiveTerminalSucceeded(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRepository(ctrl)
	repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(runningJob("job-1", 2), nil)
	resolver := &stubResolver{applied: true}
	svc := newWebhookFixture(t, repo, resolver, nil)

	payload := json.RawMessage(`{"summary":"done"}`)
	ack, err := svc.Receive(context.Background(), model.WebhookEvent{
		JobID: "job-1", EventSeq: 3, Kind: model.EventKindSucceeded, Payload: payload,
	})
	require.NoError(t, err)
	assert.Equal(t, model.EventAckAccepted, ack)

	require.Len(t, resolver.calls, 1)
	call := resolver.calls[0]
	assert.Equal(t, model.JobStatusSucceeded, call.To)
	assert.Equal(t, payload, call.Result)
	require.NotNil(t, call.EventSeq)
	assert.Equal(t, int64(3), *call.EventSeq)
}

func TestReceiveTerminalFailedExtractsError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRepository(ctrl)
	repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(runningJob("job-1", 0), nil)
	resolver := &stubResolver{applied: true}
	svc := newWebhookFixture(t, repo, resolver, nil)

	ack, err := svc.Receive(context.Background(), model.WebhookEvent{
		JobID: "job-1", EventSeq: 1, Kind: model.EventKindFailed,
		Payload: json.RawMessage(`{"error":"agent crashed"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.EventAckAccepted, ack)

	require.Len(t, resolver.calls, 1)
	require.NotNil(t, resolver.calls[0].Error)
	assert.Equal(t, "agent crashed", *resolver.calls[0].Error)
	assert.Equal(t, model.JobStatusFailed, resolver.calls[0].To)
}

func TestReceiveTerminalLostRaceIsStale(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// Two racing terminal events with increasing sequence numbers: the
	// loser of the compare-and-swap must ack stale and change nothing.
	repo := mocks.NewMockJobRepository(ctrl)
	repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(runningJob("job-1", 2), nil)
	resolver := &stubResolver{applied: false}
	svc := newWebhookFixture(t, repo, resolver, nil)

	ack, err := svc.Receive(context.Background(), model.WebhookEvent{
		JobID: "job-1", EventSeq: 3, Kind: model.EventKindFailed,
	})
	require.NoError(t, err)
	assert.Equal(t, model.EventAckStale, ack)
}

func TestReceiveDedupCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	t.Run("hit short-circuits before the database", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		cache := mocks.NewMockCacheRepository(ctrl)
		cache.EXPECT().Get(gomock.Any(), "webhook:job-1:2").Return([]byte{'1'}, nil)
		svc := newWebhookFixture(t, repo, &stubResolver{}, cache)

		ack, err := svc.Receive(context.Background(), model.WebhookEvent{
			JobID: "job-1", EventSeq: 2, Kind: model.EventKindProgress,
		})
		require.NoError(t, err)
		assert.Equal(t, model.EventAckDuplicate, ack)
	})

	t.Run("miss falls through and records after accept", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		cache := mocks.NewMockCacheRepository(ctrl)
		cache.EXPECT().Get(gomock.Any(), "webhook:job-1:2").Return(nil, nil)
		repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(runningJob("job-1", 1), nil)
		repo.EXPECT().AcceptProgress(gomock.Any(), gomock.Any()).Return(true, nil)
		cache.EXPECT().Set(gomock.Any(), "webhook:job-1:2", gomock.Any(), gomock.Any()).Return(nil)
		svc := newWebhookFixture(t, repo, &stubResolver{}, cache)

		ack, err := svc.Receive(context.Background(), model.WebhookEvent{
			JobID: "job-1", EventSeq: 2, Kind: model.EventKindProgress,
		})
		require.NoError(t, err)
		assert.Equal(t, model.EventAckAccepted, ack)
	})

	t.Run("read failure degrades to the database", func(t *testing.T) {
		repo := mocks.NewMockJobRepository(ctrl)
		cache := mocks.NewMockCacheRepository(ctrl)
		cache.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil, errors.New("redis down"))
		repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(runningJob("job-1", 5), nil)
		svc := newWebhookFixture(t, repo, &stubResolver{}, cache)

		ack, err := svc.Receive(context.Background(), model.WebhookEvent{
			JobID: "job-1", EventSeq: 2, Kind: model.EventKindProgress,
		})
		require.NoError(t, err)
		assert.Equal(t, model.EventAckDuplicate, ack)
	})
}

func TestExtractEventError(t *testing.T) {
	assert.Equal(t, "boom", extractEventError(json.RawMessage(`{"error":"boom"}`)))
	assert.Equal(t, "runner reported failure", extractEventError(nil))
	assert.Equal(t, "runner reported failure", extractEventError(json.RawMessage(`not json`)))
	assert.Equal(t, "runner reported failure", extractEventError(json.RawMessage(`{"other":1}`)))
}
