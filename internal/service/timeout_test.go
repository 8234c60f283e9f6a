package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/sandstorm/config"
	"github.com/target/sandstorm/internal/domain/model"
	"github.com/target/sandstorm/internal/mocks"
)

func newTimeoutFixture(t *testing.T, repo *mocks.MockSweeperRepository, resolver TerminalResolver) *TimeoutService {
	t.Helper()
	svc, err := NewTimeoutService(TimeoutServiceOptions{
		Repo:     repo,
		Resolver: resolver,
		Config:   config.TimeoutConfig{Interval: 5 * time.Second, BatchSize: 100},
	})
	require.NoError(t, err)
	return svc
}

func expiredJob(id string) *model.Job {
	now := time.Now().UTC()
	return &model.Job{
		ID:         id,
		Status:     model.JobStatusRunning,
		CreatedAt:  now.Add(-10 * time.Minute),
		DeadlineAt: now.Add(-time.Minute),
	}
}

func TestNewTimeoutServiceValidation(t *testing.T) {
	_, err := NewTimeoutService(TimeoutServiceOptions{Resolver: &stubResolver{}})
	require.Error(t, err)

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	_, err = NewTimeoutService(TimeoutServiceOptions{Repo: mocks.NewMockSweeperRepository(ctrl)})
	require.Error(t, err)
}

func TestScanOnceTimesOutExpiredJobs(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockSweeperRepository(ctrl)
	repo.EXPECT().FindExpired(gomock.Any(), 100).
		Return([]*model.Job{expiredJob("job-1"), expiredJob("job-2")}, nil)
	resolver := &stubResolver{applied: true}
	svc := newTimeoutFixture(t, repo, resolver)

	resolved, err := svc.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), resolved)

	require.Len(t, resolver.calls, 2)
	for _, call := range resolver.calls {
		assert.Equal(t, model.JobStatusTimedOut, call.To)
		assert.Equal(t, "timeout", call.Reason)
		require.NotNil(t, call.Error)
		assert.Contains(t, *call.Error, "deadline")
	}
}

func TestScanOnceLostRacesDoNotCount(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// A webhook resolved the job between our read and the swap; the scan
	// counts only the transitions this process actually applied.
	repo := mocks.NewMockSweeperRepository(ctrl)
	repo.EXPECT().FindExpired(gomock.Any(), 100).
		Return([]*model.Job{expiredJob("job-1")}, nil)
	resolver := &stubResolver{applied: false}
	svc := newTimeoutFixture(t, repo, resolver)

	resolved, err := svc.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), resolved)
	assert.Len(t, resolver.calls, 1)
}

func TestScanOnceQueryError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockSweeperRepository(ctrl)
	repo.EXPECT().FindExpired(gomock.Any(), 100).Return(nil, errors.New("db down"))
	svc := newTimeoutFixture(t, repo, &stubResolver{})

	_, err := svc.ScanOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "find expired jobs")
}

func TestScanOnceResolverErrorContinues(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockSweeperRepository(ctrl)
	repo.EXPECT().FindExpired(gomock.Any(), 100).
		Return([]*model.Job{expiredJob("job-1"), expiredJob("job-2")}, nil)

	calls := 0
	resolver := &funcResolver{fn: func(TerminalResolution) (bool, error) {
		calls++
		if calls == 1 {
			return false, errors.New("transient")
		}
		return true, nil
	}}
	svc := newTimeoutFixture(t, repo, resolver)

	resolved, err := svc.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), resolved)
	assert.Equal(t, 2, calls)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockSweeperRepository(ctrl)
	repo.EXPECT().FindExpired(gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()
	svc := newTimeoutFixture(t, repo, &stubResolver{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

type funcResolver struct {
	fn func(TerminalResolution) (bool, error)
}

func (f *funcResolver) ResolveTerminal(_ context.Context, res TerminalResolution) (bool, error) {
	return f.fn(res)
}
