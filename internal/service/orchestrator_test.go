package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/sandstorm/internal/core"
	domainjob "github.com/target/sandstorm/internal/domain/job"
	"github.com/target/sandstorm/internal/domain/model"
	apperrors "github.com/target/sandstorm/internal/errors"
	"github.com/target/sandstorm/internal/mocks"
)

func testRuntimePolicy(t *testing.T) *domainjob.RuntimePolicy {
	t.Helper()
	policy, err := domainjob.NewRuntimePolicy(10*time.Minute, time.Hour)
	require.NoError(t, err)
	return policy
}

type orchestratorFixture struct {
	repo        *mocks.MockJobRepository
	provisioner *mocks.MockSandboxProvisioner
	launcher    *mocks.MockRunnerLauncher
	svc         *OrchestratorService
}

func newOrchestratorFixture(t *testing.T, ctrl *gomock.Controller) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		repo:        mocks.NewMockJobRepository(ctrl),
		provisioner: mocks.NewMockSandboxProvisioner(ctrl),
		launcher:    mocks.NewMockRunnerLauncher(ctrl),
	}
	f.svc = MustNewOrchestratorService(OrchestratorServiceOptions{
		Repo:          f.repo,
		Provisioner:   f.provisioner,
		Launcher:      f.launcher,
		RuntimePolicy: testRuntimePolicy(t),
		CallbackURL:   "https://orchestrator.test/api/webhooks/runner",
	})
	return f
}

func pendingJob(id string) *model.Job {
	now := time.Now().UTC()
	return &model.Job{
		ID:         id,
		Status:     model.JobStatusPending,
		Task:       "summarize the repo",
		CodeRef:    "git@example.com:demo/repo.git#main",
		CreatedAt:  now,
		UpdatedAt:  now,
		DeadlineAt: now.Add(10 * time.Minute),
	}
}

func testHandle(id string) *model.SandboxHandle {
	return &model.SandboxHandle{ID: id, Endpoint: "https://" + id + ".sandbox.test"}
}

func TestNewOrchestratorService(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRepository(ctrl)
	provisioner := mocks.NewMockSandboxProvisioner(ctrl)
	launcher := mocks.NewMockRunnerLauncher(ctrl)
	policy := testRuntimePolicy(t)

	tests := []struct {
		name    string
		opts    OrchestratorServiceOptions
		wantErr string
	}{
		{
			name: "missing repo",
			opts: OrchestratorServiceOptions{
				Provisioner: provisioner, Launcher: launcher,
				RuntimePolicy: policy, CallbackURL: "https://cb",
			},
			wantErr: "JobRepository is required",
		},
		{
			name: "missing provisioner",
			opts: OrchestratorServiceOptions{
				Repo: repo, Launcher: launcher,
				RuntimePolicy: policy, CallbackURL: "https://cb",
			},
			wantErr: "SandboxProvisioner is required",
		},
		{
			name: "missing launcher",
			opts: OrchestratorServiceOptions{
				Repo: repo, Provisioner: provisioner,
				RuntimePolicy: policy, CallbackURL: "https://cb",
			},
			wantErr: "RunnerLauncher is required",
		},
		{
			name: "missing callback url",
			opts: OrchestratorServiceOptions{
				Repo: repo, Provisioner: provisioner, Launcher: launcher,
				RuntimePolicy: policy,
			},
			wantErr: "CallbackURL is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewOrchestratorService(tt.opts)
			require.Error(t, err)
			assert.Nil(t, svc)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("success", func(t *testing.T) {
		svc, err := NewOrchestratorService(OrchestratorServiceOptions{
			Repo: repo, Provisioner: provisioner, Launcher: launcher,
			RuntimePolicy: policy, CallbackURL: "https://cb",
		})
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})
}

func TestSubmitValidation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newOrchestratorFixture(t, ctrl)

	_, err := f.svc.Submit(context.Background(), &model.SubmitJobRequest{CodeRef: "ref"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestSubmitRunsPipelineToRunning(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newOrchestratorFixture(t, ctrl)
	job := pendingJob("job-1")
	handle := testHandle("sbx-1")
	done := make(chan struct{})

	f.repo.EXPECT().Create(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.CreateJobParams) (*model.Job, error) {
			assert.Equal(t, job.Task, params.Task)
			assert.False(t, params.DeadlineAt.IsZero())
			return job, nil
		})
	f.provisioner.EXPECT().Provision(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req core.ProvisionRequest) (*model.SandboxHandle, error) {
			assert.Equal(t, "job-1", req.JobID)
			assert.Equal(t, "https://orchestrator.test/api/webhooks/runner", req.CallbackURL)
			return handle, nil
		})
	f.repo.EXPECT().BindSandbox(gomock.Any(), "job-1", *handle).Return(true, nil)
	f.launcher.EXPECT().Launch(gomock.Any(), *handle, gomock.Any()).Return(nil)
	f.repo.EXPECT().Transition(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.TransitionParams) (bool, error) {
			defer close(done)
			assert.Equal(t, model.JobStatusRunning, params.To)
			assert.Equal(t, []model.JobStatus{model.JobStatusProvisioning}, params.From)
			return true, nil
		})

	created, err := f.svc.Submit(context.Background(), &model.SubmitJobRequest{
		Task:    job.Task,
		CodeRef: job.CodeRef,
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", created.ID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not finish")
	}
}

func TestSubmitProvisionFailureResolvesFailed(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newOrchestratorFixture(t, ctrl)
	job := pendingJob("job-2")
	done := make(chan struct{})

	f.repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(job, nil)
	f.provisioner.EXPECT().Provision(gomock.Any(), gomock.Any()).
		Return(nil, errors.New("provider unavailable"))
	f.repo.EXPECT().Transition(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.TransitionParams) (bool, error) {
			assert.Equal(t, model.JobStatusFailed, params.To)
			require.NotNil(t, params.Error)
			assert.Contains(t, *params.Error, "provider unavailable")
			return true, nil
		})
	f.repo.EXPECT().ClaimTeardown(gomock.Any(), "job-2").
		DoAndReturn(func(context.Context, string) (*model.SandboxHandle, error) {
			defer close(done)
			return nil, nil
		})

	_, err := f.svc.Submit(context.Background(), &model.SubmitJobRequest{
		Task:    job.Task,
		CodeRef: job.CodeRef,
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("failure was not resolved")
	}
}

func TestSubmitBindLostRaceDiscardsSandbox(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newOrchestratorFixture(t, ctrl)
	job := pendingJob("job-3")
	handle := testHandle("sbx-3")
	done := make(chan struct{})

	f.repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(job, nil)
	f.provisioner.EXPECT().Provision(gomock.Any(), gomock.Any()).Return(handle, nil)
	// A cancel moved the job out of pending while we were provisioning.
	f.repo.EXPECT().BindSandbox(gomock.Any(), "job-3", *handle).Return(false, nil)
	f.provisioner.EXPECT().Teardown(gomock.Any(), *handle).
		DoAndReturn(func(context.Context, model.SandboxHandle) error {
			defer close(done)
			return nil
		})

	_, err := f.svc.Submit(context.Background(), &model.SubmitJobRequest{
		Task:    job.Task,
		CodeRef: job.CodeRef,
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fresh sandbox was not discarded")
	}
}

func TestSubmitLaunchFailureFailsJobAndTearsDown(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newOrchestratorFixture(t, ctrl)
	job := pendingJob("job-4")
	handle := testHandle("sbx-4")
	done := make(chan struct{})

	f.repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(job, nil)
	f.provisioner.EXPECT().Provision(gomock.Any(), gomock.Any()).Return(handle, nil)
	f.repo.EXPECT().BindSandbox(gomock.Any(), "job-4", *handle).Return(true, nil)
	f.launcher.EXPECT().Launch(gomock.Any(), *handle, gomock.Any()).
		Return(errors.New("command rejected"))
	f.repo.EXPECT().Transition(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.TransitionParams) (bool, error) {
			assert.Equal(t, model.JobStatusFailed, params.To)
			return true, nil
		})
	f.repo.EXPECT().ClaimTeardown(gomock.Any(), "job-4").Return(handle, nil)
	f.provisioner.EXPECT().Teardown(gomock.Any(), *handle).
		DoAndReturn(func(context.Context, model.SandboxHandle) error {
			defer close(done)
			return nil
		})

	_, err := f.svc.Submit(context.Background(), &model.SubmitJobRequest{
		Task:    job.Task,
		CodeRef: job.CodeRef,
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("launch failure was not resolved")
	}
}

func TestResolveTerminal(t *testing.T) {
	t.Run("rejects non-terminal target", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		f := newOrchestratorFixture(t, ctrl)

		_, err := f.svc.ResolveTerminal(context.Background(), TerminalResolution{
			JobID: "job-1",
			To:    model.JobStatusRunning,
		})
		require.Error(t, err)
	})

	t.Run("won race tears down exactly once", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		f := newOrchestratorFixture(t, ctrl)
		handle := testHandle("sbx-9")

		f.repo.EXPECT().Transition(gomock.Any(), gomock.Any()).Return(true, nil)
		f.repo.EXPECT().ClaimTeardown(gomock.Any(), "job-9").Return(handle, nil)
		f.provisioner.EXPECT().Teardown(gomock.Any(), *handle).Return(nil)

		applied, err := f.svc.ResolveTerminal(context.Background(), TerminalResolution{
			JobID:  "job-9",
			To:     model.JobStatusSucceeded,
			Reason: "webhook",
		})
		require.NoError(t, err)
		assert.True(t, applied)
	})

	t.Run("lost race does nothing", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		f := newOrchestratorFixture(t, ctrl)

		f.repo.EXPECT().Transition(gomock.Any(), gomock.Any()).Return(false, nil)

		applied, err := f.svc.ResolveTerminal(context.Background(), TerminalResolution{
			JobID:  "job-9",
			To:     model.JobStatusFailed,
			Reason: "webhook",
		})
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("teardown claim races stay exactly once", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		f := newOrchestratorFixture(t, ctrl)
		handle := testHandle("sbx-10")

		// Two resolvers race the same job; only one transition and one
		// teardown claim may win.
		var mu sync.Mutex
		transitioned := false
		f.repo.EXPECT().Transition(gomock.Any(), gomock.Any()).Times(2).
			DoAndReturn(func(context.Context, core.TransitionParams) (bool, error) {
				mu.Lock()
				defer mu.Unlock()
				if transitioned {
					return false, nil
				}
				transitioned = true
				return true, nil
			})
		f.repo.EXPECT().ClaimTeardown(gomock.Any(), "job-10").Return(handle, nil)
		f.provisioner.EXPECT().Teardown(gomock.Any(), *handle).Times(1).Return(nil)

		var wg sync.WaitGroup
		results := make([]bool, 2)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				applied, err := f.svc.ResolveTerminal(context.Background(), TerminalResolution{
					JobID:  "job-10",
					To:     model.JobStatusSucceeded,
					Reason: "webhook",
				})
				assert.NoError(t, err)
				results[i] = applied
			}()
		}
		wg.Wait()

		assert.NotEqual(t, results[0], results[1], "exactly one resolver must win")
	})
}

func TestCancel(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		f := newOrchestratorFixture(t, ctrl)

		f.repo.EXPECT().GetByID(gomock.Any(), "missing").
			Return(nil, errors.New("job not found"))

		err := f.svc.Cancel(context.Background(), "missing")
		require.Error(t, err)
	})

	t.Run("already terminal", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		f := newOrchestratorFixture(t, ctrl)
		job := pendingJob("job-5")
		job.Status = model.JobStatusSucceeded

		f.repo.EXPECT().GetByID(gomock.Any(), "job-5").Return(job, nil)
		f.repo.EXPECT().Transition(gomock.Any(), gomock.Any()).Return(false, nil)

		err := f.svc.Cancel(context.Background(), "job-5")
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))
	})

	t.Run("cancels running job and tears down", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		f := newOrchestratorFixture(t, ctrl)
		job := pendingJob("job-6")
		job.Status = model.JobStatusRunning
		handle := testHandle("sbx-6")

		f.repo.EXPECT().GetByID(gomock.Any(), "job-6").Return(job, nil)
		f.repo.EXPECT().Transition(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, params core.TransitionParams) (bool, error) {
				assert.Equal(t, model.JobStatusCancelled, params.To)
				assert.ElementsMatch(t, model.NonTerminalStatuses(), params.From)
				return true, nil
			})
		f.repo.EXPECT().ClaimTeardown(gomock.Any(), "job-6").Return(handle, nil)
		f.provisioner.EXPECT().Teardown(gomock.Any(), *handle).Return(nil)

		require.NoError(t, f.svc.Cancel(context.Background(), "job-6"))
	})
}

func TestGetStatusAndStats(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	f := newOrchestratorFixture(t, ctrl)
	job := pendingJob("job-7")

	f.repo.EXPECT().GetByID(gomock.Any(), "job-7").Return(job, nil)
	view, err := f.svc.GetStatus(context.Background(), "job-7")
	require.NoError(t, err)
	assert.Equal(t, "job-7", view.JobID)
	assert.Equal(t, model.JobStatusPending, view.Status)

	f.repo.EXPECT().Stats(gomock.Any()).Return(&model.JobStats{Running: 3}, nil)
	stats, err := f.svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Running)
}
