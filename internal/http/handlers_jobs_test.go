package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/sandstorm/internal/core"
	"github.com/target/sandstorm/internal/data"
	domainjob "github.com/target/sandstorm/internal/domain/job"
	"github.com/target/sandstorm/internal/domain/model"
	"github.com/target/sandstorm/internal/mocks"
	"github.com/target/sandstorm/internal/service"
)

type jobHandlerFixture struct {
	repo        *mocks.MockJobRepository
	provisioner *mocks.MockSandboxProvisioner
	launcher    *mocks.MockRunnerLauncher
	handlers    *JobHandlers
}

func newJobHandlerFixture(t *testing.T, ctrl *gomock.Controller) *jobHandlerFixture {
	t.Helper()
	policy, err := domainjob.NewRuntimePolicy(10*time.Minute, 2*time.Hour)
	require.NoError(t, err)

	f := &jobHandlerFixture{
		repo:        mocks.NewMockJobRepository(ctrl),
		provisioner: mocks.NewMockSandboxProvisioner(ctrl),
		launcher:    mocks.NewMockRunnerLauncher(ctrl),
	}
	svc := service.MustNewOrchestratorService(service.OrchestratorServiceOptions{
		Repo:          f.repo,
		Provisioner:   f.provisioner,
		Launcher:      f.launcher,
		RuntimePolicy: policy,
		CallbackURL:   "https://orchestrator.test/api/webhooks/runner",
	})
	f.handlers = &JobHandlers{Svc: svc}
	return f
}

// allowPipeline stubs out the background provision pipeline so handler tests
// only assert on the synchronous response.
func (f *jobHandlerFixture) allowPipeline() {
	f.provisioner.EXPECT().Provision(gomock.Any(), gomock.Any()).
		Return(nil, errors.New("pipeline stubbed out")).AnyTimes()
	f.provisioner.EXPECT().Teardown(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	f.repo.EXPECT().Transition(gomock.Any(), gomock.Any()).Return(false, nil).AnyTimes()
	f.repo.EXPECT().ClaimTeardown(gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()
}

func statusJob(id string, status model.JobStatus) *model.Job {
	now := time.Now().UTC()
	return &model.Job{
		ID:         id,
		Status:     status,
		Task:       "summarize the repo",
		CodeRef:    "sha256:abc123",
		CreatedAt:  now,
		UpdatedAt:  now,
		DeadlineAt: now.Add(10 * time.Minute),
	}
}

func TestSubmitJob_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newJobHandlerFixture(t, ctrl)
	f.allowPipeline()

	created := statusJob("job-123", model.JobStatusPending)
	f.repo.EXPECT().Create(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ any, params core.CreateJobParams) (*model.Job, error) {
			assert.Equal(t, "summarize the repo", params.Task)
			assert.Equal(t, "sha256:abc123", params.CodeRef)
			return created, nil
		})

	body := `{"task":"summarize the repo","codeRef":"sha256:abc123"}`
	r := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	f.handlers.Submit(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var got model.JobStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "job-123", got.JobID)
	assert.Equal(t, model.JobStatusPending, got.Status)
}

func TestSubmitJob_InvalidJSON(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newJobHandlerFixture(t, ctrl)

	r := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBufferString("{bad"))
	w := httptest.NewRecorder()

	f.handlers.Submit(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitJob_ValidationError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newJobHandlerFixture(t, ctrl)

	body := `{"task":"","codeRef":"sha256:abc123"}`
	r := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	f.handlers.Submit(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetStatus_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newJobHandlerFixture(t, ctrl)
	f.repo.EXPECT().GetByID(gomock.Any(), "job-123").
		Return(statusJob("job-123", model.JobStatusRunning), nil)

	r := httptest.NewRequest(http.MethodGet, "/api/jobs/job-123", nil)
	r.SetPathValue("id", "job-123")
	w := httptest.NewRecorder()

	f.handlers.GetStatus(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got model.JobStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, model.JobStatusRunning, got.Status)
}

func TestGetStatus_NotFound(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newJobHandlerFixture(t, ctrl)
	f.repo.EXPECT().GetByID(gomock.Any(), "missing").Return(nil, data.ErrJobNotFound)

	r := httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
	r.SetPathValue("id", "missing")
	w := httptest.NewRecorder()

	f.handlers.GetStatus(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetStatus_MissingID(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newJobHandlerFixture(t, ctrl)

	r := httptest.NewRequest(http.MethodGet, "/api/jobs/", nil)
	w := httptest.NewRecorder()

	f.handlers.GetStatus(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelJob_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newJobHandlerFixture(t, ctrl)
	f.repo.EXPECT().GetByID(gomock.Any(), "job-123").
		Return(statusJob("job-123", model.JobStatusRunning), nil)
	f.repo.EXPECT().Transition(gomock.Any(), gomock.Any()).Return(true, nil)
	f.repo.EXPECT().ClaimTeardown(gomock.Any(), "job-123").Return(nil, nil)

	r := httptest.NewRequest(http.MethodPost, "/api/jobs/job-123/cancel", nil)
	r.SetPathValue("id", "job-123")
	w := httptest.NewRecorder()

	f.handlers.Cancel(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestCancelJob_AlreadyTerminal(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newJobHandlerFixture(t, ctrl)
	f.repo.EXPECT().GetByID(gomock.Any(), "job-123").
		Return(statusJob("job-123", model.JobStatusSucceeded), nil)
	f.repo.EXPECT().Transition(gomock.Any(), gomock.Any()).Return(false, nil)

	r := httptest.NewRequest(http.MethodPost, "/api/jobs/job-123/cancel", nil)
	r.SetPathValue("id", "job-123")
	w := httptest.NewRecorder()

	f.handlers.Cancel(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelJob_NotFound(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newJobHandlerFixture(t, ctrl)
	f.repo.EXPECT().GetByID(gomock.Any(), "missing").Return(nil, data.ErrJobNotFound)

	r := httptest.NewRequest(http.MethodPost, "/api/jobs/missing/cancel", nil)
	r.SetPathValue("id", "missing")
	w := httptest.NewRecorder()

	f.handlers.Cancel(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobStats(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newJobHandlerFixture(t, ctrl)
	f.repo.EXPECT().Stats(gomock.Any()).
		Return(&model.JobStats{Running: 3, Succeeded: 12}, nil)

	r := httptest.NewRequest(http.MethodGet, "/api/jobs/stats", nil)
	w := httptest.NewRecorder()

	f.handlers.Stats(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got model.JobStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 3, got.Running)
	assert.Equal(t, 12, got.Succeeded)
}

func TestJobStats_RepoError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newJobHandlerFixture(t, ctrl)
	f.repo.EXPECT().Stats(gomock.Any()).Return(nil, errors.New("db down"))

	r := httptest.NewRequest(http.MethodGet, "/api/jobs/stats", nil)
	w := httptest.NewRecorder()

	f.handlers.Stats(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// Internal errors must not leak details to callers.
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "internal server error", body["message"])
}
