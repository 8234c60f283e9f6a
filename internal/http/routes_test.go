package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	domainjob "github.com/target/sandstorm/internal/domain/job"
	"github.com/target/sandstorm/internal/mocks"
	"github.com/target/sandstorm/internal/service"
)

func newTestRouter(t *testing.T, ctrl *gomock.Controller, runnerToken string) http.Handler {
	t.Helper()

	policy, err := domainjob.NewRuntimePolicy(10*time.Minute, 0)
	require.NoError(t, err)

	orch := service.MustNewOrchestratorService(service.OrchestratorServiceOptions{
		Repo:          mocks.NewMockJobRepository(ctrl),
		Provisioner:   mocks.NewMockSandboxProvisioner(ctrl),
		Launcher:      mocks.NewMockRunnerLauncher(ctrl),
		RuntimePolicy: policy,
		CallbackURL:   "https://orchestrator.test/api/webhooks/runner",
	})
	webhooks := service.MustNewWebhookService(service.WebhookServiceOptions{
		Repo:     mocks.NewMockJobRepository(ctrl),
		Resolver: orch,
	})

	return NewRouter(RouterServices{
		Orchestrator: orch,
		Webhooks:     webhooks,
		RunnerToken:  runnerToken,
	})
}

func TestRouterHealthz(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	router := newTestRouter(t, ctrl, "")

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestRouterWebhookRequiresToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	router := newTestRouter(t, ctrl, "s3cret")

	body := strings.NewReader(`{"jobId":"job-1","eventSeq":1,"eventKind":"progress"}`)
	r := httptest.NewRequest(http.MethodPost, "/api/webhooks/runner", body)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouterUnknownPath(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	router := newTestRouter(t, ctrl, "")

	r := httptest.NewRequest(http.MethodGet, "/api/unknown", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	require.Equal(t, http.StatusNotFound, w.Code)
}
