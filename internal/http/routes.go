package httpx

import (
	"log/slog"
	"net/http"

	"github.com/target/sandstorm/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Orchestrator *service.OrchestratorService
	Webhooks     *service.WebhookService
	// RunnerToken is the shared secret runners must present on callbacks.
	// Empty disables the check (local development only).
	RunnerToken string
	Logger      *slog.Logger // Logger for HTTP request logging (optional)
}

// NewRouter creates and configures the HTTP router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	registerJobRoutes(mux, &JobHandlers{Svc: services.Orchestrator})
	registerWebhookRoutes(mux, &WebhookHandlers{Svc: services.Webhooks}, services.RunnerToken)
	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))

	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return Recover(logger)(Logging(logger)(mux))
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("POST /api/jobs", h.Submit)
	mux.HandleFunc("GET /api/jobs/stats", h.Stats)
	mux.HandleFunc("GET /api/jobs/{id}", h.GetStatus)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", h.Cancel)
}

func registerWebhookRoutes(mux *http.ServeMux, h *WebhookHandlers, runnerToken string) {
	auth := RequireRunnerToken(runnerToken)
	mux.Handle("POST /api/webhooks/runner", auth(http.HandlerFunc(h.Receive)))
}
