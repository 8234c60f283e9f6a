package httpx

import (
	"net/http"

	"github.com/target/sandstorm/internal/domain/model"
	"github.com/target/sandstorm/internal/service"
)

// WebhookHandlers provides HTTP handlers for runner callback ingestion.
type WebhookHandlers struct {
	Svc *service.WebhookService
}

// Receive handles a runner callback. Every expected race or redelivery maps
// to a 200 with a duplicate or stale acknowledgment; runners must not retry
// those.
func (h *WebhookHandlers) Receive(w http.ResponseWriter, r *http.Request) {
	var event model.WebhookEvent
	if !DecodeJSON(w, r, &event) {
		return
	}

	ack, err := h.Svc.Receive(r.Context(), event)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]model.EventAck{"ack": ack})
}
