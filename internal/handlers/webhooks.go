package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jbites/api/internal/platform/httpx"
	"github.com/jbites/api/internal/services"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	maxWebhookBodySize    = 64 * 1024
)

type webhookAckResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	OrderID   int64  `json:"order_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
}

// WebhookHandlers receives payment processor callbacks. The routes are not
// behind user auth; the signature header is the credential.
type WebhookHandlers struct {
	ingestor services.WebhookIngestor
}

// NewWebhookHandlers constructs WebhookHandlers.
func NewWebhookHandlers(ingestor services.WebhookIngestor) *WebhookHandlers {
	return &WebhookHandlers{ingestor: ingestor}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.stripe)
}

// stripe answers 400 for events that can never succeed so the processor stops
// retrying them, and 500 for failures worth a redelivery.
func (h *WebhookHandlers) stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ingestor == nil {
		writeUnavailable(ctx, w, "webhook")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		writeBadRequest(ctx, w, "unable to read webhook payload")
		return
	}

	ack, err := h.ingestor.HandleEvent(ctx, payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		if errors.Is(err, services.ErrWebhookRejected) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_webhook", err.Error(), http.StatusBadRequest))
			return
		}
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, webhookAckResponse{
		Received:  true,
		EventID:   ack.EventID,
		EventType: ack.EventType,
		OrderID:   ack.OrderID,
		Duplicate: ack.Duplicate,
		Ignored:   ack.Ignored,
	})
}
