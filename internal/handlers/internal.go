package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jbites/api/internal/platform/httpx"
	"github.com/jbites/api/internal/services"
)

const defaultCleanupBatch = 200

// expiredKeyCleaner is the part of the idempotency store the sweep needs.
type expiredKeyCleaner interface {
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

type sweepRequest struct {
	Limit int `json:"limit"`
}

// InternalHandlers serves scheduler-triggered maintenance jobs. The group is
// protected by OIDC service tokens in the router.
type InternalHandlers struct {
	cancellations services.CancellationService
	keys          expiredKeyCleaner
	cleanupBatch  int
	now           func() time.Time
}

// InternalOption customises InternalHandlers.
type InternalOption func(*InternalHandlers)

// WithIdempotencyCleanup enables POST /idempotency:cleanup.
func WithIdempotencyCleanup(store expiredKeyCleaner, batch int) InternalOption {
	return func(h *InternalHandlers) {
		h.keys = store
		if batch > 0 {
			h.cleanupBatch = batch
		}
	}
}

// WithInternalClock overrides the clock used to decide key expiry.
func WithInternalClock(now func() time.Time) InternalOption {
	return func(h *InternalHandlers) {
		if now != nil {
			h.now = now
		}
	}
}

// NewInternalHandlers constructs InternalHandlers.
func NewInternalHandlers(cancellations services.CancellationService, opts ...InternalOption) *InternalHandlers {
	h := &InternalHandlers{
		cancellations: cancellations,
		cleanupBatch:  defaultCleanupBatch,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/refunds:retry", h.retryRefunds)
	r.Post("/idempotency:cleanup", h.cleanupIdempotency)
}

// retryRefunds re-attempts refunds that failed on a processor timeout.
func (h *InternalHandlers) retryRefunds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.cancellations == nil {
		writeUnavailable(ctx, w, "cancellation")
		return
	}
	var req sweepRequest
	if err := decodeJSONBody(w, r, &req, true); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	if req.Limit < 0 {
		writeBadRequest(ctx, w, "limit must not be negative")
		return
	}
	result, err := h.cancellations.RetryFailedRefunds(ctx, req.Limit)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int{
		"attempted": result.Attempted,
		"refunded":  result.Refunded,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
	})
}

func (h *InternalHandlers) cleanupIdempotency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.keys == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cleanup_unavailable", "idempotency cleanup not configured", http.StatusServiceUnavailable))
		return
	}
	var req sweepRequest
	if err := decodeJSONBody(w, r, &req, true); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	limit := h.cleanupBatch
	if req.Limit > 0 {
		limit = min(req.Limit, h.cleanupBatch)
	}
	removed, err := h.keys.CleanupExpired(ctx, h.now().UTC(), limit)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("cleanup_failed", "failed to remove expired idempotency keys", http.StatusServiceUnavailable))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int{"removed": removed})
}
