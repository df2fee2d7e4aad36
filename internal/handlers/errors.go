package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/platform/httpx"
	"github.com/jbites/api/internal/services"
)

// writeServiceError maps service errors onto the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	var transition *services.InvalidTransitionError
	var refund *services.RefundError
	switch {
	case errors.As(err, &refund):
		code, status := "refund_declined", http.StatusBadGateway
		if refund.Timeout() {
			code, status = "refund_timeout", http.StatusGatewayTimeout
		}
		httpx.WriteError(ctx, w, httpx.NewError(code, "order was cancelled but the refund did not complete", status).
			WithDetails(map[string]any{"order_id": refund.OrderID, "attempts": refund.Attempts}))
	case errors.As(err, &transition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", transition.Reason, http.StatusConflict).
			WithDetails(map[string]any{
				"order_status":   transition.From.Order,
				"payment_status": transition.From.Payment,
			}))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCatalogItemNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("item_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order changed concurrently; retry", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentGateway):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_error", "payment processor request failed", http.StatusBadGateway))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("ledger_unavailable", "order storage unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
	}
}

func writeBadRequest(ctx context.Context, w http.ResponseWriter, message string) {
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
}

func writeUnauthenticated(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
}

func writeUnavailable(ctx context.Context, w http.ResponseWriter, what string) {
	httpx.WriteError(ctx, w, httpx.NewError(what+"_unavailable", what+" service unavailable", http.StatusServiceUnavailable))
}

// orderStatusFromQuery returns "" for an empty value and false for an unknown one.
func orderStatusFromQuery(raw string) (domain.OrderStatus, bool) {
	if raw == "" {
		return "", true
	}
	status := domain.OrderStatus(raw)
	return status, status.Valid()
}

func paymentStatusFromQuery(raw string) (domain.PaymentStatus, bool) {
	if raw == "" {
		return "", true
	}
	status := domain.PaymentStatus(raw)
	return status, status.Valid()
}
