package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jbites/api/internal/platform/auth"
	"github.com/jbites/api/internal/platform/pagination"
	"github.com/jbites/api/internal/services"
)

type bulkCancellationRequest struct {
	OrderIDs []int64 `json:"order_ids"`
}

type cancellationOutcomeResponse struct {
	OrderID int64                              `json:"order_id"`
	Status  services.CancellationOutcomeStatus `json:"status"`
	Reason  string                             `json:"reason,omitempty"`
	Order   *orderResponse                     `json:"order,omitempty"`
}

type bulkCancellationResponse struct {
	Results   []cancellationOutcomeResponse `json:"results"`
	Succeeded int                           `json:"succeeded"`
	Failed    int                           `json:"failed"`
}

// AdminHandlers exposes the staff order console endpoints.
type AdminHandlers struct {
	authn         *auth.Authenticator
	orders        services.OrderService
	machine       services.OrderStateMachine
	cancellations services.CancellationService
}

// NewAdminHandlers constructs AdminHandlers.
func NewAdminHandlers(authn *auth.Authenticator, orders services.OrderService, machine services.OrderStateMachine, cancellations services.CancellationService) *AdminHandlers {
	return &AdminHandlers{
		authn:         authn,
		orders:        orders,
		machine:       machine,
		cancellations: cancellations,
	}
}

// Routes registers the /admin endpoints. Every route requires a staff or admin role.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Get("/orders", h.listOrders)
	r.Post("/orders/cancellations:approve", h.approveCancellations)
	r.Post("/orders/cancellations:deny", h.denyCancellations)
	r.Post("/orders/{orderID}:ready", h.markReady)
	r.Post("/orders/{orderID}:refund", h.retryRefund)
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	params, err := pagination.Parse(r)
	if err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	query := r.URL.Query()
	status, ok := orderStatusFromQuery(strings.TrimSpace(query.Get("order_status")))
	if !ok {
		writeBadRequest(ctx, w, "order_status must be one of pending, cancel_requested, cancelled, done")
		return
	}
	payment, ok := paymentStatusFromQuery(strings.TrimSpace(query.Get("payment_status")))
	if !ok {
		writeBadRequest(ctx, w, "payment_status must be one of pending, paid, refunded")
		return
	}

	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		Status:        status,
		PaymentStatus: payment,
		PageSize:      params.PageSize,
		AfterID:       params.Cursor.AfterID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"orders":          newOrderResponses(page.Items),
		"next_page_token": page.NextPageToken,
	})
}

func (h *AdminHandlers) markReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.machine == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	id, ok := idParam(r, "orderID")
	if !ok {
		writeBadRequest(ctx, w, "order id must be a positive integer")
		return
	}
	result, err := h.machine.Apply(ctx, id, services.Transition{
		Command: services.CommandMarkReady,
		ActorID: actorID(r),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newOrderResponse(result.Order))
}

func (h *AdminHandlers) approveCancellations(w http.ResponseWriter, r *http.Request) {
	if h.cancellations == nil {
		writeUnavailable(r.Context(), w, "cancellation")
		return
	}
	h.bulk(w, r, h.cancellations.ApproveCancellations)
}

func (h *AdminHandlers) denyCancellations(w http.ResponseWriter, r *http.Request) {
	if h.cancellations == nil {
		writeUnavailable(r.Context(), w, "cancellation")
		return
	}
	h.bulk(w, r, h.cancellations.DenyCancellations)
}

type bulkAction func(context.Context, services.BulkCancellationCommand) (services.BulkCancellationResult, error)

// bulk always answers 200 once the request is well formed; each id carries
// its own outcome so one failure never hides the others.
func (h *AdminHandlers) bulk(w http.ResponseWriter, r *http.Request, run bulkAction) {
	ctx := r.Context()
	var req bulkCancellationRequest
	if err := decodeJSONBody(w, r, &req, false); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	if len(req.OrderIDs) == 0 {
		writeBadRequest(ctx, w, "order_ids must not be empty")
		return
	}

	result, err := run(ctx, services.BulkCancellationCommand{OrderIDs: req.OrderIDs, ActorID: actorID(r)})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := bulkCancellationResponse{Results: make([]cancellationOutcomeResponse, 0, len(result.Results))}
	for _, outcome := range result.Results {
		item := cancellationOutcomeResponse{
			OrderID: outcome.OrderID,
			Status:  outcome.Status,
			Reason:  outcome.Reason,
		}
		if outcome.Order != nil {
			order := newOrderResponse(*outcome.Order)
			item.Order = &order
		}
		switch outcome.Status {
		case services.OutcomeApproved, services.OutcomeRefunded, services.OutcomeDenied:
			resp.Succeeded++
		default:
			resp.Failed++
		}
		resp.Results = append(resp.Results, item)
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

// retryRefund re-issues the refund of a cancelled, still paid order.
func (h *AdminHandlers) retryRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.cancellations == nil {
		writeUnavailable(ctx, w, "cancellation")
		return
	}
	id, ok := idParam(r, "orderID")
	if !ok {
		writeBadRequest(ctx, w, "order id must be a positive integer")
		return
	}
	order, err := h.cancellations.RetryRefund(ctx, id, actorID(r))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newOrderResponse(order))
}

func actorID(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.UID != "" {
		return identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(r.Context()); ok && svc.Subject != "" {
		return "service:" + svc.Subject
	}
	return "anonymous"
}
