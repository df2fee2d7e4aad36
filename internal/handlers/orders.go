package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/platform/auth"
	"github.com/jbites/api/internal/platform/httpx"
	"github.com/jbites/api/internal/services"
)

const maxOrderRequestLines = 50

type createOrderRequest struct {
	Phone string                   `json:"phone"`
	Notes string                   `json:"notes"`
	Items []createOrderLineRequest `json:"items"`
}

type createOrderLineRequest struct {
	ItemID   int64 `json:"item_id"`
	Quantity int   `json:"quantity"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes the customer order endpoints.
type OrderHandlers struct {
	authn         *auth.Authenticator
	orders        services.OrderService
	cancellations services.CancellationService
	idempotency   func(http.Handler) http.Handler
	createLimiter rateLimiter
	cancelLimiter rateLimiter
}

// OrderOption customises OrderHandlers.
type OrderOption func(*OrderHandlers)

// WithOrderIdempotency guards order creation with the given middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// WithOrderRateLimit caps order creation requests per caller.
func WithOrderRateLimit(limit int, window time.Duration, clock func() time.Time) OrderOption {
	return func(h *OrderHandlers) {
		if limiter := newWindowLimiter(limit, window, clock); limiter != nil {
			h.createLimiter = limiter
		}
	}
}

// WithCancellationRateLimit caps cancellation requests per caller.
func WithCancellationRateLimit(limit int, window time.Duration, clock func() time.Time) OrderOption {
	return func(h *OrderHandlers) {
		if limiter := newWindowLimiter(limit, window, clock); limiter != nil {
			h.cancelLimiter = limiter
		}
	}
}

// NewOrderHandlers constructs OrderHandlers.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, cancellations services.CancellationService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:         authn,
		orders:        orders,
		cancellations: cancellations,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	create := []func(http.Handler) http.Handler{limitByIdentity(h.createLimiter, "orders.create")}
	if h.idempotency != nil {
		create = append(create, h.idempotency)
	}
	r.With(create...).Post("/", h.createOrder)
	r.Get("/search", h.searchOrders)
	r.Get("/{orderID}", h.getOrder)
	r.With(limitByIdentity(h.cancelLimiter, "orders.cancel")).Post("/{orderID}:cancel", h.cancelOrder)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		writeUnauthenticated(ctx, w)
		return
	}

	var req createOrderRequest
	if err := decodeJSONBody(w, r, &req, false); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	if len(req.Items) == 0 {
		writeBadRequest(ctx, w, "items must not be empty")
		return
	}
	if len(req.Items) > maxOrderRequestLines {
		writeBadRequest(ctx, w, "too many items")
		return
	}

	lines := make([]services.OrderLineRequest, 0, len(req.Items))
	for _, item := range req.Items {
		lines = append(lines, services.OrderLineRequest{ItemID: item.ItemID, Quantity: item.Quantity})
	}
	order, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		OwnerID: identity.UID,
		Phone:   req.Phone,
		Notes:   req.Notes,
		Lines:   lines,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, newOrderResponse(order))
}

// getOrder hides orders of other customers behind 404.
func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}
	id, ok := idParam(r, "orderID")
	if !ok {
		writeBadRequest(ctx, w, "order id must be a positive integer")
		return
	}
	order, err := h.orders.GetOrder(ctx, id)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if !canView(identity, order) {
		writeServiceError(ctx, w, services.ErrOrderNotFound)
		return
	}
	writeJSONResponse(w, http.StatusOK, newOrderResponse(order))
}

// searchOrders looks orders up by phone. Customers only see their own; an
// empty result is reported as 404.
func (h *OrderHandlers) searchOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}
	phone := strings.TrimSpace(r.URL.Query().Get("phone"))
	if phone == "" {
		writeBadRequest(ctx, w, "phone query parameter is required")
		return
	}
	orders, err := h.orders.ListOrdersByPhone(ctx, phone)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	visible := orders[:0:0]
	for _, order := range orders {
		if canView(identity, order) {
			visible = append(visible, order)
		}
	}
	if len(visible) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "no orders found for this phone number", http.StatusNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"orders": newOrderResponses(visible)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.cancellations == nil {
		writeUnavailable(ctx, w, "cancellation")
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		writeUnauthenticated(ctx, w)
		return
	}
	id, ok := idParam(r, "orderID")
	if !ok {
		writeBadRequest(ctx, w, "order id must be a positive integer")
		return
	}
	var req cancelOrderRequest
	if err := decodeJSONBody(w, r, &req, true); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}

	order, err := h.cancellations.RequestCancellation(ctx, services.RequestCancellationCommand{
		OrderID:     id,
		RequesterID: identity.UID,
		IsStaff:     identity.IsStaff(),
		Reason:      req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, newOrderResponse(order))
}

func canView(identity *auth.Identity, order domain.Order) bool {
	return identity.IsStaff() || (identity.UID != "" && order.OwnerID == identity.UID)
}
