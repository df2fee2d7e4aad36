package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/platform/httpx"
)

const maxJSONBodySize = 16 * 1024

type orderLineResponse struct {
	ID             int64  `json:"id"`
	ItemID         int64  `json:"item_id"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

type refundFailureResponse struct {
	Kind        domain.RefundFailureKind `json:"kind"`
	Message     string                   `json:"message,omitempty"`
	Attempts    int                      `json:"attempts"`
	AttemptedAt time.Time                `json:"attempted_at"`
}

type orderResponse struct {
	ID              int64                  `json:"id"`
	OrderStatus     domain.OrderStatus     `json:"order_status"`
	PaymentStatus   domain.PaymentStatus   `json:"payment_status"`
	Phone           string                 `json:"phone"`
	Notes           string                 `json:"notes,omitempty"`
	Lines           []orderLineResponse    `json:"lines"`
	TotalCents      int64                  `json:"total_cents"`
	Total           string                 `json:"total"`
	CheckoutURL     string                 `json:"checkout_url,omitempty"`
	AmountPaidCents int64                  `json:"amount_paid_cents,omitempty"`
	RefundedCents   int64                  `json:"refunded_cents,omitempty"`
	RefundFailure   *refundFailureResponse `json:"refund_failure,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	PaidAt          *time.Time             `json:"paid_at,omitempty"`
	CancelledAt     *time.Time             `json:"cancelled_at,omitempty"`
}

func newOrderResponse(order domain.Order) orderResponse {
	lines := make([]orderLineResponse, 0, len(order.Lines))
	for _, line := range order.Lines {
		lines = append(lines, orderLineResponse{
			ID:             line.ID,
			ItemID:         line.CatalogItemID,
			Name:           line.Name,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
			SubtotalCents:  line.SubtotalCents(),
		})
	}
	resp := orderResponse{
		ID:              order.ID,
		OrderStatus:     order.Status,
		PaymentStatus:   order.PaymentStatus,
		Phone:           order.Phone,
		Notes:           order.Notes,
		Lines:           lines,
		TotalCents:      order.TotalCents,
		Total:           domain.FormatCents(order.TotalCents),
		AmountPaidCents: order.AmountPaidCents,
		RefundedCents:   order.RefundedCents,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
		PaidAt:          utcPointer(order.PaidAt),
		CancelledAt:     utcPointer(order.CancelledAt),
	}
	// The checkout link is only useful while the customer can still pay.
	if order.PaymentStatus == domain.PaymentStatusPending && order.Status == domain.OrderStatusPending {
		resp.CheckoutURL = order.CheckoutURL
	}
	if rf := order.RefundFailure; rf != nil {
		resp.RefundFailure = &refundFailureResponse{
			Kind:        rf.Kind,
			Message:     rf.Message,
			Attempts:    rf.Attempts,
			AttemptedAt: rf.AttemptedAt.UTC(),
		}
	}
	return resp
}

func newOrderResponses(orders []domain.Order) []orderResponse {
	out := make([]orderResponse, 0, len(orders))
	for _, order := range orders {
		out = append(out, newOrderResponse(order))
	}
	return out
}

type catalogItemResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	PriceCents  int64  `json:"price_cents"`
	Price       string `json:"price"`
}

func newCatalogItemResponse(item domain.CatalogItem) catalogItemResponse {
	return catalogItemResponse{
		ID:          item.ID,
		Name:        item.Name,
		Description: item.Description,
		PriceCents:  item.PriceCents,
		Price:       domain.FormatCents(item.PriceCents),
	}
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}

func utcPointer(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

// decodeJSONBody decodes a bounded request body, rejecting unknown fields.
// An empty body leaves dst untouched when allowEmpty is set.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	if r.Body == nil {
		if allowEmpty {
			return nil
		}
		return errors.New("request body is required")
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if allowEmpty {
				return nil
			}
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return errors.New("request body must be valid JSON")
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// idParam parses a positive int64 route parameter.
func idParam(r *http.Request, name string) (int64, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
