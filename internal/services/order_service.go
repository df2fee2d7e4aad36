package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/payments"
	"github.com/jbites/api/internal/platform/pagination"
	"github.com/jbites/api/internal/platform/textutil"
	"github.com/jbites/api/internal/repositories"
)

const (
	maxNotesLength = 500
	orderIDToken   = "{ORDER_ID}"
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Pricing     *PricingSnapshotter
	Gateway     payments.Gateway
	Events      EventPublisher
	Clock       Clock
	IDGenerator func() string
	Logger      Logger
	PhoneRegion string
	Currency    string
	SuccessURL  string
	CancelURL   string
}

type orderService struct {
	orders      repositories.OrderRepository
	pricing     *PricingSnapshotter
	gateway     payments.Gateway
	events      EventPublisher
	clock       Clock
	newID       func() string
	logger      Logger
	phoneRegion string
	currency    string
	successURL  string
	cancelURL   string
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: pricing snapshotter is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("order service: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:      deps.Orders,
		pricing:     deps.Pricing,
		gateway:     deps.Gateway,
		events:      deps.Events,
		clock:       func() time.Time { return clock().UTC() },
		newID:       idGen,
		logger:      logger,
		phoneRegion: deps.PhoneRegion,
		currency:    deps.Currency,
		successURL:  strings.TrimSpace(deps.SuccessURL),
		cancelURL:   strings.TrimSpace(deps.CancelURL),
	}, nil
}

// CreateOrder persists a pending order and opens its checkout. When the
// checkout cannot be created the order is removed again so no unpaid order
// without a payment link is left behind.
func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	owner := strings.TrimSpace(cmd.OwnerID)
	if owner == "" {
		return domain.Order{}, fmt.Errorf("%w: owner is required", ErrOrderInvalidInput)
	}
	phone, err := domain.NormalizePhone(cmd.Phone, s.phoneRegion)
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: phone: %v", ErrOrderInvalidInput, err)
	}
	lines, total, err := s.pricing.Snapshot(ctx, cmd.Lines)
	if err != nil {
		return domain.Order{}, err
	}

	now := s.clock()
	created, err := s.orders.Create(ctx, domain.Order{
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		OwnerID:       owner,
		Phone:         phone,
		Notes:         textutil.SanitizeText(cmd.Notes, maxNotesLength),
		Lines:         lines,
		TotalCents:    total,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return domain.Order{}, mapRepositoryError(err, ErrOrderNotFound)
	}

	items := make([]payments.CheckoutItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, payments.CheckoutItem{Name: line.Name, UnitPriceCents: line.UnitPriceCents, Quantity: line.Quantity})
	}
	session, err := s.gateway.CreateCheckout(ctx, payments.CheckoutRequest{
		OrderID:    created.ID,
		Phone:      phone,
		Items:      items,
		SuccessURL: s.redirectURL(s.successURL, created.ID),
		CancelURL:  s.redirectURL(s.cancelURL, created.ID),
		Currency:   s.currency,

		IdempotencyKey: created.IdempotencyKey("checkout"),
	})
	if err != nil {
		s.discard(ctx, created.ID, "checkout_failed")
		s.logger(ctx, "order.checkout.failed", map[string]any{"order_id": created.ID, "error": err.Error()})
		return domain.Order{}, fmt.Errorf("%w: %w", ErrPaymentGateway, err)
	}

	attached, err := s.orders.AttachCheckout(ctx, created.ID, session.ID, session.URL)
	if err != nil {
		s.discard(ctx, created.ID, "attach_failed")
		return domain.Order{}, mapRepositoryError(err, ErrOrderNotFound)
	}

	event := newOrderEvent(s.newID(), domain.OrderEventCreated, domain.StatusPair{}, attached, owner, now)
	publishOrderEvent(ctx, s.events, s.logger, event)
	s.logger(ctx, "order.created", map[string]any{
		"order_id":    attached.ID,
		"total_cents": attached.TotalCents,
		"lines":       len(attached.Lines),
		"session_id":  session.ID,
	})
	return attached, nil
}

func (s *orderService) discard(ctx context.Context, orderID int64, reason string) {
	if err := s.orders.Delete(ctx, orderID); err != nil {
		s.logger(ctx, "order.discard.failed", map[string]any{"order_id": orderID, "reason": reason, "error": err.Error()})
	}
}

func (s *orderService) redirectURL(template string, orderID int64) string {
	return strings.ReplaceAll(template, orderIDToken, strconv.FormatInt(orderID, 10))
}

func (s *orderService) GetOrder(ctx context.Context, orderID int64) (domain.Order, error) {
	if orderID <= 0 {
		return domain.Order{}, fmt.Errorf("%w: order id must be positive", ErrOrderInvalidInput)
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	return order, nil
}

// ListOrdersByPhone returns every order placed with phone. An empty result is not an error.
func (s *orderService) ListOrdersByPhone(ctx context.Context, phone string) ([]domain.Order, error) {
	normalized, err := domain.NormalizePhone(phone, s.phoneRegion)
	if err != nil {
		return nil, fmt.Errorf("%w: phone: %v", ErrOrderInvalidInput, err)
	}
	orders, err := s.orders.ListByPhone(ctx, normalized)
	if err != nil {
		return nil, mapRepositoryError(err, ErrOrderNotFound)
	}
	return orders, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: unknown order status %q", ErrOrderInvalidInput, filter.Status)
	}
	if filter.PaymentStatus != "" && !filter.PaymentStatus.Valid() {
		return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: unknown payment status %q", ErrOrderInvalidInput, filter.PaymentStatus)
	}
	size := filter.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}
	size = min(size, pagination.MaxPageSize)

	// One extra row tells us whether another page exists.
	orders, err := s.orders.List(ctx, domain.OrderFilter{
		Status:        filter.Status,
		PaymentStatus: filter.PaymentStatus,
		AfterID:       filter.AfterID,
		Limit:         size + 1,
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	page := domain.CursorPage[domain.Order]{Items: orders}
	if len(orders) > size {
		page.Items = orders[:size]
		page.NextPageToken = pagination.EncodeToken(pagination.Cursor{AfterID: page.Items[size-1].ID})
	}
	return page, nil
}

func newOrderEvent(id string, kind domain.OrderEventType, from domain.StatusPair, order domain.Order, actor string, at time.Time) domain.OrderEvent {
	return domain.OrderEvent{
		ID:         id,
		Type:       kind,
		Version:    domain.OrderEventVersion,
		OrderID:    order.ID,
		From:       from,
		To:         order.Pair(),
		Actor:      actor,
		TotalCents: order.TotalCents,
		OccurredAt: at,
	}
}

func publishOrderEvent(ctx context.Context, publisher EventPublisher, logger Logger, event domain.OrderEvent) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, event); err != nil {
		logger(ctx, "order.event.publish_failed", map[string]any{
			"order_id":   event.OrderID,
			"event_id":   event.ID,
			"event_type": string(event.Type),
			"error":      err.Error(),
		})
	}
}
