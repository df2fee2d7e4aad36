package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/notifications"
	"github.com/jbites/api/internal/payments"
	"github.com/jbites/api/internal/repositories"
	"github.com/jbites/api/internal/repositories/memory"
)

const testWebhookSecret = "whsec_test"

var testNow = time.Date(2025, time.April, 2, 18, 30, 0, 0, time.UTC)

type sentNotification struct {
	phone  string
	kind   notifications.Kind
	params notifications.Params
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, phone string, kind notifications.Kind, params notifications.Params) notifications.Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{phone: phone, kind: kind, params: params})
	if n.err != nil {
		return notifications.Delivery{Kind: kind, Err: n.err}
	}
	return notifications.Delivery{Kind: kind, Delivered: true, MessageID: fmt.Sprintf("SM%d", len(n.sent))}
}

func (n *recordingNotifier) kinds() []notifications.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notifications.Kind, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.kind)
	}
	return out
}

func (n *recordingNotifier) count(kind notifications.Kind) int {
	total := 0
	for _, k := range n.kinds() {
		if k == kind {
			total++
		}
	}
	return total
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.OrderEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []domain.OrderEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.OrderEventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingLogger struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingLogger) log(_ context.Context, event string, _ map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingLogger) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == event {
			return true
		}
	}
	return false
}

type harness struct {
	store         *memory.Store
	ledger        repositories.Ledger
	gateway       *payments.FakeGateway
	notifier      *recordingNotifier
	publisher     *recordingPublisher
	logs          *recordingLogger
	orders        OrderService
	machine       OrderStateMachine
	cancellations CancellationService
	webhooks      WebhookIngestor
	catalog       CatalogService
}

type harnessOption func(*StateMachineDeps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	clock := func() time.Time { return testNow }
	store := memory.New(memory.WithClock(clock))
	h := &harness{
		store:     store,
		ledger:    store.Ledger(),
		gateway:   payments.NewFakeGateway(testWebhookSecret),
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
		logs:      &recordingLogger{},
	}
	return h.build(t, opts...)
}

func (h *harness) build(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	clock := func() time.Time { return testNow }
	var err error

	h.catalog, err = NewCatalogService(CatalogServiceDeps{Catalog: h.ledger.Catalog})
	if err != nil {
		t.Fatalf("NewCatalogService: %v", err)
	}
	if _, err := h.catalog.Seed(context.Background()); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}

	pricing, err := NewPricingSnapshotter(h.ledger.Catalog)
	if err != nil {
		t.Fatalf("NewPricingSnapshotter: %v", err)
	}
	h.orders, err = NewOrderService(OrderServiceDeps{
		Orders:     h.ledger.Orders,
		Pricing:    pricing,
		Gateway:    h.gateway,
		Events:     h.publisher,
		Clock:      clock,
		Logger:     h.logs.log,
		SuccessURL: "https://jbites.test/orders/{ORDER_ID}/paid",
		CancelURL:  "https://jbites.test/orders/{ORDER_ID}",
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	deps := StateMachineDeps{
		Orders:   h.ledger.Orders,
		Gateway:  h.gateway,
		Notifier: h.notifier,
		Events:   h.publisher,
		Clock:    clock,
		Logger:   h.logs.log,
		Sleep:    func(context.Context, time.Duration) error { return nil },
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.machine, err = NewOrderStateMachine(deps)
	if err != nil {
		t.Fatalf("NewOrderStateMachine: %v", err)
	}
	h.cancellations, err = NewCancellationService(CancellationServiceDeps{
		Orders:       h.ledger.Orders,
		StateMachine: h.machine,
		Logger:       h.logs.log,
	})
	if err != nil {
		t.Fatalf("NewCancellationService: %v", err)
	}
	h.webhooks, err = NewWebhookIngestor(WebhookIngestorDeps{
		Gateway:      h.gateway,
		Events:       h.ledger.WebhookEvents,
		StateMachine: h.machine,
		Clock:        clock,
		Logger:       h.logs.log,
	})
	if err != nil {
		t.Fatalf("NewWebhookIngestor: %v", err)
	}
	return h
}

// placeOrder creates the 2x Classic Burger + 1x French Fries order for user-1.
func (h *harness) placeOrder(t *testing.T) domain.Order {
	t.Helper()
	order, err := h.orders.CreateOrder(context.Background(), CreateOrderCommand{
		OwnerID: "user-1",
		Phone:   "(415) 555-0132",
		Lines:   []OrderLineRequest{{ItemID: 1, Quantity: 2}, {ItemID: 4, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return order
}

func checkoutEvent(eventID string, orderID int64, amount int64, paymentStatus string) []byte {
	return []byte(fmt.Sprintf(`{
  "id": %q,
  "object": "event",
  "type": "checkout.session.completed",
  "api_version": "2024-04-10",
  "data": {"object": {
    "id": "cs_fake_%d",
    "object": "checkout.session",
    "amount_total": %d,
    "payment_status": %q,
    "payment_intent": "pi_fake_%d",
    "metadata": {"order_id": "%d"}
  }}
}`, eventID, orderID, amount, paymentStatus, orderID, orderID))
}

func sign(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func (h *harness) deliver(t *testing.T, payload []byte) (WebhookAck, error) {
	t.Helper()
	return h.webhooks.HandleEvent(context.Background(), payload, sign(payload, testWebhookSecret))
}

func (h *harness) pay(t *testing.T, order domain.Order) {
	t.Helper()
	ack, err := h.deliver(t, checkoutEvent(fmt.Sprintf("evt_pay_%d", order.ID), order.ID, order.TotalCents, "paid"))
	if err != nil || !ack.Applied {
		t.Fatalf("pay order %d: ack=%+v err=%v", order.ID, ack, err)
	}
}

func (h *harness) reload(t *testing.T, id int64) domain.Order {
	t.Helper()
	order, err := h.orders.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("GetOrder(%d): %v", id, err)
	}
	return order
}
