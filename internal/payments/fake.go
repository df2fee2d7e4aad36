package payments

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/stripe/stripe-go/v78"
)

// FakeGateway is an in-process Gateway for local runs and tests. Refunds are
// keyed by idempotency key so a retried refund returns the first result.
type FakeGateway struct {
	mu sync.Mutex

	WebhookSecret string
	BaseURL       string

	CheckoutErr error
	RefundErrs  []error

	sessions map[string]CheckoutSession
	refunds  map[string]RefundResult
	amounts  map[string]int64
	calls    []string
	keys     []string
}

var _ Gateway = (*FakeGateway)(nil)

// NewFakeGateway returns a gateway that accepts everything.
func NewFakeGateway(webhookSecret string) *FakeGateway {
	return &FakeGateway{
		WebhookSecret: webhookSecret,
		BaseURL:       "https://checkout.example.test/pay/",
		sessions:      map[string]CheckoutSession{},
		refunds:       map[string]RefundResult{},
		amounts:       map[string]int64{},
	}
}

func (f *FakeGateway) CreateCheckout(_ context.Context, req CheckoutRequest) (CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("checkout:%d", req.OrderID))
	f.recordKey(req.IdempotencyKey)
	if f.CheckoutErr != nil {
		return CheckoutSession{}, f.CheckoutErr
	}
	id := fmt.Sprintf("cs_fake_%d", req.OrderID)
	if existing, ok := f.sessions[id]; ok {
		return existing, nil
	}
	var total int64
	for _, item := range req.Items {
		total += item.UnitPriceCents * int64(item.Quantity)
	}
	session := CheckoutSession{
		ID:               id,
		URL:              f.BaseURL + id,
		PaymentIntentID:  fmt.Sprintf("pi_fake_%d", req.OrderID),
		PaymentStatus:    "unpaid",
		AmountTotalCents: total,
	}
	f.sessions[id] = session
	f.amounts[session.PaymentIntentID] = total
	return session, nil
}

func (f *FakeGateway) RetrieveSession(_ context.Context, sessionID string) (CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return CheckoutSession{}, &GatewayError{Op: "retrieve_session", Kind: KindInvalid, Code: "resource_missing", Message: "no such checkout session"}
	}
	return session, nil
}

// Refund pops the next queued error from RefundErrs before succeeding.
func (f *FakeGateway) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "refund:"+req.Reference)
	f.recordKey(req.IdempotencyKey)
	if len(f.RefundErrs) > 0 {
		err := f.RefundErrs[0]
		f.RefundErrs = f.RefundErrs[1:]
		if err != nil {
			return RefundResult{}, err
		}
	}
	if res, ok := f.refunds[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return res, nil
	}
	ref := req.Reference
	if strings.HasPrefix(ref, "cs_") {
		if session, ok := f.sessions[ref]; ok {
			ref = session.PaymentIntentID
		}
	}
	res := RefundResult{
		ID:          fmt.Sprintf("re_fake_%d", len(f.refunds)+1),
		AmountCents: f.amounts[ref],
		Status:      "succeeded",
	}
	if req.IdempotencyKey != "" {
		f.refunds[req.IdempotencyKey] = res
	}
	return res, nil
}

func (f *FakeGateway) VerifyWebhook(payload []byte, signatureHeader string) (stripe.Event, error) {
	return verifyWebhook(payload, signatureHeader, f.WebhookSecret)
}

// Calls lists the checkout and refund calls made so far.
func (f *FakeGateway) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// IdempotencyKeys lists the distinct idempotency keys seen so far, in order.
func (f *FakeGateway) IdempotencyKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func (f *FakeGateway) recordKey(key string) {
	if key == "" {
		return
	}
	for _, k := range f.keys {
		if k == key {
			return
		}
	}
	f.keys = append(f.keys, key)
}

// RefundCount reports how many distinct refunds were issued.
func (f *FakeGateway) RefundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refunds)
}
