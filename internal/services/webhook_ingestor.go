package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/payments"
	"github.com/jbites/api/internal/repositories"
)

const (
	eventCheckoutCompleted     = "checkout.session.completed"
	eventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	sessionPaymentUnpaid       = "unpaid"
	webhookActorID             = "stripe"
)

// WebhookIngestorDeps bundles collaborators of the webhook ingestor.
type WebhookIngestorDeps struct {
	Gateway      payments.Gateway
	Events       repositories.WebhookEventRepository
	StateMachine OrderStateMachine
	Clock        Clock
	Logger       Logger
}

type webhookIngestor struct {
	gateway payments.Gateway
	events  repositories.WebhookEventRepository
	machine OrderStateMachine
	clock   Clock
	logger  Logger
}

// NewWebhookIngestor wires signature verification to the state machine.
func NewWebhookIngestor(deps WebhookIngestorDeps) (WebhookIngestor, error) {
	if deps.Gateway == nil {
		return nil, errors.New("webhook ingestor: payment gateway is required")
	}
	if deps.Events == nil {
		return nil, errors.New("webhook ingestor: webhook event repository is required")
	}
	if deps.StateMachine == nil {
		return nil, errors.New("webhook ingestor: state machine is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &webhookIngestor{
		gateway: deps.Gateway,
		events:  deps.Events,
		machine: deps.StateMachine,
		clock:   clock,
		logger:  logger,
	}, nil
}

// checkoutSessionPayload keeps only the fields the ingestor needs. Pointers
// distinguish a missing amount from a zero amount.
type checkoutSessionPayload struct {
	ID            string            `json:"id"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   *int64            `json:"amount_total"`
	PaymentIntent json.RawMessage   `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

func (p checkoutSessionPayload) paymentIntentID() string {
	raw := bytes.TrimSpace(p.PaymentIntent)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err == nil {
			return id
		}
		return ""
	}
	var expanded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &expanded); err == nil {
		return expanded.ID
	}
	return ""
}

// HandleEvent verifies and applies one delivery. The event id is recorded
// only after the transition commits, so a crash in between leads to a
// redelivery that the transition table turns into a no-op.
func (w *webhookIngestor) HandleEvent(ctx context.Context, payload []byte, signature string) (WebhookAck, error) {
	event, err := w.gateway.VerifyWebhook(payload, signature)
	if err != nil {
		w.logger(ctx, "webhook.signature_invalid", map[string]any{"error": err.Error()})
		return WebhookAck{}, fmt.Errorf("%w: %v", ErrWebhookRejected, err)
	}
	eventID := strings.TrimSpace(event.ID)
	if eventID == "" {
		return WebhookAck{}, fmt.Errorf("%w: event id is missing", ErrWebhookRejected)
	}
	ack := WebhookAck{EventID: eventID, EventType: string(event.Type)}

	seen, err := w.events.Exists(ctx, eventID)
	if err != nil {
		return WebhookAck{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	if seen {
		ack.Duplicate = true
		w.logger(ctx, "webhook.duplicate", map[string]any{"event_id": eventID, "event_type": ack.EventType})
		return ack, nil
	}

	switch ack.EventType {
	case eventCheckoutCompleted, eventAsyncPaymentSucceeded:
	default:
		ack.Ignored = true
		return ack, nil
	}
	if event.Data == nil {
		return WebhookAck{}, fmt.Errorf("%w: event data is missing", ErrWebhookRejected)
	}

	var session checkoutSessionPayload
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return WebhookAck{}, fmt.Errorf("%w: session payload: %v", ErrWebhookRejected, err)
	}
	orderID, err := strconv.ParseInt(strings.TrimSpace(session.Metadata["order_id"]), 10, 64)
	if err != nil || orderID <= 0 {
		return WebhookAck{}, fmt.Errorf("%w: metadata.order_id is missing or malformed", ErrWebhookRejected)
	}
	if session.AmountTotal == nil || *session.AmountTotal < 0 {
		return WebhookAck{}, fmt.Errorf("%w: amount_total is missing", ErrWebhookRejected)
	}
	ack.OrderID = orderID

	if session.PaymentStatus == sessionPaymentUnpaid {
		// Delayed payment methods complete the session first and pay later.
		ack.Ignored = true
		w.logger(ctx, "webhook.payment_pending", map[string]any{"event_id": eventID, "order_id": orderID})
		return ack, nil
	}

	result, err := w.machine.Apply(ctx, orderID, Transition{
		Command:         CommandMarkPaid,
		ActorID:         webhookActorID,
		SessionID:       session.ID,
		PaymentIntentID: session.paymentIntentID(),
		AmountCents:     *session.AmountTotal,
	})
	fields := map[string]any{"event_id": eventID, "order_id": orderID, "session_id": session.ID}
	switch {
	case errors.Is(err, ErrOrderNotFound):
		w.logger(ctx, "webhook.order_not_found", fields)
		ack.Ignored = true
		return ack, nil
	case errors.Is(err, ErrInvalidTransition):
		fields["error"] = err.Error()
		w.logger(ctx, "webhook.transition_rejected", fields)
		ack.Ignored = true
		return ack, nil
	case err != nil:
		return WebhookAck{}, err
	}
	ack.Applied = true

	order := result.Order
	if order.PaymentSessionID != "" && session.ID != "" && order.PaymentSessionID != session.ID {
		w.logger(ctx, "webhook.session_mismatch", map[string]any{"order_id": orderID, "stored": order.PaymentSessionID, "received": session.ID})
	}
	if *session.AmountTotal != order.TotalCents {
		w.logger(ctx, "webhook.amount_mismatch", map[string]any{
			"order_id":    orderID,
			"total_cents": order.TotalCents,
			"paid_cents":  *session.AmountTotal,
		})
	}
	if order.Status == domain.OrderStatusCancelled || order.Status == domain.OrderStatusCancelRequested {
		w.logger(ctx, "webhook.paid_after_cancel", map[string]any{"order_id": orderID, "order_status": string(order.Status)})
	}

	record := domain.WebhookEvent{EventID: eventID, Type: ack.EventType, OrderID: orderID, ProcessedAt: w.clock().UTC()}
	if err := w.events.Record(ctx, record); err != nil {
		fields["error"] = err.Error()
		w.logger(ctx, "webhook.record_failed", fields)
	}
	return ack, nil
}
