package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/notifications"
	"github.com/jbites/api/internal/payments"
	"github.com/jbites/api/internal/repositories"
)

const (
	defaultTransitionAttempts = 5
	defaultRefundAttempts     = 3
	defaultRefundBackoff      = 250 * time.Millisecond
)

type transitionRule struct {
	event   domain.OrderEventType
	order   []domain.OrderStatus
	payment []domain.PaymentStatus
	guard   func(o domain.Order, t Transition) string
	apply   func(o *domain.Order, t Transition, now time.Time)
	reason  func(from domain.StatusPair) string
}

func (r transitionRule) allows(pair domain.StatusPair) bool {
	if len(r.order) > 0 && !slices.Contains(r.order, pair.Order) {
		return false
	}
	if len(r.payment) > 0 && !slices.Contains(r.payment, pair.Payment) {
		return false
	}
	return true
}

var (
	refundableOrder   = []domain.OrderStatus{domain.OrderStatusCancelled}
	refundablePayment = []domain.PaymentStatus{domain.PaymentStatusPaid}
)

// orderTransitions is the complete set of legal commands. Order-axis commands
// only leave pending or cancel_requested; payment-axis commands apply on any
// order status so a late payment is still booked.
var orderTransitions = map[Command]transitionRule{
	CommandMarkReady: {
		event: domain.OrderEventReady,
		order: []domain.OrderStatus{domain.OrderStatusPending},
		apply: func(o *domain.Order, _ Transition, _ time.Time) {
			o.Status = domain.OrderStatusDone
		},
		reason: func(from domain.StatusPair) string {
			switch from.Order {
			case domain.OrderStatusDone:
				return "order already completed"
			case domain.OrderStatusCancelled:
				return "order already cancelled"
			default:
				return "order has a pending cancellation request"
			}
		},
	},
	CommandRequestCancellation: {
		event: domain.OrderEventCancellationRequested,
		order: []domain.OrderStatus{domain.OrderStatusPending},
		apply: func(o *domain.Order, _ Transition, now time.Time) {
			o.Status = domain.OrderStatusCancelRequested
			o.CancelledAt = &now
		},
		reason: func(from domain.StatusPair) string {
			switch from.Order {
			case domain.OrderStatusDone:
				return "cannot cancel completed order"
			case domain.OrderStatusCancelled:
				return "order already cancelled"
			default:
				return "cancellation already requested"
			}
		},
	},
	CommandMarkPaid: {
		event:   domain.OrderEventPaid,
		payment: []domain.PaymentStatus{domain.PaymentStatusPending},
		guard: func(o domain.Order, t Transition) string {
			if o.PaymentSessionID == "" && t.SessionID == "" {
				return "payment session is unknown"
			}
			return ""
		},
		apply: func(o *domain.Order, t Transition, now time.Time) {
			o.PaymentStatus = domain.PaymentStatusPaid
			if o.PaymentSessionID == "" {
				o.PaymentSessionID = t.SessionID
			}
			if o.PaymentIntentID == "" {
				o.PaymentIntentID = t.PaymentIntentID
			}
			o.AmountPaidCents = t.AmountCents
			o.PaidAt = &now
		},
		reason: func(from domain.StatusPair) string {
			if from.Payment == domain.PaymentStatusRefunded {
				return "payment already refunded"
			}
			return "payment already recorded"
		},
	},
	CommandApproveCancellation: {
		event: domain.OrderEventCancelled,
		order: []domain.OrderStatus{domain.OrderStatusCancelRequested},
		apply: func(o *domain.Order, _ Transition, _ time.Time) {
			o.Status = domain.OrderStatusCancelled
		},
		reason: cancellationDecisionReason,
	},
	CommandDenyCancellation: {
		event: domain.OrderEventCancellationDenied,
		order: []domain.OrderStatus{domain.OrderStatusCancelRequested},
		apply: func(o *domain.Order, _ Transition, _ time.Time) {
			o.Status = domain.OrderStatusPending
			o.CancelledAt = nil
		},
		reason: cancellationDecisionReason,
	},
	CommandRecordRefund: {
		event:   domain.OrderEventRefunded,
		order:   refundableOrder,
		payment: refundablePayment,
		apply: func(o *domain.Order, t Transition, _ time.Time) {
			o.PaymentStatus = domain.PaymentStatusRefunded
			o.RefundID = t.RefundID
			o.RefundedCents = t.RefundAmountCents
			o.RefundFailure = nil
		},
		reason: refundReason,
	},
	CommandRecordRefundFailure: {
		event:   domain.OrderEventRefundFailed,
		order:   refundableOrder,
		payment: refundablePayment,
		guard: func(_ domain.Order, t Transition) string {
			if t.Failure == nil {
				return "refund failure details are required"
			}
			return ""
		},
		apply: func(o *domain.Order, t Transition, now time.Time) {
			failure := *t.Failure
			if failure.AttemptedAt.IsZero() {
				failure.AttemptedAt = now
			}
			if o.RefundFailure != nil {
				failure.Attempts += o.RefundFailure.Attempts
			}
			o.RefundFailure = &failure
		},
		reason: refundReason,
	},
}

func cancellationDecisionReason(from domain.StatusPair) string {
	switch from.Order {
	case domain.OrderStatusDone:
		return "cannot cancel completed order"
	case domain.OrderStatusCancelled:
		return "order already cancelled"
	default:
		return "no cancellation was requested"
	}
}

func refundReason(from domain.StatusPair) string {
	switch {
	case from.Payment == domain.PaymentStatusRefunded:
		return "payment already refunded"
	case from.Payment == domain.PaymentStatusPending:
		return "order was never paid"
	default:
		return "order is not cancelled"
	}
}

// StateMachineDeps bundles collaborators of the order state machine.
type StateMachineDeps struct {
	Orders      repositories.OrderRepository
	Gateway     payments.Gateway
	Notifier    notifications.Notifier
	Events      EventPublisher
	Clock       Clock
	IDGenerator func() string
	Logger      Logger
	// MaxAttempts bounds compare-and-swap retries per transition.
	MaxAttempts int
	// RefundAttempts bounds gateway calls per refund when the processor times out.
	RefundAttempts int
	RefundBackoff  time.Duration
	Sleep          func(ctx context.Context, d time.Duration) error
}

type orderStateMachine struct {
	orders         repositories.OrderRepository
	gateway        payments.Gateway
	notifier       notifications.Notifier
	events         EventPublisher
	clock          Clock
	newID          func() string
	logger         Logger
	maxAttempts    int
	refundAttempts int
	refundBackoff  time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewOrderStateMachine wires the transition table to the ledger and side effects.
func NewOrderStateMachine(deps StateMachineDeps) (OrderStateMachine, error) {
	if deps.Orders == nil {
		return nil, errors.New("order state machine: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("order state machine: payment gateway is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("order state machine: notifier is required")
	}
	m := &orderStateMachine{
		orders:         deps.Orders,
		gateway:        deps.Gateway,
		notifier:       deps.Notifier,
		events:         deps.Events,
		clock:          deps.Clock,
		newID:          deps.IDGenerator,
		logger:         deps.Logger,
		maxAttempts:    deps.MaxAttempts,
		refundAttempts: deps.RefundAttempts,
		refundBackoff:  deps.RefundBackoff,
		sleep:          deps.Sleep,
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	if m.newID == nil {
		m.newID = func() string { return ulid.Make().String() }
	}
	if m.logger == nil {
		m.logger = func(context.Context, string, map[string]any) {}
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = defaultTransitionAttempts
	}
	if m.refundAttempts <= 0 {
		m.refundAttempts = defaultRefundAttempts
	}
	if m.refundBackoff < 0 {
		m.refundBackoff = 0
	} else if m.refundBackoff == 0 {
		m.refundBackoff = defaultRefundBackoff
	}
	if m.sleep == nil {
		m.sleep = sleepContext
	}
	return m, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Apply validates the command against the current status pair and commits it
// with compare-and-swap. A lost race re-reads and re-validates. Side effects
// run after the commit; a failed refund is returned as *RefundError together
// with the committed result.
func (m *orderStateMachine) Apply(ctx context.Context, orderID int64, t Transition) (TransitionResult, error) {
	rule, ok := orderTransitions[t.Command]
	if !ok {
		return TransitionResult{}, fmt.Errorf("%w: unknown command %q", ErrOrderInvalidInput, t.Command)
	}
	if orderID <= 0 {
		return TransitionResult{}, fmt.Errorf("%w: order id must be positive", ErrOrderInvalidInput)
	}

	for attempt := 1; ; attempt++ {
		current, err := m.orders.Get(ctx, orderID)
		if err != nil {
			return TransitionResult{}, mapRepositoryError(err, ErrOrderNotFound)
		}
		from := current.Pair()
		if !rule.allows(from) {
			return TransitionResult{Order: current, Previous: from}, &InvalidTransitionError{Command: t.Command, From: from, Reason: rule.reason(from)}
		}
		if rule.guard != nil {
			if reason := rule.guard(current, t); reason != "" {
				return TransitionResult{Order: current, Previous: from}, &InvalidTransitionError{Command: t.Command, From: from, Reason: reason}
			}
		}

		now := m.clock().UTC()
		next := current.Clone()
		rule.apply(&next, t, now)
		next.UpdatedAt = now

		committed, err := m.orders.CompareAndSwap(ctx, from, current.Version, next)
		if err != nil {
			if repositories.IsConflict(err) {
				if attempt < m.maxAttempts {
					m.logger(ctx, "order.transition.retry", map[string]any{
						"order_id": orderID,
						"command":  string(t.Command),
						"attempt":  attempt,
					})
					continue
				}
				return TransitionResult{}, fmt.Errorf("%w: %s on order %d lost %d races", ErrOrderConflict, t.Command, orderID, attempt)
			}
			return TransitionResult{}, mapRepositoryError(err, ErrOrderNotFound)
		}

		event := newOrderEvent(m.newID(), rule.event, from, committed, t.ActorID, now)
		event.Attributes = transitionAttributes(t, committed)
		result := TransitionResult{Order: committed, Previous: from, Event: event}

		m.logger(ctx, "order.transition.committed", map[string]any{
			"order_id": orderID,
			"command":  string(t.Command),
			"from":     from.String(),
			"to":       committed.Pair().String(),
			"version":  committed.Version,
			"actor":    t.ActorID,
		})
		publishOrderEvent(ctx, m.events, m.logger, event)
		return m.afterCommit(ctx, t, result)
	}
}

func transitionAttributes(t Transition, o domain.Order) map[string]string {
	attrs := map[string]string{}
	switch t.Command {
	case CommandRequestCancellation:
		if t.Reason != "" {
			attrs["reason"] = t.Reason
		}
	case CommandMarkPaid:
		attrs["session_id"] = o.PaymentSessionID
		attrs["amount_cents"] = strconv.FormatInt(t.AmountCents, 10)
		if o.PaymentIntentID != "" {
			attrs["payment_intent_id"] = o.PaymentIntentID
		}
	case CommandRecordRefund:
		attrs["refund_id"] = t.RefundID
		attrs["refunded_cents"] = strconv.FormatInt(t.RefundAmountCents, 10)
	case CommandRecordRefundFailure:
		attrs["failure_kind"] = string(t.Failure.Kind)
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

func (m *orderStateMachine) afterCommit(ctx context.Context, t Transition, result TransitionResult) (TransitionResult, error) {
	order := result.Order
	switch t.Command {
	case CommandMarkReady:
		m.notify(ctx, order, notifications.KindReady, notifications.Params{OrderID: order.ID})
	case CommandRequestCancellation:
		m.notify(ctx, order, notifications.KindCancellationReceived, notifications.Params{OrderID: order.ID})
	case CommandMarkPaid:
		if order.Status == domain.OrderStatusPending {
			m.notify(ctx, order, notifications.KindConfirmed, notifications.Params{OrderID: order.ID, TotalCents: order.TotalCents})
		}
	case CommandApproveCancellation:
		if order.PaymentStatus == domain.PaymentStatusPaid {
			refunded, err := m.refund(ctx, order, t.ActorID)
			if refunded.Order.ID != 0 {
				result.Order = refunded.Order
			}
			var refundErr *RefundError
			if errors.As(err, &refundErr) {
				// The customer still hears about the cancellation; a later
				// successful retry follows up with the refund SMS.
				m.notify(ctx, order, notifications.KindCancelled, notifications.Params{OrderID: order.ID})
			}
			return result, err
		}
		m.notify(ctx, order, notifications.KindCancelled, notifications.Params{OrderID: order.ID})
	case CommandRecordRefund:
		m.notify(ctx, order, notifications.KindCancelledWithRefund, notifications.Params{OrderID: order.ID, RefundCents: order.RefundedCents})
	}
	return result, nil
}

func (m *orderStateMachine) notify(ctx context.Context, order domain.Order, kind notifications.Kind, params notifications.Params) {
	delivery := m.notifier.Notify(ctx, order.Phone, kind, params)
	if delivery.Err != nil {
		m.logger(ctx, "order.notification.failed", map[string]any{
			"order_id": order.ID,
			"kind":     string(kind),
			"error":    delivery.Err.Error(),
		})
	}
}

func (m *orderStateMachine) Refund(ctx context.Context, orderID int64, actorID string) (TransitionResult, error) {
	if orderID <= 0 {
		return TransitionResult{}, fmt.Errorf("%w: order id must be positive", ErrOrderInvalidInput)
	}
	order, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return TransitionResult{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	return m.refund(ctx, order, actorID)
}

// refund calls the processor with a stable idempotency key, so retries after
// a timeout can never refund twice, then books the outcome.
func (m *orderStateMachine) refund(ctx context.Context, order domain.Order, actorID string) (TransitionResult, error) {
	from := order.Pair()
	if !orderTransitions[CommandRecordRefund].allows(from) {
		return TransitionResult{Order: order, Previous: from}, &InvalidTransitionError{Command: CommandRecordRefund, From: from, Reason: refundReason(from)}
	}

	req := payments.RefundRequest{
		Reference:      order.RefundReference(),
		IdempotencyKey: order.IdempotencyKey("refund"),
	}
	var (
		res      payments.RefundResult
		err      error
		attempts int
	)
	if req.Reference == "" {
		err = &payments.GatewayError{Op: "refund", Kind: payments.KindInvalid, Code: "missing_reference", Message: "order has no payment reference"}
	} else {
		for {
			attempts++
			res, err = m.gateway.Refund(ctx, req)
			if err == nil || attempts >= m.refundAttempts || !refundRetryable(err) {
				break
			}
			m.logger(ctx, "refund.retry", map[string]any{"order_id": order.ID, "attempt": attempts, "error": err.Error()})
			if sleepErr := m.sleep(ctx, m.refundBackoff*time.Duration(attempts)); sleepErr != nil {
				break
			}
		}
	}

	if err == nil || payments.IsAlreadyRefunded(err) {
		amount := res.AmountCents
		if amount <= 0 {
			amount = order.AmountPaidCents
		}
		if amount <= 0 {
			amount = order.TotalCents
		}
		if err != nil {
			m.logger(ctx, "refund.already_refunded", map[string]any{"order_id": order.ID})
		}
		return m.Apply(ctx, order.ID, Transition{
			Command:           CommandRecordRefund,
			ActorID:           actorID,
			RefundID:          res.ID,
			RefundAmountCents: amount,
		})
	}

	kind := refundFailureKind(err)
	m.logger(ctx, "refund.failed", map[string]any{
		"order_id": order.ID,
		"kind":     string(kind),
		"attempts": attempts,
		"error":    err.Error(),
	})
	refundErr := &RefundError{OrderID: order.ID, Kind: kind, Attempts: attempts, Err: err}
	result, recordErr := m.Apply(ctx, order.ID, Transition{
		Command: CommandRecordRefundFailure,
		ActorID: actorID,
		Failure: &domain.RefundFailure{Kind: kind, Message: err.Error(), Attempts: attempts},
	})
	if recordErr != nil {
		m.logger(ctx, "refund.failure_not_recorded", map[string]any{"order_id": order.ID, "error": recordErr.Error()})
		result = TransitionResult{Order: order, Previous: from}
	}
	return result, refundErr
}

func refundRetryable(err error) bool {
	var gwErr *payments.GatewayError
	return errors.As(err, &gwErr) && gwErr.Retryable()
}

func refundFailureKind(err error) domain.RefundFailureKind {
	switch payments.KindOf(err) {
	case payments.KindTimeout, payments.KindUnavailable:
		return domain.RefundFailureTimeout
	case payments.KindDeclined, payments.KindInvalid:
		return domain.RefundFailureDeclined
	default:
		return domain.RefundFailureUnknown
	}
}
