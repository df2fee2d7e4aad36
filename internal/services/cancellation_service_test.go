package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/notifications"
	"github.com/jbites/api/internal/payments"
)

func timeoutErr() error {
	return &payments.GatewayError{Op: "refund", Kind: payments.KindTimeout, Message: "context deadline exceeded"}
}

func requestCancel(t *testing.T, h *harness, order domain.Order) {
	t.Helper()
	if _, err := h.cancellations.RequestCancellation(context.Background(), RequestCancellationCommand{OrderID: order.ID, RequesterID: order.OwnerID}); err != nil {
		t.Fatalf("request cancellation: %v", err)
	}
}

func approve(t *testing.T, h *harness, ids ...int64) BulkCancellationResult {
	t.Helper()
	result, err := h.cancellations.ApproveCancellations(context.Background(), BulkCancellationCommand{OrderIDs: ids, ActorID: "staff-1"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return result
}

func TestCancellation_UnpaidOrderIsCancelledWithoutRefund(t *testing.T) {
	h := newHarness(t)
	order := h.placeOrder(t)
	requestCancel(t, h, order)

	requested := h.reload(t, order.ID)
	if requested.Status != domain.OrderStatusCancelRequested || requested.CancelledAt == nil {
		t.Fatalf("expected cancel_requested with timestamp, got %+v", requested)
	}

	result := approve(t, h, order.ID)
	if len(result.Results) != 1 || result.Results[0].Status != OutcomeApproved {
		t.Fatalf("unexpected outcome %+v", result.Results)
	}
	got := h.reload(t, order.ID)
	if got.Pair() != (domain.StatusPair{Order: domain.OrderStatusCancelled, Payment: domain.PaymentStatusPending}) {
		t.Fatalf("unexpected pair %s", got.Pair())
	}
	if h.gateway.RefundCount() != 0 {
		t.Fatal("nothing was paid so nothing may be refunded")
	}
	want := []notifications.Kind{notifications.KindCancellationReceived, notifications.KindCancelled}
	if got := h.notifier.kinds(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestCancellation_PaidOrderIsRefundedOnce(t *testing.T) {
	h := newHarness(t)
	order := h.placeOrder(t)
	h.pay(t, order)
	requestCancel(t, h, order)

	result := approve(t, h, order.ID)
	if result.Results[0].Status != OutcomeRefunded {
		t.Fatalf("expected refunded outcome, got %+v", result.Results[0])
	}
	got := h.reload(t, order.ID)
	if got.Pair() != (domain.StatusPair{Order: domain.OrderStatusCancelled, Payment: domain.PaymentStatusRefunded}) {
		t.Fatalf("unexpected pair %s", got.Pair())
	}
	if got.RefundedCents != 2197 || got.RefundID == "" {
		t.Fatalf("expected refund to be booked, got %+v", got)
	}
	if h.gateway.RefundCount() != 1 {
		t.Fatalf("expected one refund, got %d", h.gateway.RefundCount())
	}
	refundCalls := 0
	for _, call := range h.gateway.Calls() {
		if call == fmt.Sprintf("refund:pi_fake_%d", order.ID) {
			refundCalls++
		}
	}
	if refundCalls != 1 {
		t.Fatalf("expected one refund call against the payment intent, got %v", h.gateway.Calls())
	}
	if h.notifier.count(notifications.KindCancelledWithRefund) != 1 || h.notifier.count(notifications.KindCancelled) != 0 {
		t.Fatalf("unexpected notifications %v", h.notifier.kinds())
	}
	last := h.notifier.sent[len(h.notifier.sent)-1]
	if last.params.RefundCents != 2197 {
		t.Fatalf("expected refund amount in SMS, got %+v", last.params)
	}

	again := approve(t, h, order.ID)
	if again.Results[0].Status != OutcomeInvalidTransition || again.Results[0].Reason != "order already cancelled" {
		t.Fatalf("expected second approval to be rejected, got %+v", again.Results[0])
	}
	if h.gateway.RefundCount() != 1 {
		t.Fatal("refund must not be repeated")
	}
}

func TestCancellation_DenyReturnsToPending(t *testing.T) {
	h := newHarness(t)
	order := h.placeOrder(t)
	requestCancel(t, h, order)

	result, err := h.cancellations.DenyCancellations(context.Background(), BulkCancellationCommand{OrderIDs: []int64{order.ID}, ActorID: "staff-1"})
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if result.Results[0].Status != OutcomeDenied {
		t.Fatalf("unexpected outcome %+v", result.Results[0])
	}
	got := h.reload(t, order.ID)
	if got.Status != domain.OrderStatusPending || got.CancelledAt != nil {
		t.Fatalf("expected pending without cancelled_at, got %+v", got)
	}
	requestCancel(t, h, order)
	if got := h.reload(t, order.ID); got.Status != domain.OrderStatusCancelRequested {
		t.Fatalf("expected a new request to be accepted, got %s", got.Status)
	}
}

func TestCancellation_RequestRules(t *testing.T) {
	h := newHarness(t)
	order := h.placeOrder(t)
	ctx := context.Background()

	_, err := h.cancellations.RequestCancellation(ctx, RequestCancellationCommand{OrderID: order.ID, RequesterID: "someone-else"})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected other users to get not found, got %v", err)
	}
	if _, err := h.cancellations.RequestCancellation(ctx, RequestCancellationCommand{OrderID: order.ID, RequesterID: "staff-1", IsStaff: true, Reason: "<b>allergy</b>"}); err != nil {
		t.Fatalf("staff request: %v", err)
	}

	if _, err := h.machine.Apply(ctx, order.ID, Transition{Command: CommandDenyCancellation}); err != nil {
		t.Fatalf("deny: %v", err)
	}
	if _, err := h.machine.Apply(ctx, order.ID, Transition{Command: CommandMarkReady}); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	before := h.reload(t, order.ID)
	_, err = h.cancellations.RequestCancellation(ctx, RequestCancellationCommand{OrderID: order.ID, RequesterID: "user-1"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on done order, got %v", err)
	}
	if after := h.reload(t, order.ID); after.Version != before.Version {
		t.Fatal("order must be unchanged")
	}
}

func TestCancellation_BulkProcessesEachIDIndependently(t *testing.T) {
	h := newHarness(t)
	requested := h.placeOrder(t)
	requestCancel(t, h, requested)
	pending := h.placeOrder(t)

	result := approve(t, h, requested.ID, 4040, requested.ID, pending.ID)
	if len(result.Results) != 3 {
		t.Fatalf("expected duplicates to be removed, got %d results", len(result.Results))
	}
	want := []CancellationOutcomeStatus{OutcomeApproved, OutcomeNotFound, OutcomeInvalidTransition}
	for i, outcome := range result.Results {
		if outcome.Status != want[i] {
			t.Fatalf("result %d: expected %s, got %+v", i, want[i], outcome)
		}
	}
	if result.Results[2].Reason != "no cancellation was requested" {
		t.Fatalf("unexpected reason %q", result.Results[2].Reason)
	}

	if _, err := h.cancellations.ApproveCancellations(context.Background(), BulkCancellationCommand{ActorID: "staff-1"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected empty batch to be rejected, got %v", err)
	}
}

func TestCancellation_RefundTimeoutIsReportedAndRetried(t *testing.T) {
	h := newHarness(t)
	order := h.placeOrder(t)
	h.pay(t, order)
	requestCancel(t, h, order)
	h.gateway.RefundErrs = []error{timeoutErr(), timeoutErr(), timeoutErr()}

	result := approve(t, h, order.ID)
	outcome := result.Results[0]
	if outcome.Status != OutcomeRefundFailed || outcome.Reason != "refund_timeout" {
		t.Fatalf("expected refund timeout outcome, got %+v", outcome)
	}
	var refundErr *RefundError
	if !errors.As(outcome.Err, &refundErr) || !refundErr.Timeout() || refundErr.Attempts != 3 {
		t.Fatalf("expected RefundError timeout after 3 attempts, got %v", outcome.Err)
	}
	if !errors.Is(outcome.Err, ErrPaymentGateway) {
		t.Fatal("refund errors are payment gateway errors")
	}

	got := h.reload(t, order.ID)
	if got.Pair() != (domain.StatusPair{Order: domain.OrderStatusCancelled, Payment: domain.PaymentStatusPaid}) {
		t.Fatalf("payment must stay paid, got %s", got.Pair())
	}
	if got.RefundFailure == nil || got.RefundFailure.Kind != domain.RefundFailureTimeout || got.RefundFailure.Attempts != 3 {
		t.Fatalf("expected recorded failure, got %+v", got.RefundFailure)
	}
	if h.notifier.count(notifications.KindCancelled) != 1 || h.notifier.count(notifications.KindCancelledWithRefund) != 0 {
		t.Fatalf("expected plain cancellation SMS while the refund is pending, got %v", h.notifier.kinds())
	}

	refunded, err := h.cancellations.RetryRefund(context.Background(), order.ID, "staff-2")
	if err != nil {
		t.Fatalf("retry refund: %v", err)
	}
	if refunded.PaymentStatus != domain.PaymentStatusRefunded || refunded.RefundFailure != nil {
		t.Fatalf("expected refunded order without failure, got %+v", refunded)
	}
	if h.gateway.RefundCount() != 1 {
		t.Fatalf("expected a single refund, got %d", h.gateway.RefundCount())
	}
	if h.notifier.count(notifications.KindCancelledWithRefund) != 1 || h.notifier.count(notifications.KindCancelled) != 1 {
		t.Fatalf("expected refund SMS once the refund succeeds, got %v", h.notifier.kinds())
	}

	if _, err := h.cancellations.RetryRefund(context.Background(), order.ID, "staff-2"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected refunded order to reject another refund, got %v", err)
	}
}

func TestCancellation_ProcessorKeysIncludeOrderCreationTime(t *testing.T) {
	h := newHarness(t)
	order := h.placeOrder(t)
	h.pay(t, order)
	requestCancel(t, h, order)
	approve(t, h, order.ID)

	want := []string{order.IdempotencyKey("checkout"), order.IdempotencyKey("refund")}
	if got := h.gateway.IdempotencyKeys(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected keys %v, got %v", want, got)
	}
	suffix := fmt.Sprintf("-%d-%d", order.ID, order.CreatedAt.UnixMilli())
	for _, key := range want {
		if !strings.HasSuffix(key, suffix) {
			t.Fatalf("key %q is not scoped to the order's creation time", key)
		}
	}
}

func TestCancellation_DeclinedRefundIsNotRetried(t *testing.T) {
	h := newHarness(t)
	order := h.placeOrder(t)
	h.pay(t, order)
	requestCancel(t, h, order)
	h.gateway.RefundErrs = []error{&payments.GatewayError{Op: "refund", Kind: payments.KindDeclined, Code: "charge_disputed"}}

	result := approve(t, h, order.ID)
	if result.Results[0].Reason != "refund_declined" {
		t.Fatalf("expected declined outcome, got %+v", result.Results[0])
	}
	var refundErr *RefundError
	if !errors.As(result.Results[0].Err, &refundErr) || refundErr.Attempts != 1 {
		t.Fatalf("declined refunds are not retried inline, got %v", result.Results[0].Err)
	}
	want := []notifications.Kind{notifications.KindCancellationReceived, notifications.KindCancelled}
	if got := h.notifier.kinds(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	sweep, err := h.cancellations.RetryFailedRefunds(context.Background(), 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sweep.Attempted != 0 || sweep.Skipped != 1 {
		t.Fatalf("declined refunds are left for staff, got %+v", sweep)
	}
}

func TestCancellation_AlreadyRefundedCountsAsSuccess(t *testing.T) {
	h := newHarness(t)
	order := h.placeOrder(t)
	h.pay(t, order)
	requestCancel(t, h, order)
	h.gateway.RefundErrs = []error{&payments.GatewayError{Op: "refund", Kind: payments.KindAlreadyRefunded, Code: "charge_already_refunded"}}

	result := approve(t, h, order.ID)
	if result.Results[0].Status != OutcomeRefunded {
		t.Fatalf("expected refunded outcome, got %+v", result.Results[0])
	}
	if got := h.reload(t, order.ID); got.RefundedCents != 2197 {
		t.Fatalf("expected amount paid to be booked as refunded, got %d", got.RefundedCents)
	}
}

func TestCancellation_SweepRetriesTimeouts(t *testing.T) {
	h := newHarness(t)
	order := h.placeOrder(t)
	h.pay(t, order)
	requestCancel(t, h, order)
	h.gateway.RefundErrs = []error{timeoutErr(), timeoutErr(), timeoutErr()}
	approve(t, h, order.ID)

	sweep, err := h.cancellations.RetryFailedRefunds(context.Background(), 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sweep.Attempted != 1 || sweep.Refunded != 1 {
		t.Fatalf("unexpected sweep result %+v", sweep)
	}
	if got := h.reload(t, order.ID); got.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded, got %s", got.Pair())
	}
}
