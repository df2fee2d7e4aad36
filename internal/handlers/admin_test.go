package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/payments"
	"github.com/jbites/api/internal/platform/pagination"
	"github.com/jbites/api/internal/services"
)

func adminRouter(orders services.OrderService, machine services.OrderStateMachine, cancellations services.CancellationService) http.Handler {
	return NewRouter(WithAdminRoutes(NewAdminHandlers(devAuth(), orders, machine, cancellations).Routes))
}

func TestAdminHandlersRequireStaff(t *testing.T) {
	router := adminRouter(&stubOrderService{}, nil, nil)

	rr := call(t, router, http.MethodGet, "/api/v1/admin/orders", "user-1", "")
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = call(t, router, http.MethodGet, "/api/v1/admin/orders", "", "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAdminHandlersListOrders(t *testing.T) {
	var got services.OrderListFilter
	orders := &stubOrderService{listFn: func(_ context.Context, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error) {
		got = filter
		return domain.CursorPage[domain.Order]{
			Items:         []domain.Order{sampleOrder(11, "user-1"), sampleOrder(12, "user-2")},
			NextPageToken: pagination.EncodeToken(pagination.Cursor{AfterID: 12}),
		}, nil
	}}
	router := adminRouter(orders, nil, nil)

	token := pagination.EncodeToken(pagination.Cursor{AfterID: 10})
	rr := call(t, router, http.MethodGet, "/api/v1/admin/orders?order_status=cancel_requested&payment_status=paid&page_size=2&page_token="+token, "staff-1:staff", "")

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, services.OrderListFilter{
		Status:        domain.OrderStatusCancelRequested,
		PaymentStatus: domain.PaymentStatusPaid,
		PageSize:      2,
		AfterID:       10,
	}, got)
	body := decodeBody(t, rr)
	require.Len(t, body["orders"], 2)
	require.NotEmpty(t, body["next_page_token"])

	for _, query := range []string{"order_status=shipped", "payment_status=failed", "page_size=-1", "page_token=%21%21"} {
		rr := call(t, router, http.MethodGet, "/api/v1/admin/orders?"+query, "staff-1:admin", "")
		require.Equal(t, http.StatusBadRequest, rr.Code, query)
	}
}

func TestAdminHandlersMarkReady(t *testing.T) {
	var got services.Transition
	machine := &stubStateMachine{applyFn: func(_ context.Context, id int64, transition services.Transition) (services.TransitionResult, error) {
		got = transition
		if id == 2 {
			return services.TransitionResult{}, &services.InvalidTransitionError{
				Command: services.CommandMarkReady,
				From:    domain.StatusPair{Order: domain.OrderStatusPending, Payment: domain.PaymentStatusPending},
				Reason:  "order has not been paid",
			}
		}
		order := sampleOrder(id, "user-1")
		order.Status, order.PaymentStatus = domain.OrderStatusDone, domain.PaymentStatusPaid
		return services.TransitionResult{Order: order}, nil
	}}
	router := adminRouter(nil, machine, nil)

	rr := call(t, router, http.MethodPost, "/api/v1/admin/orders/1:ready", "staff-1:staff", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "done", decodeBody(t, rr)["order_status"])
	require.Equal(t, services.Transition{Command: services.CommandMarkReady, ActorID: "staff-1"}, got)

	rr = call(t, router, http.MethodPost, "/api/v1/admin/orders/2:ready", "staff-1:staff", "")
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "order has not been paid", decodeBody(t, rr)["message"])
}

func TestAdminHandlersApproveCancellations(t *testing.T) {
	refunded := sampleOrder(1, "user-1")
	refunded.Status, refunded.PaymentStatus = domain.OrderStatusCancelled, domain.PaymentStatusRefunded

	var got services.BulkCancellationCommand
	cancellations := &stubCancellationService{approveFn: func(_ context.Context, cmd services.BulkCancellationCommand) (services.BulkCancellationResult, error) {
		got = cmd
		return services.BulkCancellationResult{Results: []services.CancellationOutcome{
			{OrderID: 1, Status: services.OutcomeRefunded, Order: &refunded},
			{OrderID: 2, Status: services.OutcomeRefundFailed, Reason: "refund_timeout"},
			{OrderID: 3, Status: services.OutcomeNotFound},
		}}, nil
	}}
	router := adminRouter(nil, nil, cancellations)

	rr := call(t, router, http.MethodPost, "/api/v1/admin/orders/cancellations:approve", "staff-1:staff", `{"order_ids":[1,2,3]}`)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, services.BulkCancellationCommand{OrderIDs: []int64{1, 2, 3}, ActorID: "staff-1"}, got)
	body := decodeBody(t, rr)
	require.Equal(t, float64(1), body["succeeded"])
	require.Equal(t, float64(2), body["failed"])
	results := body["results"].([]any)
	require.Equal(t, "refunded", results[0].(map[string]any)["status"])
	require.Equal(t, "refunded", results[0].(map[string]any)["order"].(map[string]any)["payment_status"])
	require.Equal(t, "refund_timeout", results[1].(map[string]any)["reason"])
	require.Nil(t, results[2].(map[string]any)["order"])
}

func TestAdminHandlersDenyCancellations(t *testing.T) {
	cancellations := &stubCancellationService{denyFn: func(_ context.Context, cmd services.BulkCancellationCommand) (services.BulkCancellationResult, error) {
		if len(cmd.OrderIDs) > 1 {
			return services.BulkCancellationResult{}, fmt.Errorf("%w: too many ids", services.ErrOrderInvalidInput)
		}
		return services.BulkCancellationResult{Results: []services.CancellationOutcome{{OrderID: cmd.OrderIDs[0], Status: services.OutcomeDenied}}}, nil
	}}
	router := adminRouter(nil, nil, cancellations)

	rr := call(t, router, http.MethodPost, "/api/v1/admin/orders/cancellations:deny", "staff-1:staff", `{"order_ids":[4]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, float64(1), decodeBody(t, rr)["succeeded"])

	rr = call(t, router, http.MethodPost, "/api/v1/admin/orders/cancellations:deny", "staff-1:staff", `{"order_ids":[]}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = call(t, router, http.MethodPost, "/api/v1/admin/orders/cancellations:deny", "staff-1:staff", `{"order_ids":[4,5]}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminHandlersRetryRefundErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{
			name:     "timeout",
			err:      &services.RefundError{OrderID: 1, Kind: domain.RefundFailureTimeout, Attempts: 3, Err: &payments.GatewayError{Op: "refund", Kind: payments.KindTimeout}},
			wantCode: http.StatusGatewayTimeout,
			wantErr:  "refund_timeout",
		},
		{
			name:     "declined",
			err:      &services.RefundError{OrderID: 1, Kind: domain.RefundFailureDeclined, Attempts: 1, Err: errors.New("card declined")},
			wantCode: http.StatusBadGateway,
			wantErr:  "refund_declined",
		},
		{
			name:     "not refundable",
			err:      &services.InvalidTransitionError{Command: services.CommandRecordRefund, Reason: "order is not awaiting a refund"},
			wantCode: http.StatusConflict,
			wantErr:  "invalid_transition",
		},
		{
			name:     "missing",
			err:      fmt.Errorf("%w: order 1", services.ErrOrderNotFound),
			wantCode: http.StatusNotFound,
			wantErr:  "order_not_found",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cancellations := &stubCancellationService{retryFn: func(context.Context, int64, string) (domain.Order, error) {
				return domain.Order{}, tc.err
			}}
			rr := call(t, adminRouter(nil, nil, cancellations), http.MethodPost, "/api/v1/admin/orders/1:refund", "staff-1:staff", "")
			require.Equal(t, tc.wantCode, rr.Code)
			require.Equal(t, tc.wantErr, errorCodeOf(t, rr))
		})
	}
}

func TestAdminHandlersRetryRefundSuccess(t *testing.T) {
	var gotActor string
	cancellations := &stubCancellationService{retryFn: func(_ context.Context, id int64, actor string) (domain.Order, error) {
		gotActor = actor
		order := sampleOrder(id, "user-1")
		order.Status, order.PaymentStatus = domain.OrderStatusCancelled, domain.PaymentStatusRefunded
		order.RefundedCents = order.TotalCents
		return order, nil
	}}
	rr := call(t, adminRouter(nil, nil, cancellations), http.MethodPost, "/api/v1/admin/orders/8:refund", "admin-1:admin", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "admin-1", gotActor)
	body := decodeBody(t, rr)
	require.Equal(t, float64(2297), body["refunded_cents"])
	require.Nil(t, body["checkout_url"])
}
