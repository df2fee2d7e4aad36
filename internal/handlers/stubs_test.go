package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/platform/auth"
	"github.com/jbites/api/internal/services"
)

var handlerNow = time.Date(2025, time.April, 2, 18, 30, 0, 0, time.UTC)

type stubOrderService struct {
	createFn  func(context.Context, services.CreateOrderCommand) (domain.Order, error)
	getFn     func(context.Context, int64) (domain.Order, error)
	byPhoneFn func(context.Context, string) ([]domain.Order, error)
	listFn    func(context.Context, services.OrderListFilter) (domain.CursorPage[domain.Order], error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
	return s.createFn(ctx, cmd)
}

func (s *stubOrderService) GetOrder(ctx context.Context, id int64) (domain.Order, error) {
	return s.getFn(ctx, id)
}

func (s *stubOrderService) ListOrdersByPhone(ctx context.Context, phone string) ([]domain.Order, error) {
	return s.byPhoneFn(ctx, phone)
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	return s.listFn(ctx, filter)
}

type stubStateMachine struct {
	applyFn func(context.Context, int64, services.Transition) (services.TransitionResult, error)
}

func (s *stubStateMachine) Apply(ctx context.Context, id int64, t services.Transition) (services.TransitionResult, error) {
	return s.applyFn(ctx, id, t)
}

func (s *stubStateMachine) Refund(context.Context, int64, string) (services.TransitionResult, error) {
	return services.TransitionResult{}, nil
}

type stubCancellationService struct {
	requestFn func(context.Context, services.RequestCancellationCommand) (domain.Order, error)
	approveFn func(context.Context, services.BulkCancellationCommand) (services.BulkCancellationResult, error)
	denyFn    func(context.Context, services.BulkCancellationCommand) (services.BulkCancellationResult, error)
	retryFn   func(context.Context, int64, string) (domain.Order, error)
	sweepFn   func(context.Context, int) (services.RefundSweepResult, error)
}

func (s *stubCancellationService) RequestCancellation(ctx context.Context, cmd services.RequestCancellationCommand) (domain.Order, error) {
	return s.requestFn(ctx, cmd)
}

func (s *stubCancellationService) ApproveCancellations(ctx context.Context, cmd services.BulkCancellationCommand) (services.BulkCancellationResult, error) {
	return s.approveFn(ctx, cmd)
}

func (s *stubCancellationService) DenyCancellations(ctx context.Context, cmd services.BulkCancellationCommand) (services.BulkCancellationResult, error) {
	return s.denyFn(ctx, cmd)
}

func (s *stubCancellationService) RetryRefund(ctx context.Context, id int64, actor string) (domain.Order, error) {
	return s.retryFn(ctx, id, actor)
}

func (s *stubCancellationService) RetryFailedRefunds(ctx context.Context, limit int) (services.RefundSweepResult, error) {
	return s.sweepFn(ctx, limit)
}

type stubCatalogService struct {
	items []domain.CatalogItem
	err   error
}

func (s *stubCatalogService) ListItems(context.Context) ([]domain.CatalogItem, error) {
	return s.items, s.err
}

func (s *stubCatalogService) GetItem(_ context.Context, id int64) (domain.CatalogItem, error) {
	for _, item := range s.items {
		if item.ID == id {
			return item, nil
		}
	}
	return domain.CatalogItem{}, services.ErrCatalogItemNotFound
}

func (s *stubCatalogService) Seed(context.Context) (int, error) { return 0, nil }

func sampleOrder(id int64, owner string) domain.Order {
	return domain.Order{
		ID:            id,
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		OwnerID:       owner,
		Phone:         "+14155550132",
		Lines: []domain.OrderLine{
			{ID: 1, CatalogItemID: 1, Name: "Classic Burger", Quantity: 2, UnitPriceCents: 899},
			{ID: 2, CatalogItemID: 4, Name: "Chocolate Shake", Quantity: 1, UnitPriceCents: 499},
		},
		TotalCents:  2297,
		CheckoutURL: "https://checkout.example/cs_1",
		CreatedAt:   handlerNow,
		UpdatedAt:   handlerNow,
	}
}

func devAuth() *auth.Authenticator {
	return auth.NewAuthenticator(auth.DevVerifier{})
}

// call serves one request through handler. token is a dev token such as
// "user-1" or "staff-1:staff"; empty sends no Authorization header.
func call(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body
}

func errorCodeOf(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	code, _ := decodeBody(t, rr)["error"].(string)
	return code
}

func newJSONRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
