package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jbites/api/internal/platform/auth"
	"github.com/jbites/api/internal/platform/requestctx"
)

var fixedTime = time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)

func newOrderRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(DefaultHeader, key)
	}
	return req
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestMiddlewareRequiresKey(t *testing.T) {
	called := false
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("", `{}`))

	if called {
		t.Fatal("handler must not run without a key")
	}
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "idempotency_key_required" {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
}

func TestMiddlewareOptionalKeyPassesThrough(t *testing.T) {
	called := 0
	handler := Middleware(NewMemoryStore(), WithOptionalKey())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called++
		w.WriteHeader(http.StatusCreated)
	}))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, newOrderRequest("", `{}`))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rr.Code)
		}
	}
	if called != 2 {
		t.Fatalf("expected two handler calls, got %d", called)
	}
}

func TestMiddlewareReplaysFinishedResponse(t *testing.T) {
	calls := 0
	var seenKey string
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			seenKey = requestctx.IdempotencyKey(r.Context())
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"order_id":7}`))
		}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newOrderRequest("k-1", `{"phone":"+15550100"}`))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newOrderRequest("k-1", `{"phone":"+15550100"}`))

	if calls != 1 {
		t.Fatalf("expected a single handler call, got %d", calls)
	}
	if seenKey != "k-1" {
		t.Fatalf("expected key on context, got %q", seenKey)
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("replay mismatch: %d %s", second.Code, second.Body.String())
	}
	if second.Header().Get(ReplayHeader) != "true" {
		t.Fatal("expected replay header")
	}
	if first.Header().Get(ReplayHeader) != "" {
		t.Fatal("first response must not be marked as replay")
	}
}

func TestMiddlewareKeysAreScopedPerUser(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	for _, uid := range []string{"alice", "bob"} {
		req := newOrderRequest("shared", `{}`)
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Fatalf("expected both users to reach the handler, got %d", calls)
	}
}

func TestMiddlewareRejectsReuseWithDifferentBody(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("k-2", `{"a":1}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("k-2", `{"a":2}`))

	if rr.Code != http.StatusConflict || errorCode(t, rr) != "idempotency_key_conflict" {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
}

func TestMiddlewareInFlightConflict(t *testing.T) {
	store := NewMemoryStore()
	req := newOrderRequest("k-3", `{}`)
	body, _ := bufferBody(req)
	requester := requesterOf(req.Context())
	if _, err := store.Reserve(context.Background(), "k-3|"+requester, fingerprintOf(req, body, requester), fixedTime, time.Hour); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run while the key is held")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict || errorCode(t, rr) != "idempotency_in_progress" {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
}

func TestMiddlewareServerErrorsAreRetryable(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newOrderRequest("k-4", `{}`))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newOrderRequest("k-4", `{}`))

	if first.Code != http.StatusBadGateway || second.Code != http.StatusCreated || calls != 2 {
		t.Fatalf("expected retry after 502, got %d then %d (%d calls)", first.Code, second.Code, calls)
	}
}

func TestMiddlewareSaveFailureReleasesKey(t *testing.T) {
	store := &stubStore{saveErr: errors.New("boom")}
	var events []string
	handler := Middleware(store, WithLogger(func(_ context.Context, event string, _ map[string]any) {
		events = append(events, event)
	}))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("k-5", `{}`))

	if rr.Code != http.StatusCreated {
		t.Fatalf("handler response should still be delivered, got %d", rr.Code)
	}
	if !store.released {
		t.Fatal("expected the key to be released")
	}
	if len(events) != 1 || events[0] != "idempotency.save.failed" {
		t.Fatalf("unexpected log events %v", events)
	}
}

func TestMiddlewareReserveFailureIsUnavailable(t *testing.T) {
	store := &stubStore{reserveErr: errors.New("redis down")}
	handler := Middleware(store)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("k-6", `{}`))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestMemoryStoreCleanupExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _ = store.Reserve(ctx, "old", "fp", fixedTime, time.Minute)
	_, _ = store.Reserve(ctx, "new", "fp", fixedTime, time.Hour)

	removed, err := store.CleanupExpired(ctx, fixedTime.Add(10*time.Minute), 10)
	if err != nil || removed != 1 {
		t.Fatalf("expected one removal, got %d %v", removed, err)
	}
	res, err := store.Reserve(ctx, "old", "other", fixedTime.Add(10*time.Minute), time.Minute)
	if err != nil || res.Outcome != OutcomeFresh {
		t.Fatalf("expired key should be reusable, got %v %v", res.Outcome, err)
	}
}

type stubStore struct {
	reserveErr error
	saveErr    error
	released   bool
}

func (s *stubStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	if s.reserveErr != nil {
		return Reservation{}, s.reserveErr
	}
	return Reservation{Outcome: OutcomeFresh}, nil
}

func (s *stubStore) SaveResponse(context.Context, string, string, Response, time.Time, time.Duration) error {
	return s.saveErr
}

func (s *stubStore) Release(context.Context, string, string) error {
	s.released = true
	return nil
}

func (s *stubStore) CleanupExpired(context.Context, time.Time, int) (int, error) { return 0, nil }
