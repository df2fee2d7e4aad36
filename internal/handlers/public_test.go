package handlers

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jbites/api/internal/domain"
)

func TestPublicHandlersItems(t *testing.T) {
	catalog := &stubCatalogService{items: []domain.CatalogItem{
		{ID: 1, Name: "Classic Burger", Description: "Beef patty", PriceCents: 899},
		{ID: 2, Name: "French Fries", PriceCents: 399},
	}}
	router := NewRouter(WithPublicRoutes(NewPublicHandlers(catalog).Routes))

	rr := call(t, router, http.MethodGet, "/api/v1/public/items", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	items := decodeBody(t, rr)["items"].([]any)
	require.Len(t, items, 2)
	require.Equal(t, "8.99", items[0].(map[string]any)["price"])

	rr = call(t, router, http.MethodGet, "/api/v1/public/items/2", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "French Fries", decodeBody(t, rr)["name"])

	rr = call(t, router, http.MethodGet, "/api/v1/public/items/9", "", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "item_not_found", errorCodeOf(t, rr))

	rr = call(t, router, http.MethodGet, "/api/v1/public/items/0", "", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPublicHandlersCatalogFailure(t *testing.T) {
	router := NewRouter(WithPublicRoutes(NewPublicHandlers(&stubCatalogService{err: errors.New("boom")}).Routes))
	rr := call(t, router, http.MethodGet, "/api/v1/public/items", "", "")
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestWindowLimiter(t *testing.T) {
	now := handlerNow
	limiter := newWindowLimiter(2, time.Minute, func() time.Time { return now })

	ok, _ := limiter.Allow("a")
	require.True(t, ok)
	ok, _ = limiter.Allow("a")
	require.True(t, ok)
	ok, wait := limiter.Allow("a")
	require.False(t, ok)
	require.Equal(t, time.Minute, wait)

	now = now.Add(30 * time.Second)
	_, wait = limiter.Allow("a")
	require.Equal(t, 30*time.Second, wait)
	ok, _ = limiter.Allow("b")
	require.True(t, ok)

	now = now.Add(30 * time.Second)
	ok, _ = limiter.Allow("a")
	require.True(t, ok)
	require.Len(t, limiter.buckets, 2)

	now = now.Add(2 * time.Minute)
	ok, _ = limiter.Allow("c")
	require.True(t, ok)
	require.Len(t, limiter.buckets, 1)
}

func TestWindowLimiterDisabled(t *testing.T) {
	require.Nil(t, newWindowLimiter(0, time.Minute, nil))
	var limiter *windowLimiter
	ok, _ := limiter.Allow("anyone")
	require.True(t, ok)
}
