package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestNewRouterDefaultMounts(t *testing.T) {
	router := NewRouter()

	t.Run("healthz", func(t *testing.T) {
		rr := call(t, router, http.MethodGet, "/healthz", "", "")
		require.Equal(t, http.StatusOK, rr.Code)
		require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	})

	t.Run("readyz without probes", func(t *testing.T) {
		rr := call(t, router, http.MethodGet, "/readyz", "", "")
		require.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("unregistered group", func(t *testing.T) {
		rr := call(t, router, http.MethodGet, "/api/v1/orders/1", "", "")
		require.Equal(t, http.StatusNotImplemented, rr.Code)
		require.Equal(t, "not_implemented", errorCodeOf(t, rr))
	})

	t.Run("unknown route", func(t *testing.T) {
		rr := call(t, router, http.MethodGet, "/nope", "", "")
		require.Equal(t, http.StatusNotFound, rr.Code)
		require.Equal(t, errorNotFoundCode, errorCodeOf(t, rr))
	})
}

func TestNewRouterGroupMiddlewares(t *testing.T) {
	tag := func(value string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Group", value)
				next.ServeHTTP(w, r)
			})
		}
	}
	ok := func(r chi.Router) {
		r.Post("/ping", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	}
	router := NewRouter(
		WithWebhookRoutes(ok),
		WithWebhookMiddlewares(tag("webhooks")),
		WithInternalRoutes(ok),
		WithInternalMiddlewares(tag("internal")),
		WithPublicRoutes(ok),
	)

	for path, want := range map[string]string{
		"/api/v1/webhooks/ping": "webhooks",
		"/api/v1/internal/ping": "internal",
		"/api/v1/public/ping":   "",
	} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, nil))
		require.Equal(t, http.StatusNoContent, rr.Code, path)
		require.Equal(t, want, rr.Header().Get("X-Group"), path)
	}
}

func TestNewRouterMethodNotAllowed(t *testing.T) {
	router := NewRouter(WithPublicRoutes(NewPublicHandlers(&stubCatalogService{}).Routes))
	rr := call(t, router, http.MethodDelete, "/api/v1/public/items", "", "")
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	require.Equal(t, "method_not_allowed", errorCodeOf(t, rr))
}
