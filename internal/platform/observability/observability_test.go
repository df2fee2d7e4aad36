package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jbites/api/internal/platform/requestctx"
)

func TestParseCloudTraceContext(t *testing.T) {
	sc, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok {
		t.Fatalf("expected header to parse")
	}
	if got := sc.TraceID().String(); got != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected trace id %s", got)
	}
	if got := sc.SpanID().String(); got != "0000000000000001" {
		t.Fatalf("unexpected span id %s", got)
	}
	if !sc.IsSampled() || !sc.IsRemote() {
		t.Fatalf("expected sampled remote span context")
	}

	for _, header := range []string{"", "abc/1", "105445aa7843bc8bf206b12000100000", "105445aa7843bc8bf206b12000100000/x"} {
		if _, ok := parseCloudTraceContext(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestFormatCloudTraceHeader(t *testing.T) {
	got := formatCloudTraceHeader(requestctx.TraceInfo{TraceID: "105445aa7843bc8bf206b12000100000", SpanID: "000000000000000a", Sampled: true})
	if got != "105445aa7843bc8bf206b12000100000/10;o=1" {
		t.Fatalf("unexpected header %q", got)
	}
}

func TestTraceMiddlewareStoresTraceInfo(t *testing.T) {
	var info requestctx.TraceInfo
	handler := TraceMiddleware("proj")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, _ = requestctx.Trace(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if info.ProjectID != "proj" {
		t.Fatalf("expected project id on trace info, got %+v", info)
	}
}

func TestEventLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := NewEventLogger(zap.New(core))

	log(context.Background(), "order.transition.committed", map[string]any{"order_id": int64(7)})
	log(context.Background(), "notification.failed", map[string]any{"error": errors.New("boom")})
	log(context.Background(), "webhook.order_not_found", map[string]any{"anomaly": true})

	entries := logs.AllUntimed()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[0].ContextMap()["order_id"] != int64(7) {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Level != zapcore.WarnLevel || entries[2].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for failures and anomalies")
	}
}

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	baseCore, baseLogs := observer.New(zapcore.InfoLevel)
	reqCore, reqLogs := observer.New(zapcore.InfoLevel)
	log := NewEventLogger(zap.New(baseCore))

	ctx := requestctx.WithLogger(context.Background(), zap.New(reqCore))
	log(ctx, "order.created", nil)

	if baseLogs.Len() != 0 || reqLogs.Len() != 1 {
		t.Fatalf("expected request logger to be used, base=%d req=%d", baseLogs.Len(), reqLogs.Len())
	}
}

func TestRecoveryMiddlewareWritesJSON(t *testing.T) {
	handler := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestMaskPhone(t *testing.T) {
	if got := MaskPhone("+15551234567"); got != "+*******4567" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := MaskPhone("12"); got != "****" {
		t.Fatalf("unexpected mask for short value %q", got)
	}
}
