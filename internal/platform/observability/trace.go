package observability

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/jbites/api/internal/platform/requestctx"
)

const cloudTraceHeader = "X-Cloud-Trace-Context"

var tracer = otel.Tracer("github.com/jbites/api/internal/platform/observability")

// TraceMiddleware starts a server span per request. The parent is taken from a
// W3C traceparent header when present and from X-Cloud-Trace-Context otherwise.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			if !trace.SpanContextFromContext(ctx).IsValid() {
				if remote, ok := parseCloudTraceContext(r.Header.Get(cloudTraceHeader)); ok {
					ctx = trace.ContextWithRemoteSpanContext(ctx, remote)
				}
			}

			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(requestAttributes(r)...),
			)
			defer span.End()

			sc := span.SpanContext()
			info := requestctx.TraceInfo{
				TraceID:   sc.TraceID().String(),
				SpanID:    sc.SpanID().String(),
				Sampled:   sc.IsSampled(),
				ProjectID: projectID,
			}
			if sc.IsValid() {
				w.Header().Set(cloudTraceHeader, formatCloudTraceHeader(info))
			}
			next.ServeHTTP(w, r.WithContext(requestctx.WithTrace(ctx, info)))
		})
	}
}

// parseCloudTraceContext reads "TRACE_ID/SPAN_ID;o=1". Span ids are decimal in
// this header.
func parseCloudTraceContext(header string) (trace.SpanContext, bool) {
	header = strings.TrimSpace(header)
	traceHex, rest, ok := strings.Cut(header, "/")
	if !ok || len(traceHex) != 32 {
		return trace.SpanContext{}, false
	}
	if _, err := hex.DecodeString(traceHex); err != nil {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		return trace.SpanContext{}, false
	}

	spanPart, options, _ := strings.Cut(rest, ";")
	spanNum, err := strconv.ParseUint(strings.TrimSpace(spanPart), 10, 64)
	if err != nil || spanNum == 0 {
		return trace.SpanContext{}, false
	}
	spanID, err := trace.SpanIDFromHex(fmt.Sprintf("%016x", spanNum))
	if err != nil {
		return trace.SpanContext{}, false
	}

	var flags trace.TraceFlags
	if strings.TrimSpace(options) == "o=1" {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), true
}

func formatCloudTraceHeader(info requestctx.TraceInfo) string {
	spanNum, err := strconv.ParseUint(info.SpanID, 16, 64)
	if err != nil {
		return ""
	}
	option := "0"
	if info.Sampled {
		option = "1"
	}
	return fmt.Sprintf("%s/%d;o=%s", info.TraceID, spanNum, option)
}

func requestAttributes(r *http.Request) []attribute.KeyValue {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", r.Method),
		attribute.String("url.scheme", scheme),
		attribute.String("url.path", r.URL.Path),
	}
	if r.Host != "" {
		attrs = append(attrs, attribute.String("server.address", r.Host))
	}
	if ua := r.UserAgent(); ua != "" {
		attrs = append(attrs, attribute.String("user_agent.original", ua))
	}
	return attrs
}
