package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jbites/api/internal/platform/auth"
	"github.com/jbites/api/internal/platform/httpx"
	"github.com/jbites/api/internal/platform/requestctx"
)

const (
	DefaultHeader = "Idempotency-Key"
	ReplayHeader  = "X-Idempotent-Replay"

	maxKeyLength = 255
)

type options struct {
	header   string
	ttl      time.Duration
	optional bool
	now      func() time.Time
	log      func(ctx context.Context, event string, fields map[string]any)
}

// Option customises Middleware.
type Option func(*options)

// WithHeader overrides the request header carrying the key.
func WithHeader(name string) Option {
	return func(o *options) {
		if name = strings.TrimSpace(name); name != "" {
			o.header = name
		}
	}
}

// WithTTL sets how long a finished response can be replayed.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithOptionalKey lets requests without a key through unguarded.
func WithOptionalKey() Option {
	return func(o *options) { o.optional = true }
}

// WithLogger receives store failures.
func WithLogger(fn func(ctx context.Context, event string, fields map[string]any)) Option {
	return func(o *options) {
		if fn != nil {
			o.log = fn
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Middleware makes a mutating endpoint safe to retry. The first request with a
// key runs the handler; later requests with the same key and body replay the
// stored response. 5xx responses are not stored so the client can retry them.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := options{
		header: DefaultHeader,
		ttl:    DefaultTTL,
		now:    time.Now,
		log:    func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := strings.TrimSpace(r.Header.Get(cfg.header))
			switch {
			case key == "" && cfg.optional:
				next.ServeHTTP(w, r)
				return
			case key == "":
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", cfg.header+" header is required", http.StatusBadRequest))
				return
			case len(key) > maxKeyLength:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_invalid", cfg.header+" header is too long", http.StatusBadRequest))
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
				return
			}

			requester := requesterOf(ctx)
			scoped := key + "|" + requester
			fingerprint := fingerprintOf(r, body, requester)

			reservation, err := store.Reserve(ctx, scoped, fingerprint, cfg.now().UTC(), cfg.ttl)
			if err != nil {
				if errors.Is(err, ErrFingerprintMismatch) {
					httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusConflict))
					return
				}
				cfg.log(ctx, "idempotency.reserve.failed", map[string]any{"error": err})
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable))
				return
			}

			switch reservation.Outcome {
			case OutcomeReplay:
				replay(w, reservation.Record)
				return
			case OutcomeInFlight:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is still in progress", http.StatusConflict))
				return
			}

			rec := &bufferedWriter{header: make(http.Header)}
			next.ServeHTTP(rec, r.WithContext(requestctx.WithIdempotencyKey(ctx, key)))

			if rec.statusCode() >= http.StatusInternalServerError {
				if err := store.Release(ctx, scoped, fingerprint); err != nil {
					cfg.log(ctx, "idempotency.release.failed", map[string]any{"error": err})
				}
				rec.flushTo(w)
				return
			}

			resp := Response{Status: rec.statusCode(), Headers: rec.header, Body: rec.body.Bytes()}
			if err := store.SaveResponse(ctx, scoped, fingerprint, resp, cfg.now().UTC(), cfg.ttl); err != nil {
				cfg.log(ctx, "idempotency.save.failed", map[string]any{"error": err})
				if err := store.Release(ctx, scoped, fingerprint); err != nil {
					cfg.log(ctx, "idempotency.release.failed", map[string]any{"error": err})
				}
			}
			rec.flushTo(w)
		})
	}
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func requesterOf(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		return identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc != nil && svc.Subject != "" {
		return svc.Subject
	}
	return "anonymous"
}

func fingerprintOf(r *http.Request, body []byte, requester string) string {
	parts := []string{
		r.Method,
		r.URL.Path,
		r.URL.RawQuery,
		r.Header.Get("Content-Type"),
		requester,
		sha256Hex(body),
	}
	return sha256Hex([]byte(strings.Join(parts, "\n")))
}

func replay(w http.ResponseWriter, record Record) {
	for name, values := range record.ResponseHeaders {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(ReplayHeader, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

// bufferedWriter holds the handler output until the response is stored.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedWriter) flushTo(w http.ResponseWriter) {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	w.WriteHeader(b.statusCode())
	_, _ = w.Write(b.body.Bytes())
}
