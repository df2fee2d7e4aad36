package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL is how long a reservation or stored response is kept.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle state of a stored key.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Outcome tells the middleware what to do with a request after Reserve.
type Outcome int

const (
	// OutcomeFresh means the caller owns the key and must run the handler.
	OutcomeFresh Outcome = iota
	// OutcomeReplay means a finished response is stored and must be replayed.
	OutcomeReplay
	// OutcomeInFlight means another request holds the key right now.
	OutcomeInFlight
)

// Reservation is the result of Store.Reserve.
type Reservation struct {
	Outcome Outcome
	Record  Record
}

// Record is the persisted state of one key.
type Record struct {
	Key             string              `json:"key"`
	Fingerprint     string              `json:"fingerprint"`
	Status          Status              `json:"status"`
	ResponseStatus  int                 `json:"response_status,omitempty"`
	ResponseHeaders map[string][]string `json:"response_headers,omitempty"`
	ResponseBody    []byte              `json:"response_body,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	ExpiresAt       time.Time           `json:"expires_at"`
}

// Response is the handler output captured for replay.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and finished responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reused with a different request")

// documentID hashes the scoped key so it is safe as a document id or redis key.
func documentID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func pendingRecord(key, fingerprint string, now time.Time, ttl time.Duration) Record {
	return Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// classify decides the outcome for an existing, unexpired record.
func classify(record Record, fingerprint string) (Reservation, error) {
	if record.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if record.Status == StatusCompleted {
		return Reservation{Outcome: OutcomeReplay, Record: record}, nil
	}
	return Reservation{Outcome: OutcomeInFlight, Record: record}, nil
}

func expired(record Record, now time.Time) bool {
	return !record.ExpiresAt.IsZero() && !now.Before(record.ExpiresAt)
}

// complete stamps the captured response onto record.
func complete(record Record, resp Response, now time.Time, ttl time.Duration) Record {
	record.Status = StatusCompleted
	record.ResponseStatus = resp.Status
	record.ResponseHeaders = replayableHeaders(resp.Headers)
	record.ResponseBody = nil
	if len(resp.Body) > 0 {
		record.ResponseBody = append([]byte(nil), resp.Body...)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(ttl)
	return record
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// hop-by-hop and per-response headers that must not be replayed
var skippedHeaders = map[string]struct{}{
	"Content-Length":      {},
	"Date":                {},
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"X-Request-Id":        {},
}

func replayableHeaders(header http.Header) map[string][]string {
	out := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if _, skip := skippedHeaders[canonical]; skip {
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
