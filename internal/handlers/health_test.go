package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jbites/api/internal/domain"
)

type stubHealthRepository struct {
	report domain.HealthReport
	err    error
}

func (s *stubHealthRepository) Collect(context.Context) (domain.HealthReport, error) {
	return s.report, s.err
}

func TestHealthHandlersHealthz(t *testing.T) {
	start := handlerNow
	handlers := NewHealthHandlers(
		WithHealthBuildInfo(BuildInfo{Version: "1.0.0", CommitSHA: "abc123", Environment: "production", StartedAt: start}),
		WithHealthClock(func() time.Time { return start.Add(30 * time.Second) }),
	)

	rr := call(t, http.HandlerFunc(handlers.Healthz), http.MethodGet, "/healthz", "", "")

	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "1.0.0", body["version"])
	require.Equal(t, "abc123", body["commitSha"])
	require.Equal(t, float64(30), body["uptimeSeconds"])
}

func TestHealthHandlersReadyz(t *testing.T) {
	tests := []struct {
		name        string
		report      domain.HealthReport
		err         error
		wantStatus  int
		wantDetails []string
	}{
		{
			name: "all ok",
			report: domain.HealthReport{
				Status: domain.HealthStatusOK,
				Checks: map[string]domain.HealthCheck{
					"ledger": {Status: domain.HealthStatusOK, Latency: 3 * time.Millisecond},
				},
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "optional dependency degraded",
			report: domain.HealthReport{
				Status: domain.HealthStatusDegraded,
				Checks: map[string]domain.HealthCheck{
					"ledger": {Status: domain.HealthStatusOK},
					"events": {Status: domain.HealthStatusError, Error: "publish failed"},
				},
			},
			wantStatus:  http.StatusOK,
			wantDetails: []string{"events: publish failed"},
		},
		{
			name: "ledger down",
			report: domain.HealthReport{
				Status: domain.HealthStatusError,
				Checks: map[string]domain.HealthCheck{
					"ledger": {Status: domain.HealthStatusError, Error: "connection refused"},
				},
			},
			wantStatus:  http.StatusServiceUnavailable,
			wantDetails: []string{"ledger: connection refused"},
		},
		{
			name:       "collect failure",
			err:        errors.New("boom"),
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handlers := NewHealthHandlers(WithHealthRepository(&stubHealthRepository{report: tc.report, err: tc.err}))
			rr := call(t, http.HandlerFunc(handlers.Readyz), http.MethodGet, "/readyz", "", "")
			require.Equal(t, tc.wantStatus, rr.Code)
			if tc.err != nil {
				return
			}
			var body readyzResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			require.Equal(t, tc.report.Status, body.Status)
			require.Equal(t, tc.wantDetails, body.Details)
			require.Len(t, body.Checks, len(tc.report.Checks))
		})
	}
}
