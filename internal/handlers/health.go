package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/platform/httpx"
	"github.com/jbites/api/internal/repositories"
)

// BuildInfo identifies the running binary on /healthz.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	build  BuildInfo
	health repositories.HealthRepository
	now    func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthBuildInfo sets the version metadata reported by /healthz.
func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthRepository sets the dependency probes behind /readyz.
func WithHealthRepository(repo repositories.HealthRepository) HealthOption {
	return func(h *HealthHandlers) {
		h.health = repo
	}
}

// WithHealthClock overrides the clock used for uptime.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHealthHandlers constructs HealthHandlers. Without a repository /readyz
// reports ok, which matches a process with no external dependencies.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.now()
	}
	return h
}

type healthzResponse struct {
	Status        domain.HealthStatus `json:"status"`
	Version       string              `json:"version,omitempty"`
	CommitSHA     string              `json:"commitSha,omitempty"`
	Environment   string              `json:"environment,omitempty"`
	UptimeSeconds int64               `json:"uptimeSeconds"`
}

type readyzCheck struct {
	Status    domain.HealthStatus `json:"status"`
	Detail    string              `json:"detail,omitempty"`
	Error     string              `json:"error,omitempty"`
	LatencyMS int64               `json:"latencyMs"`
}

type readyzResponse struct {
	Status      domain.HealthStatus    `json:"status"`
	Checks      map[string]readyzCheck `json:"checks"`
	Details     []string               `json:"details,omitempty"`
	GeneratedAt time.Time              `json:"generatedAt"`
}

// Healthz reports that the process is serving.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, healthzResponse{
		Status:        domain.HealthStatusOK,
		Version:       h.build.Version,
		CommitSHA:     h.build.CommitSHA,
		Environment:   h.build.Environment,
		UptimeSeconds: int64(h.now().Sub(h.build.StartedAt) / time.Second),
	})
}

// Readyz probes the ledger and the other dependencies. Only a failing
// required dependency makes the instance unready.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		httpx.WriteJSON(w, http.StatusOK, readyzResponse{
			Status:      domain.HealthStatusOK,
			Checks:      map[string]readyzCheck{},
			GeneratedAt: h.now().UTC(),
		})
		return
	}

	report, err := h.health.Collect(r.Context())
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("health_unavailable", "unable to collect health report", http.StatusServiceUnavailable))
		return
	}

	resp := readyzResponse{
		Status:      report.Status,
		Checks:      make(map[string]readyzCheck, len(report.Checks)),
		GeneratedAt: report.GeneratedAt.UTC(),
	}
	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := report.Checks[name]
		resp.Checks[name] = readyzCheck{
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
		}
		if check.Status != domain.HealthStatusOK && check.Error != "" {
			resp.Details = append(resp.Details, name+": "+check.Error)
		}
	}

	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, resp)
}
