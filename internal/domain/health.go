package domain

import "time"

// HealthStatus is the rolled-up state of a readiness probe.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

// HealthCheck is the result of probing one dependency.
type HealthCheck struct {
	Status    HealthStatus
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport aggregates dependency probes for /readyz.
type HealthReport struct {
	Status      HealthStatus
	Checks      map[string]HealthCheck
	GeneratedAt time.Time
}
