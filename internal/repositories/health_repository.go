package repositories

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jbites/api/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyCheck is one readiness probe.
type DependencyCheck struct {
	Name     string
	Timeout  time.Duration
	Optional bool
	Check    func(context.Context) error
}

// DependencyHealthOption customises NewDependencyHealthRepository.
type DependencyHealthOption func(*dependencyHealthRepository)

// WithDependencyTimeout sets the timeout for checks that omit their own.
func WithDependencyTimeout(timeout time.Duration) DependencyHealthOption {
	return func(r *dependencyHealthRepository) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithDependencyClock injects a clock for tests.
func WithDependencyClock(clock func() time.Time) DependencyHealthOption {
	return func(r *dependencyHealthRepository) {
		if clock != nil {
			r.now = clock
		}
	}
}

type dependencyHealthRepository struct {
	checks  []DependencyCheck
	timeout time.Duration
	now     func() time.Time
}

var _ HealthRepository = (*dependencyHealthRepository)(nil)

// NewDependencyHealthRepository runs every check concurrently on Collect.
// A failing required check makes the report an error; a failing optional
// check only degrades it.
func NewDependencyHealthRepository(checks []DependencyCheck, opts ...DependencyHealthOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: at least one dependency check is required")
	}
	for _, c := range checks {
		if strings.TrimSpace(c.Name) == "" || c.Check == nil {
			return nil, errors.New("health repository: every check needs a name and a function")
		}
	}
	r := &dependencyHealthRepository{
		checks:  append([]DependencyCheck(nil), checks...),
		timeout: defaultProbeTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

func (r *dependencyHealthRepository) Collect(ctx context.Context) (domain.HealthReport, error) {
	results := make(map[string]domain.HealthCheck, len(r.checks))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, check := range r.checks {
		wg.Add(1)
		go func(check DependencyCheck) {
			defer wg.Done()
			result := r.probe(ctx, check)
			mu.Lock()
			results[check.Name] = result
			mu.Unlock()
		}(check)
	}
	wg.Wait()

	status := domain.HealthStatusOK
	for _, check := range r.checks {
		switch results[check.Name].Status {
		case domain.HealthStatusOK:
		case domain.HealthStatusError:
			if !check.Optional {
				status = domain.HealthStatusError
				continue
			}
			fallthrough
		default:
			if status == domain.HealthStatusOK {
				status = domain.HealthStatusDegraded
			}
		}
	}
	return domain.HealthReport{Status: status, Checks: results, GeneratedAt: r.now()}, nil
}

func (r *dependencyHealthRepository) probe(ctx context.Context, check DependencyCheck) domain.HealthCheck {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	err := check.Check(probeCtx)
	end := r.now()
	if err == nil {
		err = probeCtx.Err()
	}

	result := domain.HealthCheck{Status: domain.HealthStatusOK, Detail: "ok", Latency: end.Sub(start), CheckedAt: end}
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		result.Status, result.Detail, result.Error = domain.HealthStatusError, "timeout", err.Error()
	default:
		result.Status, result.Detail, result.Error = domain.HealthStatusError, "failed", err.Error()
	}
	return result
}
