package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/rollout/pkg/types"
)

// DefaultProbeTimeout bounds a single probe when the service sets none
const DefaultProbeTimeout = 5 * time.Second

// Result represents the outcome of one probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is a readiness probe run against a running container
type Checker interface {
	Check(ctx context.Context) Result
	Type() types.HealthCheckType
}

// NewChecker builds the probe a service declares
func NewChecker(hc *types.HealthCheck) (Checker, error) {
	if hc == nil {
		return nil, fmt.Errorf("no health check configured")
	}
	timeout := hc.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	switch hc.Type {
	case types.HealthCheckHTTP:
		return NewHTTPChecker(hc.Endpoint).WithTimeout(timeout), nil
	case types.HealthCheckTCP:
		return NewTCPChecker(hc.Endpoint).WithTimeout(timeout), nil
	default:
		return nil, fmt.Errorf("unsupported health check type %q", hc.Type)
	}
}

// Status counts consecutive good reads of one container
type Status struct {
	ConsecutiveSuccesses int
	Attempts             int
	LastMessage          string
}

// Observe records one read. A bad read resets the streak.
func (s *Status) Observe(ok bool, message string) {
	s.Attempts++
	s.LastMessage = message
	if ok {
		s.ConsecutiveSuccesses++
		return
	}
	s.ConsecutiveSuccesses = 0
}

// Stable reports whether the last n reads were all good
func (s *Status) Stable(n int) bool {
	return s.ConsecutiveSuccesses >= n
}
