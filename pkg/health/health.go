package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"isometry/internal/batching"
	"isometry/internal/breaker"
	"isometry/internal/monitor"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DegradedError marks a check that passed but found the component impaired.
type DegradedError struct {
	Reason string
}

func (e *DegradedError) Error() string {
	return e.Reason
}

func Degraded(format string, args ...interface{}) error {
	return &DegradedError{Reason: fmt.Sprintf(format, args...)}
}

type Checker interface {
	Check(ctx context.Context) error
	Name() string
}

type Health struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type CheckResult struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type CheckerRegistry struct {
	checkers []Checker
}

func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{
		checkers: make([]Checker, 0),
	}
}

func (r *CheckerRegistry) Register(checker Checker) {
	r.checkers = append(r.checkers, checker)
}

func (r *CheckerRegistry) Check(ctx context.Context) Health {
	results := make(map[string]CheckResult)
	allHealthy := true
	anyDegraded := false

	for _, checker := range r.checkers {
		err := checker.Check(ctx)
		result := CheckResult{
			Timestamp: time.Now(),
		}

		var degraded *DegradedError
		switch {
		case err == nil:
			result.Status = StatusHealthy
		case errors.As(err, &degraded):
			result.Status = StatusDegraded
			result.Message = degraded.Reason
			anyDegraded = true
		default:
			result.Status = StatusUnhealthy
			result.Message = err.Error()
			allHealthy = false
		}

		results[checker.Name()] = result
	}

	overallStatus := StatusHealthy
	if !allHealthy {
		overallStatus = StatusUnhealthy
	} else if anyDegraded {
		overallStatus = StatusDegraded
	}

	return Health{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Checks:    results,
	}
}

type BreakerChecker struct {
	registry *breaker.Registry
}

func NewBreakerChecker(registry *breaker.Registry) *BreakerChecker {
	return &BreakerChecker{registry: registry}
}

func (c *BreakerChecker) Name() string {
	return "circuit_breakers"
}

func (c *BreakerChecker) Check(ctx context.Context) error {
	switch c.registry.Health().Status {
	case breaker.HealthUnhealthy:
		return fmt.Errorf("one or more circuit breakers are open")
	case breaker.HealthDegraded:
		return Degraded("one or more circuit breakers are degraded")
	}
	return nil
}

type BatcherChecker struct {
	batcher *batching.Batcher
}

func NewBatcherChecker(b *batching.Batcher) *BatcherChecker {
	return &BatcherChecker{batcher: b}
}

func (c *BatcherChecker) Name() string {
	return "batcher"
}

func (c *BatcherChecker) Check(ctx context.Context) error {
	m := c.batcher.Metrics()
	limit := c.batcher.MaxQueueSize()

	if m.Backpressured {
		return fmt.Errorf("batcher is shedding messages under backpressure")
	}
	if limit > 0 && m.QueueSize*10 >= limit*9 {
		return Degraded("queue at %d of %d", m.QueueSize, limit)
	}
	return nil
}

type MonitorChecker struct {
	monitor *monitor.Monitor
}

func NewMonitorChecker(m *monitor.Monitor) *MonitorChecker {
	return &MonitorChecker{monitor: m}
}

func (c *MonitorChecker) Name() string {
	return "monitor"
}

func (c *MonitorChecker) Check(ctx context.Context) error {
	snap := c.monitor.Snapshot()

	if snap.HealthScore < 40 {
		return fmt.Errorf("health score %d", snap.HealthScore)
	}
	if snap.HealthScore < 70 {
		return Degraded("health score %d", snap.HealthScore)
	}
	return nil
}
