// Package breaker implements the per-service circuit breaker protecting
// bridge calls: Closed passes calls through, Open fails fast, and HalfOpen
// admits a limited number of trial calls to probe recovery.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"isometry/internal/constants"
	"isometry/internal/logger"
	"isometry/pkg/errors"
	"isometry/pkg/metrics"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int
	TimeoutPeriod    time.Duration
	HalfOpenMaxCalls int
	ResetTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: constants.DefaultFailureThreshold,
		TimeoutPeriod:    constants.DefaultTimeoutPeriod,
		HalfOpenMaxCalls: constants.DefaultHalfOpenMaxCalls,
		ResetTimeout:     constants.DefaultResetTimeout,
	}
}

// Operation is the protected call. Cancellation of the supplied context is
// best-effort: a timed-out operation may keep running in the background and
// its result is discarded.
type Operation func(ctx context.Context) (interface{}, error)

// Result reports one Execute call.
type Result struct {
	Success  bool          `json:"success"`
	Value    interface{}   `json:"value,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
	State    State         `json:"state"`
}

// Metrics is an immutable snapshot of a breaker's counters.
type Metrics struct {
	State                 string    `json:"state"`
	FailureCount          int       `json:"failure_count"`
	SuccessCount          int64     `json:"success_count"`
	TotalCalls            int64     `json:"total_calls"`
	FailureRate           float64   `json:"failure_rate"`
	SuccessRate           float64   `json:"success_rate"`
	AverageResponseTimeMs float64   `json:"average_response_time_ms"`
	StateTransitions      int64     `json:"state_transitions"`
	LastFailureTime       time.Time `json:"last_failure_time"`
	LastSuccessTime       time.Time `json:"last_success_time"`
	OpenedAt              time.Time `json:"opened_at"`
}

// CircuitBreaker owns all of its counters; every mutation happens under one
// mutex. Breakers with different names are fully independent.
type CircuitBreaker struct {
	name string
	cfg  Config
	log  logger.Logger

	mu               sync.Mutex
	state            State
	failureCount     int
	totalFailures    int64
	successCount     int64
	totalCalls       int64
	halfOpenTrials   int
	stateTransitions int64
	lastFailureTime  time.Time
	lastSuccessTime  time.Time
	openedAt         time.Time
	responseTimes    []float64 // bounded ring, milliseconds
	responseNext     int
	responseFull     bool
}

func New(name string, cfg Config, log logger.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.TimeoutPeriod <= 0 {
		cfg.TimeoutPeriod = DefaultConfig().TimeoutPeriod
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = DefaultConfig().HalfOpenMaxCalls
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	if log == nil {
		log = logger.NopLogger()
	}

	cb := &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		log:   log,
		state: StateClosed,
	}
	setStateMetric(name, StateClosed)
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs op under the breaker's admission control, racing it against
// the configured per-call timeout.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) Result {
	cb.mu.Lock()
	cb.evaluateLocked(time.Now())
	cb.totalCalls++

	switch cb.state {
	case StateOpen:
		state := cb.state
		cb.mu.Unlock()
		metrics.CircuitBreakerRejections.WithLabelValues(cb.name, "circuit_open").Inc()
		return Result{
			Success: false,
			Err:     errors.ErrCircuitOpen.WithDetail("breaker", cb.name),
			State:   state,
		}
	case StateHalfOpen:
		if cb.halfOpenTrials >= cb.cfg.HalfOpenMaxCalls {
			state := cb.state
			cb.mu.Unlock()
			metrics.CircuitBreakerRejections.WithLabelValues(cb.name, "half_open_limit").Inc()
			return Result{
				Success: false,
				Err:     errors.ErrHalfOpenLimit.WithDetail("breaker", cb.name),
				State:   state,
			}
		}
		cb.halfOpenTrials++
	}

	admittedState := cb.state
	cb.mu.Unlock()

	metrics.CircuitBreakerRequests.WithLabelValues(cb.name, admittedState.String()).Inc()

	value, elapsed, opErr := cb.race(ctx, op)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.pushResponseTimeLocked(float64(elapsed.Microseconds()) / 1000.0)

	if opErr != nil {
		cb.onFailureLocked(time.Now())
		metrics.CircuitBreakerFailures.WithLabelValues(cb.name).Inc()
		return Result{
			Success:  false,
			Err:      opErr,
			Duration: elapsed,
			State:    cb.state,
		}
	}

	cb.onSuccessLocked(time.Now())
	return Result{
		Success:  true,
		Value:    value,
		Duration: elapsed,
		State:    cb.state,
	}
}

type opOutcome struct {
	value interface{}
	err   error
}

// race runs op against the per-call deadline. Whichever side finishes first
// wins; the loser is cancelled best-effort and its result is dropped.
func (cb *CircuitBreaker) race(ctx context.Context, op Operation) (interface{}, time.Duration, error) {
	callCtx, cancel := context.WithTimeout(ctx, cb.cfg.TimeoutPeriod)
	defer cancel()

	start := time.Now()
	done := make(chan opOutcome, 1)
	go func() {
		// The operation runs off the caller's goroutine; a panic here
		// must come back as a failure instead of taking down the process.
		defer func() {
			if r := recover(); r != nil {
				done <- opOutcome{err: errors.RecoverPanic(r)}
			}
		}()
		value, err := op(callCtx)
		done <- opOutcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, time.Since(start), out.err
	case <-callCtx.Done():
		elapsed := time.Since(start)
		if ctx.Err() != nil {
			// The caller went away; report its error rather than a timeout.
			return nil, elapsed, ctx.Err()
		}
		return nil, elapsed, errors.ErrOperationTimeout.
			WithDetail("breaker", cb.name).
			WithDetail("timeout", cb.cfg.TimeoutPeriod.String())
	}
}

// evaluateLocked applies the lazy state transitions that happen on the next
// call rather than on a background timer.
func (cb *CircuitBreaker) evaluateLocked(now time.Time) {
	switch cb.state {
	case StateOpen:
		if now.Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
			cb.transitionLocked(StateHalfOpen, now)
			cb.halfOpenTrials = 0
		}
	case StateClosed:
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.transitionLocked(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) onSuccessLocked(now time.Time) {
	cb.successCount++
	cb.lastSuccessTime = now

	switch cb.state {
	case StateClosed:
		// Leaky-bucket recovery: one success pays down one failure.
		if cb.failureCount > 0 {
			cb.failureCount--
		}
	case StateHalfOpen:
		if cb.halfOpenTrials >= cb.cfg.HalfOpenMaxCalls {
			cb.transitionLocked(StateClosed, now)
			cb.failureCount = 0
			cb.halfOpenTrials = 0
		}
	}
}

func (cb *CircuitBreaker) onFailureLocked(now time.Time) {
	cb.failureCount++
	cb.totalFailures++
	cb.lastFailureTime = now

	// Any half-open failure re-opens immediately. A closed breaker trips
	// lazily, on the next call's evaluation.
	if cb.state == StateHalfOpen {
		cb.transitionLocked(StateOpen, now)
		cb.halfOpenTrials = 0
	}
}

func (cb *CircuitBreaker) transitionLocked(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.stateTransitions++
	if to == StateOpen {
		cb.openedAt = now
	}
	setStateMetric(cb.name, to)

	switch to {
	case StateOpen:
		cb.log.Warnw("Circuit breaker opened", "breaker", cb.name, "failure_count", cb.failureCount)
	case StateHalfOpen:
		cb.log.Infow("Circuit breaker half-open, probing recovery", "breaker", cb.name)
	case StateClosed:
		cb.log.Infow("Circuit breaker closed", "breaker", cb.name)
	}
}

// CanExecute reports whether a call would currently be admitted.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.evaluateLocked(time.Now())
	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return cb.halfOpenTrials < cb.cfg.HalfOpenMaxCalls
	default:
		return false
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.evaluateLocked(time.Now())
	return cb.state
}

func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	m := Metrics{
		State:            cb.state.String(),
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		TotalCalls:       cb.totalCalls,
		StateTransitions: cb.stateTransitions,
		LastFailureTime:  cb.lastFailureTime,
		LastSuccessTime:  cb.lastSuccessTime,
		OpenedAt:         cb.openedAt,
	}

	completed := cb.successCount + cb.totalFailures
	if completed > 0 {
		m.FailureRate = float64(cb.totalFailures) / float64(completed)
		m.SuccessRate = float64(cb.successCount) / float64(completed)
	}

	n := len(cb.responseTimes)
	if !cb.responseFull {
		n = cb.responseNext
	}
	if n > 0 {
		var sum float64
		for i := 0; i < n; i++ {
			sum += cb.responseTimes[i]
		}
		m.AverageResponseTimeMs = sum / float64(n)
	}

	return m
}

// Reset returns the breaker to a pristine closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionLocked(StateClosed, time.Now())
	cb.failureCount = 0
	cb.halfOpenTrials = 0
	cb.log.Infow("Circuit breaker reset", "breaker", cb.name)
}

// ForceOpen trips the breaker regardless of its counters.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionLocked(StateOpen, time.Now())
	cb.log.Warnw("Circuit breaker forced open", "breaker", cb.name)
}

// ForceClosed closes the breaker regardless of its counters.
func (cb *CircuitBreaker) ForceClosed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionLocked(StateClosed, time.Now())
	cb.failureCount = 0
	cb.halfOpenTrials = 0
	cb.log.Warnw("Circuit breaker forced closed", "breaker", cb.name)
}

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

type HealthReport struct {
	Status          HealthStatus `json:"status"`
	State           string       `json:"state"`
	FailureRate     float64      `json:"failure_rate"`
	Recommendations []string     `json:"recommendations,omitempty"`
}

// HealthReport derives an at-a-glance status from the breaker's state and
// failure rate.
func (cb *CircuitBreaker) HealthReport() HealthReport {
	m := cb.Metrics()

	report := HealthReport{
		State:       m.State,
		FailureRate: m.FailureRate,
	}

	switch {
	case m.State == StateOpen.String():
		report.Status = HealthUnhealthy
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("circuit is open; calls fail fast until %s elapses", cb.cfg.ResetTimeout))
	case m.State == StateHalfOpen.String():
		report.Status = HealthDegraded
		report.Recommendations = append(report.Recommendations,
			"circuit is probing recovery; limit traffic until it closes")
	case m.FailureRate > 0.5:
		report.Status = HealthDegraded
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("failure rate %.0f%% is elevated", m.FailureRate*100))
	case m.FailureCount > 0 && m.FailureCount >= cb.cfg.FailureThreshold-1:
		report.Status = HealthDegraded
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("approaching failure threshold (%d of %d)", m.FailureCount, cb.cfg.FailureThreshold))
	default:
		report.Status = HealthHealthy
	}

	return report
}

func (cb *CircuitBreaker) pushResponseTimeLocked(ms float64) {
	if cb.responseTimes == nil {
		cb.responseTimes = make([]float64, constants.RollingWindowSize)
	}
	cb.responseTimes[cb.responseNext] = ms
	cb.responseNext = (cb.responseNext + 1) % len(cb.responseTimes)
	if cb.responseNext == 0 {
		cb.responseFull = true
	}
}

func setStateMetric(name string, state State) {
	var v float64
	switch state {
	case StateClosed:
		v = 0
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
}
