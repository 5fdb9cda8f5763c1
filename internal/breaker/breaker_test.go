package breaker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isometry/internal/logger"
	apperrors "isometry/pkg/errors"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 2,
		TimeoutPeriod:    time.Second,
		HalfOpenMaxCalls: 2,
		ResetTimeout:     25 * time.Millisecond,
	}
}

func failingOp(ctx context.Context) (interface{}, error) {
	return nil, fmt.Errorf("transport broken")
}

func succeedingOp(ctx context.Context) (interface{}, error) {
	return "ok", nil
}

func TestClosedPassesThrough(t *testing.T) {
	cb := New("test", testConfig(), logger.NopLogger())

	res := cb.Execute(context.Background(), succeedingOp)
	require.True(t, res.Success)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, StateClosed, res.State)
}

func TestPanickingOperationCountsAsFailure(t *testing.T) {
	cb := New("test", testConfig(), logger.NopLogger())

	res := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		panic("boom")
	})
	require.False(t, res.Success)
	assert.Error(t, res.Err)

	m := cb.Metrics()
	assert.Equal(t, 1, m.FailureCount)
}

func TestOpensAfterThresholdAndFailsFast(t *testing.T) {
	cb := New("test", testConfig(), logger.NopLogger())
	ctx := context.Background()

	var invocations atomic.Int64
	countingFailure := func(ctx context.Context) (interface{}, error) {
		invocations.Add(1)
		return nil, fmt.Errorf("transport broken")
	}

	// Two failures while closed; the trip is evaluated on the next call.
	res := cb.Execute(ctx, countingFailure)
	assert.False(t, res.Success)
	assert.Equal(t, StateClosed, res.State)

	res = cb.Execute(ctx, countingFailure)
	assert.False(t, res.Success)
	assert.Equal(t, StateClosed, res.State)

	// Third call observes Open and never invokes the operation.
	res = cb.Execute(ctx, countingFailure)
	assert.False(t, res.Success)
	assert.Equal(t, StateOpen, res.State)
	assert.True(t, apperrors.IsCircuitOpen(res.Err))
	assert.Equal(t, int64(2), invocations.Load())
}

func TestHalfOpenRecovery(t *testing.T) {
	cfg := testConfig()
	cb := New("test", cfg, logger.NopLogger())
	ctx := context.Background()

	cb.Execute(ctx, failingOp)
	cb.Execute(ctx, failingOp)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(cfg.ResetTimeout + 5*time.Millisecond)

	// Trial calls are admitted half-open; enough successes close the circuit.
	res := cb.Execute(ctx, succeedingOp)
	require.True(t, res.Success)
	assert.Equal(t, StateHalfOpen, res.State)

	res = cb.Execute(ctx, succeedingOp)
	require.True(t, res.Success)
	assert.Equal(t, StateClosed, res.State)

	m := cb.Metrics()
	assert.Equal(t, 0, m.FailureCount)
	assert.Equal(t, StateClosed.String(), m.State)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	cb := New("test", cfg, logger.NopLogger())
	ctx := context.Background()

	cb.Execute(ctx, failingOp)
	cb.Execute(ctx, failingOp)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(cfg.ResetTimeout + 5*time.Millisecond)

	res := cb.Execute(ctx, failingOp)
	assert.False(t, res.Success)
	assert.Equal(t, StateOpen, res.State)

	// Back to failing fast, without invoking the operation.
	res = cb.Execute(ctx, failingOp)
	assert.True(t, apperrors.IsCircuitOpen(res.Err))
}

func TestHalfOpenTrialLimit(t *testing.T) {
	cfg := testConfig()
	cfg.HalfOpenMaxCalls = 1
	cb := New("test", cfg, logger.NopLogger())
	ctx := context.Background()

	cb.Execute(ctx, failingOp)
	cb.Execute(ctx, failingOp)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(cfg.ResetTimeout + 5*time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	blockingOp := func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return "ok", nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cb.Execute(ctx, blockingOp)
	}()

	<-started

	// The single trial slot is taken by the in-flight call.
	res := cb.Execute(ctx, succeedingOp)
	assert.False(t, res.Success)
	assert.True(t, apperrors.HasCode(res.Err, apperrors.ErrHalfOpenLimit))

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.State())
}

func TestOperationTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.TimeoutPeriod = 20 * time.Millisecond
	cb := New("test", cfg, logger.NopLogger())

	slowOp := func(ctx context.Context) (interface{}, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	res := cb.Execute(context.Background(), slowOp)
	assert.False(t, res.Success)
	assert.True(t, apperrors.IsTimeout(res.Err))

	// Timeouts count as failures.
	assert.Equal(t, 1, cb.Metrics().FailureCount)
}

func TestCallerContextCancellation(t *testing.T) {
	cb := New("test", testConfig(), logger.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	blockingOp := func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	res := cb.Execute(ctx, blockingOp)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestLeakyBucketDecay(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 3
	cb := New("test", cfg, logger.NopLogger())
	ctx := context.Background()

	cb.Execute(ctx, failingOp)
	cb.Execute(ctx, failingOp)
	require.Equal(t, 2, cb.Metrics().FailureCount)

	// One success pays down one failure.
	cb.Execute(ctx, succeedingOp)
	assert.Equal(t, 1, cb.Metrics().FailureCount)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCanExecute(t *testing.T) {
	cb := New("test", testConfig(), logger.NopLogger())
	ctx := context.Background()

	assert.True(t, cb.CanExecute())

	cb.Execute(ctx, failingOp)
	cb.Execute(ctx, failingOp)
	assert.False(t, cb.CanExecute())
}

func TestAdministrativeOverrides(t *testing.T) {
	cb := New("test", testConfig(), logger.NopLogger())
	ctx := context.Background()

	cb.ForceOpen()
	res := cb.Execute(ctx, succeedingOp)
	assert.True(t, apperrors.IsCircuitOpen(res.Err))

	cb.ForceClosed()
	res = cb.Execute(ctx, succeedingOp)
	assert.True(t, res.Success)

	cb.Execute(ctx, failingOp)
	cb.Reset()
	m := cb.Metrics()
	assert.Equal(t, 0, m.FailureCount)
	assert.Equal(t, StateClosed.String(), m.State)
}

func TestMetricsRates(t *testing.T) {
	cb := New("test", testConfig(), logger.NopLogger())
	ctx := context.Background()

	cb.Execute(ctx, succeedingOp)
	cb.Execute(ctx, succeedingOp)
	cb.Execute(ctx, succeedingOp)
	cb.Execute(ctx, failingOp)

	m := cb.Metrics()
	assert.Equal(t, int64(4), m.TotalCalls)
	assert.Equal(t, int64(3), m.SuccessCount)
	assert.InDelta(t, 0.25, m.FailureRate, 0.0001)
	assert.InDelta(t, 0.75, m.SuccessRate, 0.0001)
	assert.False(t, m.LastSuccessTime.IsZero())
	assert.False(t, m.LastFailureTime.IsZero())
}

func TestHealthReport(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 5
	cb := New("test", cfg, logger.NopLogger())
	ctx := context.Background()

	assert.Equal(t, HealthHealthy, cb.HealthReport().Status)

	// Drive the failure count near the threshold without tripping.
	for i := 0; i < 4; i++ {
		cb.Execute(ctx, failingOp)
	}
	report := cb.HealthReport()
	assert.Equal(t, HealthDegraded, report.Status)
	assert.NotEmpty(t, report.Recommendations)

	cb.ForceOpen()
	assert.Equal(t, HealthUnhealthy, cb.HealthReport().Status)
}
