package breaker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isometry/internal/logger"
)

func TestGetOrCreateIsIdempotent(t *testing.T) {
	r := NewRegistry(testConfig(), logger.NopLogger())

	first := r.GetOrCreate("transport")
	second := r.GetOrCreate("transport")
	assert.Same(t, first, second)

	other := r.GetOrCreate("export")
	assert.NotSame(t, first, other)

	assert.Equal(t, []string{"export", "transport"}, r.Names())
}

func TestConcurrentFirstAccessCreatesOneBreaker(t *testing.T) {
	r := NewRegistry(testConfig(), logger.NopLogger())

	const goroutines = 32
	results := make([]*CircuitBreaker, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetOrCreate("transport")
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.Same(t, results[0], results[i])
	}
	assert.Len(t, r.Names(), 1)
}

func TestBreakersAreIndependent(t *testing.T) {
	r := NewRegistry(testConfig(), logger.NopLogger())
	ctx := context.Background()

	// Trip one breaker; the other keeps passing calls.
	r.Execute(ctx, "transport", failingOp)
	r.Execute(ctx, "transport", failingOp)
	res := r.Execute(ctx, "transport", succeedingOp)
	assert.False(t, res.Success)

	res = r.Execute(ctx, "export", succeedingOp)
	assert.True(t, res.Success)
}

func TestAggregateMetrics(t *testing.T) {
	r := NewRegistry(testConfig(), logger.NopLogger())
	ctx := context.Background()

	r.Execute(ctx, "transport", succeedingOp)
	r.Execute(ctx, "export", failingOp)

	all := r.AggregateMetrics()
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all["transport"].SuccessCount)
	assert.Equal(t, 1, all["export"].FailureCount)
}

func TestHealthRollUp(t *testing.T) {
	r := NewRegistry(testConfig(), logger.NopLogger())

	r.GetOrCreate("transport")
	r.GetOrCreate("export")
	assert.Equal(t, HealthHealthy, r.Health().Status)

	// Any unhealthy breaker dominates the roll-up.
	r.GetOrCreate("export").ForceOpen()
	health := r.Health()
	assert.Equal(t, HealthUnhealthy, health.Status)
	assert.Equal(t, HealthUnhealthy, health.Breakers["export"].Status)
	assert.Equal(t, HealthHealthy, health.Breakers["transport"].Status)
}

func TestResetAll(t *testing.T) {
	r := NewRegistry(testConfig(), logger.NopLogger())
	ctx := context.Background()

	r.Execute(ctx, "transport", failingOp)
	r.Execute(ctx, "transport", failingOp)
	r.GetOrCreate("export").ForceOpen()

	r.ResetAll()

	assert.True(t, r.GetOrCreate("transport").CanExecute())
	assert.True(t, r.GetOrCreate("export").CanExecute())
}
