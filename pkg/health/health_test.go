package health

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isometry/internal/breaker"
	"isometry/internal/logger"
)

type staticChecker struct {
	name string
	err  error
}

func (c *staticChecker) Name() string                    { return c.name }
func (c *staticChecker) Check(ctx context.Context) error { return c.err }

func TestRegistryRollsUpWorstStatus(t *testing.T) {
	registry := NewCheckerRegistry()
	registry.Register(&staticChecker{name: "ok"})
	registry.Register(&staticChecker{name: "slow", err: Degraded("queue at %d of %d", 950, 1000)})

	h := registry.Check(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, StatusHealthy, h.Checks["ok"].Status)
	assert.Equal(t, StatusDegraded, h.Checks["slow"].Status)

	registry.Register(&staticChecker{name: "broken", err: fmt.Errorf("down")})
	h = registry.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Equal(t, "down", h.Checks["broken"].Message)
}

func TestBreakerChecker(t *testing.T) {
	reg := breaker.NewRegistry(breaker.DefaultConfig(), logger.NopLogger())
	checker := NewBreakerChecker(reg)

	require.NoError(t, checker.Check(context.Background()))

	reg.GetOrCreate("bridge-transport").ForceOpen()
	assert.Error(t, checker.Check(context.Background()))
}
