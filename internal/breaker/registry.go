package breaker

import (
	"context"
	"sort"
	"sync"

	"isometry/internal/logger"
)

// Registry holds one independent breaker per named service, created lazily
// on first access.
type Registry struct {
	cfg Config
	log logger.Logger

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

func NewRegistry(cfg Config, log logger.Logger) *Registry {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Registry{
		cfg:      cfg,
		log:      log,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// GetOrCreate returns the breaker for name, creating it idempotently.
// Concurrent first access for the same name yields a single breaker.
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[name]
	r.mu.RUnlock()

	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists = r.breakers[name]; exists {
		return cb
	}

	cb = New(name, r.cfg, r.log)
	r.breakers[name] = cb
	r.log.Infow("Created circuit breaker", "breaker", name)

	return cb
}

// Get returns the breaker for name if it exists.
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// Execute runs op through the named breaker, creating it on first use.
func (r *Registry) Execute(ctx context.Context, name string, op Operation) Result {
	return r.GetOrCreate(name).Execute(ctx, op)
}

// Names lists all registered breakers in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AggregateMetrics returns a per-breaker metrics snapshot.
func (r *Registry) AggregateMetrics() map[string]Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Metrics, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Metrics()
	}
	return out
}

// RegistryHealth rolls the individual reports up into one status: unhealthy
// dominates degraded, which dominates healthy.
type RegistryHealth struct {
	Status   HealthStatus            `json:"status"`
	Breakers map[string]HealthReport `json:"breakers"`
}

func (r *Registry) Health() RegistryHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	health := RegistryHealth{
		Status:   HealthHealthy,
		Breakers: make(map[string]HealthReport, len(r.breakers)),
	}

	for name, cb := range r.breakers {
		report := cb.HealthReport()
		health.Breakers[name] = report

		switch report.Status {
		case HealthUnhealthy:
			health.Status = HealthUnhealthy
		case HealthDegraded:
			if health.Status != HealthUnhealthy {
				health.Status = HealthDegraded
			}
		}
	}

	return health
}

// ResetAll returns every breaker to the closed state.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
