package config

import (
	"fmt"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errs []error

	if err := validateServer(cfg.Server); err != nil {
		errs = append(errs, err)
	}

	if err := validateBatcher(cfg.Batcher); err != nil {
		errs = append(errs, err)
	}

	if err := validateCircuitBreaker(cfg.CircuitBreaker); err != nil {
		errs = append(errs, err)
	}

	if err := validateMonitor(cfg.Monitor); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateBatcher(cfg BatcherConfig) error {
	if cfg.MaxBatchSize <= 0 {
		return &ValidationError{
			Field:   "batcher.max_batch_size",
			Message: "max batch size must be positive",
		}
	}

	if cfg.MaxQueueSize < cfg.MaxBatchSize {
		return &ValidationError{
			Field:   "batcher.max_queue_size",
			Message: fmt.Sprintf("max queue size %d must be at least max batch size %d", cfg.MaxQueueSize, cfg.MaxBatchSize),
		}
	}

	if cfg.FlushInterval <= 0 {
		return &ValidationError{
			Field:   "batcher.flush_interval",
			Message: "flush interval must be positive",
		}
	}

	return nil
}

func validateCircuitBreaker(cfg CircuitBreakerConfig) error {
	if cfg.FailureThreshold <= 0 {
		return &ValidationError{
			Field:   "circuit_breaker.failure_threshold",
			Message: "failure threshold must be positive",
		}
	}

	if cfg.HalfOpenMaxCalls <= 0 {
		return &ValidationError{
			Field:   "circuit_breaker.half_open_max_calls",
			Message: "half-open max calls must be positive",
		}
	}

	if cfg.TimeoutPeriod <= 0 {
		return &ValidationError{
			Field:   "circuit_breaker.timeout_period",
			Message: "timeout period must be positive",
		}
	}

	if cfg.ResetTimeout <= 0 {
		return &ValidationError{
			Field:   "circuit_breaker.reset_timeout",
			Message: "reset timeout must be positive",
		}
	}

	return nil
}

func validateMonitor(cfg MonitorConfig) error {
	if cfg.WindowSize <= 0 {
		return &ValidationError{
			Field:   "monitor.window_size",
			Message: "window size must be positive",
		}
	}

	t := cfg.Thresholds
	if t.LatencyCriticalMs < t.LatencyWarningMs {
		return &ValidationError{
			Field:   "monitor.thresholds.latency_critical_ms",
			Message: "critical latency threshold must not be below the warning threshold",
		}
	}

	if t.FailureRateCritical < t.FailureRateWarning {
		return &ValidationError{
			Field:   "monitor.thresholds.failure_rate_critical",
			Message: "critical failure rate must not be below the warning threshold",
		}
	}

	// Compression thresholds alarm on the way down: critical sits below warning.
	if t.CompressionCritical > t.CompressionWarning {
		return &ValidationError{
			Field:   "monitor.thresholds.compression_critical",
			Message: "critical compression threshold must not exceed the warning threshold",
		}
	}

	if t.QueueUsageCriticalPct < t.QueueUsageWarningPct {
		return &ValidationError{
			Field:   "monitor.thresholds.queue_usage_critical_pct",
			Message: "critical queue usage must not be below the warning threshold",
		}
	}

	return nil
}
