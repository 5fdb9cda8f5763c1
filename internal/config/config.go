package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Batcher        BatcherConfig        `mapstructure:"batcher"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Codec          CodecConfig          `mapstructure:"codec"`
	Monitor        MonitorConfig        `mapstructure:"monitor"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BatcherConfig struct {
	MaxBatchSize        int           `mapstructure:"max_batch_size"`
	MaxQueueSize        int           `mapstructure:"max_queue_size"`
	FlushInterval       time.Duration `mapstructure:"flush_interval"`
	BackpressureEnabled bool          `mapstructure:"backpressure_enabled"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	TimeoutPeriod    time.Duration `mapstructure:"timeout_period"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

type CodecConfig struct {
	ValidateInput  bool `mapstructure:"validate_input"`
	ValidateOutput bool `mapstructure:"validate_output"`
}

type MonitorConfig struct {
	WindowSize int              `mapstructure:"window_size"`
	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
}

// ThresholdsConfig holds the warning/critical pairs for the four alert
// categories. Latency is in milliseconds, failure rate and queue usage in
// percent. Compression thresholds are the minimum acceptable savings
// fraction over the JSON reference encoding, so critical sits below warning.
type ThresholdsConfig struct {
	LatencyWarningMs      float64 `mapstructure:"latency_warning_ms"`
	LatencyCriticalMs     float64 `mapstructure:"latency_critical_ms"`
	FailureRateWarning    float64 `mapstructure:"failure_rate_warning"`
	FailureRateCritical   float64 `mapstructure:"failure_rate_critical"`
	CompressionWarning    float64 `mapstructure:"compression_warning"`
	CompressionCritical   float64 `mapstructure:"compression_critical"`
	QueueUsageWarningPct  float64 `mapstructure:"queue_usage_warning_pct"`
	QueueUsageCriticalPct float64 `mapstructure:"queue_usage_critical_pct"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                8080,
			ReadTimeoutSeconds:  10,
			WriteTimeoutSeconds: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Batcher: BatcherConfig{
			MaxBatchSize:        100,
			MaxQueueSize:        1000,
			FlushInterval:       16 * time.Millisecond,
			BackpressureEnabled: true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			TimeoutPeriod:    60 * time.Second,
			HalfOpenMaxCalls: 3,
			ResetTimeout:     30 * time.Second,
		},
		Codec: CodecConfig{
			ValidateInput:  true,
			ValidateOutput: true,
		},
		Monitor: MonitorConfig{
			WindowSize: 100,
			Thresholds: DefaultThresholds(),
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			RPS:     10.0,
			Burst:   20,
		},
	}
}

func DefaultThresholds() ThresholdsConfig {
	return ThresholdsConfig{
		LatencyWarningMs:      33,
		LatencyCriticalMs:     100,
		FailureRateWarning:    5,
		FailureRateCritical:   20,
		CompressionWarning:    0.4,
		CompressionCritical:   0.2,
		QueueUsageWarningPct:  70,
		QueueUsageCriticalPct: 90,
	}
}
