package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a YAML file with environment overrides.
// An empty path yields the defaults.
func Load(configFile string) (*Config, error) {
	cfg := Default()
	if configFile == "" {
		return cfg, nil
	}

	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := ValidateStatic(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func bindEnvVariables() {
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("batcher.max_batch_size", "BATCHER_MAX_BATCH_SIZE")
	viper.BindEnv("batcher.max_queue_size", "BATCHER_MAX_QUEUE_SIZE")
	viper.BindEnv("batcher.flush_interval", "BATCHER_FLUSH_INTERVAL")
	viper.BindEnv("batcher.backpressure_enabled", "BATCHER_BACKPRESSURE_ENABLED")

	viper.BindEnv("circuit_breaker.failure_threshold", "CIRCUIT_BREAKER_FAILURE_THRESHOLD")
	viper.BindEnv("circuit_breaker.timeout_period", "CIRCUIT_BREAKER_TIMEOUT_PERIOD")
	viper.BindEnv("circuit_breaker.half_open_max_calls", "CIRCUIT_BREAKER_HALF_OPEN_MAX_CALLS")
	viper.BindEnv("circuit_breaker.reset_timeout", "CIRCUIT_BREAKER_RESET_TIMEOUT")

	viper.BindEnv("codec.validate_input", "CODEC_VALIDATE_INPUT")
	viper.BindEnv("codec.validate_output", "CODEC_VALIDATE_OUTPUT")

	viper.BindEnv("monitor.window_size", "MONITOR_WINDOW_SIZE")
}
