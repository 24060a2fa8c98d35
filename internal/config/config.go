// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wetraa/999md-scraper/internal/pipeline"
)

// Backoff strategies accepted by pipeline.backoff_strategy.
const (
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Debug     DebugConfig     `mapstructure:"debug"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	// APIKey, when set, is required on every request as X-API-Key.
	APIKey string `mapstructure:"api_key"`
}

// PipelineConfig governs admission, pacing and retry for every fetch.
type PipelineConfig struct {
	GlobalLimit     int           `mapstructure:"global_limit"`
	PerKeyLimit     int           `mapstructure:"per_key_limit"`
	Tries           int           `mapstructure:"tries"`
	Backoff         time.Duration `mapstructure:"backoff"`
	BackoffStrategy string        `mapstructure:"backoff_strategy"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	PerKeyRPS       float64       `mapstructure:"per_key_rps"`
	PerKeyBurst     int           `mapstructure:"per_key_burst"`
}

// HTTPConfig configures the base fetcher.
type HTTPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
	// RetryStatuses are response codes treated as validation failures.
	RetryStatuses []int `mapstructure:"retry_statuses"`
}

// ProgressConfig sizes the attempt event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	LogAttempts    bool          `mapstructure:"log_attempts"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Exporter    string `mapstructure:"exporter"`
}

// DebugConfig holds troubleshooting aids.
type DebugConfig struct {
	// LastFetchPath, when set, receives the body of the most recent response.
	LastFetchPath string `mapstructure:"last_fetch_path"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.request_timeout", 5*time.Minute)
	v.SetDefault("pipeline.global_limit", 0)
	v.SetDefault("pipeline.per_key_limit", 1)
	v.SetDefault("pipeline.tries", pipeline.DefaultTries)
	v.SetDefault("pipeline.backoff", time.Duration(pipeline.DefaultBackoff))
	v.SetDefault("pipeline.backoff_strategy", BackoffConstant)
	v.SetDefault("pipeline.backoff_max", 30*time.Second)
	v.SetDefault("pipeline.per_key_rps", 0)
	v.SetDefault("pipeline.per_key_burst", 1)
	v.SetDefault("http.timeout", 15*time.Second)
	v.SetDefault("http.user_agent", "Mozilla/5.0 (X11; Linux x86_64) 999md-scraper/0.1")
	v.SetDefault("http.max_body_bytes", 10*1024*1024)
	v.SetDefault("http.retry_statuses", []int{429, 502, 503, 504})
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.log_attempts", true)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "999md-scraper")
	v.SetDefault("telemetry.exporter", "none")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeout < 0 {
		return fmt.Errorf("server.request_timeout must be >= 0")
	}
	if c.Pipeline.GlobalLimit < 0 {
		return fmt.Errorf("pipeline.global_limit must be >= 0")
	}
	if c.Pipeline.PerKeyLimit < 0 {
		return fmt.Errorf("pipeline.per_key_limit must be >= 0")
	}
	if c.Pipeline.Tries <= 0 {
		return fmt.Errorf("pipeline.tries must be > 0")
	}
	if c.Pipeline.Backoff < 0 {
		return fmt.Errorf("pipeline.backoff must be >= 0")
	}
	switch c.Pipeline.BackoffStrategy {
	case BackoffConstant, BackoffExponential:
	default:
		return fmt.Errorf("pipeline.backoff_strategy must be %q or %q, got %q",
			BackoffConstant, BackoffExponential, c.Pipeline.BackoffStrategy)
	}
	if c.Pipeline.PerKeyRPS < 0 {
		return fmt.Errorf("pipeline.per_key_rps must be >= 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxBodyBytes < 0 {
		return fmt.Errorf("http.max_body_bytes must be >= 0")
	}
	for _, code := range c.HTTP.RetryStatuses {
		if code < 100 || code > 599 {
			return fmt.Errorf("http.retry_statuses contains invalid code %d", code)
		}
	}
	return nil
}

// BackoffPolicy returns the configured backoff policy.
func (c PipelineConfig) BackoffPolicy() pipeline.Backoff {
	if c.BackoffStrategy == BackoffExponential {
		return pipeline.Exponential{Base: c.Backoff, Max: c.BackoffMax}
	}
	return pipeline.Constant(c.Backoff)
}

// PipelineConfig converts the loaded settings into a pipeline.Config. Sink,
// Pacer, Observer and OnError are left for the caller to wire.
func (c Config) PipelineConfig() pipeline.Config {
	cfg := pipeline.Config{
		GlobalLimit: c.Pipeline.GlobalLimit,
		PerKeyLimit: c.Pipeline.PerKeyLimit,
		Retry: pipeline.RetryConfig{
			Tries:   c.Pipeline.Tries,
			Backoff: c.Pipeline.BackoffPolicy(),
		},
	}
	if len(c.HTTP.RetryStatuses) > 0 {
		cfg.Validator = pipeline.ExpectStatus(c.HTTP.RetryStatuses...)
	}
	return cfg
}
