package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the recovery service
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	MemberAPI MemberAPIConfig `mapstructure:"memberapi"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Log       LogConfig       `mapstructure:"log"`
}

// AppConfig holds application identity configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// IsProduction reports whether the service runs in a production posture.
// Posture drives the rate limiter's fail-closed behavior and whether webhook
// timestamps are mandatory.
func (c AppConfig) IsProduction() bool {
	return c.Environment == "production"
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// MetricsConfig holds the metrics server configuration
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// PostgresConfig holds database configuration
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds Kafka publisher configuration
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// WebhookConfig holds webhook authentication configuration
type WebhookConfig struct {
	Secret           string `mapstructure:"secret"`
	ToleranceSeconds int    `mapstructure:"tolerance_seconds"`
}

// Tolerance returns the replay-protection skew tolerance as a duration.
func (c WebhookConfig) Tolerance() time.Duration {
	return time.Duration(c.ToleranceSeconds) * time.Second
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	WindowSeconds int   `mapstructure:"window_seconds"`
	MaxRequests   int64 `mapstructure:"max_requests"`
}

// Window returns the fixed bucket size as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// RecoveryConfig holds recovery workflow defaults
type RecoveryConfig struct {
	DispatchConcurrency int `mapstructure:"dispatch_concurrency"`
}

// JobsConfig holds job queue configuration
type JobsConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	BatchSize           int `mapstructure:"batch_size"`
	Workers             int `mapstructure:"workers"`
	MaxAttempts         int `mapstructure:"max_attempts"`
}

// PollInterval returns the queue poll interval as a duration.
func (c JobsConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// MemberAPIConfig holds the membership platform client configuration
type MemberAPIConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Timeout returns the per-call timeout as a duration.
func (c MemberAPIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SamplingRatio  float64 `mapstructure:"sampling_ratio"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Webhook.Secret == "" {
		return nil, fmt.Errorf("webhook.secret is required")
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("app.name", "recovery-service")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("metrics.addr", ":9090")
	viper.SetDefault("postgres.max_conns", 10)
	viper.SetDefault("postgres.min_conns", 2)
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topic", "recovery.events")
	viper.SetDefault("webhook.tolerance_seconds", 300)
	viper.SetDefault("ratelimit.window_seconds", 60)
	viper.SetDefault("ratelimit.max_requests", 120)
	viper.SetDefault("recovery.dispatch_concurrency", 5)
	viper.SetDefault("jobs.poll_interval_seconds", 5)
	viper.SetDefault("jobs.batch_size", 20)
	viper.SetDefault("jobs.workers", 4)
	viper.SetDefault("jobs.max_attempts", 5)
	viper.SetDefault("memberapi.base_url", "https://api.whop.com/v1")
	viper.SetDefault("memberapi.timeout_seconds", 10)
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.jaeger_endpoint", "http://localhost:14268/api/traces")
	viper.SetDefault("tracing.sampling_ratio", 1.0)
	viper.SetDefault("log.level", "info")
}
