// Package config 加载 projector 配置：环境变量优先，其次可选的 YAML 文件（CONFIG_FILE），最后是默认值。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config projector 配置
type Config struct {
	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required"`

	IndexURL            string `mapstructure:"INDEX_URL" validate:"required,url"`
	IndexName           string `mapstructure:"INDEX_NAME" validate:"required"`
	IndexTimeoutSeconds int    `mapstructure:"INDEX_TIMEOUT_SECONDS" validate:"gte=1"`
	IndexMaxRPS         int    `mapstructure:"INDEX_MAX_RPS" validate:"gte=0"`
	RequireIndexReady   bool   `mapstructure:"REQUIRE_INDEX_READY"`
	EnsureIndex         bool   `mapstructure:"ENSURE_INDEX"`

	WorkerID               string  `mapstructure:"WORKER_ID"`
	BatchSize              int     `mapstructure:"BATCH_SIZE" validate:"gte=1,lte=10000"`
	Concurrency            int     `mapstructure:"CONCURRENCY" validate:"gte=1,lte=1024"`
	PollIntervalSeconds    float64 `mapstructure:"POLL_INTERVAL_SECONDS" validate:"gt=0"`
	UseBulk                bool    `mapstructure:"USE_BULK"`
	ClaimMode              string  `mapstructure:"CLAIM_MODE" validate:"oneof=atomic select_then_update"`
	LeaseSeconds           int     `mapstructure:"LEASE_SECONDS" validate:"gte=1"`
	ReclaimIntervalSeconds int     `mapstructure:"RECLAIM_INTERVAL_SECONDS" validate:"gte=1"`
	MaxProcessingSeconds   int     `mapstructure:"MAX_PROCESSING_SECONDS" validate:"gtefield=LeaseSeconds"`
	MaxAttempts            int     `mapstructure:"MAX_ATTEMPTS" validate:"gte=1"`
	TerminalOnTransient    bool    `mapstructure:"TERMINAL_ON_TRANSIENT"`
	BaseBackoffSeconds     float64 `mapstructure:"BASE_BACKOFF_SECONDS" validate:"gt=0"`
	MaxBackoffSeconds      float64 `mapstructure:"MAX_BACKOFF_SECONDS" validate:"gtefield=BaseBackoffSeconds"`
	ShutdownGraceSeconds   int     `mapstructure:"SHUTDOWN_GRACE_SECONDS" validate:"gte=0"`
	PingIntervalSeconds    int     `mapstructure:"PING_INTERVAL_SECONDS" validate:"gte=1"`
	StatsIntervalSeconds   int     `mapstructure:"STATS_INTERVAL_SECONDS" validate:"gte=1"`
	HealthStaleSeconds     int     `mapstructure:"HEALTH_STALE_SECONDS" validate:"gte=1"`

	MetricsPort int `mapstructure:"METRICS_PORT" validate:"gte=1,lte=65535"`
	HTTPPort    int `mapstructure:"HTTP_PORT" validate:"gte=1,lte=65535"`

	RedisURL       string `mapstructure:"REDIS_URL"`
	OTLPEndpoint   string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	SentryDSN      string `mapstructure:"SENTRY_DSN"`
	AdminJWTSecret string `mapstructure:"ADMIN_JWT_SECRET"`
	LogLevel       string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFormat      string `mapstructure:"LOG_FORMAT" validate:"oneof=json console"`
}

var defaults = map[string]any{
	"INDEX_URL":                   "http://localhost:9200",
	"INDEX_NAME":                  "search_index",
	"INDEX_TIMEOUT_SECONDS":       10,
	"INDEX_MAX_RPS":               0,
	"REQUIRE_INDEX_READY":         false,
	"ENSURE_INDEX":                false,
	"WORKER_ID":                   "",
	"BATCH_SIZE":                  100,
	"CONCURRENCY":                 8,
	"POLL_INTERVAL_SECONDS":       1.0,
	"USE_BULK":                    false,
	"CLAIM_MODE":                  "atomic",
	"LEASE_SECONDS":               30,
	"RECLAIM_INTERVAL_SECONDS":    10,
	"MAX_PROCESSING_SECONDS":      300,
	"MAX_ATTEMPTS":                10,
	"TERMINAL_ON_TRANSIENT":       false,
	"BASE_BACKOFF_SECONDS":        1.0,
	"MAX_BACKOFF_SECONDS":         300.0,
	"SHUTDOWN_GRACE_SECONDS":      15,
	"PING_INTERVAL_SECONDS":       5,
	"STATS_INTERVAL_SECONDS":      15,
	"HEALTH_STALE_SECONDS":        60,
	"METRICS_PORT":                9108,
	"HTTP_PORT":                   8080,
	"REDIS_URL":                   "",
	"OTEL_EXPORTER_OTLP_ENDPOINT": "",
	"SENTRY_DSN":                  "",
	"ADMIN_JWT_SECRET":            "",
	"LOG_LEVEL":                   "info",
	"LOG_FORMAT":                  "json",
	"DATABASE_URL":                "",
}

// Load 读取配置并校验
func Load() (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 结构校验
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "projector"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func seconds(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }

func (c *Config) PollInterval() time.Duration {
	return seconds(c.PollIntervalSeconds)
}

func (c *Config) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

func (c *Config) ReclaimInterval() time.Duration {
	return time.Duration(c.ReclaimIntervalSeconds) * time.Second
}

func (c *Config) MaxProcessing() time.Duration {
	return time.Duration(c.MaxProcessingSeconds) * time.Second
}

func (c *Config) BaseBackoff() time.Duration {
	return seconds(c.BaseBackoffSeconds)
}

func (c *Config) MaxBackoff() time.Duration {
	return seconds(c.MaxBackoffSeconds)
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

func (c *Config) IndexTimeout() time.Duration {
	return time.Duration(c.IndexTimeoutSeconds) * time.Second
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalSeconds) * time.Second
}

func (c *Config) HealthStale() time.Duration {
	return time.Duration(c.HealthStaleSeconds) * time.Second
}

// DBPoolSize 连接池大小：并发数 + 余量
func (c *Config) DBPoolSize() int { return c.Concurrency + 4 }
