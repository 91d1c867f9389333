package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the notifications engine.
type Config struct {
	App            AppConfig
	Kafka          KafkaConfig
	Topics         TopicConfig
	ConsumerGroups ConsumerGroupConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	Processing     ProcessingConfig
	Aggregation    AggregationConfig
	Breaker        BreakerConfig
	Health         HealthConfig
	Telemetry      TelemetryConfig
	Seed           SeedConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// KafkaConfig defines broker information.
type KafkaConfig struct {
	Brokers []string
}

// TopicConfig names the topics the engine reads from and writes to.
type TopicConfig struct {
	Ingress   string
	Connector string
	Return    string
}

// ConsumerGroupConfig provides the consumer group name per inbound stream.
type ConsumerGroupConfig struct {
	Ingress  string
	Feedback string
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig configures the optional dedup cache and aggregation locks.
type RedisConfig struct {
	URL      string
	DedupTTL time.Duration
	LockTTL  time.Duration
}

// ProcessingConfig controls ingestion and delivery behaviour.
type ProcessingConfig struct {
	WorkerConcurrency     int
	MaxAttempts           int
	BaseBackoff           time.Duration
	MaxBackoff            time.Duration
	CommitOnSuccessOnly   bool
	MsgMaxBytes           int
	MaxServerErrors       int
	WebhookTimeout        time.Duration
	ReinjectEnabled       bool
	ReinjectViaKafka      bool
	BlacklistedEventTypes []string
}

// AggregationConfig controls digest building.
type AggregationConfig struct {
	PageSize int
	Workers  int
}

// BreakerConfig tunes the per-endpoint webhook circuit breakers.
type BreakerConfig struct {
	MaxRequests         int
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures int
}

// HealthConfig controls the health HTTP surface.
type HealthConfig struct {
	Port             int
	HandlerTimeoutMs int
}

// TelemetryConfig toggles tracing output.
type TelemetryConfig struct {
	ServiceName   string
	TracingStdout bool
}

// SeedConfig points at optional reference data loaded at startup.
type SeedConfig struct {
	File string
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", true)

	cfg.Topics.Ingress = ldr.getString("KAFKA_INGRESS_TOPIC", "platform.notifications.ingress", false)
	cfg.Topics.Connector = ldr.getString("KAFKA_CONNECTOR_TOPIC", "platform.notifications.tocamel", false)
	cfg.Topics.Return = ldr.getString("KAFKA_RETURN_TOPIC", "platform.notifications.fromcamel", false)

	cfg.ConsumerGroups.Ingress = ldr.getString("INGRESS_CONSUMER_GROUP", "notifications-engine", false)
	cfg.ConsumerGroups.Feedback = ldr.getString("FEEDBACK_CONSUMER_GROUP", "notifications-engine-feedback", false)

	cfg.Database.Driver = ldr.getString("DB_DRIVER", "postgres", false)
	cfg.Database.DSN = ldr.getString("DB_DSN", "", true)
	cfg.Database.MaxOpenConns = ldr.getInt("DB_MAX_OPEN_CONNS", 20, false)
	cfg.Database.MaxIdleConns = ldr.getInt("DB_MAX_IDLE_CONNS", 5, false)

	cfg.Redis.URL = ldr.getString("REDIS_URL", "", false)
	cfg.Redis.DedupTTL = ldr.getDuration("REDIS_DEDUP_TTL", 24*time.Hour, false)
	cfg.Redis.LockTTL = ldr.getDuration("REDIS_LOCK_TTL", 5*time.Minute, false)

	cfg.Processing.WorkerConcurrency = ldr.getInt("WORKER_CONCURRENCY", 10, false)
	cfg.Processing.MaxAttempts = ldr.getInt("MAX_ATTEMPTS", 5, false)
	cfg.Processing.BaseBackoff = ldr.getDuration("BASE_BACKOFF", 500*time.Millisecond, false)
	cfg.Processing.MaxBackoff = ldr.getDuration("MAX_BACKOFF", 30*time.Second, false)
	cfg.Processing.CommitOnSuccessOnly = ldr.getBool("COMMIT_ON_SUCCESS_ONLY", true, false)
	cfg.Processing.MsgMaxBytes = ldr.getInt("MSG_MAX_BYTES", 1048576, false)
	cfg.Processing.MaxServerErrors = ldr.getInt("MAX_SERVER_ERRORS", 10, false)
	cfg.Processing.WebhookTimeout = ldr.getDuration("WEBHOOK_TIMEOUT", 10*time.Second, false)
	cfg.Processing.ReinjectEnabled = ldr.getBool("REINJECT_ENABLED", false, false)
	cfg.Processing.ReinjectViaKafka = ldr.getBool("REINJECT_VIA_KAFKA", true, false)
	cfg.Processing.BlacklistedEventTypes = ldr.getStringSlice("BLACKLISTED_EVENT_TYPES", false)

	cfg.Aggregation.PageSize = ldr.getInt("AGGREGATION_PAGE_SIZE", 100, false)
	cfg.Aggregation.Workers = ldr.getInt("AGGREGATION_WORKERS", 4, false)

	cfg.Breaker.MaxRequests = ldr.getInt("BREAKER_MAX_REQUESTS", 1, false)
	cfg.Breaker.Interval = ldr.getDuration("BREAKER_INTERVAL", time.Minute, false)
	cfg.Breaker.Timeout = ldr.getDuration("BREAKER_TIMEOUT", 30*time.Second, false)
	cfg.Breaker.ConsecutiveFailures = ldr.getInt("BREAKER_CONSECUTIVE_FAILURES", cfg.Processing.MaxServerErrors, false)

	cfg.Health.Port = ldr.getInt("HEALTH_PORT", 8080, false)
	cfg.Health.HandlerTimeoutMs = ldr.getInt("HEALTH_HANDLER_TIMEOUT_MS", 500, false)

	cfg.Telemetry.ServiceName = ldr.getString("OTEL_SERVICE_NAME", "notifications-engine", false)
	cfg.Telemetry.TracingStdout = ldr.getBool("TRACING_STDOUT", false, false)

	cfg.Seed.File = ldr.getString("SEED_FILE", "", false)

	if cfg.Database.Driver != "postgres" && cfg.Database.Driver != "sqlite" {
		ldr.addError("DB_DRIVER must be postgres or sqlite")
	}
	if cfg.Processing.MaxAttempts < 1 {
		ldr.addError("MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Processing.WorkerConcurrency < 1 {
		ldr.addError("WORKER_CONCURRENCY must be >= 1")
	}
	if cfg.Processing.MaxServerErrors < 1 {
		ldr.addError("MAX_SERVER_ERRORS must be >= 1")
	}
	if cfg.Breaker.ConsecutiveFailures > 0 && cfg.Breaker.ConsecutiveFailures < cfg.Processing.MaxServerErrors {
		ldr.addError("BREAKER_CONSECUTIVE_FAILURES must be 0 or >= MAX_SERVER_ERRORS")
	}
	if cfg.Aggregation.PageSize < 1 {
		ldr.addError("AGGREGATION_PAGE_SIZE must be >= 1")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid boolean", key))
			return def
		}
		return parsed
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) getDuration(key string, def time.Duration, required bool) time.Duration {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid duration", key))
		return def
	}
	return d
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
