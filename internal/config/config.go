package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App        AppConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	Logger     LoggerConfig
	Auth       AuthConfig
	Queue      QueueConfig
	Pipeline   PipelineConfig
	Capability CapabilityConfig
	Metrics    MetricsConfig
	Notify     NotifyConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	RunMigrations   bool
	ConnMaxIdleSec  int32
	ConnMaxLifeSec  int32
	QueryTimeoutSec int
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines token verification parameters for agent API routes.
// Token issuance lives in the identity service, not here.
type AuthConfig struct {
	JWTSecret string
}

// QueueConfig configures the pipeline task queue.
type QueueConfig struct {
	Stream      string
	DLQStream   string
	Group       string
	Consumer    string
	MaxAttempts int
	LocalBuffer int
}

// PipelineConfig tunes the orchestrator and background sweeps.
type PipelineConfig struct {
	WorkerCount                 int
	AutoResolveConfidence       float64
	RetrievalTopK               int
	DefaultResponseSLAMinutes   int
	DefaultResolutionSLAMinutes int
	DefaultAgentTicketCap       int
	ReopenWindowHours           int
	SweepIntervalSeconds        int
}

// CapabilityConfig configures the external AI capability endpoints.
type CapabilityConfig struct {
	BaseURL        string
	APIKey         string
	TimeoutSeconds int
	MaxRetries     int
	RatePerSecond  float64
}

// MetricsConfig controls the standalone metrics listener.
type MetricsConfig struct {
	Addr string
}

// NotifyConfig holds outbound reply transport settings.
type NotifyConfig struct {
	EmailFrom        string
	EmailWebhookURL  string
	TelegramBotToken string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	confidence, err := strconv.ParseFloat(getEnv("PIPELINE_AUTO_RESOLVE_CONFIDENCE", "0.80"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid PIPELINE_AUTO_RESOLVE_CONFIDENCE: %w", err)
	}
	rate, err := strconv.ParseFloat(getEnv("CAPABILITY_RATE_PER_SECOND", "5"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid CAPABILITY_RATE_PER_SECOND: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "support-pipeline"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:             os.Getenv("POSTGRES_DSN"),
			MaxConns:        int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:        int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:   getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec:  int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec:  int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
			QueryTimeoutSec: getEnvAsInt("POSTGRES_QUERY_TIMEOUT_SECONDS", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", "dev-secret"),
		},
		Queue: QueueConfig{
			Stream:      getEnv("QUEUE_STREAM", "pipeline_tasks"),
			DLQStream:   getEnv("QUEUE_DLQ_STREAM", "pipeline_tasks_dlq"),
			Group:       getEnv("QUEUE_GROUP", "pipeline_workers"),
			Consumer:    getEnv("QUEUE_CONSUMER", "worker-1"),
			MaxAttempts: getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			LocalBuffer: getEnvAsInt("QUEUE_LOCAL_BUFFER", 512),
		},
		Pipeline: PipelineConfig{
			WorkerCount:                 getEnvAsInt("PIPELINE_WORKER_COUNT", 4),
			AutoResolveConfidence:       confidence,
			RetrievalTopK:               getEnvAsInt("PIPELINE_RETRIEVAL_TOP_K", 3),
			DefaultResponseSLAMinutes:   getEnvAsInt("PIPELINE_DEFAULT_RESPONSE_SLA_MINUTES", 60),
			DefaultResolutionSLAMinutes: getEnvAsInt("PIPELINE_DEFAULT_RESOLUTION_SLA_MINUTES", 480),
			DefaultAgentTicketCap:       getEnvAsInt("PIPELINE_DEFAULT_AGENT_TICKET_CAP", 8),
			ReopenWindowHours:           getEnvAsInt("PIPELINE_REOPEN_WINDOW_HOURS", 72),
			SweepIntervalSeconds:        getEnvAsInt("PIPELINE_SWEEP_INTERVAL_SECONDS", 60),
		},
		Capability: CapabilityConfig{
			BaseURL:        getEnv("CAPABILITY_BASE_URL", ""),
			APIKey:         os.Getenv("CAPABILITY_API_KEY"),
			TimeoutSeconds: getEnvAsInt("CAPABILITY_TIMEOUT_SECONDS", 15),
			MaxRetries:     getEnvAsInt("CAPABILITY_MAX_RETRIES", 2),
			RatePerSecond:  rate,
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ""),
		},
		Notify: NotifyConfig{
			EmailFrom:        getEnv("NOTIFY_EMAIL_FROM", "noreply@example.com"),
			EmailWebhookURL:  getEnv("NOTIFY_EMAIL_WEBHOOK_URL", ""),
			TelegramBotToken: os.Getenv("NOTIFY_TELEGRAM_BOT_TOKEN"),
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// QueryTimeout returns the bounded store call timeout.
func (p PostgresConfig) QueryTimeout() time.Duration {
	if p.QueryTimeoutSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(p.QueryTimeoutSec) * time.Second
}

// Timeout returns the per-call capability timeout.
func (c CapabilityConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SweepInterval returns the SLA sweep cadence.
func (p PipelineConfig) SweepInterval() time.Duration {
	if p.SweepIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(p.SweepIntervalSeconds) * time.Second
}

// ReopenWindow returns how long resolved tickets wait before closing.
func (p PipelineConfig) ReopenWindow() time.Duration {
	if p.ReopenWindowHours <= 0 {
		return 72 * time.Hour
	}
	return time.Duration(p.ReopenWindowHours) * time.Hour
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
