package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	AWS      AWSConfig
	Storage  StorageConfig
	Source   APIConfig
	Ingest   APIConfig
	Webhook  WebhookConfig
	Pipeline PipelineConfig
	Download QueueConfig
	Upload   QueueConfig
	Log      LogConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string
	ReadTimeout  int
	WriteTimeout int
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/ingester?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds the secret used to validate operator tokens.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the recordings bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	Endpoint             string
	PresignExpireMinutes int
}

// StorageConfig selects the object store backend.
type StorageConfig struct {
	Backend      string // "s3" or "local"
	LocalDir     string
	LocalBaseURL string // media references handed to the ingest API for local objects
}

// APIConfig holds settings for one outbound API (recording source or ingest destination).
type APIConfig struct {
	BaseURL       string
	Key           string
	Secret        string
	TokenValidity time.Duration
	Timeout       time.Duration
	MaxRetries    int
}

// WebhookConfig holds inbound webhook verification settings.
type WebhookConfig struct {
	Secret   string
	MaxSkew  time.Duration
	ClaimTTL time.Duration // how long a recording id stays claimed by one intake
}

// PipelineConfig holds stage policy settings.
type PipelineConfig struct {
	MinDuration      time.Duration
	ScheduleCacheTTL time.Duration
	ScheduleCacheMax int
	ScheduleWindow   time.Duration
	ScheduleTimezone string
}

// QueueConfig holds redelivery settings for one stage queue.
type QueueConfig struct {
	MaxAttempts  int
	Visibility   time.Duration
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
	Concurrency  int
	Budget       time.Duration // per-invocation execution budget
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	p := &parser{}
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  p.int("READ_TIMEOUT_SEC", 30),
			WriteTimeout: p.int("WRITE_TIMEOUT_SEC", 30),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "ingester"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: p.int("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       p.int("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: p.int("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", "zoom-recording-files"),
			Endpoint:             getEnv("AWS_S3_ENDPOINT", ""),
			PresignExpireMinutes: p.int("AWS_PRESIGN_EXPIRE_MINUTES", 60),
		},
		Storage: StorageConfig{
			Backend:      strings.ToLower(getEnv("STORAGE_BACKEND", "s3")),
			LocalDir:     getEnv("STORAGE_LOCAL_DIR", "recordings-data"),
			LocalBaseURL: getEnv("STORAGE_LOCAL_BASE_URL", "http://localhost:8080/media"),
		},
		Source: APIConfig{
			BaseURL:       getEnv("SOURCE_API_BASE_URL", "https://api.zoom.us"),
			Key:           getEnv("SOURCE_API_KEY", ""),
			Secret:        getEnv("SOURCE_API_SECRET", ""),
			TokenValidity: p.duration("SOURCE_API_TOKEN_VALIDITY", 30*time.Second),
			Timeout:       p.duration("SOURCE_API_TIMEOUT", 5*time.Minute),
			MaxRetries:    p.int("SOURCE_API_MAX_RETRIES", 3),
		},
		Ingest: APIConfig{
			BaseURL:       getEnv("INGEST_API_BASE_URL", "http://localhost:8081"),
			Key:           getEnv("INGEST_API_KEY", ""),
			Secret:        getEnv("INGEST_API_SECRET", ""),
			TokenValidity: p.duration("INGEST_API_TOKEN_VALIDITY", 30*time.Second),
			Timeout:       p.duration("INGEST_API_TIMEOUT", 60*time.Second),
			MaxRetries:    p.int("INGEST_API_MAX_RETRIES", 3),
		},
		Webhook: WebhookConfig{
			Secret:   getEnv("WEBHOOK_SECRET", ""),
			MaxSkew:  p.duration("WEBHOOK_MAX_SKEW", 5*time.Minute),
			ClaimTTL: p.duration("WEBHOOK_CLAIM_TTL", 10*time.Minute),
		},
		Pipeline: PipelineConfig{
			MinDuration:      p.duration("MINIMUM_DURATION", 2*time.Minute),
			ScheduleCacheTTL: p.duration("SCHEDULE_CACHE_TTL", 5*time.Minute),
			ScheduleCacheMax: p.int("SCHEDULE_CACHE_SIZE", 1024),
			ScheduleWindow:   p.duration("SCHEDULE_MATCH_WINDOW", 30*time.Minute),
			ScheduleTimezone: getEnv("SCHEDULE_TIMEZONE", "America/New_York"),
		},
		Download: p.queue("DOWNLOAD", QueueConfig{
			MaxAttempts:  3,
			Visibility:   15 * time.Minute,
			RetryBackoff: 30 * time.Second,
			MaxBackoff:   10 * time.Minute,
			PollInterval: time.Second,
			Concurrency:  4,
			Budget:       14 * time.Minute,
		}),
		Upload: p.queue("UPLOAD", QueueConfig{
			MaxAttempts:  3,
			Visibility:   5 * time.Minute,
			RetryBackoff: 30 * time.Second,
			MaxBackoff:   10 * time.Minute,
			PollInterval: time.Second,
			Concurrency:  2,
			Budget:       4 * time.Minute,
		}),
		Log: LogConfig{
			Level: logLevel(),
		},
	}
	if p.err != nil {
		return nil, p.err
	}
	if cfg.Storage.Backend != "s3" && cfg.Storage.Backend != "local" {
		return nil, fmt.Errorf("STORAGE_BACKEND: unsupported backend %q", cfg.Storage.Backend)
	}
	return cfg, nil
}

// parser collects the first malformed value so Load can report it.
type parser struct {
	err error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return n
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	// Bare integers are seconds.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return d
}

func (p *parser) queue(prefix string, def QueueConfig) QueueConfig {
	return QueueConfig{
		MaxAttempts:  p.int(prefix+"_MAX_ATTEMPTS", def.MaxAttempts),
		Visibility:   p.duration(prefix+"_VISIBILITY_TIMEOUT", def.Visibility),
		RetryBackoff: p.duration(prefix+"_RETRY_BACKOFF", def.RetryBackoff),
		MaxBackoff:   p.duration(prefix+"_MAX_BACKOFF", def.MaxBackoff),
		PollInterval: p.duration(prefix+"_POLL_INTERVAL", def.PollInterval),
		Concurrency:  p.int(prefix+"_CONCURRENCY", def.Concurrency),
		Budget:       p.duration(prefix+"_BUDGET", def.Budget),
	}
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
}

func logLevel() string {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		return strings.ToLower(v)
	}
	if os.Getenv("DEBUG") != "" {
		return "debug"
	}
	return "info"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
