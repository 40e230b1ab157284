// Package config builds the service configuration once at startup from the
// environment (optionally seeded from a local .env file).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrConfigurationMissing is returned when required settings are absent or invalid.
var ErrConfigurationMissing = errors.New("configuration missing")

// Idempotency record store backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

const (
	keyBucketName        = "bucket_name"
	keyBackend           = "idempotency_backend"
	keyTable             = "idempotency_table"
	keyRedisAddr         = "redis_addr"
	keyRedisKeyPrefix    = "redis_key_prefix"
	keyKeyExpression     = "idempotency_key_expression"
	keyKeyPrefix         = "idempotency_key_prefix"
	keyInProgressTTL     = "idempotency_in_progress_ttl"
	keyCompletedTTL      = "idempotency_completed_ttl"
	keyStaleAfter        = "idempotency_stale_after"
	keyUploadEventsQueue = "upload_events_queue_url"
	keyMetricsNamespace  = "metrics_namespace"
	keyLogLevel          = "log_level"
	keyRunLocal          = "run_local"
	keyLocalAddr         = "local_addr"
)

// Config is the validated service configuration.
type Config struct {
	BucketName string

	Backend          string
	IdempotencyTable string
	RedisAddr        string
	RedisKeyPrefix   string

	KeyExpression string
	KeyPrefix     string
	InProgressTTL time.Duration
	CompletedTTL  time.Duration
	StaleAfter    time.Duration

	UploadEventsQueueURL string
	MetricsNamespace     string

	LogLevel  string
	RunLocal  bool
	LocalAddr string
}

// Load reads the process environment. A .env file in the working directory is
// applied first when present; it never overrides variables already set.
func Load() (Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	v := viper.New()
	v.AutomaticEnv()
	return FromViper(v)
}

// LoadDotEnv loads path into the environment if the file exists.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// FromViper builds and validates a Config from v.
func FromViper(v *viper.Viper) (Config, error) {
	setDefaults(v)

	cfg := Config{
		BucketName:           strings.TrimSpace(v.GetString(keyBucketName)),
		Backend:              strings.ToLower(strings.TrimSpace(v.GetString(keyBackend))),
		IdempotencyTable:     strings.TrimSpace(v.GetString(keyTable)),
		RedisAddr:            strings.TrimSpace(v.GetString(keyRedisAddr)),
		RedisKeyPrefix:       v.GetString(keyRedisKeyPrefix),
		KeyExpression:        strings.TrimSpace(v.GetString(keyKeyExpression)),
		KeyPrefix:            v.GetString(keyKeyPrefix),
		InProgressTTL:        v.GetDuration(keyInProgressTTL),
		CompletedTTL:         v.GetDuration(keyCompletedTTL),
		UploadEventsQueueURL: strings.TrimSpace(v.GetString(keyUploadEventsQueue)),
		MetricsNamespace:     strings.TrimSpace(v.GetString(keyMetricsNamespace)),
		LogLevel:             v.GetString(keyLogLevel),
		RunLocal:             v.GetBool(keyRunLocal),
		LocalAddr:            v.GetString(keyLocalAddr),
	}
	if v.GetString(keyStaleAfter) == "" {
		cfg.StaleAfter = cfg.InProgressTTL
	} else {
		cfg.StaleAfter = v.GetDuration(keyStaleAfter)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyBackend, BackendDynamoDB)
	v.SetDefault(keyRedisKeyPrefix, "idempotency")
	v.SetDefault(keyKeyExpression, "body")
	v.SetDefault(keyKeyPrefix, "upload")
	v.SetDefault(keyInProgressTTL, "60s")
	v.SetDefault(keyCompletedTTL, "1h")
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyLocalAddr, ":8080")
}

// Validate reports every missing or invalid setting in one error wrapping
// ErrConfigurationMissing.
func (c Config) Validate() error {
	var problems []string

	if c.BucketName == "" {
		problems = append(problems, "BUCKET_NAME is required")
	}
	switch c.Backend {
	case BackendDynamoDB:
		if c.IdempotencyTable == "" {
			problems = append(problems, "IDEMPOTENCY_TABLE is required for the dynamodb backend")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			problems = append(problems, "REDIS_ADDR is required for the redis backend")
		}
	case BackendMemory:
	default:
		problems = append(problems, fmt.Sprintf("IDEMPOTENCY_BACKEND %q is not one of dynamodb, redis, memory", c.Backend))
	}
	if c.KeyExpression == "" {
		problems = append(problems, "IDEMPOTENCY_KEY_EXPRESSION must not be empty")
	}
	if c.InProgressTTL <= 0 {
		problems = append(problems, "IDEMPOTENCY_IN_PROGRESS_TTL must be positive")
	}
	if c.CompletedTTL <= 0 {
		problems = append(problems, "IDEMPOTENCY_COMPLETED_TTL must be positive")
	}
	if c.StaleAfter <= 0 || c.StaleAfter > c.InProgressTTL {
		problems = append(problems, "IDEMPOTENCY_STALE_AFTER must be positive and not exceed IDEMPOTENCY_IN_PROGRESS_TTL")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigurationMissing, strings.Join(problems, "; "))
	}
	return nil
}
