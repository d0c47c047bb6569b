// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	AppPort string `mapstructure:"APP_PORT"`

	// DatabaseURL wins over the DB_* parts when set.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBHost      string `mapstructure:"DB_HOST"`
	DBPort      string `mapstructure:"DB_PORT"`
	DBUser      string `mapstructure:"DB_USER"`
	DBPassword  string `mapstructure:"DB_PASSWORD"`
	DBName      string `mapstructure:"DB_NAME"`
	DBSSLMode   string `mapstructure:"DB_SSLMODE"`
	AutoMigrate bool   `mapstructure:"AUTO_MIGRATE"`

	ReservationTTLRaw      string `mapstructure:"RESERVATION_TTL"`
	SweepIntervalRaw       string `mapstructure:"SWEEP_INTERVAL"`
	ActivationTimeoutRaw   string `mapstructure:"ACTIVATION_TIMEOUT"`
	VerificationTimeoutRaw string `mapstructure:"VERIFICATION_TIMEOUT"`

	EngineBaseURL string `mapstructure:"ENGINE_BASE_URL"`
	EngineAPIKey  string `mapstructure:"ENGINE_API_KEY"`

	// SessionBackend is "memory" or "redis".
	SessionBackend string `mapstructure:"SESSION_BACKEND"`
	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int    `mapstructure:"REDIS_DB"`
	RedisPrefix    string `mapstructure:"REDIS_PREFIX"`

	EventDrivenEnabled     bool   `mapstructure:"EVENT_DRIVEN_ENABLED"`
	KafkaBrokers           string `mapstructure:"KAFKA_BROKERS"`
	KafkaClientID          string `mapstructure:"KAFKA_CLIENT_ID"`
	KafkaGroupID           string `mapstructure:"KAFKA_GROUP_ID"`
	KafkaRetryGroupID      string `mapstructure:"KAFKA_RETRY_GROUP_ID"`
	KafkaAuditTopic        string `mapstructure:"KAFKA_AUDIT_TOPIC"`
	KafkaTopicPartitions   int    `mapstructure:"KAFKA_TOPIC_PARTITIONS"`
	KafkaRetryPartitions   int    `mapstructure:"KAFKA_RETRY_PARTITIONS"`
	KafkaReplicationFactor int    `mapstructure:"KAFKA_REPLICATION_FACTOR"`
	KafkaMaxAttempts       int    `mapstructure:"KAFKA_MAX_ATTEMPTS"`

	// AdminJWTSecret enables the admin routes when non-empty.
	AdminJWTSecret   string `mapstructure:"ADMIN_JWT_SECRET"`
	AdminTokenTTLRaw string `mapstructure:"ADMIN_TOKEN_TTL"`
	// BcryptCost is the bcrypt cost for admin passwords (4-31).
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	OTelEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
}

// Load reads .env if present, then the environment. Environment variables
// override the file.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()

	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "coupondb")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("AUTO_MIGRATE", true)

	v.SetDefault("RESERVATION_TTL", "2m")
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("ACTIVATION_TIMEOUT", "90s")
	v.SetDefault("VERIFICATION_TIMEOUT", "60s")

	v.SetDefault("ENGINE_BASE_URL", "")
	v.SetDefault("ENGINE_API_KEY", "")

	v.SetDefault("SESSION_BACKEND", "memory")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PREFIX", "coupon")

	v.SetDefault("EVENT_DRIVEN_ENABLED", false)
	v.SetDefault("KAFKA_BROKERS", "kafka:9092")
	v.SetDefault("KAFKA_CLIENT_ID", "coupon-redeem")
	v.SetDefault("KAFKA_GROUP_ID", "coupon-audit-worker")
	v.SetDefault("KAFKA_RETRY_GROUP_ID", "coupon-audit-retry")
	v.SetDefault("KAFKA_AUDIT_TOPIC", "coupon.audit")
	v.SetDefault("KAFKA_TOPIC_PARTITIONS", 3)
	v.SetDefault("KAFKA_RETRY_PARTITIONS", 1)
	v.SetDefault("KAFKA_REPLICATION_FACTOR", 1)
	v.SetDefault("KAFKA_MAX_ATTEMPTS", 5)

	v.SetDefault("ADMIN_JWT_SECRET", "")
	v.SetDefault("ADMIN_TOKEN_TTL", "24h")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_SERVICE_NAME", "coupon-redeem")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.AppPort == "" {
		return nil, errors.New("config: APP_PORT must be set")
	}
	switch cfg.SessionBackend {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("config: SESSION_BACKEND must be memory or redis, got %q", cfg.SessionBackend)
	}
	if cfg.SweepInterval() >= cfg.ReservationTTL() {
		return nil, errors.New("config: SWEEP_INTERVAL must be shorter than RESERVATION_TTL")
	}
	if cfg.ActivationTimeout() >= cfg.ReservationTTL() {
		return nil, errors.New("config: ACTIVATION_TIMEOUT must be shorter than RESERVATION_TTL")
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if cfg.EventDrivenEnabled && len(cfg.KafkaBrokerList()) == 0 {
		return nil, errors.New("config: KAFKA_BROKERS must be set when EVENT_DRIVEN_ENABLED=true")
	}

	return &cfg, nil
}

// DSN returns DatabaseURL, or a URL built from the DB_* parts.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

// ReservationTTL returns 2m if unset or invalid.
func (c *Config) ReservationTTL() time.Duration {
	return parseDuration(c.ReservationTTLRaw, 2*time.Minute)
}

// SweepInterval returns 1m if unset or invalid.
func (c *Config) SweepInterval() time.Duration {
	return parseDuration(c.SweepIntervalRaw, time.Minute)
}

func (c *Config) ActivationTimeout() time.Duration {
	return parseDuration(c.ActivationTimeoutRaw, 90*time.Second)
}

func (c *Config) VerificationTimeout() time.Duration {
	return parseDuration(c.VerificationTimeoutRaw, 60*time.Second)
}

func (c *Config) AdminTokenTTL() time.Duration {
	return parseDuration(c.AdminTokenTTLRaw, 24*time.Hour)
}

func (c *Config) KafkaBrokerList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) TopicPartitions() int {
	return positive(c.KafkaTopicPartitions, 3)
}

func (c *Config) RetryPartitions() int {
	return positive(c.KafkaRetryPartitions, 1)
}

func (c *Config) ReplicationFactor() int16 {
	return int16(positive(c.KafkaReplicationFactor, 1))
}

func (c *Config) MaxAttempts() int {
	return positive(c.KafkaMaxAttempts, 5)
}

// InstanceID names this process in Kafka client ids.
func (c *Config) InstanceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func positive(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
