package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates all service configuration. Values come from the
// environment so main stays lean and deployments stay twelve-factor.
type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	Postgres    PostgresConfig
	SII         SIIConfig
	Idempotency IdempotencyConfig
	Audit       AuditConfig
	JWT         JWTConfig
}

type ServerConfig struct {
	Addr            string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// RedisConfig describes the fast idempotency cache. An empty URL disables the
// cache; the guard then runs against the durable store alone.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// PostgresConfig describes the durable store. An empty DSN switches the
// service to in-memory stores, which is only acceptable for development.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SIIConfig points at the tax authority endpoint and bounds the retry policy.
type SIIConfig struct {
	Endpoint        string
	CertPath        string
	CertPassword    string
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	MaxElapsedTime  time.Duration
	AttemptTimeout  time.Duration
}

type IdempotencyConfig struct {
	CacheTTL       time.Duration
	RecordTTL      time.Duration
	ReservationTTL time.Duration
}

// AuditConfig configures the Kafka audit publisher. No brokers means audit
// events stay in the outbox table.
type AuditConfig struct {
	Brokers       []string
	Topic         string
	DrainInterval time.Duration
}

type JWTConfig struct {
	SigningKey string
	Issuer     string
	Audience   string
}

// FromEnv builds a Config from environment variables with development
// defaults.
func FromEnv() Config {
	return Config{
		Server: ServerConfig{
			Addr:            envStr("SII_GATEWAY_ADDR", ":8080"),
			RequestTimeout:  envDuration("SII_GATEWAY_REQUEST_TIMEOUT", 30*time.Second),
			ShutdownTimeout: envDuration("SII_GATEWAY_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Postgres: PostgresConfig{
			DSN:             os.Getenv("POSTGRES_DSN"),
			MaxOpenConns:    envInt("POSTGRES_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    envInt("POSTGRES_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("POSTGRES_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		SII: SIIConfig{
			Endpoint:       envStr("SII_ENDPOINT", "https://prewww1.aeat.es/wlpl/SSII-FACT/ws/fe/SiiFactFEV1SOAP"),
			CertPath:       os.Getenv("SII_CERT_PATH"),
			CertPassword:   os.Getenv("SII_CERT_PASSWORD"),
			MaxAttempts:    envInt("SII_MAX_ATTEMPTS", 4),
			InitialBackoff: envDuration("SII_INITIAL_BACKOFF", 500*time.Millisecond),
			MaxBackoff:     envDuration("SII_MAX_BACKOFF", 10*time.Second),
			MaxElapsedTime: envDuration("SII_MAX_ELAPSED_TIME", time.Minute),
			AttemptTimeout: envDuration("SII_ATTEMPT_TIMEOUT", 15*time.Second),
		},
		Idempotency: IdempotencyConfig{
			CacheTTL:       envDuration("IDEMPOTENCY_CACHE_TTL", time.Hour),
			RecordTTL:      envDuration("IDEMPOTENCY_RECORD_TTL", 72*time.Hour),
			ReservationTTL: envDuration("IDEMPOTENCY_RESERVATION_TTL", 2*time.Minute),
		},
		Audit: AuditConfig{
			Brokers:       splitNonEmpty(os.Getenv("AUDIT_KAFKA_BROKERS")),
			Topic:         envStr("AUDIT_KAFKA_TOPIC", "invoicing.audit"),
			DrainInterval: envDuration("AUDIT_DRAIN_INTERVAL", 5*time.Second),
		},
		JWT: JWTConfig{
			SigningKey: envStr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			Issuer:     envStr("JWT_ISSUER", "invoicing-platform"),
			Audience:   envStr("JWT_AUDIENCE", "sii-gateway"),
		},
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
