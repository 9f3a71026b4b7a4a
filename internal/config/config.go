// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the settlement service's runtime settings. Empty URLs
// disable the matching backend.
type Config struct {
	ServiceName string
	Port        string

	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
	LockBackend string // "memory" or "redis"

	ReservationTTL time.Duration
	SweepInterval  time.Duration
	SettleAttempts int
	SettleBackoff  time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	AMQPURL string

	JaegerEndpoint string
	TraceSampling  float64
}

// Load reads the environment, falling back to defaults suitable for local
// development.
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:    getEnv("SERVICE_NAME", "settlement-core"),
		Port:           getEnv("PORT", "8080"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		RedisURL:       getEnv("REDIS_URL", ""),
		LockBackend:    strings.ToLower(getEnv("LOCK_BACKEND", "memory")),
		KafkaBrokers:   splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "payment-outcomes"),
		KafkaGroup:     getEnv("KAFKA_GROUP", "settlement-core"),
		AMQPURL:        getEnv("AMQP_URL", ""),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
	}

	var err error
	if cfg.CacheTTL, err = getDuration("CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReservationTTL, err = getDuration("RESERVATION_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.SettleBackoff, err = getDuration("SETTLE_BACKOFF", 50*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.SettleAttempts, err = getInt("SETTLE_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.TraceSampling, err = getFloat("TRACE_SAMPLING", 1.0); err != nil {
		return nil, err
	}

	switch cfg.LockBackend {
	case "memory":
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("config: LOCK_BACKEND=redis requires REDIS_URL")
		}
	default:
		return nil, fmt.Errorf("config: unknown LOCK_BACKEND %q", cfg.LockBackend)
	}
	if cfg.SettleAttempts < 1 {
		return nil, fmt.Errorf("config: SETTLE_ATTEMPTS must be at least 1")
	}
	if cfg.TraceSampling < 0 || cfg.TraceSampling > 1 {
		return nil, fmt.Errorf("config: TRACE_SAMPLING must be within [0, 1]")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: invalid %s %q", key, v)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q", key, v)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q", key, v)
	}
	return f, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
