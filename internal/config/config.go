package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage drivers accepted by STORAGE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all runtime configuration for the exchange.
type Config struct {
	Port               int
	AdminPort          int
	LogLevel           string
	ExpirationInterval time.Duration
	WebhookTimeout     time.Duration
	VWAPWindow         time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	ShutdownTimeout    time.Duration

	// Matching.
	LockTimeout time.Duration
	CreditTypes []string

	// Persistence.
	StorageDriver string
	DatabaseDSN   string

	// Event delivery.
	EventBuffer          int
	KafkaBrokers         []string
	KafkaEventsTopic     string
	KafkaSettlementTopic string
	RedisAddr            string
	RedisChannelPrefix   string

	// Settlement outbox.
	OutboxDir        string
	OutboxInterval   time.Duration
	OutboxMaxRetries int
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	adminPort, err := getInt("ADMIN_PORT", 8081)
	if err != nil {
		return nil, fmt.Errorf("invalid ADMIN_PORT: %w", err)
	}
	if adminPort == port {
		return nil, fmt.Errorf("invalid ADMIN_PORT: must differ from PORT (%d)", port)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	cfg := &Config{
		Port:                 port,
		AdminPort:            adminPort,
		LogLevel:             logLevel,
		CreditTypes:          getList("CREDIT_TYPES"),
		StorageDriver:        getStr("STORAGE_DRIVER", DriverMemory),
		DatabaseDSN:          getStr("DATABASE_DSN", ""),
		KafkaBrokers:         getList("KAFKA_BROKERS"),
		KafkaEventsTopic:     getStr("KAFKA_EVENTS_TOPIC", "carbonexchange.events"),
		KafkaSettlementTopic: getStr("KAFKA_SETTLEMENT_TOPIC", "carbonexchange.settlements"),
		RedisAddr:            getStr("REDIS_ADDR", ""),
		RedisChannelPrefix:   getStr("REDIS_CHANNEL_PREFIX", "carbonexchange"),
		OutboxDir:            getStr("OUTBOX_DIR", "data/outbox"),
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"EXPIRATION_INTERVAL", 1 * time.Second, &cfg.ExpirationInterval},
		{"WEBHOOK_TIMEOUT", 5 * time.Second, &cfg.WebhookTimeout},
		{"VWAP_WINDOW", 5 * time.Minute, &cfg.VWAPWindow},
		{"READ_TIMEOUT", 5 * time.Second, &cfg.ReadTimeout},
		{"WRITE_TIMEOUT", 10 * time.Second, &cfg.WriteTimeout},
		{"IDLE_TIMEOUT", 60 * time.Second, &cfg.IdleTimeout},
		{"SHUTDOWN_TIMEOUT", 10 * time.Second, &cfg.ShutdownTimeout},
		{"LOCK_TIMEOUT", 5 * time.Second, &cfg.LockTimeout},
		{"OUTBOX_INTERVAL", 1 * time.Second, &cfg.OutboxInterval},
	}
	for _, d := range durations {
		v, err := getDuration(d.key, d.def)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("invalid %s: must not be negative", d.key)
		}
		*d.dst = v
	}

	if cfg.EventBuffer, err = getInt("EVENT_BUFFER", 1024); err != nil {
		return nil, fmt.Errorf("invalid EVENT_BUFFER: %w", err)
	}
	if cfg.EventBuffer < 1 {
		return nil, fmt.Errorf("invalid EVENT_BUFFER: must be at least 1")
	}

	if cfg.OutboxMaxRetries, err = getInt("OUTBOX_MAX_RETRIES", 10); err != nil {
		return nil, fmt.Errorf("invalid OUTBOX_MAX_RETRIES: %w", err)
	}
	if cfg.OutboxMaxRetries < 0 {
		return nil, fmt.Errorf("invalid OUTBOX_MAX_RETRIES: must not be negative")
	}

	switch cfg.StorageDriver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if cfg.DatabaseDSN == "" {
			return nil, fmt.Errorf("DATABASE_DSN is required for STORAGE_DRIVER=%s", cfg.StorageDriver)
		}
	default:
		return nil, fmt.Errorf("invalid STORAGE_DRIVER: %q, must be one of: memory, postgres, sqlite", cfg.StorageDriver)
	}

	return cfg, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

// getList splits a comma-separated variable, dropping empty items.
func getList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
