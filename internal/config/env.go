package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays PGQ_* environment variables onto cfg. Unparseable values
// are ignored.
func FromEnv(cfg *Config) {
	if v := os.Getenv("PGQ_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("PGQ_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("PGQ_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PGQ_QUEUES"); v != "" {
		cfg.Queues = nil
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.Queues = append(cfg.Queues, p)
			}
		}
	}
	if v := os.Getenv("PGQ_PREFETCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Prefetch = n
		}
	}
	if v := os.Getenv("PGQ_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("PGQ_CONSUMER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ConsumerTimeout = d
		}
	}
	if v := os.Getenv("PGQ_RESULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ResultTTL = d
		}
	}
	if v := os.Getenv("PGQ_DEAD_LETTER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DeadLetter = b
		}
	}
	if v := os.Getenv("PGQ_CHANNEL_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ChannelExpiry = d
		}
	}
	if v := os.Getenv("PGQ_GROUP_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.GroupExpiry = d
		}
	}
}
