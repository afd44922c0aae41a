// Package config reads the KASHCAL_* environment into typed settings with
// defaults matching the sync contract's constants.
package config

import (
	"os"
	"strconv"
	"time"
)

type StorageConfig struct {
	// Path is the sqlite database file.
	Path string
}

type SyncConfig struct {
	HorizonFuture         time.Duration
	HorizonPast           time.Duration
	MaxParallelPerAccount int
	ReminderLookahead     time.Duration
}

type Config struct {
	LogLevel string
	Storage  StorageConfig
	Sync     SyncConfig
}

func Load() Config {
	return Config{
		LogLevel: getenv("KASHCAL_LOG_LEVEL", "info"),
		Storage: StorageConfig{
			Path: getenv("KASHCAL_DB_PATH", "kashcal.db"),
		},
		Sync: SyncConfig{
			HorizonFuture:         getenvDuration("KASHCAL_HORIZON_FUTURE", 2*365*24*time.Hour),
			HorizonPast:           getenvDuration("KASHCAL_HORIZON_PAST", 365*24*time.Hour),
			MaxParallelPerAccount: getenvInt("KASHCAL_MAX_PARALLEL_PER_ACCOUNT", 3),
			ReminderLookahead:     getenvDuration("KASHCAL_REMINDER_LOOKAHEAD", 48*time.Hour),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
