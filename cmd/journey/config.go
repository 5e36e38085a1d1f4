package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all journey server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string `json:"db_path"`
	LogLevel       string `json:"log_level"`
	PoolSize       int    `json:"pool_size"`
	SweepInterval  string `json:"sweep_interval"`
	CronInterval   string `json:"cron_interval"`
	GatewayTimeout string `json:"gateway_timeout"`
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(journeyDir(), "journey.db"),
		LogLevel:       "info",
		PoolSize:       10,
		SweepInterval:  "5s",
		CronInterval:   "60s",
		GatewayTimeout: "30s",
	}
}

func journeyDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".journey"
	}
	return filepath.Join(home, ".journey")
}

func settingsPath() string {
	return filepath.Join(journeyDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("JOURNEY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("JOURNEY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("JOURNEY_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("JOURNEY_SWEEP_INTERVAL"); v != "" {
		cfg.SweepInterval = v
	}
	if v := os.Getenv("JOURNEY_CRON_INTERVAL"); v != "" {
		cfg.CronInterval = v
	}
	if v := os.Getenv("JOURNEY_GATEWAY_TIMEOUT"); v != "" {
		cfg.GatewayTimeout = v
	}

	return cfg
}

// duration parses a config duration string, falling back when it is invalid.
func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
