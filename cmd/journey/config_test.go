package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.NotEmpty(t, cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.PoolSize)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("JOURNEY_DB_PATH", "/tmp/custom.db")
	t.Setenv("JOURNEY_LOG_LEVEL", "debug")
	t.Setenv("JOURNEY_POOL_SIZE", "32")
	t.Setenv("JOURNEY_SWEEP_INTERVAL", "250ms")

	cfg := loadConfig()
	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 32, cfg.PoolSize)
	assert.Equal(t, "250ms", cfg.SweepInterval)
}

func TestEnvOverrideIgnoresInvalidPoolSize(t *testing.T) {
	t.Setenv("JOURNEY_POOL_SIZE", "not-a-number")
	cfg := loadConfig()
	assert.Equal(t, 10, cfg.PoolSize)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, duration("5s", time.Minute))
	assert.Equal(t, time.Minute, duration("bogus", time.Minute))
	assert.Equal(t, time.Minute, duration("-3s", time.Minute))
}
