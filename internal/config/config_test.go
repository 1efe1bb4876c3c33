package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 0.4, cfg.Scheduler.WeightFree)
	assert.Equal(t, 100, cfg.Heartbeat.BatchSize)
	assert.Equal(t, 32, cfg.Heartbeat.ChannelCapacity)
	assert.Equal(t, 2, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 100, cfg.BufferPool.MaxPooled)
}

func TestApplyEnvOverrides(t *testing.T) {
	os.Setenv("SHARED_SECRET", "test-secret")
	os.Setenv("HEARTBEAT_BATCH_SIZE", "50")
	defer os.Unsetenv("SHARED_SECRET")
	defer os.Unsetenv("HEARTBEAT_BATCH_SIZE")

	cfg := &Config{}
	cfg.applyEnvOverrides()

	assert.Equal(t, "test-secret", cfg.Handshake.SharedSecret)
	assert.Equal(t, 50, cfg.Heartbeat.BatchSize)
}
