package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestWorkerEndpoint(t *testing.T) {
	cfg := Default()
	cfg.WorkerHost = "10.0.0.5"
	cfg.WorkerPort = 8089
	assert.Equal(t, "http://10.0.0.5:8089", cfg.WorkerEndpoint())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port too low", func(c *Config) { c.WorkerPort = 0 }},
		{"port too high", func(c *Config) { c.WorkerPort = 70000 }},
		{"empty host", func(c *Config) { c.WorkerHost = "" }},
		{"bad db url", func(c *Config) { c.OrchestratorDBURL = "://not-a-url" }},
		{"non-positive scheduler interval", func(c *Config) { c.SchedulerInterval = 0 }},
		{"non-positive migrate timeout", func(c *Config) { c.MigrateHTTPTimeout = -time.Second }},
		{"non-positive startup timeout", func(c *Config) { c.WorkerStartupTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadWithoutConfigFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().WorkerPort, cfg.WorkerPort)
	assert.Equal(t, Default().Logging.Level, cfg.Logging.Level)
}
