package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "environment: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Environment)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.BackoffBase)
	assert.Equal(t, 10, cfg.Scheduler.BackoffMaxExponent)
	assert.Equal(t, "all", cfg.Scheduler.Universe)
	assert.Equal(t, "sqlite", cfg.Warehouse.Driver)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.BackoffPolicy().BaseDelay)
	assert.Equal(t, 10, cfg.Scheduler.BackoffPolicy().MaxExponent)
	assert.Equal(t, "postgres://postgres:@localhost:5432/cohorts?sslmode=disable", cfg.PostgresDSN())
}

func TestLoadConfig_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  interval: 30s
  concurrency: 8
  universe: persons
warehouse:
  driver: clickhouse
  dsn: clickhouse://localhost:9000/default
auth:
  issuer: https://id.example.com/oauth2/default/
  client_id: cohortd
`)
	t.Setenv("COHORTD_SCHEDULER_CONCURRENCY", "2")
	t.Setenv("COHORTD_REDIS_URL", "redis://cache:6379/1")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 2, cfg.Scheduler.Concurrency)
	assert.Equal(t, "persons", cfg.Scheduler.Universe)
	assert.Equal(t, "clickhouse", cfg.Warehouse.Driver)
	assert.Equal(t, "redis://cache:6379/1", cfg.Redis.URL)
	assert.Equal(t, "https://id.example.com/oauth2/default", cfg.Auth.Issuer)
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"zero concurrency", "scheduler:\n  concurrency: 0\n", "scheduler.concurrency"},
		{"zero gc cadence", "scheduler:\n  gc_every_n_cycles: 0\n", "gc_every_n_cycles"},
		{"unknown universe", "scheduler:\n  universe: everyone\n", "scheduler.universe"},
		{"unknown driver", "warehouse:\n  driver: oracle\n", "warehouse.driver"},
		{"lock ttl within job timeout", "scheduler:\n  job_timeout: 15m\n  lock_ttl: 15m\n", "scheduler.lock_ttl (15m0s) must exceed"},
		{"issuer without client", "auth:\n  issuer: https://id.example.com\n", "auth.client_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
