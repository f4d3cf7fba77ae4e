package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `
http:
  address: ":8080"
database:
  host: localhost
  port: 5432
  user: app
  password: secret
  name: retreat
  ssl_mode: disable
worker:
  resend_sweep_minutes: 10
  resend_batch_size: 25
`)

	cfg, err := LoadConfig(path)

	assert.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, "host=localhost port=5432 user=app password=secret dbname=retreat sslmode=disable", cfg.Database.DSN())
	assert.Equal(t, 10, cfg.Worker.ResendSweepMinutes)
	assert.Equal(t, 25, cfg.Worker.ResendBatchSize)
}

func TestLoadConfig_WorkerDefaults(t *testing.T) {
	// An unset sweep interval must not reach the worker as zero; a zero
	// ticker duration panics.
	path := writeConfigFile(t, `
http:
  address: ":8080"
`)

	cfg, err := LoadConfig(path)

	assert.NoError(t, err)
	assert.Equal(t, 5, cfg.Worker.ResendSweepMinutes)
	assert.Equal(t, 50, cfg.Worker.ResendBatchSize)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
