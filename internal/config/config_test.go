package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "config/specialties", cfg.CatalogDir)
	assert.Equal(t, 2, cfg.Pipeline.RetryBudget)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.StageTimeout)
	assert.Equal(t, 60*time.Second, cfg.Analysis.GenerationTimeout)
	assert.InDelta(t, 0.9, cfg.Analysis.FinalThreshold, 1e-9)
	assert.Equal(t, "memory", cfg.Sessions.Driver)
	assert.Equal(t, 168*time.Hour, cfg.Sessions.RedisTTL)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
port: "9000"
pipeline:
  retry_budget: 5
  stage_timeout: 10s
sessions:
  driver: redis
  redis_addr: redis:6379
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 5, cfg.Pipeline.RetryBudget)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.StageTimeout)
	assert.Equal(t, "redis", cfg.Sessions.Driver)
	assert.Equal(t, "redis:6379", cfg.Sessions.RedisAddr)
	// untouched keys keep their defaults
	assert.Equal(t, 4, cfg.Pipeline.Workers)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("APP_PORT", "7777")
	t.Setenv("APP_ANALYSIS_FINAL_THRESHOLD", "0.8")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "7777", cfg.Port)
	assert.InDelta(t, 0.8, cfg.Analysis.FinalThreshold, 1e-9)
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	dir := t.TempDir()
	yaml := `
analysis:
  final_threshold: 1.5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "final_threshold")
}
