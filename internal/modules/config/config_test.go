package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	r := c.Runner()
	assert.Equal(t, 3, r.Engine.MaxConcurrent)
	assert.Equal(t, 4*time.Hour, r.Dedup.Cooldown)
	assert.InDelta(t, 1.6, r.Planner.StopVolMult, 1e-12)
}

func TestValidateCollectsProblems(t *testing.T) {
	c := Default()
	c.Engine.MaxConcurrent = 0
	c.Planner.MinUnits = 200000
	c.Storage.Driver = "mongo"
	c.Broker.Kind = "oanda"

	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.max_concurrent")
	assert.Contains(t, err.Error(), "planner.min_units")
	assert.Contains(t, err.Error(), `unknown storage.driver "mongo"`)
	assert.Contains(t, err.Error(), "OANDA_TOKEN")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AUTOTRADER_ENGINE_MAX_CONCURRENT", "5")
	t.Setenv("AUTOTRADER_DEDUP_COOLDOWN", "2h")
	t.Setenv("AUTOTRADER_PLANNER_RISK_PCT", "0.5")
	t.Setenv("AUTOTRADER_ENGINE_CLOSE_GHOSTS", "true")
	t.Setenv("AUTOTRADER_STORAGE_DRIVER", "sqlite")

	c := Default()
	c.applyEnv(newEnv())

	assert.Equal(t, 5, c.Engine.MaxConcurrent)
	assert.Equal(t, 2*time.Hour, c.Dedup.Cooldown)
	assert.InDelta(t, 0.5, c.Planner.RiskPct, 1e-12)
	assert.True(t, c.Engine.CloseGhosts)
	assert.Equal(t, "sqlite", c.Storage.Driver)
	// не заданное окружением не трогается
	assert.Equal(t, 10, c.Engine.MaxTradesPerDay)
}

func TestNewConfigReadsFileAndSecrets(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0o755))
	yml := `
storage:
  driver: memory
broker:
  kind: oanda
  account_id: 101-004-1-001
engine:
  tick_interval: 30s
  max_concurrent: 2
gate:
  correlation_groups:
    - [EUR_USD, GBP_USD]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "test.yaml"), []byte(yml), 0o644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("CONFIG_FILE", "test.yaml")
	t.Setenv("OANDA_TOKEN", "secret")

	c, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, "memory", c.Storage.Driver)
	assert.Equal(t, "secret", c.Broker.Token)
	assert.Equal(t, 30*time.Second, c.Engine.TickInterval)
	assert.Equal(t, 2, c.Engine.MaxConcurrent)
	assert.Equal(t, [][]string{{"EUR_USD", "GBP_USD"}}, c.Gate.CorrelationGroups)
	// не указанное в файле берётся из дефолтов
	assert.Equal(t, 4*time.Hour, c.Dedup.Cooldown)
}
