package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_AreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.ResetTimeout)
	assert.Equal(t, 25, cfg.Scheduler.QueueCapacity)
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 1, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Len(t, cfg.Providers, 2)
	assert.Equal(t, "openai", cfg.Providers[0].Name)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestParse_OverridesKeepOtherDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
providers:
  - name: primary
    kind: openai
    model: gpt-4o-mini
  - name: backup
    kind: Anthropic
    model: claude-3-5-sonnet
    enabled: false
scheduler:
  base_interval: 5s
  max_attempts: 2
store:
  backend: sqlite
  path: data/kv.db
  quota_bytes: 1048576
log:
  level: debug
`))
	require.NoError(t, err)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "OPENAI_API_KEY", cfg.Providers[0].APIKeyEnv)
	assert.Equal(t, KindAnthropic, cfg.Providers[1].Kind)
	assert.Equal(t, "ANTHROPIC_API_KEY", cfg.Providers[1].APIKeyEnv)
	assert.Equal(t, 60*time.Second, cfg.Providers[1].Timeout)
	assert.True(t, cfg.Providers[0].IsEnabled())
	assert.False(t, cfg.Providers[1].IsEnabled())
	assert.True(t, cfg.Providers[1].HasVision())

	assert.Equal(t, 5*time.Second, cfg.Scheduler.BaseInterval)
	assert.Equal(t, 2, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 25, cfg.Scheduler.QueueCapacity, "untouched keys keep defaults")
	assert.Equal(t, int64(1048576), cfg.Store.QuotaBytes)
	assert.Equal(t, 0.8, cfg.Store.LowWater)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown kind":       "providers:\n  - name: x\n    kind: gemini\n",
		"duplicate provider": "providers:\n  - {name: a, kind: openai}\n  - {name: a, kind: anthropic}\n",
		"no providers":       "providers: []\n",
		"bad backend":        "store:\n  backend: redis\n",
		"file without path":  "store:\n  backend: file\n",
		"journal no path":    "journal:\n  enabled: true\n",
		"zero threshold":     "breaker:\n  failure_threshold: 0\n",
		"unknown field":      "schedulerz:\n  x: 1\n",
		"bad level":          "log:\n  level: loud\n",
		"bad yaml":           "scheduler: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("ORCH_TEST_KEY=sk-from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ORCH_TEST_KEY") })

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
providers:
  - name: gw
    kind: openai
    api_key_env: ORCH_TEST_KEY
    base_url: http://localhost:8080/v1
`), 0o644))

	LoadEnv(envPath, filepath.Join(dir, "missing.env"))
	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-dotenv", cfg.Providers[0].APIKey())

	_, err = Load(filepath.Join(dir, "nope.yaml"))
	assert.Error(t, err)
}
