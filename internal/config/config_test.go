package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosstalk-dev/crosstalk/internal/typ"
)

func TestNewWithDirCreatesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := NewWithDir(dir)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.GetServer().Host)
	assert.Equal(t, 8787, cfg.GetServer().Port)
	assert.Equal(t, "127.0.0.1:8787", cfg.GetServer().Addr())
	assert.Empty(t, cfg.ListBackends())
	assert.False(t, cfg.GetAuth().Enabled)
	assert.NotEmpty(t, cfg.JWTSecret(), "a signing secret is minted on first run")
	assert.True(t, cfg.GetMetrics().Enabled)

	_, err = os.Stat(filepath.Join(dir, "config.json"))
	require.NoError(t, err, "default config file is written")
}

func TestBackendCRUD(t *testing.T) {
	cfg, err := NewWithDir(t.TempDir())
	require.NoError(t, err)

	be := &typ.Backend{
		Name:    "openrouter",
		BaseURL: "https://openrouter.ai/api/v1",
		Token:   "sk-or-xxx",
		Enabled: true,
	}
	require.NoError(t, cfg.AddBackend(be))
	assert.NotEmpty(t, be.UUID, "UUID is minted on add")

	t.Run("duplicate name rejected", func(t *testing.T) {
		err := cfg.AddBackend(&typ.Backend{Name: "openrouter", BaseURL: "https://x"})
		assert.Error(t, err)
	})

	t.Run("lookup by uuid and name", func(t *testing.T) {
		byUUID, err := cfg.GetBackendByUUID(be.UUID)
		require.NoError(t, err)
		assert.Equal(t, "openrouter", byUUID.Name)

		byName, err := cfg.GetBackendByName("openrouter")
		require.NoError(t, err)
		assert.Equal(t, be.UUID, byName.UUID)

		resolved, err := cfg.ResolveBackend("openrouter")
		require.NoError(t, err)
		assert.Equal(t, be.UUID, resolved.UUID)
	})

	t.Run("update", func(t *testing.T) {
		updated := *be
		updated.Model = "gpt-4o"
		require.NoError(t, cfg.UpdateBackend(be.UUID, &updated))

		got, err := cfg.GetBackendByUUID(be.UUID)
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o", got.Model)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, cfg.DeleteBackend(be.UUID))
		_, err := cfg.GetBackendByUUID(be.UUID)
		assert.Error(t, err)
		assert.Error(t, cfg.DeleteBackend(be.UUID))
	})
}

func TestConfigPersistence(t *testing.T) {
	dir := t.TempDir()

	cfg, err := NewWithDir(dir)
	require.NoError(t, err)
	require.NoError(t, cfg.AddBackend(&typ.Backend{
		Name:    "local",
		BaseURL: "http://127.0.0.1:8080/v1",
		Enabled: true,
		Capabilities: typ.Capabilities{
			SupportsTools: true,
			DropTopK:      true,
		},
	}))
	require.NoError(t, cfg.SetRoutes([]typ.Route{{Pattern: "claude-*", BackendUUID: "local"}}))
	require.NoError(t, cfg.SetVerbose(true))

	reloaded, err := NewWithDir(dir)
	require.NoError(t, err)

	backends := reloaded.ListBackends()
	require.Len(t, backends, 1)
	assert.Equal(t, "local", backends[0].Name)
	assert.True(t, backends[0].Capabilities.DropTopK)

	routes := reloaded.GetRoutes()
	require.Len(t, routes, 1)
	assert.Equal(t, "claude-*", routes[0].Pattern)
	assert.True(t, reloaded.GetVerbose())
	assert.Equal(t, cfg.JWTSecret(), reloaded.JWTSecret(), "secret survives reload")
}

func TestYAMLConfigByExtension(t *testing.T) {
	dir := t.TempDir()
	yamlFile := filepath.Join(dir, "config.yaml")
	yamlBody := `
server:
  host: 0.0.0.0
  port: 9900
backends:
  - name: groq
    base_url: https://api.groq.com/openai/v1
    token: gsk-test
    enabled: true
routes:
  - pattern: "claude-3*"
    backend_uuid: groq
record:
  enabled: true
  filter: 'StatusCode >= 400'
`
	require.NoError(t, os.WriteFile(yamlFile, []byte(yamlBody), 0644))

	// NewWithDir must pick the YAML file up instead of creating config.json.
	cfg, err := NewWithDir(dir)
	require.NoError(t, err)
	assert.Equal(t, yamlFile, cfg.ConfigFile)
	assert.Equal(t, 9900, cfg.GetServer().Port)

	backends := cfg.ListBackends()
	require.Len(t, backends, 1)
	assert.Equal(t, "groq", backends[0].Name)
	assert.NotEmpty(t, backends[0].UUID, "UUIDs are minted for hand-written backends")
	assert.Equal(t, "StatusCode >= 400", cfg.GetRecord().Filter)

	// Saving keeps the YAML format.
	require.NoError(t, cfg.SetVerbose(true))
	data, err := os.ReadFile(yamlFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "verbose: true")
	assert.False(t, json.Valid(data))
}

func TestDerivedPaths(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewWithDir(dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "traces"), cfg.TraceDir())
	assert.Equal(t, filepath.Join(dir, "usage.db"), cfg.UsageDatabase())
	assert.Equal(t, 30, cfg.MetricsInterval())

	cfg.Record.Dir = "/tmp/elsewhere"
	cfg.Metrics.Database = "/tmp/usage.db"
	cfg.Metrics.IntervalSeconds = 5
	assert.Equal(t, "/tmp/elsewhere", cfg.TraceDir())
	assert.Equal(t, "/tmp/usage.db", cfg.UsageDatabase())
	assert.Equal(t, 5, cfg.MetricsInterval())
}

func TestInvalidConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(file, []byte("{not json"), 0644))

	_, err := NewWithFile(file)
	assert.Error(t, err)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewWithDir(dir)
	require.NoError(t, err)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	reloaded := make(chan *Config, 1)
	w.AddCallback(func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})

	// Rewrite the file out of band, the way an operator editing it would.
	time.Sleep(10 * time.Millisecond)
	edited := `{"server":{"host":"127.0.0.1","port":9999},"backends":[],"record":{"enabled":false},"metrics":{"enabled":true},"auth":{"enabled":false,"secret":"s"}}`
	require.NoError(t, os.WriteFile(cfg.ConfigFile, []byte(edited), 0644))

	select {
	case c := <-reloaded:
		assert.Equal(t, 9999, c.GetServer().Port)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop(), "second stop is a no-op")
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewWithDir(dir)
	require.NoError(t, err)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	fired := make(chan struct{}, 1)
	w.AddCallback(func(*Config) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	select {
	case <-fired:
		t.Fatal("unrelated file triggered a reload")
	case <-time.After(debounceDelay + 200*time.Millisecond):
	}
}
