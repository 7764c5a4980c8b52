package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 4096, cfg.Port)
	assert.Equal(t, 30000, cfg.RequestTimeoutMS)
	assert.Equal(t, 5000, cfg.CloseGraceMS)
}

func TestLoadGlobalConfigFile(t *testing.T) {
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)

	dir := filepath.Join(configHome, "sandboxagent")
	require.NoError(t, os.MkdirAll(dir, 0755))
	jsonc := `{
		// a trailing comment, because config.jsonc tolerates them
		"host": "0.0.0.0",
		"port": 9000
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.jsonc"), []byte(jsonc), 0644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
}

func TestLoadProjectConfigOverridesGlobal(t *testing.T) {
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)
	globalDir := filepath.Join(configHome, "sandboxagent")
	require.NoError(t, os.MkdirAll(globalDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "config.json"), []byte(`{"port": 1111}`), 0644))

	projectDir := t.TempDir()
	localDir := filepath.Join(projectDir, ".sandboxagent")
	require.NoError(t, os.MkdirAll(localDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(localDir, "config.json"), []byte(`{"port": 2222}`), 0644))

	cfg, err := Load(projectDir)
	require.NoError(t, err)
	assert.Equal(t, 2222, cfg.Port)
}

func TestEnvOverridesWinOverFiles(t *testing.T) {
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)
	dir := filepath.Join(configHome, "sandboxagent")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"port": 1111}`), 0644))

	t.Setenv("SANDBOXAGENT_PORT", "3333")
	t.Setenv("SANDBOXAGENT_TOKEN", "s3cr3t")
	t.Setenv("SANDBOXAGENT_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3333, cfg.Port)
	assert.Equal(t, "s3cr3t", cfg.BearerToken)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestOpenCodeCompatEnvOverrides(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("SANDBOXAGENT_OPENCODE_DB_PATH", "/tmp/sandboxagent.db")
	t.Setenv("SANDBOXAGENT_OPENCODE_RESTORE_K", "25")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/sandboxagent.db", cfg.OpenCode.DBPath)
	assert.Equal(t, 25, cfg.OpenCode.RestoreK)
}

func TestSaveAndReload(t *testing.T) {
	cfg := &Config{Host: "0.0.0.0", Port: 7777, BearerToken: "tok"}
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	require.NoError(t, Save(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var reloaded Config
	require.NoError(t, json.Unmarshal(data, &reloaded))
	assert.Equal(t, cfg.Host, reloaded.Host)
	assert.Equal(t, cfg.Port, reloaded.Port)
	assert.Equal(t, cfg.BearerToken, reloaded.BearerToken)
}

func TestDurationHelpersDefault(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, int64(30000), cfg.RequestTimeout().Milliseconds())
	assert.Equal(t, int64(5000), cfg.CloseGrace().Milliseconds())
}

func TestIsTruthy(t *testing.T) {
	assert.True(t, isTruthy("1"))
	assert.True(t, isTruthy("true"))
	assert.False(t, isTruthy("0"))
	assert.False(t, isTruthy(""))
}
