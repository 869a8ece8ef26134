package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestDefaults_AreValid(t *testing.T) {
	require.NoError(t, Validate(Defaults()))
}

func TestValidate_EmptyAppCommand(t *testing.T) {
	cfg := Defaults()
	cfg.App.Command = nil
	require.Error(t, Validate(cfg))
}

func TestValidate_MissingBinaries(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.Binary = ""
	require.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.Sidecar.Binary = ""
	require.Error(t, Validate(cfg))
}

func TestValidate_NonPositiveTimeout(t *testing.T) {
	cfg := Defaults()
	cfg.App.ReadyTimeout = 0
	require.Error(t, Validate(cfg))
}

func TestHealthURLs(t *testing.T) {
	cfg := Defaults()
	require.Equal(t, "http://127.0.0.1:8080/healthz", cfg.App.HealthURL())
	require.Equal(t, "http://127.0.0.1:8233/health", cfg.Engine.HealthURL())
	require.Equal(t, "http://127.0.0.1:3500/v1.0/healthz", cfg.Sidecar.HealthURL())
}

func TestWriteDefaultConfig_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".devloop", "config.yaml")

	require.NoError(t, WriteDefaultConfig(path))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	require.Equal(t, []string{"go", "run", "."}, cfg.App.Command)
	require.Equal(t, 8233, cfg.Engine.Port)
	require.Equal(t, "dapr", cfg.Sidecar.Binary)
	require.Equal(t, 500*time.Millisecond, cfg.Watcher.Debounce)
	require.True(t, cfg.HotReload)
	require.True(t, cfg.Test.FailFast)
	require.NoError(t, Validate(cfg))
}

func TestWriteDefaultConfig_CreatesParentDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))
}
