// Package config provides configuration types and defaults for devloop.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"devloop/internal/log"
)

// AppConfig describes the target application process.
type AppConfig struct {
	// Command is the argv used to launch the application.
	Command []string `mapstructure:"command"`
	// Port the application serves on. Overridable via DEVLOOP_APP_PORT.
	Port int `mapstructure:"port"`
	// HealthPath is the readiness endpoint path polled during e2e runs.
	HealthPath string `mapstructure:"health_path"`
	// ReadyInterval and ReadyTimeout bound the application health gate.
	// Application startup includes user code, so the timeout is longer
	// than the dependency timeouts.
	ReadyInterval time.Duration `mapstructure:"ready_interval"`
	ReadyTimeout  time.Duration `mapstructure:"ready_timeout"`
	// StopGrace is how long a graceful termination may take before the
	// process is force-killed.
	StopGrace time.Duration `mapstructure:"stop_grace"`
}

// HealthURL returns the application readiness URL.
func (a AppConfig) HealthURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", a.Port, a.HealthPath)
}

// DependencyConfig describes one member of the dependency set.
type DependencyConfig struct {
	// Binary is the executable name resolved on PATH.
	Binary string `mapstructure:"binary"`
	// Args are passed to the binary.
	Args []string `mapstructure:"args"`
	// Port the dependency serves on. Overridable via env.
	Port int `mapstructure:"port"`
	// HealthPath is the dependency readiness endpoint path.
	HealthPath string `mapstructure:"health_path"`
	// ReadyInterval and ReadyTimeout bound the dependency health gate.
	ReadyInterval time.Duration `mapstructure:"ready_interval"`
	ReadyTimeout  time.Duration `mapstructure:"ready_timeout"`
	StopGrace     time.Duration `mapstructure:"stop_grace"`
}

// HealthURL returns the dependency readiness URL.
func (d DependencyConfig) HealthURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", d.Port, d.HealthPath)
}

// SidecarConfig extends DependencyConfig with the local runtime state the
// preflight checker inspects. Binary presence alone is not sufficient for
// the sidecar: a missing or stale runtime config reliably causes start
// failures later.
type SidecarConfig struct {
	DependencyConfig `mapstructure:",squash"`
	// ConfigArtifact is the runtime configuration file the sidecar needs.
	// Empty means the project-local runtime-state file is authoritative.
	ConfigArtifact string `mapstructure:"config_artifact"`
}

// WatcherConfig controls the hot-reload file watcher.
type WatcherConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
	// Ignore lists directory names excluded from watching.
	Ignore []string `mapstructure:"ignore"`
	// Extensions limits change detection to these file suffixes.
	// Empty means every file counts.
	Extensions []string `mapstructure:"extensions"`
}

// TestConfig controls the test loop.
type TestConfig struct {
	UnitCommand []string `mapstructure:"unit_command"`
	E2ECommand  []string `mapstructure:"e2e_command"`
	FailFast    bool     `mapstructure:"fail_fast"`
	Coverage    bool     `mapstructure:"coverage"`
	Verbose     bool     `mapstructure:"verbose"`
}

// TracingConfig mirrors tracing.Config for viper unmarshalling.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"`
	FilePath     string  `mapstructure:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Config holds all configuration for one devloop invocation.
// It is constructed once in cmd and passed into every component;
// nothing mutates it afterwards.
type Config struct {
	Path      string           `mapstructure:"path"`
	HotReload bool             `mapstructure:"hot_reload"`
	App       AppConfig        `mapstructure:"app"`
	Engine    DependencyConfig `mapstructure:"engine"`
	Sidecar   SidecarConfig    `mapstructure:"sidecar"`
	Watcher   WatcherConfig    `mapstructure:"watcher"`
	Test      TestConfig       `mapstructure:"test"`
	Tracing   TracingConfig    `mapstructure:"tracing"`
	History   HistoryConfig    `mapstructure:"history"`
}

// HistoryConfig controls the session history store.
type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Keep caps how many sessions are retained; older rows are pruned.
	Keep int `mapstructure:"keep"`
}

// Defaults returns the configuration used when no config file exists.
func Defaults() Config {
	return Config{
		HotReload: true,
		App: AppConfig{
			Command:       []string{"go", "run", "."},
			Port:          8080,
			HealthPath:    "/healthz",
			ReadyInterval: 500 * time.Millisecond,
			ReadyTimeout:  60 * time.Second,
			StopGrace:     5 * time.Second,
		},
		Engine: DependencyConfig{
			Binary:        "temporal",
			Args:          []string{"server", "start-dev", "--headless"},
			Port:          8233,
			HealthPath:    "/health",
			ReadyInterval: 250 * time.Millisecond,
			ReadyTimeout:  20 * time.Second,
			StopGrace:     5 * time.Second,
		},
		Sidecar: SidecarConfig{
			DependencyConfig: DependencyConfig{
				Binary:        "dapr",
				Args:          []string{"run", "--app-id", "devloop"},
				Port:          3500,
				HealthPath:    "/v1.0/healthz",
				ReadyInterval: 250 * time.Millisecond,
				ReadyTimeout:  20 * time.Second,
				StopGrace:     5 * time.Second,
			},
			ConfigArtifact: defaultSidecarConfigArtifact(),
		},
		Watcher: WatcherConfig{
			Debounce:   500 * time.Millisecond,
			Ignore:     []string{".git", ".devloop", "node_modules", "vendor"},
			Extensions: nil,
		},
		Test: TestConfig{
			UnitCommand: []string{"go", "test", "./..."},
			E2ECommand:  []string{"go", "test", "-tags", "e2e", "./e2e/..."},
			FailFast:    true,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		History: HistoryConfig{
			Enabled: true,
			Keep:    100,
		},
	}
}

func defaultSidecarConfigArtifact() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".dapr", "config.yaml")
}

// Validate rejects configurations that cannot possibly run.
func Validate(cfg Config) error {
	if len(cfg.App.Command) == 0 {
		return fmt.Errorf("app.command must not be empty")
	}
	if cfg.Engine.Binary == "" {
		return fmt.Errorf("engine.binary must not be empty")
	}
	if cfg.Sidecar.Binary == "" {
		return fmt.Errorf("sidecar.binary must not be empty")
	}
	if cfg.App.ReadyTimeout <= 0 || cfg.Engine.ReadyTimeout <= 0 || cfg.Sidecar.ReadyTimeout <= 0 {
		return fmt.Errorf("readiness timeouts must be positive")
	}
	return nil
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}

// DefaultConfigTemplate returns the commented YAML written on first run.
func DefaultConfigTemplate() string {
	return `# devloop configuration
#
# Every value here can also be set via flags or DEVLOOP_* environment
# variables. Ports are read once at bring-up; there is no runtime
# reconfiguration.

# Automatically restart the application when source files change.
hot_reload: true

app:
  command: ["go", "run", "."]
  port: 8080                # DEVLOOP_APP_PORT
  health_path: /healthz
  ready_interval: 500ms
  ready_timeout: 60s        # app startup includes user code
  stop_grace: 5s

# The durable-execution workflow engine.
engine:
  binary: temporal
  args: ["server", "start-dev", "--headless"]
  port: 8233                # DEVLOOP_ENGINE_PORT
  health_path: /health
  ready_interval: 250ms
  ready_timeout: 20s
  stop_grace: 5s

# The sidecar runtime providing state, secrets and pub/sub bindings.
sidecar:
  binary: dapr
  args: ["run", "--app-id", "devloop"]
  port: 3500                # DEVLOOP_SIDECAR_PORT
  health_path: /v1.0/healthz
  ready_interval: 250ms
  ready_timeout: 20s
  stop_grace: 5s
  # config_artifact: ~/.dapr/config.yaml

watcher:
  debounce: 500ms
  ignore: [".git", ".devloop", "node_modules", "vendor"]
  # extensions: [".go", ".yaml"]

test:
  unit_command: ["go", "test", "./..."]
  e2e_command: ["go", "test", "-tags", "e2e", "./e2e/..."]
  fail_fast: true

history:
  enabled: true
  keep: 100

# Tracing of session phases (preflight, bring-up, tests, shutdown).
# Exporters: none, file, stdout, otlp
# tracing:
#   enabled: true
#   exporter: file
#   sample_rate: 1.0
`
}
