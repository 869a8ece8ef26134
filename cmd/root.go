// Package cmd wires the devloop CLI: flag parsing, config resolution and
// the run/test/history subcommands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"devloop/internal/config"
	"devloop/internal/errs"
	"devloop/internal/log"
	"devloop/internal/paths"
	"devloop/internal/preflight"
	"devloop/internal/tracing"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	traceFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "devloop",
	Short: "Local-development orchestrator for engine, sidecar and app",
	Long: `devloop supervises the local development stack: it brings up the
workflow engine and the sidecar runtime, health-gates them, runs your
application with hot reload, and drives unit and e2e test loops against
the live stack.

State lives under .devloop/ in the project directory: process logs, the
session lock, run history and traces.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: <path>/.devloop/config.yaml)")
	rootCmd.PersistentFlags().StringP("path", "p", "",
		"project directory (default: current directory)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&traceFlag, "trace", false,
		"enable phase tracing for this invocation")

	_ = viper.BindPFlag("path", rootCmd.PersistentFlags().Lookup("path"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("hot_reload", defaults.HotReload)
	viper.SetDefault("app.command", defaults.App.Command)
	viper.SetDefault("app.port", defaults.App.Port)
	viper.SetDefault("app.health_path", defaults.App.HealthPath)
	viper.SetDefault("app.ready_interval", defaults.App.ReadyInterval)
	viper.SetDefault("app.ready_timeout", defaults.App.ReadyTimeout)
	viper.SetDefault("app.stop_grace", defaults.App.StopGrace)
	viper.SetDefault("engine.binary", defaults.Engine.Binary)
	viper.SetDefault("engine.args", defaults.Engine.Args)
	viper.SetDefault("engine.port", defaults.Engine.Port)
	viper.SetDefault("engine.health_path", defaults.Engine.HealthPath)
	viper.SetDefault("engine.ready_interval", defaults.Engine.ReadyInterval)
	viper.SetDefault("engine.ready_timeout", defaults.Engine.ReadyTimeout)
	viper.SetDefault("engine.stop_grace", defaults.Engine.StopGrace)
	viper.SetDefault("sidecar.binary", defaults.Sidecar.Binary)
	viper.SetDefault("sidecar.args", defaults.Sidecar.Args)
	viper.SetDefault("sidecar.port", defaults.Sidecar.Port)
	viper.SetDefault("sidecar.health_path", defaults.Sidecar.HealthPath)
	viper.SetDefault("sidecar.ready_interval", defaults.Sidecar.ReadyInterval)
	viper.SetDefault("sidecar.ready_timeout", defaults.Sidecar.ReadyTimeout)
	viper.SetDefault("sidecar.stop_grace", defaults.Sidecar.StopGrace)
	viper.SetDefault("sidecar.config_artifact", defaults.Sidecar.ConfigArtifact)
	viper.SetDefault("watcher.debounce", defaults.Watcher.Debounce)
	viper.SetDefault("watcher.ignore", defaults.Watcher.Ignore)
	viper.SetDefault("test.unit_command", defaults.Test.UnitCommand)
	viper.SetDefault("test.e2e_command", defaults.Test.E2ECommand)
	viper.SetDefault("test.fail_fast", defaults.Test.FailFast)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("history.enabled", defaults.History.Enabled)
	viper.SetDefault("history.keep", defaults.History.Keep)

	// DEVLOOP_APP_PORT overrides app.port, and so on.
	viper.SetEnvPrefix("DEVLOOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	projectPath := viper.GetString("path")
	if projectPath == "" {
		projectPath = "."
	}

	home, _ := os.UserHomeDir()
	viper.SetConfigFile(resolveConfigFile(cfgFile, projectPath, home))

	if err := viper.ReadInConfig(); err != nil {
		if os.IsNotExist(err) && cfgFile == "" {
			defaultPath := filepath.Join(projectPath, paths.StateDirName, "config.yaml")
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, continue with defaults only
		}
	}

	_ = viper.Unmarshal(&cfg)
	cfg.Path = projectPath
}

// resolveConfigFile picks the config file to load: the explicit --config
// path wins, then the project-local .devloop/config.yaml, then the
// user-level ~/.config/devloop/config.yaml. When none exists yet the
// project-local path is returned so a default can be written there.
func resolveConfigFile(explicit, projectPath, home string) string {
	if explicit != "" {
		return explicit
	}
	local := filepath.Join(projectPath, paths.StateDirName, "config.yaml")
	if _, err := os.Stat(local); err == nil {
		return local
	}
	if home != "" {
		user := filepath.Join(home, ".config", "devloop", "config.yaml")
		if _, err := os.Stat(user); err == nil {
			return user
		}
	}
	return local
}

// streamLogs mirrors formatted log entries to w until ctx ends. Used
// with --debug so orchestrator logs show up live instead of only in the
// session log file.
func streamLogs(ctx context.Context, w io.Writer) {
	entries := log.Subscribe(ctx)
	if entries == nil {
		return
	}
	go func() {
		for ev := range entries {
			_, _ = io.WriteString(w, ev.Payload)
		}
	}()
}

// setup performs the shared bring-up for run and test: state directory,
// logging, tracing and preflight. The returned cleanup closes the session
// log; callers own the provider shutdown separately.
func setup() (paths.StateDir, *tracing.Provider, func(), error) {
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return paths.StateDir{}, nil, nil, fmt.Errorf("resolving project path: %w", err)
	}
	cfg.Path = abs

	if err := config.Validate(cfg); err != nil {
		return paths.StateDir{}, nil, nil, err
	}

	sd := paths.Resolve(cfg.Path)
	if err := sd.Ensure(); err != nil {
		return paths.StateDir{}, nil, nil, fmt.Errorf("preparing state directory: %w", err)
	}

	cleanup, err := log.Init(sd.SessionLog())
	if err != nil {
		return paths.StateDir{}, nil, nil, fmt.Errorf("initializing logging: %w", err)
	}
	if !debugFlag {
		log.SetMinLevel(log.LevelInfo)
	}

	tcfg := cfg.Tracing
	if traceFlag {
		tcfg.Enabled = true
	}
	provider, err := tracing.NewProvider(tcfg, sd.TraceFile())
	if err != nil {
		cleanup()
		return paths.StateDir{}, nil, nil, fmt.Errorf("initializing tracing: %w", err)
	}

	return sd, provider, cleanup, nil
}

// runPreflight checks binaries and runtime state before anything starts.
func runPreflight(sd paths.StateDir) error {
	checker := preflight.NewChecker()
	blockers := checker.Check(cfg, sd.RuntimeStateFile())
	if len(blockers) > 0 {
		return &errs.EnvironmentError{Blockers: blockers}
	}
	return nil
}

// Execute runs the root command. The returned error drives the process
// exit code in main.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
