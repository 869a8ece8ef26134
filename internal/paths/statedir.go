// Package paths provides path resolution for the per-project local-state
// directory used by devloop.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// StateDirName is the name of the project-local state directory.
const StateDirName = ".devloop"

// StateDir describes the layout of a project's .devloop directory.
// It holds the session lock, per-process log captures, the sidecar
// runtime-state file, the history database, and exported traces.
type StateDir struct {
	Root string
}

// Resolve normalizes a project path and returns its state directory layout.
//   - "/path/to/project"          -> "/path/to/project/.devloop"
//   - "/path/to/project/.devloop" -> "/path/to/project/.devloop"
//   - ""                          -> "./.devloop"
func Resolve(projectPath string) StateDir {
	if projectPath == "" {
		projectPath = "."
	}
	projectPath = filepath.Clean(projectPath)

	if filepath.Base(projectPath) == StateDirName {
		return StateDir{Root: projectPath}
	}
	return StateDir{Root: filepath.Join(projectPath, StateDirName)}
}

// Ensure creates the state directory tree if it does not exist.
func (s StateDir) Ensure() error {
	if err := os.MkdirAll(s.LogDir(), 0750); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	return nil
}

// LockFile is the exclusive session lock path.
func (s StateDir) LockFile() string {
	return filepath.Join(s.Root, "devloop.lock")
}

// LogDir holds one capture file per supervised process, overwritten per
// session.
func (s StateDir) LogDir() string {
	return filepath.Join(s.Root, "logs")
}

// SessionLog is the orchestrator's own structured log file.
func (s StateDir) SessionLog() string {
	return filepath.Join(s.LogDir(), "devloop.log")
}

// ProcessLog returns the capture file path for a named process.
func (s StateDir) ProcessLog(name string) string {
	return filepath.Join(s.LogDir(), name+".log")
}

// RuntimeStateFile records whether the sidecar runtime is initialized.
func (s StateDir) RuntimeStateFile() string {
	return filepath.Join(s.Root, "runtime-state.yaml")
}

// HistoryDB is the session/report history database.
func (s StateDir) HistoryDB() string {
	return filepath.Join(s.Root, "history.db")
}

// TraceFile is the default JSONL trace export target.
func (s StateDir) TraceFile() string {
	return filepath.Join(s.Root, "traces", "traces.jsonl")
}

// ConfigFile is the project-local config file path.
func (s StateDir) ConfigFile() string {
	return filepath.Join(s.Root, "config.yaml")
}
