// Package runtimestate persists whether the sidecar runtime has been
// initialized for a project. The preflight checker consults it; only the
// dependency supervisor's recovery path mutates it.
package runtimestate

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// State is the on-disk record for the sidecar runtime.
type State struct {
	Initialized   bool      `yaml:"initialized"`
	InitializedAt time.Time `yaml:"initialized_at"`
	// Resets counts recovery-driven re-initializations across sessions.
	Resets int `yaml:"resets"`
}

// Load reads the state file. A missing file returns (nil, nil): the
// runtime has never been initialized for this project.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is under the project state dir
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading runtime state: %w", err)
	}

	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing runtime state: %w", err)
	}
	return &st, nil
}

// Save writes the state file, creating parent directories as needed.
func Save(path string, st State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding runtime state: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing runtime state: %w", err)
	}
	return nil
}

// Reset rewrites the state as freshly initialized, preserving the reset
// count across recoveries. Called only by the dependency supervisor's
// single bounded recovery cycle.
func Reset(path string) (State, error) {
	prev, err := Load(path)
	if err != nil {
		return State{}, err
	}

	st := State{
		Initialized:   true,
		InitializedAt: time.Now(),
	}
	if prev != nil {
		st.Resets = prev.Resets + 1
	} else {
		st.Resets = 1
	}

	if err := Save(path, st); err != nil {
		return State{}, err
	}
	return st, nil
}
