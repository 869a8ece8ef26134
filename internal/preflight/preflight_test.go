package preflight_test

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"devloop/internal/config"
	"devloop/internal/preflight"
	"devloop/internal/runtimestate"
)

func allPresent(string) (string, error) { return "/usr/bin/fake", nil }
func fileExists(string) error           { return nil }
func fileMissing(string) error          { return fmt.Errorf("no such file") }

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Sidecar.ConfigArtifact = "/home/dev/.dapr/config.yaml"
	return cfg
}

func TestCheck_AllReady(t *testing.T) {
	c := preflight.NewCheckerWithLookup(allPresent, fileExists)

	blockers := c.Check(testConfig(), filepath.Join(t.TempDir(), "runtime-state.yaml"))
	require.Empty(t, blockers)
}

func TestCheck_MissingBinaries(t *testing.T) {
	missing := func(bin string) (string, error) {
		if bin == "temporal" {
			return "", fmt.Errorf("not found")
		}
		return "/usr/bin/" + bin, nil
	}
	c := preflight.NewCheckerWithLookup(missing, fileExists)

	blockers := c.Check(testConfig(), filepath.Join(t.TempDir(), "runtime-state.yaml"))
	require.Len(t, blockers, 1)
	require.Equal(t, "temporal", blockers[0].Tool)
	require.False(t, blockers[0].Degraded)
}

func TestCheck_SidecarPresentWithoutConfigIsDegraded(t *testing.T) {
	c := preflight.NewCheckerWithLookup(allPresent, fileMissing)

	blockers := c.Check(testConfig(), filepath.Join(t.TempDir(), "runtime-state.yaml"))
	require.Len(t, blockers, 1)
	require.Equal(t, "dapr", blockers[0].Tool)
	require.True(t, blockers[0].Degraded)
}

func TestCheck_RuntimeStateFileSatisfiesSidecar(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "runtime-state.yaml")
	_, err := runtimestate.Reset(stateFile)
	require.NoError(t, err)

	// Config artifact missing, but the project runtime state says initialized
	c := preflight.NewCheckerWithLookup(allPresent, fileMissing)

	blockers := c.Check(testConfig(), stateFile)
	require.Empty(t, blockers)
}

func TestCheck_SidecarMissingBinaryReportedOnce(t *testing.T) {
	// When the binary itself is missing there is no degraded check on top
	missing := func(bin string) (string, error) {
		if bin == "dapr" {
			return "", fmt.Errorf("not found")
		}
		return "/usr/bin/" + bin, nil
	}
	c := preflight.NewCheckerWithLookup(missing, fileMissing)

	blockers := c.Check(testConfig(), filepath.Join(t.TempDir(), "runtime-state.yaml"))
	require.Len(t, blockers, 1)
	require.Equal(t, "dapr", blockers[0].Tool)
	require.False(t, blockers[0].Degraded)
}

func TestCheck_LookupsAreMemoized(t *testing.T) {
	var calls atomic.Int32
	counting := func(bin string) (string, error) {
		calls.Add(1)
		return "/usr/bin/" + bin, nil
	}
	c := preflight.NewCheckerWithLookup(counting, fileExists)

	stateFile := filepath.Join(t.TempDir(), "runtime-state.yaml")
	cfg := testConfig()
	first := calls.Load()
	c.Check(cfg, stateFile)
	afterFirst := calls.Load()
	c.Check(cfg, stateFile)

	require.Greater(t, afterFirst, first)
	require.Equal(t, afterFirst, calls.Load(), "second check should hit the cache")
}
