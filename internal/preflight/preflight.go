// Package preflight verifies the environment before any process is spawned:
// required binaries are discoverable, and the sidecar runtime is actually
// usable rather than merely installed. Checks are read-only and never
// retried automatically.
package preflight

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"devloop/internal/config"
	"devloop/internal/errs"
	"devloop/internal/log"
	"devloop/internal/runtimestate"
)

const (
	lookupExpiration      = 30 * time.Second
	lookupCleanupInterval = time.Minute
)

// Checker performs environment checks. Binary lookups are memoized with a
// short TTL so an `all`-mode test run does not re-stat the PATH for every
// phase.
type Checker struct {
	cache    *gocache.Cache
	lookPath func(string) (string, error)
	statFile func(string) error
}

// NewChecker creates a Checker using the real PATH and filesystem.
func NewChecker() *Checker {
	return &Checker{
		cache:    gocache.New(lookupExpiration, lookupCleanupInterval),
		lookPath: exec.LookPath,
		statFile: func(path string) error {
			_, err := os.Stat(path)
			return err
		},
	}
}

// NewCheckerWithLookup creates a Checker with injected lookup functions.
// Used by tests so no real binaries are required.
func NewCheckerWithLookup(lookPath func(string) (string, error), statFile func(string) error) *Checker {
	return &Checker{
		cache:    gocache.New(lookupExpiration, lookupCleanupInterval),
		lookPath: lookPath,
		statFile: statFile,
	}
}

// Check inspects the environment for the given configuration.
// stateFile is the project's runtime-state file path. Returns nil when the
// environment is ready; otherwise one Blocker per problem, in check order.
func (c *Checker) Check(cfg config.Config, stateFile string) []errs.Blocker {
	var blockers []errs.Blocker

	// Binary discovery, in bring-up order
	for _, bin := range []string{cfg.Engine.Binary, cfg.Sidecar.Binary, cfg.App.Command[0]} {
		if _, err := c.lookup(bin); err != nil {
			blockers = append(blockers, errs.Blocker{
				Tool:   bin,
				Reason: "not found on PATH",
			})
		}
	}

	// Sidecar runtime usability. Binary presence is not sufficient: a
	// missing runtime config reliably causes start failures later.
	if _, err := c.lookup(cfg.Sidecar.Binary); err == nil {
		if reason, ok := c.sidecarUsable(cfg.Sidecar, stateFile); !ok {
			blockers = append(blockers, errs.Blocker{
				Tool:     cfg.Sidecar.Binary,
				Reason:   reason,
				Degraded: true,
			})
		}
	}

	if len(blockers) > 0 {
		log.Warn(log.CatPreflight, "environment not ready", "blockers", len(blockers))
	} else {
		log.Info(log.CatPreflight, "environment ready")
	}
	return blockers
}

// sidecarUsable reports whether the sidecar runtime has valid local state.
// Either the configured runtime config artifact or an initialized
// runtime-state record counts.
func (c *Checker) sidecarUsable(sidecar config.SidecarConfig, stateFile string) (string, bool) {
	if sidecar.ConfigArtifact != "" {
		if err := c.statFile(sidecar.ConfigArtifact); err == nil {
			return "", true
		}
	}

	st, err := runtimestate.Load(stateFile)
	if err != nil {
		return fmt.Sprintf("runtime state unreadable: %v", err), false
	}
	if st != nil && st.Initialized {
		return "", true
	}

	return "runtime config not found; binary is installed but not initialized", false
}

// lookup resolves a binary on PATH with memoization.
func (c *Checker) lookup(bin string) (string, error) {
	type result struct {
		path string
		err  error
	}
	if cached, found := c.cache.Get(bin); found {
		res := cached.(result)
		return res.path, res.err
	}

	path, err := c.lookPath(bin)
	c.cache.Set(bin, result{path: path, err: err}, gocache.DefaultExpiration)
	if err != nil {
		log.Debug(log.CatPreflight, "binary not found", "bin", bin)
	}
	return path, err
}
