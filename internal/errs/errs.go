// Package errs defines the orchestrator error taxonomy.
// Commands map these to distinct exit-code ranges so callers can tell an
// environment problem from an infrastructure failure from a failing test.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Exit codes returned by the CLI.
const (
	ExitOK          = 0   // clean shutdown, all tests passed
	ExitTestFailure = 1   // one or more test cases failed
	ExitEnvironment = 2   // missing binary or unusable runtime state
	ExitInfra       = 3   // dependency startup or health-gate failure
	ExitInterrupted = 130 // user-initiated cancellation
)

// Blocker reports an environment problem found before any process starts.
// Blockers are never retried automatically; user action is required.
type Blocker struct {
	Tool   string // binary or runtime the check targeted
	Reason string
	// Degraded marks a tool that is installed but not usable
	// (sidecar binary present without a valid runtime config).
	Degraded bool
}

func (b Blocker) String() string {
	state := "missing"
	if b.Degraded {
		state = "degraded"
	}
	return fmt.Sprintf("%s (%s): %s", b.Tool, state, b.Reason)
}

// EnvironmentError wraps one or more Blockers as an error.
type EnvironmentError struct {
	Blockers []Blocker
}

func (e *EnvironmentError) Error() string {
	parts := make([]string, len(e.Blockers))
	for i, b := range e.Blockers {
		parts[i] = b.String()
	}
	return "environment not ready: " + strings.Join(parts, "; ")
}

// DependencyStartupError reports a dependency that failed to become healthy
// even after the single bounded recovery attempt.
type DependencyStartupError struct {
	Dependency string
	Cause      error
	LogTail    []string
}

func (e *DependencyStartupError) Error() string {
	return fmt.Sprintf("dependency %s failed to start: %v", e.Dependency, e.Cause)
}

func (e *DependencyStartupError) Unwrap() error { return e.Cause }

// HealthTimeoutError reports a readiness poll that exceeded its timeout.
// Origin distinguishes application checks from dependency checks for
// reporting purposes only; handling is identical.
type HealthTimeoutError struct {
	Origin  string // "app" or dependency name
	URL     string
	LogTail []string
}

func (e *HealthTimeoutError) Error() string {
	return fmt.Sprintf("health check for %s timed out (%s)", e.Origin, e.URL)
}

// AppCrashError reports an application process that exited unexpectedly
// outside of a deliberate restart cycle.
type AppCrashError struct {
	ExitCode int
	LogTail  []string
}

func (e *AppCrashError) Error() string {
	return fmt.Sprintf("application exited unexpectedly with code %d", e.ExitCode)
}

// TestFailureError reports failing test cases. Not an infrastructure error.
type TestFailureError struct {
	Phase string // "unit" or "e2e"
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("%s tests failed", e.Phase)
}

// Interrupted is the sentinel for user-initiated cancellation.
var Interrupted = errors.New("interrupted")

// ExitCodeFor maps an error to the CLI exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, Interrupted) {
		return ExitInterrupted
	}

	var envErr *EnvironmentError
	if errors.As(err, &envErr) {
		return ExitEnvironment
	}

	var depErr *DependencyStartupError
	var healthErr *HealthTimeoutError
	var crashErr *AppCrashError
	if errors.As(err, &depErr) || errors.As(err, &healthErr) || errors.As(err, &crashErr) {
		return ExitInfra
	}

	var testErr *TestFailureError
	if errors.As(err, &testErr) {
		return ExitTestFailure
	}

	return ExitTestFailure
}

// Tail returns the diagnostic log tail attached to err, if any.
func Tail(err error) []string {
	var depErr *DependencyStartupError
	if errors.As(err, &depErr) {
		return depErr.LogTail
	}
	var healthErr *HealthTimeoutError
	if errors.As(err, &healthErr) {
		return healthErr.LogTail
	}
	var crashErr *AppCrashError
	if errors.As(err, &crashErr) {
		return crashErr.LogTail
	}
	return nil
}

// IsInfra reports whether the error belongs to the infrastructure class
// (dependency startup, health timeout, app crash) rather than a test
// assertion failure.
func IsInfra(err error) bool {
	var depErr *DependencyStartupError
	var healthErr *HealthTimeoutError
	var crashErr *AppCrashError
	return errors.As(err, &depErr) || errors.As(err, &healthErr) || errors.As(err, &crashErr)
}
