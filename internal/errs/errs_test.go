package errs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExitCodeFor_Nil(t *testing.T) {
	require.Equal(t, ExitOK, ExitCodeFor(nil))
}

func TestExitCodeFor_Interrupted(t *testing.T) {
	require.Equal(t, ExitInterrupted, ExitCodeFor(Interrupted))
	require.Equal(t, ExitInterrupted, ExitCodeFor(fmt.Errorf("session: %w", Interrupted)))
}

func TestExitCodeFor_Environment(t *testing.T) {
	err := &EnvironmentError{Blockers: []Blocker{
		{Tool: "sidecar", Reason: "runtime config not found", Degraded: true},
	}}
	require.Equal(t, ExitEnvironment, ExitCodeFor(err))
	require.Contains(t, err.Error(), "degraded")
}

func TestExitCodeFor_InfraClass(t *testing.T) {
	cases := []error{
		&DependencyStartupError{Dependency: "engine", Cause: fmt.Errorf("exit 1")},
		&HealthTimeoutError{Origin: "app", URL: "http://localhost:8080/healthz"},
		&AppCrashError{ExitCode: 2},
	}
	for _, err := range cases {
		require.Equal(t, ExitInfra, ExitCodeFor(err), "error: %v", err)
		require.True(t, IsInfra(err), "error: %v", err)
	}
}

func TestExitCodeFor_WrappedInfra(t *testing.T) {
	err := fmt.Errorf("e2e bring-up: %w", &HealthTimeoutError{Origin: "sidecar", URL: "http://localhost:3500/v1.0/healthz"})
	require.Equal(t, ExitInfra, ExitCodeFor(err))
}

func TestExitCodeFor_TestFailure(t *testing.T) {
	err := &TestFailureError{Phase: "unit"}
	require.Equal(t, ExitTestFailure, ExitCodeFor(err))
	require.False(t, IsInfra(err))
}

func TestTail(t *testing.T) {
	require.Nil(t, Tail(fmt.Errorf("plain")))

	err := fmt.Errorf("wrapped: %w", &AppCrashError{ExitCode: 1, LogTail: []string{"panic: boom"}})
	require.Equal(t, []string{"panic: boom"}, Tail(err))

	err = &HealthTimeoutError{Origin: "app", LogTail: []string{"still starting"}}
	require.Equal(t, []string{"still starting"}, Tail(err))
}
