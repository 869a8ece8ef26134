package testloop_test

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devloop/internal/config"
	"devloop/internal/errs"
	"devloop/internal/proc"
	"devloop/internal/testloop"
)

// fakeEnv substitutes for a live session in e2e tests.
type fakeEnv struct {
	bringUpErr error
	tail       []string
	bringUps   int
	shutdowns  int
}

func (f *fakeEnv) BringUp(context.Context) error {
	f.bringUps++
	return f.bringUpErr
}

func (f *fakeEnv) Shutdown(context.Context) { f.shutdowns++ }

func (f *fakeEnv) AppLogTail(int) []string { return f.tail }

// exitFactory scripts each configured command to echo its name and exit
// with the given code.
func exitFactory(codes map[string]int) proc.CommandFactory {
	return func(ctx context.Context, name string, _ ...string) *exec.Cmd {
		script := fmt.Sprintf("echo %s output; exit %d", name, codes[name])
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func testCfg() config.TestConfig {
	return config.TestConfig{
		UnitCommand: []string{"unit-cmd"},
		E2ECommand:  []string{"e2e-cmd"},
	}
}

func TestRun_UnitPass(t *testing.T) {
	ctl := testloop.New(testCfg(), t.TempDir(), nil,
		testloop.WithCommandFactory(exitFactory(map[string]int{"unit-cmd": 0})))

	report, err := ctl.Run(context.Background(), testloop.ModeUnit)
	require.NoError(t, err)
	require.Equal(t, errs.ExitOK, report.ExitCode)
	require.Len(t, report.Phases, 1)
	assert.True(t, report.Phases[0].Passed)
	assert.False(t, report.Phases[0].Infra)
	assert.False(t, report.Failed())
}

func TestRun_UnitFailure(t *testing.T) {
	ctl := testloop.New(testCfg(), t.TempDir(), nil,
		testloop.WithCommandFactory(exitFactory(map[string]int{"unit-cmd": 1})))

	report, err := ctl.Run(context.Background(), testloop.ModeUnit)
	require.Error(t, err)

	var testErr *errs.TestFailureError
	require.ErrorAs(t, err, &testErr)
	assert.Equal(t, "unit", testErr.Phase)
	assert.Equal(t, errs.ExitTestFailure, report.ExitCode)
	require.Len(t, report.Phases, 1)
	assert.False(t, report.Phases[0].Passed)
	assert.Contains(t, report.Phases[0].Excerpt, "unit-cmd output")
}

func TestRun_E2EPass(t *testing.T) {
	env := &fakeEnv{}
	ctl := testloop.New(testCfg(), t.TempDir(), env,
		testloop.WithCommandFactory(exitFactory(map[string]int{"e2e-cmd": 0})))

	report, err := ctl.Run(context.Background(), testloop.ModeE2E)
	require.NoError(t, err)
	assert.Equal(t, errs.ExitOK, report.ExitCode)
	assert.Equal(t, 1, env.bringUps)
	assert.Equal(t, 1, env.shutdowns, "environment must be torn down")
}

func TestRun_E2ETestFailureStillTearsDown(t *testing.T) {
	env := &fakeEnv{}
	ctl := testloop.New(testCfg(), t.TempDir(), env,
		testloop.WithCommandFactory(exitFactory(map[string]int{"e2e-cmd": 2})))

	report, err := ctl.Run(context.Background(), testloop.ModeE2E)
	require.Error(t, err)

	var testErr *errs.TestFailureError
	require.ErrorAs(t, err, &testErr)
	assert.Equal(t, "e2e", testErr.Phase)
	assert.Equal(t, errs.ExitTestFailure, report.ExitCode)
	assert.Equal(t, 1, env.shutdowns)
	assert.False(t, report.Phases[0].Infra)
}

func TestRun_E2EBringUpFailureIsInfra(t *testing.T) {
	env := &fakeEnv{
		bringUpErr: &errs.HealthTimeoutError{
			Origin:  "app",
			URL:     "http://127.0.0.1:8080/healthz",
			LogTail: []string{"listen tcp :8080: address already in use"},
		},
	}
	ctl := testloop.New(testCfg(), t.TempDir(), env,
		testloop.WithCommandFactory(exitFactory(nil)))

	report, err := ctl.Run(context.Background(), testloop.ModeE2E)
	require.Error(t, err)

	var health *errs.HealthTimeoutError
	require.ErrorAs(t, err, &health)
	assert.Equal(t, errs.ExitInfra, report.ExitCode)
	require.Len(t, report.Phases, 1)
	assert.True(t, report.Phases[0].Infra)
	assert.Contains(t, report.Phases[0].Excerpt, "listen tcp :8080: address already in use")
	assert.Equal(t, 1, env.shutdowns, "teardown runs even when bring-up fails")
}

func TestRun_AllRunsE2EAfterUnitFailure(t *testing.T) {
	env := &fakeEnv{}
	ctl := testloop.New(testCfg(), t.TempDir(), env,
		testloop.WithCommandFactory(exitFactory(map[string]int{"unit-cmd": 1, "e2e-cmd": 0})))

	report, err := ctl.Run(context.Background(), testloop.ModeAll)
	require.Error(t, err)

	var testErr *errs.TestFailureError
	require.ErrorAs(t, err, &testErr)
	assert.Equal(t, "unit", testErr.Phase)
	require.Len(t, report.Phases, 2, "e2e runs regardless of unit outcome")
	assert.False(t, report.Phases[0].Passed)
	assert.True(t, report.Phases[1].Passed)
	assert.Equal(t, 1, env.bringUps)
}

func TestRun_AllRunsE2EWhenUnitCannotLaunch(t *testing.T) {
	env := &fakeEnv{}
	factory := func(ctx context.Context, name string, args ...string) *exec.Cmd {
		if name == "unit-cmd" {
			return exec.CommandContext(ctx, filepath.Join(t.TempDir(), "missing-binary"))
		}
		return exec.CommandContext(ctx, "sh", "-c", "exit 0")
	}
	ctl := testloop.New(testCfg(), t.TempDir(), env,
		testloop.WithCommandFactory(factory))

	report, err := ctl.Run(context.Background(), testloop.ModeAll)
	require.Error(t, err)

	require.Len(t, report.Phases, 2, "e2e still runs when the unit command cannot launch")
	assert.False(t, report.Phases[0].Passed)
	assert.True(t, report.Phases[0].Infra)
	assert.NotEmpty(t, report.Phases[0].Excerpt)
	assert.True(t, report.Phases[1].Passed)
	assert.Equal(t, 1, env.bringUps)
	assert.Equal(t, errs.ExitCodeFor(err), report.ExitCode)
}

func TestRun_InterruptDuringBringUpRecordsInterrupted(t *testing.T) {
	env := &fakeEnv{bringUpErr: context.Canceled}
	ctl := testloop.New(testCfg(), t.TempDir(), env,
		testloop.WithCommandFactory(exitFactory(nil)))

	report, err := ctl.Run(context.Background(), testloop.ModeE2E)
	require.ErrorIs(t, err, errs.Interrupted)

	assert.Equal(t, errs.ExitInterrupted, report.ExitCode)
	require.Len(t, report.Phases, 1)
	assert.Equal(t, errs.ExitInterrupted, report.Phases[0].ExitCode)
	assert.Equal(t, 1, env.shutdowns, "teardown runs on interrupt")
}

func TestRun_GoTestFlagsInjected(t *testing.T) {
	var gotName string
	var gotArgs []string
	factory := func(ctx context.Context, name string, args ...string) *exec.Cmd {
		gotName = name
		gotArgs = args
		return exec.CommandContext(ctx, "sh", "-c", "exit 0")
	}

	cfg := config.TestConfig{
		UnitCommand: []string{"go", "test", "./..."},
		FailFast:    true,
		Coverage:    true,
		Verbose:     true,
	}
	ctl := testloop.New(cfg, t.TempDir(), nil, testloop.WithCommandFactory(factory))

	_, err := ctl.Run(context.Background(), testloop.ModeUnit)
	require.NoError(t, err)
	assert.Equal(t, "go", gotName)
	assert.Equal(t, []string{"test", "-failfast", "-cover", "-v", "./..."}, gotArgs)
}

func TestRun_NonGoCommandUnmodified(t *testing.T) {
	var gotName string
	factory := func(ctx context.Context, name string, args ...string) *exec.Cmd {
		gotName = name
		return exec.CommandContext(ctx, "sh", "-c", "exit 0")
	}

	cfg := config.TestConfig{UnitCommand: []string{"make", "test"}, FailFast: true}
	ctl := testloop.New(cfg, t.TempDir(), nil, testloop.WithCommandFactory(factory))

	_, err := ctl.Run(context.Background(), testloop.ModeUnit)
	require.NoError(t, err)
	assert.Equal(t, "make", gotName)
}

func TestParseMode(t *testing.T) {
	for _, valid := range []string{"unit", "e2e", "all"} {
		mode, err := testloop.ParseMode(valid)
		require.NoError(t, err)
		assert.Equal(t, testloop.Mode(valid), mode)
	}
	_, err := testloop.ParseMode("integration")
	require.Error(t, err)
}
