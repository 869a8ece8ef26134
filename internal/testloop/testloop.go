// Package testloop runs the project's test commands against a live local
// environment and classifies failures: an assertion failure in the tests
// themselves is not the same problem as infrastructure that never became
// healthy, and the two get different exit codes.
package testloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"devloop/internal/config"
	"devloop/internal/errs"
	"devloop/internal/log"
	"devloop/internal/proc"
)

// Mode selects which test phases run.
type Mode string

const (
	ModeUnit Mode = "unit"
	ModeE2E  Mode = "e2e"
	ModeAll  Mode = "all"
)

// ParseMode validates a mode string from the CLI.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeUnit, ModeE2E, ModeAll:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown test mode %q (want unit, e2e or all)", s)
	}
}

// Environment is the live stack e2e tests run against. Implemented by
// session.Session; tests substitute a fake.
type Environment interface {
	// BringUp starts dependencies and the application and gates on the
	// application readiness endpoint.
	BringUp(ctx context.Context) error
	// Shutdown unwinds everything BringUp started. Idempotent.
	Shutdown(ctx context.Context)
	// AppLogTail returns recent application output for diagnostics.
	AppLogTail(n int) []string
}

const excerptLines = 20

// Phase records one test command execution or one failed bring-up.
type Phase struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Infra    bool          `json:"infra"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Excerpt  []string      `json:"excerpt,omitempty"`
}

// Report aggregates the phases of one test run.
type Report struct {
	Mode     Mode      `json:"mode"`
	Started  time.Time `json:"started"`
	Phases   []Phase   `json:"phases"`
	ExitCode int       `json:"exit_code"`
}

// Failed reports whether any phase did not pass.
func (r *Report) Failed() bool {
	for _, p := range r.Phases {
		if !p.Passed {
			return true
		}
	}
	return false
}

// Controller drives test runs for one project.
type Controller struct {
	cfg     config.TestConfig
	dir     string
	env     Environment
	factory proc.CommandFactory
	stream  io.Writer
}

// Option configures a Controller.
type Option func(*Controller)

// WithCommandFactory injects command creation for tests.
func WithCommandFactory(f proc.CommandFactory) Option {
	return func(c *Controller) { c.factory = f }
}

// WithStream mirrors test command output to a writer.
func WithStream(w io.Writer) Option {
	return func(c *Controller) { c.stream = w }
}

// New creates a Controller. env may be nil when only unit mode is used.
func New(cfg config.TestConfig, projectDir string, env Environment, opts ...Option) *Controller {
	c := &Controller{cfg: cfg, dir: projectDir, env: env}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the phases for mode and returns the aggregated report.
// The returned error is the representative failure for exit-code mapping:
// a TestFailureError for assertion failures, or the underlying
// infrastructure error when the e2e environment never came up. The report
// is non-nil even on error.
func (c *Controller) Run(ctx context.Context, mode Mode) (*Report, error) {
	report := &Report{Mode: mode, Started: time.Now()}
	var infraErr error
	var unitErr error

	if mode == ModeUnit || mode == ModeAll {
		phase, err := c.runCommand(ctx, "unit", c.unitArgs())
		if err != nil {
			if errors.Is(err, context.Canceled) {
				err = errs.Interrupted
			}
			if mode == ModeUnit || errors.Is(err, errs.Interrupted) {
				report.ExitCode = errs.ExitCodeFor(err)
				return report, err
			}
			// In all mode a unit command that could not run is a failed
			// phase; e2e still gets its turn.
			phase = Phase{
				Name:     "unit",
				Passed:   false,
				Infra:    true,
				ExitCode: errs.ExitCodeFor(err),
				Excerpt:  []string{err.Error()},
			}
			unitErr = err
		}
		report.Phases = append(report.Phases, phase)
	}

	if mode == ModeE2E || mode == ModeAll {
		phase, err := c.runE2E(ctx)
		report.Phases = append(report.Phases, phase)
		if err != nil {
			if errors.Is(err, errs.Interrupted) || errors.Is(err, context.Canceled) {
				report.ExitCode = errs.ExitInterrupted
				return report, errs.Interrupted
			}
			// runE2E only errors when the environment or the command
			// itself could not run; failing tests are a failed phase.
			infraErr = err
		}
	}

	switch {
	case infraErr != nil:
		report.ExitCode = errs.ExitCodeFor(infraErr)
		return report, infraErr
	case unitErr != nil:
		report.ExitCode = errs.ExitCodeFor(unitErr)
		return report, unitErr
	case report.Failed():
		err := &errs.TestFailureError{Phase: firstFailed(report)}
		report.ExitCode = errs.ExitCodeFor(err)
		return report, err
	default:
		report.ExitCode = errs.ExitOK
		return report, nil
	}
}

// firstFailed returns the name of the first phase that did not pass.
func firstFailed(r *Report) string {
	for _, p := range r.Phases {
		if !p.Passed {
			return p.Name
		}
	}
	return ""
}

// runE2E brings the environment up, runs the e2e command, and always
// tears the environment down before returning.
func (c *Controller) runE2E(ctx context.Context) (Phase, error) {
	if c.env == nil {
		return Phase{}, fmt.Errorf("e2e mode requires an environment")
	}
	defer c.env.Shutdown(context.WithoutCancel(ctx))

	started := time.Now()
	if err := c.env.BringUp(ctx); err != nil {
		// An interrupt during bring-up is recorded as interrupted, not as
		// an infrastructure failure.
		if errors.Is(err, context.Canceled) {
			err = errs.Interrupted
		}
		log.ErrorErr(log.CatTest, "e2e environment bring-up failed", err)
		return Phase{
			Name:     "e2e",
			Passed:   false,
			Infra:    true,
			ExitCode: errs.ExitCodeFor(err),
			Duration: time.Since(started),
			Excerpt:  excerptFor(err, c.env),
		}, err
	}

	phase, err := c.runCommand(ctx, "e2e", c.cfg.E2ECommand)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = errs.Interrupted
		}
		return Phase{
			Name:     "e2e",
			Passed:   false,
			Infra:    true,
			ExitCode: errs.ExitCodeFor(err),
			Duration: time.Since(started),
		}, err
	}
	return phase, nil
}

// runCommand executes one test command to completion and records it.
// A non-zero exit is a failed phase, not an error; errors mean the
// command could not run at all.
func (c *Controller) runCommand(ctx context.Context, name string, argv []string) (Phase, error) {
	log.Info(log.CatTest, "running tests", "phase", name, "command", argv)
	started := time.Now()

	h := proc.New(proc.Options{
		Name:    "test-" + name,
		Command: argv,
		Dir:     c.dir,
		Stream:  c.stream,
		Factory: c.factory,
	})
	if err := h.Start(ctx); err != nil {
		return Phase{}, fmt.Errorf("starting %s tests: %w", name, err)
	}
	code, err := h.Wait(ctx)
	if err != nil {
		_ = h.Stop(context.WithoutCancel(ctx), time.Second)
		return Phase{}, err
	}

	phase := Phase{
		Name:     name,
		Passed:   code == 0,
		ExitCode: code,
		Duration: time.Since(started),
	}
	if code != 0 {
		phase.Excerpt = h.Tail(excerptLines)
		log.Warn(log.CatTest, "tests failed", "phase", name, "exit_code", code)
	} else {
		log.Info(log.CatTest, "tests passed", "phase", name, "duration", phase.Duration)
	}
	return phase, nil
}

// unitArgs applies fail-fast, coverage and verbosity to go test commands.
// Non-go commands are run exactly as configured.
func (c *Controller) unitArgs() []string {
	argv := c.cfg.UnitCommand
	if len(argv) < 2 || argv[0] != "go" || argv[1] != "test" {
		return argv
	}
	out := make([]string, 0, len(argv)+3)
	out = append(out, argv[:2]...)
	if c.cfg.FailFast {
		out = append(out, "-failfast")
	}
	if c.cfg.Coverage {
		out = append(out, "-cover")
	}
	if c.cfg.Verbose {
		out = append(out, "-v")
	}
	return append(out, argv[2:]...)
}

// excerptFor prefers the log tail carried by the error itself, falling
// back to the live application output.
func excerptFor(err error, env Environment) []string {
	if tail := errs.Tail(err); len(tail) > 0 {
		return tail
	}
	return env.AppLogTail(excerptLines)
}
