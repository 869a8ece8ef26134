package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"devloop/internal/report"
	"devloop/internal/session"
	"devloop/internal/testloop"
	"devloop/internal/tracing"
)

var (
	testType   string
	coverage   bool
	noFailFast bool
	verbose    bool
	testJSON   bool
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run unit and/or e2e tests against a live local stack",
	Long: `Runs the configured test commands. In e2e and all modes the full stack
is brought up first (engine, sidecar, application) and the e2e command
only runs once the application readiness endpoint reports healthy. The
stack is torn down when the tests finish, pass or fail.

Exit codes: 0 success, 1 test failure, 2 environment problem,
3 infrastructure failure, 130 interrupted.`,
	RunE: runTest,
}

func init() {
	rootCmd.AddCommand(testCmd)
	testCmd.Flags().StringVarP(&testType, "type", "t", "all",
		"test mode: unit, e2e or all")
	testCmd.Flags().BoolVar(&coverage, "coverage", false,
		"collect coverage for go test unit commands")
	testCmd.Flags().BoolVar(&noFailFast, "no-fail-fast", false,
		"aggregate unit failures instead of stopping at the first")
	testCmd.Flags().BoolVarP(&verbose, "verbose", "v", false,
		"verbose test output")
	testCmd.Flags().BoolVar(&testJSON, "json", false,
		"emit the report as JSON")
}

func runTest(_ *cobra.Command, _ []string) error {
	mode, err := testloop.ParseMode(testType)
	if err != nil {
		return err
	}

	sd, provider, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if debugFlag {
		streamLogs(ctx, os.Stderr)
	}

	formatter := report.NewFormatter(os.Stdout, testJSON)

	if err := provider.Phase(ctx, tracing.PhasePreflight, func(context.Context) error {
		return runPreflight(sd)
	}); err != nil {
		_ = formatter.FormatError(err, nil)
		return err
	}

	tcfg := cfg.Test
	tcfg.Coverage = tcfg.Coverage || coverage
	tcfg.Verbose = tcfg.Verbose || verbose
	if noFailFast {
		tcfg.FailFast = false
	}

	sess := session.New(cfg, sd, session.WithStream(os.Stdout))
	if err := sess.Acquire(); err != nil {
		_ = formatter.FormatError(err, nil)
		return err
	}
	defer sess.Shutdown(context.WithoutCancel(ctx))

	var opts []testloop.Option
	if !testJSON {
		opts = append(opts, testloop.WithStream(os.Stdout))
	}
	ctl := testloop.New(tcfg, cfg.Path, sess, opts...)

	started := time.Now()
	var rep *testloop.Report
	runErr := provider.Phase(ctx, spanForMode(mode), func(pctx context.Context) error {
		var terr error
		rep, terr = ctl.Run(pctx, mode)
		return terr
	})

	if rep != nil {
		_ = formatter.FormatTestReport(rep)
	}
	recordSession(sd, sess, string(mode), started, runErr, rep)
	return runErr
}

func spanForMode(mode testloop.Mode) string {
	switch mode {
	case testloop.ModeUnit:
		return tracing.PhaseTestUnit
	case testloop.ModeE2E:
		return tracing.PhaseTestE2E
	default:
		return "test.all"
	}
}
