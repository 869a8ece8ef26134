package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"devloop/internal/errs"
	"devloop/internal/history"
	"devloop/internal/log"
	"devloop/internal/paths"
	"devloop/internal/proc"
	"devloop/internal/pubsub"
	"devloop/internal/report"
	"devloop/internal/session"
	"devloop/internal/testloop"
	"devloop/internal/tracing"
	"devloop/internal/watcher"
)

var (
	noReload bool
	follow   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bring up the stack and run the application with hot reload",
	Long: `Brings the workflow engine and the sidecar runtime to Ready, then runs
the application in the foreground with its output streamed to the
terminal. Source changes restart the application; dependencies keep
running across restarts. Ctrl-C tears everything down in order.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&noReload, "no-reload", false,
		"disable hot reload for this session")
	runCmd.Flags().BoolVar(&follow, "follow", false,
		"stream engine and sidecar output to the terminal")
}

func runRun(_ *cobra.Command, _ []string) error {
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

	formatter := report.NewFormatter(os.Stdout, false)

	if err := provider.Phase(ctx, tracing.PhasePreflight, func(context.Context) error {
		return runPreflight(sd)
	}); err != nil {
		_ = formatter.FormatError(err, nil)
		return err
	}

	opts := []session.Option{session.WithStream(os.Stdout)}
	if follow {
		bus := pubsub.NewBroker[proc.OutputLine]()
		defer bus.Close()
		go followOutput(ctx, bus, os.Stdout)
		opts = append(opts, session.WithBus(bus))
	}
	sess := session.New(cfg, sd, opts...)
	if err := sess.Acquire(); err != nil {
		_ = formatter.FormatError(err, nil)
		return err
	}
	defer sess.Shutdown(context.WithoutCancel(ctx))

	started := time.Now()
	if err := provider.Phase(ctx, tracing.PhaseDepsStart, sess.StartDependencies); err != nil {
		if errors.Is(err, context.Canceled) {
			return errs.Interrupted
		}
		_ = formatter.FormatError(err, errs.Tail(err))
		return err
	}
	_ = formatter.FormatStatus("engine", "ready")
	if sess.Deps().RecoveryAttempted() {
		_ = formatter.FormatStatus("sidecar", "recovered")
	} else {
		_ = formatter.FormatStatus("sidecar", "ready")
	}

	// Hot reload: the watcher already coalesces bursts into a single-slot
	// channel, so its events feed the supervisor directly.
	var changes <-chan struct{}
	if cfg.HotReload && !noReload {
		wcfg := watcher.Config{
			Root:        cfg.Path,
			DebounceDur: cfg.Watcher.Debounce,
			Ignore:      cfg.Watcher.Ignore,
			Extensions:  cfg.Watcher.Extensions,
		}
		w, werr := watcher.New(wcfg)
		if werr != nil {
			log.ErrorErr(log.CatWatcher, "watcher unavailable, hot reload disabled", werr)
		} else {
			events, werr := w.Start()
			if werr != nil {
				log.ErrorErr(log.CatWatcher, "watcher unavailable, hot reload disabled", werr)
			} else {
				defer func() { _ = w.Stop() }()
				changes = events
			}
		}
	}

	app := sess.App()
	err = provider.Phase(ctx, tracing.PhaseAppStart, func(pctx context.Context) error {
		return app.Run(pctx, changes)
	})
	if errors.Is(err, context.Canceled) {
		err = errs.Interrupted
	}

	_ = provider.Phase(context.WithoutCancel(ctx), tracing.PhaseShutdown, func(pctx context.Context) error {
		sess.Shutdown(pctx)
		return nil
	})
	recordSession(sd, sess, "run", started, err, nil)

	if err != nil && !errors.Is(err, errs.Interrupted) {
		_ = formatter.FormatError(err, errs.Tail(err))
	}
	return err
}

// followOutput copies dependency output lines to w with a process-name
// prefix. Application output already streams directly and is skipped.
func followOutput(ctx context.Context, bus *pubsub.Broker[proc.OutputLine], w io.Writer) {
	for ev := range bus.Subscribe(ctx) {
		if ev.Payload.Name == "app" {
			continue
		}
		_, _ = fmt.Fprintf(w, "[%s] %s\n", ev.Payload.Name, ev.Payload.Line)
	}
}

// recordSession persists the session outcome; failures only log.
func recordSession(sd paths.StateDir, sess *session.Session, mode string, started time.Time, runErr error, rep *testloop.Report) {
	if !cfg.History.Enabled {
		return
	}
	store, err := history.Open(sd.HistoryDB(), cfg.History.Keep)
	if err != nil {
		log.ErrorErr(log.CatStore, "history unavailable", err)
		return
	}
	defer func() { _ = store.Close() }()

	entry := history.Entry{
		ID:        sess.ID,
		Mode:      mode,
		StartedAt: started,
		EndedAt:   time.Now(),
		ExitCode:  errs.ExitCodeFor(runErr),
		Report:    rep,
	}
	if set := sess.Deps(); set != nil {
		entry.Recovery = set.RecoveryAttempted()
	}
	if app := sess.App(); app != nil {
		entry.Restarts = app.Restarts()
	}
	store.RecordBestEffort(entry)
}
