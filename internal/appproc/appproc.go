// Package appproc supervises the target application process in the
// foreground: live output streaming, optional hot-reload restart cycles
// driven by debounced file-change signals, and readiness gating for e2e
// runs.
package appproc

import (
	"context"
	"io"
	"sync"
	"time"

	"devloop/internal/errs"
	"devloop/internal/health"
	"devloop/internal/log"
	"devloop/internal/proc"
	"devloop/internal/pubsub"
)

// Config describes the application process.
type Config struct {
	Command       []string
	Dir           string
	Env           []string
	HealthURL     string
	ReadyInterval time.Duration
	ReadyTimeout  time.Duration
	StopGrace     time.Duration
	LogPath       string
}

const crashTailLines = 30

// Supervisor owns the application's ProcessHandle. At any instant at most
// one instance is running: restart cycles are strictly sequential, and a
// change signal arriving mid-restart is queued (and collapsed with any
// other queued signals) by the caller's buffered change channel.
type Supervisor struct {
	cfg     Config
	factory proc.CommandFactory
	bus     *pubsub.Broker[proc.OutputLine]
	stream  io.Writer

	mu       sync.RWMutex
	current  *proc.Handle
	restarts int
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithCommandFactory injects command creation for tests.
func WithCommandFactory(f proc.CommandFactory) Option {
	return func(s *Supervisor) { s.factory = f }
}

// WithBus attaches an output event bus to the app handle.
func WithBus(bus *pubsub.Broker[proc.OutputLine]) Option {
	return func(s *Supervisor) { s.bus = bus }
}

// WithStream mirrors app output to a writer (the terminal in run mode).
func WithStream(w io.Writer) Option {
	return func(s *Supervisor) { s.stream = w }
}

// New creates a Supervisor. Nothing is launched until Start or Run.
func New(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns the active handle (nil before the first Start).
func (s *Supervisor) Current() *proc.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Restarts returns how many hot-reload restart cycles have completed.
func (s *Supervisor) Restarts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restarts
}

// Start launches a fresh application instance.
func (s *Supervisor) Start(ctx context.Context) error {
	h := proc.New(proc.Options{
		Name:    "app",
		Command: s.cfg.Command,
		Dir:     s.cfg.Dir,
		Env:     s.cfg.Env,
		LogPath: s.cfg.LogPath,
		Stream:  s.stream,
		Bus:     s.bus,
		Factory: s.factory,
	})
	if err := h.Start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = h
	s.mu.Unlock()
	return nil
}

// AwaitReady blocks until the application readiness endpoint reports
// healthy or the timeout elapses. Used by e2e mode. A process that dies
// while being gated reports as a crash, not a timeout.
func (s *Supervisor) AwaitReady(ctx context.Context) error {
	h := s.Current()

	gateCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.Done():
			cancel()
		case <-gateCtx.Done():
		}
	}()

	gate := health.NewGate(s.cfg.ReadyInterval, s.cfg.ReadyTimeout)
	res, err := gate.Wait(gateCtx, s.cfg.HealthURL)
	if err != nil {
		if ctx.Err() == nil && !h.IsRunning() {
			return &errs.AppCrashError{
				ExitCode: h.ExitCode(),
				LogTail:  h.Tail(crashTailLines),
			}
		}
		return err
	}
	if !res.Healthy {
		if !h.IsRunning() {
			return &errs.AppCrashError{
				ExitCode: h.ExitCode(),
				LogTail:  h.Tail(crashTailLines),
			}
		}
		return &errs.HealthTimeoutError{
			Origin:  "app",
			URL:     s.cfg.HealthURL,
			LogTail: h.Tail(crashTailLines),
		}
	}
	h.MarkHealthy()
	log.Info(log.CatApp, "application healthy", "latency", res.Latency)
	return nil
}

// Stop terminates the current instance gracefully. Idempotent.
func (s *Supervisor) Stop(ctx context.Context) error {
	h := s.Current()
	if h == nil {
		return nil
	}
	return h.Stop(ctx, s.cfg.StopGrace)
}

// Run launches the application and supervises it until it exits, ctx is
// cancelled, or it crashes. When changes is non-nil, each signal performs
// one restart cycle: graceful stop, bounded grace, force-kill if needed,
// fresh instance. Restart cycles are strictly sequential; signals
// arriving during a cycle are queued and collapsed by the channel's
// single-slot buffer.
//
// Returns nil on clean app exit, ctx.Err() on cancellation (the instance
// is stopped before returning), or AppCrashError on unexpected exit.
func (s *Supervisor) Run(ctx context.Context, changes <-chan struct{}) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	for {
		h := s.Current()
		select {
		case <-ctx.Done():
			if err := s.Stop(context.WithoutCancel(ctx)); err != nil {
				log.ErrorErr(log.CatApp, "stop on cancellation failed", err)
			}
			return ctx.Err()

		case <-h.Done():
			// The process exited outside of a deliberate restart cycle
			code := h.ExitCode()
			if code == 0 {
				log.Info(log.CatApp, "application exited cleanly")
				return nil
			}
			return &errs.AppCrashError{
				ExitCode: code,
				LogTail:  h.Tail(crashTailLines),
			}

		case <-changes:
			log.Info(log.CatApp, "source change detected, restarting")
			if err := s.restart(ctx); err != nil {
				return err
			}
		}
	}
}

// restart performs one sequential restart cycle.
func (s *Supervisor) restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		log.ErrorErr(log.CatApp, "stopping for restart failed", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.restarts++
	n := s.restarts
	s.mu.Unlock()
	log.Info(log.CatApp, "application restarted", "restarts", n)
	return nil
}
