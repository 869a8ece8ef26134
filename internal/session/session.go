// Package session ties one devloop invocation together: a unique id, an
// exclusive per-project lock, the dependency set and the application
// supervisor, plus the shutdown coordinator that unwinds all of it in
// reverse startup order on every exit path.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"devloop/internal/appproc"
	"devloop/internal/config"
	"devloop/internal/deps"
	"devloop/internal/errs"
	"devloop/internal/log"
	"devloop/internal/paths"
	"devloop/internal/proc"
	"devloop/internal/pubsub"
)

// Session owns everything started on behalf of one invocation.
type Session struct {
	ID      string
	Config  config.Config
	Dir     paths.StateDir
	Started time.Time

	lock    *flock.Flock
	factory proc.CommandFactory
	bus     *pubsub.Broker[proc.OutputLine]
	stream  io.Writer

	mu   sync.Mutex
	deps *deps.Set
	app  *appproc.Supervisor

	shutdown sync.Once
}

// Option configures a Session.
type Option func(*Session)

// WithCommandFactory injects command creation for every process the
// session launches. Used by tests.
func WithCommandFactory(f proc.CommandFactory) Option {
	return func(s *Session) { s.factory = f }
}

// WithBus attaches an output event bus shared by all process handles.
func WithBus(bus *pubsub.Broker[proc.OutputLine]) Option {
	return func(s *Session) { s.bus = bus }
}

// WithStream mirrors application output to a writer.
func WithStream(w io.Writer) Option {
	return func(s *Session) { s.stream = w }
}

// New creates a Session for the project at cfg.Path. Nothing is locked
// or launched yet.
func New(cfg config.Config, dir paths.StateDir, opts ...Option) *Session {
	s := &Session{
		ID:      uuid.New().String(),
		Config:  cfg,
		Dir:     dir,
		Started: time.Now(),
		lock:    flock.New(dir.LockFile()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire takes the exclusive per-project lock. A held lock means another
// devloop session is active for this project; that is an environment
// problem for the user to resolve, not something to wait out.
func (s *Session) Acquire() error {
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring session lock: %w", err)
	}
	if !locked {
		return &errs.EnvironmentError{Blockers: []errs.Blocker{{
			Tool:   "devloop",
			Reason: fmt.Sprintf("another session holds %s", s.Dir.LockFile()),
		}}}
	}
	log.Info(log.CatSession, "session started", "id", s.ID, "path", s.Config.Path)
	return nil
}

// StartDependencies brings the engine and sidecar to Ready.
func (s *Session) StartDependencies(ctx context.Context) error {
	cfg := s.Config
	engine := deps.Member{
		Name:          "engine",
		Command:       append([]string{cfg.Engine.Binary}, cfg.Engine.Args...),
		HealthURL:     cfg.Engine.HealthURL(),
		ReadyInterval: cfg.Engine.ReadyInterval,
		ReadyTimeout:  cfg.Engine.ReadyTimeout,
		StopGrace:     cfg.Engine.StopGrace,
		LogPath:       s.Dir.ProcessLog("engine"),
	}
	sidecar := deps.Member{
		Name:          "sidecar",
		Command:       append([]string{cfg.Sidecar.Binary}, cfg.Sidecar.Args...),
		HealthURL:     cfg.Sidecar.HealthURL(),
		ReadyInterval: cfg.Sidecar.ReadyInterval,
		ReadyTimeout:  cfg.Sidecar.ReadyTimeout,
		StopGrace:     cfg.Sidecar.StopGrace,
		LogPath:       s.Dir.ProcessLog("sidecar"),
	}

	set := deps.NewSet(engine, sidecar, s.Dir.RuntimeStateFile(),
		deps.WithCommandFactory(s.factory),
		deps.WithBus(s.bus),
	)
	s.mu.Lock()
	s.deps = set
	s.mu.Unlock()

	return set.Start(ctx)
}

// Deps returns the dependency set (nil before StartDependencies).
func (s *Session) Deps() *deps.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deps
}

// App returns the application supervisor, constructing it on first use.
func (s *Session) App() *appproc.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.app == nil {
		cfg := s.Config
		s.app = appproc.New(appproc.Config{
			Command:       cfg.App.Command,
			Dir:           cfg.Path,
			HealthURL:     cfg.App.HealthURL(),
			ReadyInterval: cfg.App.ReadyInterval,
			ReadyTimeout:  cfg.App.ReadyTimeout,
			StopGrace:     cfg.App.StopGrace,
			LogPath:       s.Dir.ProcessLog("app"),
		},
			appproc.WithCommandFactory(s.factory),
			appproc.WithBus(s.bus),
			appproc.WithStream(s.stream),
		)
	}
	return s.app
}

// BringUp starts dependencies, then the application, and gates on its
// readiness endpoint. Hot reload is not involved; this is the e2e path.
func (s *Session) BringUp(ctx context.Context) error {
	if err := s.StartDependencies(ctx); err != nil {
		return err
	}
	app := s.App()
	if err := app.Start(ctx); err != nil {
		return err
	}
	return app.AwaitReady(ctx)
}

// AppLogTail returns the last n application output lines, if any.
func (s *Session) AppLogTail(n int) []string {
	s.mu.Lock()
	app := s.app
	s.mu.Unlock()
	if app == nil || app.Current() == nil {
		return nil
	}
	return app.Current().Tail(n)
}

// Shutdown unwinds the session: application, then sidecar, then engine,
// then the lock. Strictly ordered, idempotent, safe on partial bring-up.
// Teardown errors are logged, never propagated; a process that already
// exited is not an error.
func (s *Session) Shutdown(ctx context.Context) {
	s.shutdown.Do(func() {
		log.Info(log.CatSession, "shutting down", "id", s.ID)

		s.mu.Lock()
		app := s.app
		set := s.deps
		s.mu.Unlock()

		if app != nil {
			if err := app.Stop(ctx); err != nil {
				log.ErrorErr(log.CatSession, "stopping application failed", err)
			}
		}
		if set != nil {
			if err := set.Stop(ctx); err != nil {
				log.ErrorErr(log.CatSession, "stopping dependencies failed", err)
			}
		}
		if err := s.lock.Unlock(); err != nil {
			log.ErrorErr(log.CatSession, "releasing session lock failed", err)
		}
		log.Info(log.CatSession, "session ended", "id", s.ID, "duration", time.Since(s.Started))
	})
}
