// Package deps supervises the dependency set: the workflow-engine process
// and the sidecar-runtime process, started together, health-checked as a
// unit, and stopped in reverse order.
package deps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"devloop/internal/errs"
	"devloop/internal/health"
	"devloop/internal/log"
	"devloop/internal/proc"
	"devloop/internal/pubsub"
	"devloop/internal/runtimestate"
)

// SetState is the dependency set's composite state.
type SetState string

const (
	StateNotStarted    SetState = "not_started"
	StateStarting      SetState = "starting"
	StateAwaitingReady SetState = "awaiting_ready"
	StateDegraded      SetState = "degraded"
	StateRecovering    SetState = "recovering"
	StateReady         SetState = "ready"
	StateFailed        SetState = "failed"
)

// Member describes one dependency process.
type Member struct {
	Name          string
	Command       []string
	HealthURL     string
	ReadyInterval time.Duration
	ReadyTimeout  time.Duration
	StopGrace     time.Duration
	LogPath       string
}

// DiagnosticTailLines is how much captured output is attached to failures.
const DiagnosticTailLines = 30

// Set aggregates exactly two process handles and a composite readiness
// flag. Ready is reached only when both members report Healthy.
type Set struct {
	engine  Member
	sidecar Member

	// stateFile is the project runtime-state path mutated by recovery.
	stateFile string
	factory   proc.CommandFactory
	bus       *pubsub.Broker[proc.OutputLine]

	mu            sync.RWMutex
	state         SetState
	engineHandle  *proc.Handle
	sidecarHandle *proc.Handle
	recovered     bool
}

// Option configures a Set.
type Option func(*Set)

// WithCommandFactory injects command creation for tests.
func WithCommandFactory(f proc.CommandFactory) Option {
	return func(s *Set) { s.factory = f }
}

// WithBus attaches an output event bus to both members.
func WithBus(bus *pubsub.Broker[proc.OutputLine]) Option {
	return func(s *Set) { s.bus = bus }
}

// NewSet creates an unstarted dependency set.
func NewSet(engine, sidecar Member, stateFile string, opts ...Option) *Set {
	s := &Set{
		engine:    engine,
		sidecar:   sidecar,
		stateFile: stateFile,
		state:     StateNotStarted,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the composite state.
func (s *Set) State() SetState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Ready reports whether both members are Healthy.
func (s *Set) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateReady &&
		s.engineHandle != nil && s.engineHandle.Status() == proc.StatusHealthy &&
		s.sidecarHandle != nil && s.sidecarHandle.Status() == proc.StatusHealthy
}

// Engine returns the workflow-engine handle (nil before Start).
func (s *Set) Engine() *proc.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engineHandle
}

// Sidecar returns the sidecar-runtime handle (nil before Start).
func (s *Set) Sidecar() *proc.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sidecarHandle
}

// RecoveryAttempted reports whether the single recovery cycle has run.
func (s *Set) RecoveryAttempted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recovered
}

// Start brings the set up: both processes launched concurrently, then
// health-gated. A sidecar that fails readiness gets exactly one bounded
// recovery cycle (stop, reset runtime state, restart, re-poll); a second
// failure is terminal. Any terminal failure short-circuits bring-up; the
// caller is responsible for tearing down whatever was already started.
func (s *Set) Start(ctx context.Context) error {
	s.setState(StateStarting)
	log.Info(log.CatDeps, "starting dependency set",
		"engine", s.engine.Name, "sidecar", s.sidecar.Name)

	engineHandle := s.newHandle(s.engine)
	sidecarHandle := s.newHandle(s.sidecar)
	s.mu.Lock()
	s.engineHandle = engineHandle
	s.sidecarHandle = sidecarHandle
	s.mu.Unlock()

	// Launch concurrently; independent handles, independent failures
	var wg sync.WaitGroup
	startErrs := make([]error, 2)
	for i, h := range []*proc.Handle{engineHandle, sidecarHandle} {
		wg.Add(1)
		go func(i int, h *proc.Handle) {
			defer wg.Done()
			startErrs[i] = h.Start(ctx)
		}(i, h)
	}
	wg.Wait()

	if startErrs[0] != nil {
		s.setState(StateFailed)
		return &errs.DependencyStartupError{
			Dependency: s.engine.Name,
			Cause:      startErrs[0],
			LogTail:    engineHandle.Tail(DiagnosticTailLines),
		}
	}
	if startErrs[1] != nil {
		// A sidecar that cannot even launch is a valid recovery trigger
		if err := s.recoverSidecar(ctx, startErrs[1]); err != nil {
			s.setState(StateFailed)
			return err
		}
	}

	s.setState(StateAwaitingReady)

	// Poll both concurrently so total wait is bounded by the slower gate
	var engineErr, sidecarErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		engineErr = s.awaitMember(ctx, s.engine, s.engineHandle)
	}()
	go func() {
		defer wg.Done()
		sidecarErr = s.awaitMember(ctx, s.sidecar, s.currentSidecar())
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	if engineErr != nil {
		s.setState(StateFailed)
		return engineErr
	}

	if sidecarErr != nil {
		// Known failure mode: binary runs but runtime state is stale
		if err := s.recoverSidecar(ctx, sidecarErr); err != nil {
			s.setState(StateFailed)
			return err
		}
	}

	s.setState(StateReady)
	log.Info(log.CatDeps, "dependency set ready")
	return nil
}

// Stop tears down in reverse of startup order: sidecar, then engine.
// Idempotent; a member failing to stop does not prevent stopping the rest.
func (s *Set) Stop(ctx context.Context) error {
	s.mu.RLock()
	sidecarHandle, engineHandle := s.sidecarHandle, s.engineHandle
	s.mu.RUnlock()

	var stopErrs []error
	if sidecarHandle != nil {
		if err := sidecarHandle.Stop(ctx, s.sidecar.StopGrace); err != nil {
			log.ErrorErr(log.CatDeps, "sidecar stop failed", err)
			stopErrs = append(stopErrs, err)
		}
	}
	if engineHandle != nil {
		if err := engineHandle.Stop(ctx, s.engine.StopGrace); err != nil {
			log.ErrorErr(log.CatDeps, "engine stop failed", err)
			stopErrs = append(stopErrs, err)
		}
	}
	return errors.Join(stopErrs...)
}

// awaitMember gates one member and marks its handle healthy on success.
func (s *Set) awaitMember(ctx context.Context, m Member, h *proc.Handle) error {
	gate := health.NewGate(m.ReadyInterval, m.ReadyTimeout)
	res, err := gate.Wait(ctx, m.HealthURL)
	if err != nil {
		return err
	}
	if !res.Healthy {
		return &errs.HealthTimeoutError{
			Origin:  m.Name,
			URL:     m.HealthURL,
			LogTail: h.Tail(DiagnosticTailLines),
		}
	}
	h.MarkHealthy()
	log.Info(log.CatDeps, "dependency healthy", "name", m.Name, "latency", res.Latency)
	return nil
}

// recoverSidecar runs the single bounded recovery cycle. A second failure
// in the same session is terminal and surfaced with captured diagnostics.
func (s *Set) recoverSidecar(ctx context.Context, cause error) error {
	s.mu.Lock()
	alreadyTried := s.recovered
	s.recovered = true
	handle := s.sidecarHandle
	s.mu.Unlock()

	if alreadyTried {
		return s.sidecarFailure(cause, handle)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.setState(StateDegraded)
	log.Warn(log.CatDeps, "sidecar degraded, attempting recovery", "cause", cause)
	s.setState(StateRecovering)

	if err := handle.Stop(ctx, s.sidecar.StopGrace); err != nil {
		log.ErrorErr(log.CatDeps, "stopping degraded sidecar failed", err)
	}

	if _, err := runtimestate.Reset(s.stateFile); err != nil {
		return &errs.DependencyStartupError{
			Dependency: s.sidecar.Name,
			Cause:      fmt.Errorf("resetting runtime state: %w", err),
			LogTail:    handle.Tail(DiagnosticTailLines),
		}
	}

	fresh := s.newHandle(s.sidecar)
	s.mu.Lock()
	s.sidecarHandle = fresh
	s.mu.Unlock()

	if err := fresh.Start(ctx); err != nil {
		return s.sidecarFailure(err, fresh)
	}
	if err := s.awaitMember(ctx, s.sidecar, fresh); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return s.sidecarFailure(err, fresh)
	}

	log.Info(log.CatDeps, "sidecar recovered")
	return nil
}

func (s *Set) sidecarFailure(cause error, h *proc.Handle) error {
	return &errs.DependencyStartupError{
		Dependency: s.sidecar.Name,
		Cause:      cause,
		LogTail:    h.Tail(DiagnosticTailLines),
	}
}

func (s *Set) newHandle(m Member) *proc.Handle {
	return proc.New(proc.Options{
		Name:    m.Name,
		Command: m.Command,
		LogPath: m.LogPath,
		Bus:     s.bus,
		Factory: s.factory,
	})
}

func (s *Set) setState(st SetState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Set) currentSidecar() *proc.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sidecarHandle
}
