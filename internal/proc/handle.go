// Package proc supervises a single OS process: launch, line-by-line output
// capture into a bounded ring buffer and a per-session log file, graceful
// stop with a bounded grace window, and status tracking. A Handle is owned
// exclusively by the supervisor that started it and is never shared.
package proc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"devloop/internal/log"
	"devloop/internal/pubsub"
)

// Status is the lifecycle state of a supervised process.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusHealthy  Status = "healthy"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
)

// DefaultBufferCapacity is the default number of output lines retained
// for diagnostics.
const DefaultBufferCapacity = 200

// CommandFactory creates an exec.Cmd. Tests inject a factory so nothing
// spawns real dependency binaries.
type CommandFactory func(ctx context.Context, name string, args ...string) *exec.Cmd

// OutputLine is one captured line from a supervised process.
type OutputLine struct {
	Name string // logical process name ("engine", "sidecar", "app")
	Line string
}

// Options configures a Handle.
type Options struct {
	// Name is the logical process name used in logs and diagnostics.
	Name string
	// Command is the argv to launch. Must not be empty.
	Command []string
	// Dir is the working directory. Empty means inherited.
	Dir string
	// Env entries are appended to os.Environ().
	Env []string
	// BufferCapacity bounds the output ring buffer (default 200).
	BufferCapacity int
	// LogPath, when set, receives every captured line. The file is
	// truncated at start, one capture stream per process per session.
	LogPath string
	// Stream, when set, receives every captured line live (the app
	// supervisor streams to the terminal).
	Stream io.Writer
	// Bus, when set, receives OutputLine events.
	Bus *pubsub.Broker[OutputLine]
	// Factory overrides command creation. Nil uses exec.Command.
	Factory CommandFactory
}

// Handle identifies one supervised OS process.
type Handle struct {
	opts   Options
	output *OutputBuffer

	mu        sync.RWMutex
	status    Status
	startedAt time.Time
	exitCode  int
	stopping  bool
	cmd       *exec.Cmd
	logFile   *os.File

	waitCh  chan struct{} // closed when the process has fully exited
	waitErr error
}

// New creates a Handle in the Starting state. Call Start to launch.
func New(opts Options) *Handle {
	capacity := opts.BufferCapacity
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Handle{
		opts:     opts,
		output:   NewOutputBuffer(capacity),
		status:   StatusStarting,
		exitCode: -1,
		waitCh:   make(chan struct{}),
	}
}

// Start launches the process and begins output capture.
// The process is deliberately not bound to ctx for termination: teardown
// ordering belongs to the shutdown coordinator, which calls Stop. ctx is
// checked before launch and passed to the command factory for tests.
func (h *Handle) Start(ctx context.Context) error {
	if len(h.opts.Command) == 0 {
		return fmt.Errorf("process %s: empty command", h.opts.Name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	factory := h.opts.Factory
	if factory == nil {
		factory = func(_ context.Context, name string, args ...string) *exec.Cmd {
			return exec.Command(name, args...) //nolint:gosec // G204: argv comes from project config
		}
	}

	cmd := factory(ctx, h.opts.Command[0], h.opts.Command[1:]...)
	cmd.Dir = h.opts.Dir
	if len(h.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), h.opts.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("process %s: stdout pipe: %w", h.opts.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("process %s: stderr pipe: %w", h.opts.Name, err)
	}

	var logFile *os.File
	if h.opts.LogPath != "" {
		logFile, err = os.OpenFile(h.opts.LogPath, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: path is under the project state dir
		if err != nil {
			return fmt.Errorf("process %s: open log: %w", h.opts.Name, err)
		}
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		h.mu.Lock()
		h.status = StatusFailed
		h.mu.Unlock()
		return fmt.Errorf("process %s: start: %w", h.opts.Name, err)
	}

	h.mu.Lock()
	h.cmd = cmd
	h.logFile = logFile
	h.status = StatusRunning
	h.startedAt = time.Now()
	h.mu.Unlock()

	log.Info(log.CatProc, "process started", "name", h.opts.Name, "pid", cmd.Process.Pid)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go h.pump(stdout, &pumps)
	go h.pump(stderr, &pumps)

	go func() {
		// Pipes must be drained before Wait per os/exec contract
		pumps.Wait()
		err := cmd.Wait()
		h.finish(err)
	}()

	return nil
}

// pump copies one pipe line-by-line into the ring buffer, the log file,
// the live stream and the event bus.
func (h *Handle) pump(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		h.output.Write(line)

		h.mu.RLock()
		logFile := h.logFile
		h.mu.RUnlock()
		if logFile != nil {
			_, _ = fmt.Fprintln(logFile, line)
		}
		if h.opts.Stream != nil {
			_, _ = fmt.Fprintln(h.opts.Stream, line)
		}
		if h.opts.Bus != nil {
			h.opts.Bus.Publish(pubsub.OutputEvent, OutputLine{Name: h.opts.Name, Line: line})
		}
	}
}

// finish records the terminal state once the process has exited.
func (h *Handle) finish(waitErr error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	code := 0
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if waitErr != nil {
		code = -1
	}
	h.exitCode = code
	h.waitErr = waitErr

	switch {
	case h.stopping:
		h.status = StatusStopped
	case code == 0:
		h.status = StatusStopped
	default:
		h.status = StatusFailed
	}

	if h.logFile != nil {
		_ = h.logFile.Close()
		h.logFile = nil
	}

	log.Info(log.CatProc, "process exited", "name", h.opts.Name, "code", code, "status", h.status)
	close(h.waitCh)
}

// Done returns a channel closed when the process has fully exited.
func (h *Handle) Done() <-chan struct{} {
	return h.waitCh
}

// Wait blocks until the process exits or ctx is cancelled.
// Returns the exit code; ctx cancellation returns ctx.Err() with code -1.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.waitCh:
		return h.ExitCode(), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Stop terminates the process: SIGTERM, a bounded grace window, then
// SIGKILL. Idempotent; safe on a never-started or already-exited handle.
func (h *Handle) Stop(ctx context.Context, grace time.Duration) error {
	h.mu.Lock()
	cmd := h.cmd
	if cmd == nil {
		// Never launched
		if h.status == StatusStarting {
			h.status = StatusStopped
		}
		h.mu.Unlock()
		return nil
	}
	select {
	case <-h.waitCh:
		h.mu.Unlock()
		return nil // Already exited
	default:
	}
	h.stopping = true
	h.mu.Unlock()

	log.Debug(log.CatProc, "stopping process", "name", h.opts.Name, "grace", grace)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process may have exited between the check and the signal
		select {
		case <-h.waitCh:
			return nil
		default:
			return fmt.Errorf("process %s: signal: %w", h.opts.Name, err)
		}
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.waitCh:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	log.Warn(log.CatProc, "grace window elapsed, killing", "name", h.opts.Name)
	if err := cmd.Process.Kill(); err != nil {
		select {
		case <-h.waitCh:
			return nil
		default:
			return fmt.Errorf("process %s: kill: %w", h.opts.Name, err)
		}
	}
	<-h.waitCh
	return nil
}

// MarkHealthy transitions a Running process to Healthy.
// Called by the owning supervisor after a successful readiness poll.
func (h *Handle) MarkHealthy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusRunning {
		h.status = StatusHealthy
	}
}

// Status returns the current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// IsRunning reports whether the process is alive (Running or Healthy).
func (h *Handle) IsRunning() bool {
	s := h.Status()
	return s == StatusRunning || s == StatusHealthy
}

// ExitCode returns the recorded exit code, or -1 before exit.
func (h *Handle) ExitCode() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitCode
}

// StartedAt returns the launch timestamp (zero before Start).
func (h *Handle) StartedAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.startedAt
}

// PID returns the OS process id, or 0 if not running.
func (h *Handle) PID() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Name returns the logical process name.
func (h *Handle) Name() string {
	return h.opts.Name
}

// Tail returns the last n captured output lines.
func (h *Handle) Tail(n int) []string {
	return h.output.LastN(n)
}

// Output returns the full ring buffer contents.
func (h *Handle) Output() *OutputBuffer {
	return h.output
}
