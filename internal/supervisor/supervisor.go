// Package supervisor launches the multi-rank training command as a child
// process group, tees its combined output to a log file, and drives the
// graceful-then-forceful termination protocol.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/dtrain-org/dtrain/internal/fileutil"
	"github.com/dtrain-org/dtrain/internal/logger"
)

var (
	// ErrLaunch indicates the child process never started: bad executable,
	// unopenable log file, or a spawn failure.
	ErrLaunch = errors.New("failed to launch child process")

	// ErrTimeout indicates a Wait deadline elapsed before the child exited.
	ErrTimeout = errors.New("timed out waiting for child process")

	errStillRunning = errors.New("child process still running")
)

// DefaultGraceTimeout is how long a process group gets between the graceful
// termination signal and the forceful one.
const DefaultGraceTimeout = 60 * time.Second

// readChunkSize bounds how much child output is buffered before it is
// flushed; rank processes can emit arbitrarily long progress lines, which
// are split across flushes rather than dropped.
const readChunkSize = 64 * 1024

// Supervisor runs one child process group at a time. The zero value is not
// usable; construct with New.
type Supervisor struct {
	stdout io.Writer
	grace  time.Duration
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithGraceTimeout overrides the termination grace period.
func WithGraceTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.grace = d }
}

// WithStdout redirects the mirrored output stream, mainly for tests.
func WithStdout(w io.Writer) Option {
	return func(s *Supervisor) { s.stdout = w }
}

// New creates a supervisor with the default 60s grace period.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{stdout: os.Stdout, grace: DefaultGraceTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State is the observable lifecycle of a supervised process group.
type State int

const (
	StateRunning State = iota
	StateStopping
	StateExited
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Handle is one supervised child process group. It is created by Launch and
// mutated only by the supervisor.
type Handle struct {
	cmd *exec.Cmd
	log *os.File
	out *os.File

	reapOnce sync.Once
	done     chan struct{}
	waitErr  error

	mu       sync.Mutex
	stopping bool
	killed   bool
}

// Launch starts command as a new process group with stdout and stderr
// combined into a single pipe, and opens logPath for appending. The child's
// output is not consumed until Listen runs.
func (s *Supervisor) Launch(ctx context.Context, logPath string, command []string) (*Handle, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrLaunch)
	}

	logFile, err := fileutil.OpenOrCreateFile(logPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.Env = os.Environ()
	// The child becomes a process group leader so termination signals reach
	// every rank worker it spawns, not just the launcher itself.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		_ = logFile.Close()
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	// The parent's copy of the write end must close now, or the read side
	// never sees EOF when the child exits.
	_ = pw.Close()

	logger.Info(ctx, "Launched child process group", "pid", cmd.Process.Pid, "log", logPath)

	h := &Handle{cmd: cmd, log: logFile, out: pr, done: make(chan struct{})}
	h.reap()
	return h, nil
}

// Listen drains the child's combined output until the child exits or the
// stream closes, appending every line to the log file and mirroring it to
// the supervisor's stdout. Lines longer than the read buffer are split
// across writes; output is never dropped or reordered.
func (s *Supervisor) Listen(h *Handle) error {
	r := bufio.NewReaderSize(h.out, readChunkSize)
	for {
		chunk, err := r.ReadSlice('\n')
		if len(chunk) > 0 {
			if _, werr := h.log.Write(chunk); werr != nil {
				return fmt.Errorf("failed to append child output: %w", werr)
			}
			_, _ = s.stdout.Write(chunk)
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			return nil
		default:
			return fmt.Errorf("failed to read child output: %w", err)
		}
	}
}

// Terminate sends the graceful termination signal to the whole process
// group.
func (s *Supervisor) Terminate(h *Handle) error {
	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()
	return syscall.Kill(-h.Pid(), syscall.SIGTERM)
}

// Kill sends the non-ignorable termination signal to the whole process
// group. Used only after a graceful-termination timeout.
func (s *Supervisor) Kill(h *Handle) error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	return syscall.Kill(-h.Pid(), syscall.SIGKILL)
}

// Pid returns the child's process id.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// State reports the group's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		if h.killed {
			return StateKilled
		}
		return StateExited
	default:
		if h.stopping {
			return StateStopping
		}
		return StateRunning
	}
}

// Wait blocks until the child exits or timeout elapses. On exit it returns
// the child's exit code; on deadline it returns ErrTimeout.
func (h *Handle) Wait(timeout time.Duration) (int, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-h.done:
		return h.exitStatus()
	case <-t.C:
		return -1, fmt.Errorf("%w: no exit within %s", ErrTimeout, timeout)
	}
}

// poll reports the exit status without blocking, or errStillRunning.
func (h *Handle) poll() (int, error) {
	select {
	case <-h.done:
		return h.exitStatus()
	default:
		return -1, errStillRunning
	}
}

// reap starts the single goroutine allowed to call Wait on the underlying
// command. Output is written by the child straight into the pipe, so reaping
// early cannot race the Listen loop.
func (h *Handle) reap() {
	h.reapOnce.Do(func() {
		go func() {
			h.waitErr = h.cmd.Wait()
			close(h.done)
		}()
	})
}

func (h *Handle) exitStatus() (int, error) {
	var exitErr *exec.ExitError
	if errors.As(h.waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if h.waitErr != nil {
		return -1, h.waitErr
	}
	return 0, nil
}

func (h *Handle) close() {
	_ = h.out.Close()
	_ = h.log.Close()
}

// Run launches command, streams its output to logPath, and blocks until the
// child exits or ctx is cancelled. On cancellation or a stream failure the
// group gets the graceful signal, a bounded wait, and a forced kill if the
// wait times out; the originating cause is returned after cleanup. A child
// that exits 0 on its own is never signalled.
func (s *Supervisor) Run(ctx context.Context, logPath string, command []string) error {
	h, err := s.Launch(ctx, logPath, command)
	if err != nil {
		// Nothing spawned, nothing to clean up.
		return err
	}
	defer h.close()

	listenDone := make(chan error, 1)
	go func() { listenDone <- s.Listen(h) }()

	select {
	case <-ctx.Done():
		// The child may have finished cleanly before the cancellation was
		// observed; then no signal is sent.
		if code, perr := h.poll(); perr == nil && code == 0 {
			<-listenDone
			return nil
		}
		logger.Warn(ctx, "Interrupted, stopping child process group", "pid", h.Pid())
		s.stopGroup(ctx, h)
		<-listenDone
		return ctx.Err()

	case lerr := <-listenDone:
		if lerr != nil {
			logger.Error(ctx, "Child output stream failed, stopping child process group",
				"pid", h.Pid(), "err", lerr)
			s.stopGroup(ctx, h)
			return lerr
		}
	}

	code, werr := h.Wait(s.grace)
	switch {
	case errors.Is(werr, ErrTimeout):
		logger.Warn(ctx, "Child closed its output but did not exit, stopping process group", "pid", h.Pid())
		s.stopGroup(ctx, h)
		return fmt.Errorf("child process hung after closing output: %w", werr)
	case werr != nil:
		return fmt.Errorf("failed to reap child process: %w", werr)
	case code != 0:
		return fmt.Errorf("child process exited with status %d", code)
	}
	return nil
}

// stopGroup runs the termination protocol: graceful signal, bounded wait,
// forced kill on timeout.
func (s *Supervisor) stopGroup(ctx context.Context, h *Handle) {
	if err := s.Terminate(h); err != nil {
		logger.Warn(ctx, "Failed to signal child process group", "pid", h.Pid(), "err", err)
	}
	if _, err := h.Wait(s.grace); errors.Is(err, ErrTimeout) {
		logger.Warn(ctx, "Grace period expired, killing child process group", "pid", h.Pid())
		if err := s.Kill(h); err != nil {
			logger.Error(ctx, "Failed to kill child process group", "pid", h.Pid(), "err", err)
		}
		<-h.done
	}
}
