// Package process spawns, controls, and reaps subprocesses for the executor.
//
// Every subprocess becomes the leader of a fresh process group, so pause,
// resume, and termination signals reach the whole subtree a shell command may
// fork. Termination is two-phase: SIGTERM to the group, a bounded grace wait,
// then SIGKILL. Cleanup is safe to call on every exit path and tolerates
// processes that have already gone away.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/grahama1970/cc-executor/internal/common/logger"
)

// SignalKind selects the group-level signal delivered by Signal.
type SignalKind string

const (
	// SignalPause stops the process group (SIGSTOP).
	SignalPause SignalKind = "pause"
	// SignalResume continues a stopped process group (SIGCONT).
	SignalResume SignalKind = "resume"
	// SignalTerminate starts the graceful-then-kill escalation.
	SignalTerminate SignalKind = "terminate"
)

// reapTimeout bounds how long Cleanup waits for the process to be reaped
// after the kill escalation has run.
const reapTimeout = 5 * time.Second

// Handle tracks one spawned subprocess and its pipes.
type Handle struct {
	pid    int
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	waitOnce sync.Once
	waitErr  error
	exitCode int
	done     chan struct{}

	cleanupOnce sync.Once
}

// PID returns the subprocess (and process group) identifier.
func (h *Handle) PID() int {
	return h.pid
}

// Stdout returns the subprocess's stdout pipe.
func (h *Handle) Stdout() io.ReadCloser {
	return h.stdout
}

// Stderr returns the subprocess's stderr pipe.
func (h *Handle) Stderr() io.ReadCloser {
	return h.stderr
}

// Done is closed once the subprocess has been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Supervisor spawns subprocesses in dedicated process groups and guarantees
// they are reaped. All methods are safe for concurrent use.
type Supervisor struct {
	logger      *logger.Logger
	gracePeriod time.Duration
}

// NewSupervisor creates a supervisor with the given terminate-to-kill grace period.
func NewSupervisor(gracePeriod time.Duration, log *logger.Logger) *Supervisor {
	return &Supervisor{
		logger:      log.WithFields(zap.String("component", "process-supervisor")),
		gracePeriod: gracePeriod,
	}
}

// Spawn launches the command via "sh -lc" as the leader of a new process
// group and returns a handle for signaling and reaping. The environment map
// is merged over the parent environment without inspection.
func (s *Supervisor) Spawn(ctx context.Context, command string, env map[string]string) (*Handle, error) {
	cmd := exec.Command("sh", "-lc", command)
	cmd.Env = mergeEnv(env)
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	h := &Handle{
		pid:    cmd.Process.Pid,
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}

	s.logger.Debug("process spawned",
		zap.Int("pid", h.pid),
		zap.String("command", command))

	return h, nil
}

// Signal delivers a control signal to the whole process group. Signaling a
// process that has already exited is a no-op.
func (s *Supervisor) Signal(h *Handle, kind SignalKind) error {
	switch kind {
	case SignalPause:
		return s.signalGroup(h, syscall.SIGSTOP)
	case SignalResume:
		return s.signalGroup(h, syscall.SIGCONT)
	case SignalTerminate:
		s.terminate(h)
		return nil
	default:
		return fmt.Errorf("unknown signal kind: %s", kind)
	}
}

// signalGroup sends sig to the negative PGID so every process in the group
// receives it. ESRCH means the group is already gone and is tolerated.
func (s *Supervisor) signalGroup(h *Handle, sig syscall.Signal) error {
	err := syscall.Kill(-h.pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	s.logger.Warn("failed to signal process group",
		zap.Int("pgid", h.pid),
		zap.String("signal", sig.String()),
		zap.Error(err))
	return err
}

// terminate runs the two-phase shutdown: SIGTERM to the group, wait up to the
// grace period, then SIGKILL. A stopped group is continued first so SIGTERM
// handlers can actually run.
func (s *Supervisor) terminate(h *Handle) {
	_ = syscall.Kill(-h.pid, syscall.SIGCONT)
	_ = s.signalGroup(h, syscall.SIGTERM)

	select {
	case <-h.done:
		return
	case <-time.After(s.gracePeriod):
	}

	s.logger.Warn("grace period expired, killing process group", zap.Int("pgid", h.pid))
	_ = s.signalGroup(h, syscall.SIGKILL)
}

// Wait blocks until the subprocess is reaped and returns its exit code.
// It is idempotent; every caller observes the same result.
func (h *Handle) Wait() int {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()
		h.waitErr = err
		h.exitCode = exitCodeFromError(err)
		close(h.done)
	})
	<-h.done
	return h.exitCode
}

// Cleanup terminates the group if still running and waits for the reap with a
// hard timeout. Invoked unconditionally on all exit paths; residual processes
// are logged, never fatal.
func (s *Supervisor) Cleanup(ctx context.Context, h *Handle) {
	h.cleanupOnce.Do(func() {
		select {
		case <-h.done:
			// Already reaped.
			return
		default:
		}

		s.terminate(h)

		reaped := make(chan struct{})
		go func() {
			h.Wait()
			close(reaped)
		}()

		select {
		case <-reaped:
		case <-time.After(reapTimeout):
			s.logger.Error("process not reaped within hard timeout",
				zap.Int("pgid", h.pid))
		case <-ctx.Done():
			s.logger.Warn("cleanup context cancelled before reap",
				zap.Int("pgid", h.pid))
		}
	})
}

// exitCodeFromError maps cmd.Wait results onto an exit code, including
// signal-death, which surfaces as 128+signal in shell convention.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}
	return 1
}

// mergeEnv merges custom environment variables over the parent environment,
// returning the "KEY=VALUE" slice format exec.Cmd expects.
func mergeEnv(env map[string]string) []string {
	if len(env) == 0 {
		return os.Environ()
	}

	base := make(map[string]string, len(env)+64)
	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}
	for k, v := range env {
		base[k] = v
	}

	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, k+"="+v)
	}
	return merged
}
