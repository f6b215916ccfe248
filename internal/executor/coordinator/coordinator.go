// Package coordinator ties one session's subprocess, stream reader, and
// socket writer together behind an explicit state machine.
//
// States follow the execution lifecycle: Idle, Starting, Running, Paused,
// Terminating, and the terminal Completed/Failed, after which the session
// returns to Idle and may execute again. Every async worker observes the
// session's cancellation context; the coordinator guarantees the subprocess
// group is reaped before the execution is considered finished, regardless of
// how it ended.
package coordinator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/grahama1970/cc-executor/internal/common/errors"
	"github.com/grahama1970/cc-executor/internal/common/logger"
	"github.com/grahama1970/cc-executor/internal/executor/history"
	"github.com/grahama1970/cc-executor/internal/executor/hooks"
	"github.com/grahama1970/cc-executor/internal/executor/metrics"
	"github.com/grahama1970/cc-executor/internal/executor/process"
	"github.com/grahama1970/cc-executor/internal/executor/relay"
	"github.com/grahama1970/cc-executor/internal/executor/stream"
	v1 "github.com/grahama1970/cc-executor/pkg/api/v1"
	"github.com/grahama1970/cc-executor/pkg/jsonrpc"
)

// Notifier delivers server-push notifications to the session's client.
// Implementations serialize writes on the session socket and report whether
// the notification was accepted (a closed socket drops silently).
type Notifier interface {
	Notify(method string, params interface{}) bool
}

// Config carries the per-execution limits the coordinator enforces.
type Config struct {
	SessionTimeout    time.Duration
	StreamTimeout     time.Duration
	HeartbeatInterval time.Duration
	GracePeriod       time.Duration
	QueuePutTimeout   time.Duration
	QueueCapacity     int

	Caps               stream.Caps
	TokenLimitPatterns []string
	AllowedCommands    []string
}

// execution is the live state of one subprocess invocation.
type execution struct {
	id        string
	command   string
	handle    *process.Handle
	queue     *relay.Queue
	mux       *stream.Multiplexer
	startedAt time.Time

	lastProgress atomic.Int64 // unix nanos of the last observed chunk

	markerOnce sync.Once // buffer_exhausted marker, shared by all drop paths
	cause      v1.CompletionCause

	done chan struct{} // closed once terminal status reached and group reaped
}

func (e *execution) touchProgress() {
	e.lastProgress.Store(time.Now().UnixNano())
}

// Coordinator runs the per-session execution state machine.
type Coordinator struct {
	sessionID  string
	sessionCtx context.Context
	cfg        Config
	supervisor *process.Supervisor
	hooks      *hooks.Runner
	notifier   Notifier
	sink       *metrics.Sink
	store      history.Store
	logger     *logger.Logger

	mu    sync.Mutex
	state v1.ExecutionStatus
	exec  *execution
}

// New creates a coordinator bound to one session.
func New(sessionID string, sessionCtx context.Context, cfg Config, supervisor *process.Supervisor,
	hookRunner *hooks.Runner, notifier Notifier, sink *metrics.Sink, store history.Store,
	log *logger.Logger) *Coordinator {
	return &Coordinator{
		sessionID:  sessionID,
		sessionCtx: sessionCtx,
		cfg:        cfg,
		supervisor: supervisor,
		hooks:      hookRunner,
		notifier:   notifier,
		sink:       sink,
		store:      store,
		state:      v1.ExecutionStatusIdle,
		logger:     log.WithSessionID(sessionID).WithFields(zap.String("component", "coordinator")),
	}
}

// State returns the current execution status.
func (c *Coordinator) State() v1.ExecutionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setStateLocked(to v1.ExecutionStatus) {
	from := c.state
	c.state = to
	execID := ""
	if c.exec != nil {
		execID = c.exec.id
	}
	c.sink.StateTransition(c.sessionID, execID, from, to)
}

// Execute starts a subprocess for this session. At most one execution may be
// live per session; a second request is rejected as busy.
func (c *Coordinator) Execute(ctx context.Context, params *v1.ExecuteParams) (*v1.ExecuteResult, error) {
	if strings.TrimSpace(params.Command) == "" {
		return nil, apperrors.ValidationError("command", "must not be empty")
	}
	if err := c.checkAllowed(params.Command); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != v1.ExecutionStatusIdle {
		c.mu.Unlock()
		return nil, apperrors.Busy(c.sessionID)
	}
	c.setStateLocked(v1.ExecutionStatusStarting)
	c.mu.Unlock()

	command, env := params.Command, params.Env
	if c.hooks != nil {
		var err error
		command, env, err = c.hooks.Apply(ctx, command, env)
		if err != nil {
			c.failStarting()
			return nil, err
		}
	}

	handle, err := c.supervisor.Spawn(ctx, command, env)
	if err != nil {
		c.failStarting()
		return nil, apperrors.SpawnFailed(params.Command, err)
	}

	exec := &execution{
		id:        uuid.New().String(),
		command:   params.Command,
		handle:    handle,
		queue:     relay.NewQueue(c.cfg.QueueCapacity, c.cfg.QueuePutTimeout),
		mux:       stream.NewMultiplexer(c.cfg.Caps, c.cfg.TokenLimitPatterns, c.logger),
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	exec.touchProgress()

	c.mu.Lock()
	c.exec = exec
	c.setStateLocked(v1.ExecutionStatusRunning)
	c.mu.Unlock()

	c.logger.Info("execution started",
		zap.String("execution_id", exec.id),
		zap.Int("pid", handle.PID()))

	c.notifier.Notify(jsonrpc.NotificationProcessStarted, &v1.ProcessStarted{PID: handle.PID()})
	c.sink.ExecutionStarted(c.sessionID, exec.id, handle.PID(), exec.command)

	timeout := c.cfg.SessionTimeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}

	go c.run(exec)
	go c.watchdog(exec, timeout)

	return &v1.ExecuteResult{PID: handle.PID()}, nil
}

// failStarting records a spawn failure and returns the session to Idle.
func (c *Coordinator) failStarting() {
	c.mu.Lock()
	c.setStateLocked(v1.ExecutionStatusFailed)
	c.setStateLocked(v1.ExecutionStatusIdle)
	c.mu.Unlock()
}

// checkAllowed enforces the command allow-list against the leading token.
func (c *Coordinator) checkAllowed(command string) error {
	if len(c.cfg.AllowedCommands) == 0 {
		return nil
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return apperrors.ValidationError("command", "must not be empty")
	}
	for _, allowed := range c.cfg.AllowedCommands {
		if fields[0] == allowed {
			return nil
		}
	}
	return apperrors.CommandNotAllowed(fields[0])
}

// run relays output until both pipes close, then reaps the subprocess and
// finishes the execution. This goroutine is the only writer of the terminal
// status.
func (c *Coordinator) run(exec *execution) {
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		exec.queue.Drain(c.sessionCtx, func(chunk stream.Chunk) {
			c.relayChunk(exec, chunk)
		}, c.cfg.HeartbeatInterval, func() {
			c.notifier.Notify(jsonrpc.NotificationHeartbeat,
				&v1.Heartbeat{TS: time.Now().UTC().Format(time.RFC3339)})
		})
	}()

	emit := func(chunk stream.Chunk) {
		exec.touchProgress()
		if !exec.queue.Put(c.sessionCtx, chunk) {
			c.noteExhausted(exec)
		}
	}
	_ = exec.mux.ReadUntilEOF(c.sessionCtx, exec.handle.Stdout(), exec.handle.Stderr(), emit)

	exitCode := exec.handle.Wait()
	exec.queue.Close()
	<-drainDone

	c.finish(exec, exitCode)
}

// relayChunk converts one multiplexer chunk into its wire notification.
func (c *Coordinator) relayChunk(exec *execution, chunk stream.Chunk) {
	switch chunk.Kind {
	case stream.ChunkOutput:
		c.notifier.Notify(jsonrpc.NotificationProcessOutput, &v1.ProcessOutput{
			Stream:    chunk.Stream,
			Data:      chunk.Data,
			Truncated: chunk.Truncated,
		})

	case stream.ChunkBufferExhausted:
		c.noteExhausted(exec)

	case stream.ChunkStreamError:
		c.notifier.Notify(jsonrpc.NotificationProcessOutput, &v1.ProcessOutput{
			Stream: chunk.Stream,
			Data:   "[stream error] " + chunk.Data,
		})

	case stream.ChunkTokenLimit:
		c.notifier.Notify(jsonrpc.NotificationTokenLimitExceeded, &v1.TokenLimitExceeded{
			Limit:       chunk.TokenLimit,
			Message:     strings.TrimRight(chunk.Data, "\n"),
			Recoverable: true,
		})

	case stream.ChunkLineTruncated, stream.ChunkEOF:
		// Line truncation travels on the chunk's own truncated flag; EOF is
		// internal bookkeeping. Neither produces a wire frame.
	}
}

// noteExhausted emits the single buffer_exhausted marker for this execution,
// whichever drop path crossed the threshold first.
func (c *Coordinator) noteExhausted(exec *execution) {
	exec.markerOnce.Do(func() {
		c.logger.Warn("output buffer exhausted, shedding further lines",
			zap.String("execution_id", exec.id))
		c.notifier.Notify(jsonrpc.NotificationProcessOutput, &v1.ProcessOutput{
			Stream:    v1.StreamStdout,
			Data:      "",
			Truncated: true,
		})
	})
}

// watchdog enforces the wall-clock and stream-progress timeouts.
func (c *Coordinator) watchdog(exec *execution, wallClock time.Duration) {
	wallTimer := time.NewTimer(wallClock)
	defer wallTimer.Stop()

	checkEvery := c.cfg.StreamTimeout / 10
	if checkEvery < time.Second {
		checkEvery = time.Second
	}
	if checkEvery > 30*time.Second {
		checkEvery = 30 * time.Second
	}
	progress := time.NewTicker(checkEvery)
	defer progress.Stop()

	for {
		select {
		case <-exec.done:
			return

		case <-c.sessionCtx.Done():
			return

		case <-wallTimer.C:
			c.timeout(exec, "session", int(wallClock/time.Second))
			return

		case <-progress.C:
			if c.cfg.StreamTimeout <= 0 {
				continue
			}
			if c.State() == v1.ExecutionStatusPaused {
				// A paused group legitimately produces nothing.
				exec.touchProgress()
				continue
			}
			last := time.Unix(0, exec.lastProgress.Load())
			if time.Since(last) > c.cfg.StreamTimeout {
				c.timeout(exec, "stream", int(c.cfg.StreamTimeout/time.Second))
				return
			}
		}
	}
}

// timeout drives the execution into Terminating with cause timeout.
func (c *Coordinator) timeout(exec *execution, kind string, seconds int) {
	c.mu.Lock()
	if c.exec != exec || c.state == v1.ExecutionStatusTerminating {
		c.mu.Unlock()
		return
	}
	exec.cause = v1.CauseTimeout
	c.setStateLocked(v1.ExecutionStatusTerminating)
	c.mu.Unlock()

	c.logger.Warn("execution timed out",
		zap.String("execution_id", exec.id),
		zap.String("kind", kind))

	c.notifier.Notify(jsonrpc.NotificationTimeout, &v1.TimeoutNotice{Kind: kind, Seconds: seconds})

	go func() {
		_ = c.supervisor.Signal(exec.handle, process.SignalTerminate)
	}()
}

// Control applies a live control action to the current execution.
func (c *Coordinator) Control(ctx context.Context, typ v1.ControlType) (*v1.ControlResult, error) {
	c.mu.Lock()
	exec := c.exec
	state := c.state

	if exec == nil || state == v1.ExecutionStatusIdle {
		c.mu.Unlock()
		return nil, apperrors.NoActiveExecution(c.sessionID)
	}

	var signal process.SignalKind
	switch typ {
	case v1.ControlPause:
		if state == v1.ExecutionStatusRunning {
			c.setStateLocked(v1.ExecutionStatusPaused)
			signal = process.SignalPause
		}

	case v1.ControlResume:
		if state == v1.ExecutionStatusPaused {
			c.setStateLocked(v1.ExecutionStatusRunning)
			exec.touchProgress()
			signal = process.SignalResume
		}

	case v1.ControlCancel:
		if state != v1.ExecutionStatusTerminating {
			exec.cause = v1.CauseCancelled
			c.setStateLocked(v1.ExecutionStatusTerminating)
			signal = process.SignalTerminate
		}
		// Cancelling an already-terminating execution is an accepted no-op.

	default:
		c.mu.Unlock()
		return nil, apperrors.ValidationError("type", "must be pause, resume, or cancel")
	}
	c.mu.Unlock()

	if signal != "" {
		if signal == process.SignalTerminate {
			// Terminate blocks through the grace period; never on this path.
			go func() {
				_ = c.supervisor.Signal(exec.handle, process.SignalTerminate)
			}()
		} else if err := c.supervisor.Signal(exec.handle, signal); err != nil {
			c.logger.Warn("control signal failed",
				zap.String("type", string(typ)),
				zap.Error(err))
		}
	}

	return &v1.ControlResult{OK: true}, nil
}

// finish records the terminal status, reaps the group, notifies the client,
// and returns the session to Idle.
func (c *Coordinator) finish(exec *execution, exitCode int) {
	// Reap guarantee: unconditional, idempotent.
	c.supervisor.Cleanup(context.Background(), exec.handle)

	c.mu.Lock()
	cause := exec.cause
	if cause == "" {
		cause = v1.CauseNormal
	}
	c.exec = nil
	c.setStateLocked(v1.ExecutionStatusCompleted)
	c.setStateLocked(v1.ExecutionStatusIdle)
	c.mu.Unlock()

	c.notifier.Notify(jsonrpc.NotificationProcessCompleted, &v1.ProcessCompleted{
		ExitCode: exitCode,
		Cause:    cause,
	})

	record := &v1.ExecutionRecord{
		ID:           exec.id,
		SessionID:    c.sessionID,
		Command:      exec.command,
		PID:          exec.handle.PID(),
		Status:       v1.ExecutionStatusCompleted,
		Cause:        cause,
		ExitCode:     exitCode,
		BytesEmitted: exec.mux.BytesEmitted(),
		DroppedLines: exec.mux.DroppedLines() + exec.queue.Dropped(),
		StartedAt:    exec.startedAt,
		FinishedAt:   time.Now().UTC(),
	}

	c.logger.Info("execution completed",
		zap.String("execution_id", exec.id),
		zap.Int("exit_code", exitCode),
		zap.String("cause", string(cause)),
		zap.Int64("bytes_emitted", record.BytesEmitted),
		zap.Int64("dropped_lines", record.DroppedLines))

	c.sink.ExecutionCompleted(record)
	if c.store != nil {
		go func() {
			if err := c.store.Record(context.Background(), record); err != nil {
				c.logger.Warn("failed to record execution history", zap.Error(err))
			}
		}()
	}

	close(exec.done)
}

// Shutdown cancels any live execution and blocks until its process group is
// reaped, bounded by the grace period plus ten seconds.
// Called on disconnect and server shutdown; safe to call when idle.
func (c *Coordinator) Shutdown(cause v1.CompletionCause) {
	c.mu.Lock()
	exec := c.exec
	if exec != nil && c.state != v1.ExecutionStatusTerminating {
		if exec.cause == "" {
			exec.cause = cause
		}
		c.setStateLocked(v1.ExecutionStatusTerminating)
	}
	c.mu.Unlock()

	if exec == nil {
		return
	}

	go func() {
		_ = c.supervisor.Signal(exec.handle, process.SignalTerminate)
	}()

	bound := c.cfg.GracePeriod + 10*time.Second
	select {
	case <-exec.done:
	case <-time.After(bound):
		c.logger.Error("execution did not reach terminal state within shutdown bound",
			zap.String("execution_id", exec.id))
	}
}
