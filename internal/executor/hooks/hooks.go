// Package hooks defines the pre-spawn command-rewriter plug-point.
//
// A rewriter sees the command line and environment once, before the
// supervisor spawns anything, and may return replacements. Implementations
// are expected to be pure; one that needs I/O runs inside a bounded worker
// slot with a hard timeout, and its failure or timeout surfaces to the
// caller as a spawn failure.
package hooks

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	apperrors "github.com/grahama1970/cc-executor/internal/common/errors"
)

// Rewriter transforms a command and environment before spawn.
type Rewriter interface {
	// Name identifies the hook in capability listings.
	Name() string

	// Rewrite returns the command and environment to execute. Returning an
	// error aborts the execution before anything is spawned.
	Rewrite(ctx context.Context, command string, env map[string]string) (string, map[string]string, error)
}

// Runner applies a chain of rewriters inside a bounded worker pool so a slow
// hook can never stall the serving goroutines of other sessions.
type Runner struct {
	rewriters []Rewriter
	slots     *semaphore.Weighted
	timeout   time.Duration
}

// NewRunner creates a hook runner with the given pool width and per-chain
// hard timeout.
func NewRunner(rewriters []Rewriter, poolSize int64, timeout time.Duration) *Runner {
	if poolSize <= 0 {
		poolSize = 4
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Runner{
		rewriters: rewriters,
		slots:     semaphore.NewWeighted(poolSize),
		timeout:   timeout,
	}
}

// Enabled reports whether any rewriter is configured.
func (r *Runner) Enabled() bool {
	return len(r.rewriters) > 0
}

// Names lists the configured rewriters in application order.
func (r *Runner) Names() []string {
	names := make([]string, 0, len(r.rewriters))
	for _, rw := range r.rewriters {
		names = append(names, rw.Name())
	}
	return names
}

// Apply runs the rewriter chain and returns the final command and
// environment. Pool exhaustion, hook error, and hook timeout all surface as
// a spawn failure; the subprocess never starts.
func (r *Runner) Apply(ctx context.Context, command string, env map[string]string) (string, map[string]string, error) {
	if len(r.rewriters) == 0 {
		return command, env, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.slots.Acquire(ctx, 1); err != nil {
		return "", nil, apperrors.SpawnFailed(command, err)
	}
	defer r.slots.Release(1)

	type result struct {
		command string
		env     map[string]string
		err     error
	}

	done := make(chan result, 1)
	go func() {
		cmd, e := command, env
		for _, rw := range r.rewriters {
			var err error
			cmd, e, err = rw.Rewrite(ctx, cmd, e)
			if err != nil {
				done <- result{err: err}
				return
			}
		}
		done <- result{command: cmd, env: e}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", nil, apperrors.SpawnFailed(command, res.err)
		}
		return res.command, res.env, nil
	case <-ctx.Done():
		return "", nil, apperrors.SpawnFailed(command, ctx.Err())
	}
}
