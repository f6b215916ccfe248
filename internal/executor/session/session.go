// Package session holds per-connection state and the process-wide registry.
//
// A Session is born when a WebSocket connection is accepted and dies with it.
// Its context is the cancellation token observed by every goroutine working
// on the session's behalf; tripping it is how disconnect, timeout, and
// server shutdown all propagate.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Session is one connection's server-side state.
type Session struct {
	// ID is the opaque server-assigned identifier.
	ID string

	// CreatedAt records when the connection was accepted.
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// newSession creates a session whose context descends from parent.
func newSession(parent context.Context) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context returns the session's cancellation context. All per-session async
// work must observe it.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Cancel trips the session's cancellation token. Idempotent.
func (s *Session) Cancel() {
	s.cancel()
}
