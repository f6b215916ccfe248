package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/grahama1970/cc-executor/internal/common/errors"
	"github.com/grahama1970/cc-executor/internal/common/logger"
)

// Registry is the process-wide table of live sessions. All mutations are
// serialized by one mutex, which is held only for the table operation and
// never across I/O or subprocess calls.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	capacity int
	logger   *logger.Logger
}

// NewRegistry creates a registry with the given session capacity.
func NewRegistry(capacity int, log *logger.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		capacity: capacity,
		logger:   log.WithFields(zap.String("component", "session-registry")),
	}
}

// Register atomically checks capacity and creates a new session. A registry
// at its cap rejects with a capacity error and touches nothing.
func (r *Registry) Register(parent context.Context) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.capacity {
		return nil, apperrors.CapacityExceeded(r.capacity)
	}

	s := newSession(parent)
	r.sessions[s.ID] = s

	r.logger.Debug("session registered",
		zap.String("session_id", s.ID),
		zap.Int("active", len(r.sessions)))

	return s, nil
}

// Lookup returns the session with the given ID, if registered.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Unregister removes the session and releases its capacity slot. Idempotent.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)

	r.logger.Debug("session unregistered",
		zap.String("session_id", id),
		zap.Int("active", len(r.sessions)))
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CancelAll trips every registered session's cancellation token. Used during
// server shutdown; sessions still unregister through their own teardown.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Cancel()
	}
}
