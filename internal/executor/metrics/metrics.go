// Package metrics publishes executor lifecycle transitions to the event bus.
// Publishing is fire-and-forget: a sink failure never affects an execution.
package metrics

import (
	"context"

	"go.uber.org/zap"

	"github.com/grahama1970/cc-executor/internal/common/logger"
	"github.com/grahama1970/cc-executor/internal/events/bus"
	v1 "github.com/grahama1970/cc-executor/pkg/api/v1"
)

// Event bus subjects.
const (
	SubjectSessionRegistered   = "ccexec.session.registered"
	SubjectSessionUnregistered = "ccexec.session.unregistered"
	SubjectExecutionStarted    = "ccexec.execution.started"
	SubjectExecutionState      = "ccexec.execution.state"
	SubjectExecutionCompleted  = "ccexec.execution.completed"
)

const source = "cc-executor"

// Sink forwards lifecycle counters to the event bus. A nil *Sink is a valid
// no-op receiver, so callers never need nil checks.
type Sink struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// NewSink creates a metrics sink over the given event bus.
func NewSink(eventBus bus.EventBus, log *logger.Logger) *Sink {
	return &Sink{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "metrics-sink")),
	}
}

// SessionRegistered records a new session entering the registry.
func (s *Sink) SessionRegistered(sessionID string, active int) {
	s.publish(SubjectSessionRegistered, "session.registered", map[string]interface{}{
		"session_id":      sessionID,
		"active_sessions": active,
	})
}

// SessionUnregistered records a session leaving the registry.
func (s *Sink) SessionUnregistered(sessionID string, active int) {
	s.publish(SubjectSessionUnregistered, "session.unregistered", map[string]interface{}{
		"session_id":      sessionID,
		"active_sessions": active,
	})
}

// ExecutionStarted records a successful spawn.
func (s *Sink) ExecutionStarted(sessionID, executionID string, pid int, command string) {
	s.publish(SubjectExecutionStarted, "execution.started", map[string]interface{}{
		"session_id":   sessionID,
		"execution_id": executionID,
		"pid":          pid,
		"command":      command,
	})
}

// StateTransition records one step of the execution state machine.
func (s *Sink) StateTransition(sessionID, executionID string, from, to v1.ExecutionStatus) {
	s.publish(SubjectExecutionState, "execution.state", map[string]interface{}{
		"session_id":   sessionID,
		"execution_id": executionID,
		"from":         string(from),
		"to":           string(to),
	})
}

// ExecutionCompleted records an execution reaching a terminal status.
func (s *Sink) ExecutionCompleted(rec *v1.ExecutionRecord) {
	s.publish(SubjectExecutionCompleted, "execution.completed", map[string]interface{}{
		"session_id":    rec.SessionID,
		"execution_id":  rec.ID,
		"exit_code":     rec.ExitCode,
		"cause":         string(rec.Cause),
		"bytes_emitted": rec.BytesEmitted,
		"dropped_lines": rec.DroppedLines,
	})
}

func (s *Sink) publish(subject, eventType string, data map[string]interface{}) {
	if s == nil || s.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, source, data)
	if err := s.bus.Publish(context.Background(), subject, event); err != nil {
		s.logger.Debug("metrics publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
