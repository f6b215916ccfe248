// Package history records completed executions for later inspection.
package history

import (
	"context"

	v1 "github.com/grahama1970/cc-executor/pkg/api/v1"
)

// Store defines the interface for execution history storage.
type Store interface {
	// Record persists one completed execution.
	Record(ctx context.Context, rec *v1.ExecutionRecord) error

	// Get returns a recorded execution by ID.
	Get(ctx context.Context, id string) (*v1.ExecutionRecord, error)

	// ListBySession returns the recorded executions of one session, most
	// recent first.
	ListBySession(ctx context.Context, sessionID string) ([]*v1.ExecutionRecord, error)

	// Close closes the store (for database connections)
	Close() error
}
