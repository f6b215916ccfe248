package history

import (
	"context"
	"fmt"
	"sort"
	"sync"

	v1 "github.com/grahama1970/cc-executor/pkg/api/v1"
)

// MemoryStore provides in-memory execution history, used in tests and when
// persistence is disabled.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*v1.ExecutionRecord
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*v1.ExecutionRecord),
	}
}

// Record persists one completed execution.
func (s *MemoryStore) Record(ctx context.Context, rec *v1.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *rec
	s.records[rec.ID] = &copied
	return nil
}

// Get returns a recorded execution by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*v1.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("execution record not found: %s", id)
	}
	copied := *rec
	return &copied, nil
}

// ListBySession returns the recorded executions of one session, most recent first.
func (s *MemoryStore) ListBySession(ctx context.Context, sessionID string) ([]*v1.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*v1.ExecutionRecord, 0)
	for _, rec := range s.records {
		if rec.SessionID != sessionID {
			continue
		}
		copied := *rec
		result = append(result, &copied)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].FinishedAt.After(result[j].FinishedAt)
	})
	return result, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
