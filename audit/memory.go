package audit

import (
	"context"
	"sync"

	"github.com/songzhibin97/taskflow/types"
)

// MemorySink keeps audit entries in memory.
type MemorySink struct {
	mu      sync.RWMutex
	entries []types.AuditLogEntry
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record appends an entry.
func (s *MemorySink) Record(ctx context.Context, entry types.AuditLogEntry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Query returns matching entries, oldest first.
func (s *MemorySink) Query(ctx context.Context, filter Filter) ([]types.AuditLogEntry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filter.apply(s.entries), nil
}

// Entries returns a copy of every recorded entry.
func (s *MemorySink) Entries() []types.AuditLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.AuditLogEntry(nil), s.entries...)
}

// Actions lists the recorded actions in order.
func (s *MemorySink) Actions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	actions := make([]string, len(s.entries))
	for i, e := range s.entries {
		actions[i] = e.Action
	}
	return actions
}
