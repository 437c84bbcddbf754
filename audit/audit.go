// Package audit stores the append-only trail of state-changing operations.
package audit

import (
	"context"
	"time"

	"github.com/songzhibin97/taskflow/types"
)

// Sink receives audit entries. Entries are only ever appended.
type Sink interface {
	Record(ctx context.Context, entry types.AuditLogEntry) error
}

// Querier reads audit entries back.
type Querier interface {
	Query(ctx context.Context, filter Filter) ([]types.AuditLogEntry, error)
}

// Filter selects audit entries. Zero values match everything.
type Filter struct {
	ActorID        string
	Action         string
	TargetResource string
	Since          time.Time
	Until          time.Time
	Offset         int
	Limit          int
}

// Match reports whether the entry passes the filter's field constraints.
func (f Filter) Match(entry types.AuditLogEntry) bool {
	if f.ActorID != "" && entry.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && entry.Action != f.Action {
		return false
	}
	if f.TargetResource != "" && entry.TargetResource != f.TargetResource {
		return false
	}
	if !f.Since.IsZero() && entry.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && entry.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// apply filters entries (oldest first) and applies offset and limit.
func (f Filter) apply(entries []types.AuditLogEntry) []types.AuditLogEntry {
	var matched []types.AuditLogEntry
	for _, e := range entries {
		if f.Match(e) {
			matched = append(matched, e)
		}
	}
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched
}
