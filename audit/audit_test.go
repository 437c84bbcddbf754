package audit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/songzhibin97/taskflow/storage"
	"github.com/songzhibin97/taskflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id uint64, actor, action, target string, at time.Time) types.AuditLogEntry {
	return types.AuditLogEntry{
		ID:             id,
		ActorID:        actor,
		Action:         action,
		TargetResource: target,
		Changes:        map[string]interface{}{"n": id},
		Timestamp:      at,
	}
}

func TestMemorySink(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	sink := NewMemorySink()
	require.NoError(t, sink.Record(ctx, entry(1, "alice", "WORKFLOW_START", "task-1", base)))
	require.NoError(t, sink.Record(ctx, entry(2, "bob", "WORKFLOW_PROGRESS", "task-1", base.Add(time.Minute))))
	require.NoError(t, sink.Record(ctx, entry(3, "alice", "WORKFLOW_START", "task-2", base.Add(2*time.Minute))))
	require.NoError(t, sink.Record(ctx, entry(4, "admin", "WORKFLOW_REWIND", "task-1", base.Add(3*time.Minute))))

	t.Run("Actions", func(t *testing.T) {
		assert.Equal(t, []string{"WORKFLOW_START", "WORKFLOW_PROGRESS", "WORKFLOW_START", "WORKFLOW_REWIND"}, sink.Actions())
		assert.Len(t, sink.Entries(), 4)
	})

	tests := []struct {
		name    string
		filter  Filter
		wantIDs []uint64
	}{
		{name: "All", filter: Filter{}, wantIDs: []uint64{1, 2, 3, 4}},
		{name: "ByActor", filter: Filter{ActorID: "alice"}, wantIDs: []uint64{1, 3}},
		{name: "ByAction", filter: Filter{Action: "WORKFLOW_START"}, wantIDs: []uint64{1, 3}},
		{name: "ByTarget", filter: Filter{TargetResource: "task-1"}, wantIDs: []uint64{1, 2, 4}},
		{name: "TimeWindow", filter: Filter{Since: base.Add(30 * time.Second), Until: base.Add(150 * time.Second)}, wantIDs: []uint64{2, 3}},
		{name: "OffsetLimit", filter: Filter{Offset: 1, Limit: 2}, wantIDs: []uint64{2, 3}},
		{name: "OffsetPastEnd", filter: Filter{Offset: 10}, wantIDs: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sink.Query(ctx, tt.filter)
			require.NoError(t, err)
			var ids []uint64
			for _, e := range got {
				ids = append(ids, e.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}

	t.Run("CanceledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, sink.Record(cctx, entry(5, "x", "y", "z", base)), context.Canceled)
		_, err := sink.Query(cctx, Filter{})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Len(t, sink.Entries(), 4)
	})
}

func TestRedisSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := storage.NewRedisClient(storage.RedisOptions{Addr: mr.Addr(), PoolSize: 2})
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	key := "audit_logs_test"
	sink := NewRedisSink(client, key)
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, sink.Record(ctx, entry(1, "alice", "WORKFLOW_START", "task-1", now)))
	require.NoError(t, sink.Record(ctx, entry(2, "bob", "WORKFLOW_APPROVE", "task-1", now)))

	got, err := sink.Query(ctx, Filter{ActorID: "bob"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "WORKFLOW_APPROVE", got[0].Action)
	assert.Equal(t, float64(2), got[0].Changes["n"])

	stored, err := mr.List(key)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}
