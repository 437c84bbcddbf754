package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/taskflow/types"
)

// DefaultRedisKey is the list holding audit entries.
const DefaultRedisKey = "audit_logs"

// RedisSink appends audit entries to a Redis list.
type RedisSink struct {
	client *redis.Client
	key    string
}

// NewRedisSink creates a RedisSink writing to key, or DefaultRedisKey when empty.
func NewRedisSink(client *redis.Client, key string) *RedisSink {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSink{client: client, key: key}
}

// Record appends an entry with RPUSH.
func (s *RedisSink) Record(ctx context.Context, entry types.AuditLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if err := s.client.RPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Query scans the list and returns matching entries, oldest first.
func (s *RedisSink) Query(ctx context.Context, filter Filter) ([]types.AuditLogEntry, error) {
	raw, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}
	entries := make([]types.AuditLogEntry, 0, len(raw))
	for _, item := range raw {
		var entry types.AuditLogEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return filter.apply(entries), nil
}
