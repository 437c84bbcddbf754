package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/taskflow/types"
)

const (
	workflowPrefix = "workflow:"
	taskPrefix     = "task:"
	triggerPrefix  = "trigger:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Conditional task updates use WATCH/MULTI on the task key.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client, err := NewRedisClient(opts)
	if err != nil {
		return nil, err
	}
	return &RedisStorage{client: client}, nil
}

// NewRedisStorageWithClient creates a RedisStorage on top of an existing client.
func NewRedisStorageWithClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

// saveToRedis saves a value to Redis with the given key prefix and ID.
func (s *RedisStorage) saveToRedis(ctx context.Context, prefix, id string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s%s: %w", prefix, id, err)
		}
		key := prefix + id
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return nil
	})
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getFromRedis retrieves and unmarshals a value from Redis with the given key prefix and ID.
func getFromRedis[T any](ctx context.Context, client getter, prefix, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		key := prefix + id
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// scanBatch is the COUNT hint for SCAN and the MGET batch size.
const scanBatch = 100

// listFromRedis loads every value stored under prefix. Keys are found with
// SCAN and read back in MGET batches; keys removed in between are skipped.
func listFromRedis[T any](ctx context.Context, client *redis.Client, prefix string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		var keys []string
		iter := client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan %s* in Redis: %w", prefix, err)
		}

		out := make([]T, 0, len(keys))
		for start := 0; start < len(keys); start += scanBatch {
			end := start + scanBatch
			if end > len(keys) {
				end = len(keys)
			}
			values, err := client.MGet(ctx, keys[start:end]...).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to read %s* from Redis: %w", prefix, err)
			}
			for i, v := range values {
				data, ok := v.(string)
				if !ok {
					continue
				}
				var item T
				if err := json.Unmarshal([]byte(data), &item); err != nil {
					return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[start+i], err)
				}
				out = append(out, item)
			}
		}
		return out, nil
	})
}

// deleteFromRedis removes prefix+id, returning errNotFound when it did not exist.
func (s *RedisStorage) deleteFromRedis(ctx context.Context, prefix, id string, errNotFound error) error {
	return withContextError(ctx, func() error {
		n, err := s.client.Del(ctx, prefix+id).Result()
		if err != nil {
			return fmt.Errorf("failed to delete %s%s: %w", prefix, id, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: id=%s", errNotFound, id)
		}
		return nil
	})
}

// SaveWorkflow saves a workflow to Redis.
func (s *RedisStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	return s.saveToRedis(ctx, workflowPrefix, wf.ID, wf)
}

// SaveWorkflows saves multiple workflows to Redis using pipelining.
func (s *RedisStorage) SaveWorkflows(ctx context.Context, wfs []types.Workflow) error {
	return withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		for _, wf := range wfs {
			data, err := json.Marshal(wf)
			if err != nil {
				return fmt.Errorf("failed to marshal workflow %s: %w", wf.ID, err)
			}
			pipe.Set(ctx, workflowPrefix+wf.ID, data, 0)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for workflows: %w", err)
		}
		return nil
	})
}

// GetWorkflow retrieves a workflow from Redis.
func (s *RedisStorage) GetWorkflow(ctx context.Context, id string) (types.Workflow, error) {
	return getFromRedis[types.Workflow](ctx, s.client, workflowPrefix, id, ErrWorkflowNotFound)
}

// CreateTask stores a new task using SETNX.
func (s *RedisStorage) CreateTask(ctx context.Context, task types.Task) error {
	return withContextError(ctx, func() error {
		task.Version = 1
		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
		}
		ok, err := s.client.SetNX(ctx, taskPrefix+task.ID, data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to create task %s in Redis: %w", task.ID, err)
		}
		if !ok {
			return fmt.Errorf("%w: id=%s", ErrTaskExists, task.ID)
		}
		return nil
	})
}

// GetTask retrieves a task from Redis.
func (s *RedisStorage) GetTask(ctx context.Context, id string) (types.Task, error) {
	return getFromRedis[types.Task](ctx, s.client, taskPrefix, id, ErrTaskNotFound)
}

// UpdateTask writes the task inside a WATCH transaction when the stored version matches.
func (s *RedisStorage) UpdateTask(ctx context.Context, task *types.Task) error {
	return withContextError(ctx, func() error {
		key := taskPrefix + task.ID
		next := *task
		next.Version = task.Version + 1

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := getFromRedis[types.Task](ctx, tx, taskPrefix, task.ID, ErrTaskNotFound)
			if err != nil {
				return err
			}
			if current.Version != task.Version {
				return fmt.Errorf("%w: task %s at version %d, have %d", ErrConflict, task.ID, current.Version, task.Version)
			}

			data, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: task %s changed during update", ErrConflict, task.ID)
		}
		if err != nil {
			return err
		}
		task.Version = next.Version
		return nil
	})
}

// ListTasks scans all tasks.
func (s *RedisStorage) ListTasks(ctx context.Context) ([]types.Task, error) {
	tasks, err := listFromRedis[types.Task](ctx, s.client, taskPrefix)
	if err != nil {
		return nil, err
	}
	sortTasks(tasks)
	return tasks, nil
}

// DeleteTask removes a task from Redis.
func (s *RedisStorage) DeleteTask(ctx context.Context, id string) error {
	return s.deleteFromRedis(ctx, taskPrefix, id, ErrTaskNotFound)
}

// SaveTrigger saves a webhook trigger to Redis.
func (s *RedisStorage) SaveTrigger(ctx context.Context, trigger types.WebhookTrigger) error {
	return s.saveToRedis(ctx, triggerPrefix, trigger.ID, trigger)
}

// GetTrigger retrieves a webhook trigger from Redis.
func (s *RedisStorage) GetTrigger(ctx context.Context, id string) (types.WebhookTrigger, error) {
	return getFromRedis[types.WebhookTrigger](ctx, s.client, triggerPrefix, id, ErrTriggerNotFound)
}

// ListTriggers scans all webhook triggers.
func (s *RedisStorage) ListTriggers(ctx context.Context) ([]types.WebhookTrigger, error) {
	triggers, err := listFromRedis[types.WebhookTrigger](ctx, s.client, triggerPrefix)
	if err != nil {
		return nil, err
	}
	sortTriggers(triggers)
	return triggers, nil
}

// DeleteTrigger removes a webhook trigger from Redis.
func (s *RedisStorage) DeleteTrigger(ctx context.Context, id string) error {
	return s.deleteFromRedis(ctx, triggerPrefix, id, ErrTriggerNotFound)
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
