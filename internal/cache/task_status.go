package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"fashion-similarity/internal/model"
)

// TaskStatusStore keeps task progress in Redis for a bounded time.
type TaskStatusStore struct {
	client *redisv9.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewTaskStatusStore(client *redisv9.Client, ttl time.Duration) *TaskStatusStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TaskStatusStore{client: client, ttl: ttl, now: time.Now}
}

func (s *TaskStatusStore) Save(ctx context.Context, status *model.TaskStatus) error {
	status.UpdatedAt = s.now().UTC()
	if status.CreatedAt.IsZero() {
		status.CreatedAt = status.UpdatedAt
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal task status failed: %w", err)
	}
	if err := s.client.Set(ctx, taskKey(status.ID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set task status failed: %w", err)
	}
	return nil
}

func (s *TaskStatusStore) Get(ctx context.Context, taskID string) (*model.TaskStatus, bool, error) {
	raw, err := s.client.Get(ctx, taskKey(taskID)).Bytes()
	if err == redisv9.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get task status failed: %w", err)
	}

	var status model.TaskStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, false, fmt.Errorf("unmarshal task status failed: %w", err)
	}
	return &status, true, nil
}

func taskKey(taskID string) string {
	return "task:" + taskID
}
