package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"recon/scanner"
)

// TaskStore defines persistence operations for scan tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *ScanTask) error
	GetTask(ctx context.Context, id string) (*ScanTask, error)
	UpdateTask(ctx context.Context, task *ScanTask) error
	RequestCancel(ctx context.Context, id string) error
	PushToQueue(ctx context.Context, taskID string) error
	PopFromQueue(ctx context.Context) (string, error)
}

var (
	// ErrTaskNotFound indicates the requested task doesn't exist in the store.
	ErrTaskNotFound = errors.New("task not found")
)

const queueKey = "scans:queue"

// RedisStore implements TaskStore using Redis as backend.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed task store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) taskKey(id string) string {
	return fmt.Sprintf("scan:%s", id)
}

// CreateTask persists a new scan task in Redis.
func (s *RedisStore) CreateTask(ctx context.Context, task *ScanTask) error {
	data, err := serializeTask(task)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.taskKey(task.ID), data).Err()
}

// GetTask retrieves a task by ID.
func (s *RedisStore) GetTask(ctx context.Context, id string) (*ScanTask, error) {
	res, err := s.client.HGetAll(ctx, s.taskKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, ErrTaskNotFound
	}
	return deserializeTask(res)
}

// UpdateTask updates an existing task in Redis. The cancel flag is owned by
// RequestCancel and is never overwritten here.
func (s *RedisStore) UpdateTask(ctx context.Context, task *ScanTask) error {
	data, err := serializeTask(task)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.taskKey(task.ID), data).Err()
}

// RequestCancel flags a task for cancellation.
func (s *RedisStore) RequestCancel(ctx context.Context, id string) error {
	n, err := s.client.Exists(ctx, s.taskKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return s.client.HSet(ctx, s.taskKey(id), "cancel_requested", "1").Err()
}

// PushToQueue enqueues a task ID for workers to process.
func (s *RedisStore) PushToQueue(ctx context.Context, taskID string) error {
	return s.client.LPush(ctx, queueKey, taskID).Err()
}

// PopFromQueue blocks until a task ID is available or ctx is done.
func (s *RedisStore) PopFromQueue(ctx context.Context) (string, error) {
	res, err := s.client.BRPop(ctx, 0, queueKey).Result()
	if err != nil {
		return "", err
	}
	if len(res) != 2 {
		return "", errors.New("unexpected response size from BRPOP")
	}
	return res[1], nil
}

func serializeTask(task *ScanTask) (map[string]interface{}, error) {
	targets, err := json.Marshal(task.Targets)
	if err != nil {
		return nil, err
	}

	var progress, report string
	if task.Progress != nil {
		encoded, err := json.Marshal(task.Progress)
		if err != nil {
			return nil, err
		}
		progress = string(encoded)
	}
	if task.Report != nil {
		encoded, err := json.Marshal(task.Report)
		if err != nil {
			return nil, err
		}
		report = string(encoded)
	}

	completedAt := ""
	if task.CompletedAt != nil {
		completedAt = task.CompletedAt.Format(time.RFC3339Nano)
	}

	return map[string]interface{}{
		"id":           task.ID,
		"status":       task.Status,
		"targets":      string(targets),
		"ports":        task.Ports,
		"kinds":        task.Kinds,
		"progress":     progress,
		"report":       report,
		"created_at":   task.CreatedAt.Format(time.RFC3339Nano),
		"completed_at": completedAt,
		"error":        task.Error,
	}, nil
}

func deserializeTask(data map[string]string) (*ScanTask, error) {
	task := &ScanTask{
		ID:              data["id"],
		Status:          data["status"],
		Ports:           data["ports"],
		Kinds:           data["kinds"],
		Error:           data["error"],
		CancelRequested: data["cancel_requested"] == "1",
	}

	if raw := data["targets"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &task.Targets); err != nil {
			return nil, err
		}
	}
	if raw := data["progress"]; raw != "" {
		task.Progress = new(scanner.Snapshot)
		if err := json.Unmarshal([]byte(raw), task.Progress); err != nil {
			return nil, err
		}
	}
	if raw := data["report"]; raw != "" {
		task.Report = new(scanner.FinalReport)
		if err := json.Unmarshal([]byte(raw), task.Report); err != nil {
			return nil, err
		}
	}

	if raw := data["created_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, err
		}
		task.CreatedAt = t
	}
	if raw := data["completed_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, err
		}
		task.CompletedAt = &t
	}

	return task, nil
}
