package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"finops-core/internal/domain/entity"
)

// RedisWorkflows keeps workflow snapshots for status queries after the
// orchestrator has retired them from memory.
type RedisWorkflows struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisWorkflows(client *redis.Client, ttl time.Duration) *RedisWorkflows {
	return &RedisWorkflows{client: client, ttl: ttl}
}

func workflowKey(id string) string { return "workflow:" + id }

func (r *RedisWorkflows) SaveWorkflow(ctx context.Context, result entity.WorkflowResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode workflow %s: %w", result.WorkflowID, err)
	}
	return r.client.Set(ctx, workflowKey(result.WorkflowID), raw, r.ttl).Err()
}

// LoadWorkflow returns entity.ErrWorkflowNotFound for unknown or expired ids.
func (r *RedisWorkflows) LoadWorkflow(ctx context.Context, id string) (*entity.WorkflowResult, error) {
	raw, err := r.client.Get(ctx, workflowKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entity.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}
	var out entity.WorkflowResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	return &out, nil
}
