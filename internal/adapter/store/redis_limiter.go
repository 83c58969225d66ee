package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

type RedisLimiter struct {
	client *redis.Client
	limit  int // Max tokens allowed
}

func NewRedisLimiter(client *redis.Client, limit int) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  limit,
	}
}

func usageKey(userID string) string { return "usage:" + userID }

func (r *RedisLimiter) CheckLimit(ctx context.Context, userID string) (bool, error) {
	val, err := r.client.Get(ctx, usageKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil // No usage yet
	}
	if err != nil {
		return false, fmt.Errorf("read usage for %s: %w", userID, err)
	}
	usage, err := strconv.Atoi(val)
	if err != nil {
		return false, fmt.Errorf("corrupt usage counter for %s: %w", userID, err)
	}
	return usage < r.limit, nil
}

func (r *RedisLimiter) Increment(ctx context.Context, userID string, tokens int) error {
	return r.client.IncrBy(ctx, usageKey(userID), int64(tokens)).Err()
}
