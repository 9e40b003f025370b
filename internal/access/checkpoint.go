package access

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/redisc"
)

// checkpointTTL keeps checkpoints alive well past any reasonable outage so a
// restarted worker resumes instead of rewinding.
const checkpointTTL = 24 * time.Hour

// Checkpoints persists the per-group pull position. Get returns zero when no
// checkpoint exists yet.
type Checkpoints interface {
	Get(ctx context.Context, groupKey string) (int64, error)
	Set(ctx context.Context, groupKey string, ts int64) error
}

// RedisCheckpoints stores checkpoints as plain keys.
type RedisCheckpoints struct {
	rdb *redis.Client
}

func NewRedisCheckpoints(rdb *redis.Client) *RedisCheckpoints {
	return &RedisCheckpoints{rdb: rdb}
}

func (c *RedisCheckpoints) Get(ctx context.Context, groupKey string) (int64, error) {
	raw, err := c.rdb.Get(ctx, redisc.CheckpointKey(groupKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("checkpoint get %s: %w", groupKey, err)
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("checkpoint %s is malformed: %w", groupKey, err)
	}
	return ts, nil
}

func (c *RedisCheckpoints) Set(ctx context.Context, groupKey string, ts int64) error {
	err := c.rdb.Set(ctx, redisc.CheckpointKey(groupKey), strconv.FormatInt(ts, 10), checkpointTTL).Err()
	if err != nil {
		return fmt.Errorf("checkpoint set %s: %w", groupKey, err)
	}
	return nil
}

// MemoryCheckpoints backs unit tests.
type MemoryCheckpoints struct {
	mu     sync.Mutex
	points map[string]int64
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{points: map[string]int64{}}
}

func (c *MemoryCheckpoints) Get(_ context.Context, groupKey string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.points[groupKey], nil
}

func (c *MemoryCheckpoints) Set(_ context.Context, groupKey string, ts int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points[groupKey] = ts
	return nil
}
