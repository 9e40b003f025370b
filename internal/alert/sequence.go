package alert

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/redisc"
)

const shardCount = 16

// Sequencer mints alert ids. Ids are monotonic within a shard; the shard is
// derived from the strategy id so one strategy's ids always come from the
// same counter.
type Sequencer interface {
	Next(ctx context.Context, strategyID int64) (string, error)
}

// RedisSequencer mints ids with INCR on per-shard counters.
type RedisSequencer struct {
	rdb *redis.Client
}

func NewRedisSequencer(rdb *redis.Client) *RedisSequencer {
	return &RedisSequencer{rdb: rdb}
}

func (s *RedisSequencer) Next(ctx context.Context, strategyID int64) (string, error) {
	shard := strategyID % shardCount
	seq, err := s.rdb.Incr(ctx, redisc.AlertSequenceKey(shard)).Result()
	if err != nil {
		return "", fmt.Errorf("mint alert id: %w", err)
	}
	return formatAlertID(shard, seq), nil
}

func formatAlertID(shard, seq int64) string {
	return fmt.Sprintf("%02d%012d", shard, seq)
}

// MemorySequencer mints ids from process-local counters for tests.
type MemorySequencer struct {
	mu   sync.Mutex
	seqs [shardCount]int64
}

func NewMemorySequencer() *MemorySequencer { return &MemorySequencer{} }

func (s *MemorySequencer) Next(_ context.Context, strategyID int64) (string, error) {
	shard := strategyID % shardCount
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[shard]++
	return formatAlertID(shard, s.seqs[shard]), nil
}
