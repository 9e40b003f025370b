package window

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/redisc"
)

// bucketSeconds is the width of one dedup bucket. Consecutive pull windows
// overlap by one aggregation interval, so Seen checks the current bucket and
// the previous one.
const bucketSeconds = 60

// Deduplicator answers "has this record id been admitted inside the dedup
// ttl". Members are record ids ("{dimensions_md5}.{timestamp}").
type Deduplicator interface {
	// Seen reports whether recordID was already admitted.
	Seen(ctx context.Context, groupKey, recordID string, ts int64) (bool, error)
	// Mark admits recordID.
	Mark(ctx context.Context, groupKey, recordID string, ts int64) error
}

// RedisDeduplicator keeps one set per (group, minute bucket).
type RedisDeduplicator struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisDeduplicator(rdb *redis.Client, ttl time.Duration) *RedisDeduplicator {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisDeduplicator{rdb: rdb, ttl: ttl}
}

func bucketOf(ts int64) int64 { return ts - ts%bucketSeconds }

func (d *RedisDeduplicator) Seen(ctx context.Context, groupKey, recordID string, ts int64) (bool, error) {
	bucket := bucketOf(ts)
	pipe := d.rdb.Pipeline()
	cur := pipe.SIsMember(ctx, redisc.DuplicateKey(groupKey, bucket), recordID)
	prev := pipe.SIsMember(ctx, redisc.DuplicateKey(groupKey, bucket-bucketSeconds), recordID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("dedup check %s: %w", groupKey, err)
	}
	return cur.Val() || prev.Val(), nil
}

func (d *RedisDeduplicator) Mark(ctx context.Context, groupKey, recordID string, ts int64) error {
	key := redisc.DuplicateKey(groupKey, bucketOf(ts))
	pipe := d.rdb.Pipeline()
	pipe.SAdd(ctx, key, recordID)
	pipe.Expire(ctx, key, d.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dedup mark %s: %w", groupKey, err)
	}
	return nil
}

// MemoryDeduplicator backs unit tests.
type MemoryDeduplicator struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDeduplicator() *MemoryDeduplicator {
	return &MemoryDeduplicator{seen: map[string]struct{}{}}
}

func (d *MemoryDeduplicator) key(groupKey, recordID string, ts int64) string {
	return fmt.Sprintf("%s.%d.%s", groupKey, bucketOf(ts), recordID)
}

func (d *MemoryDeduplicator) Seen(_ context.Context, groupKey, recordID string, ts int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[d.key(groupKey, recordID, ts)]; ok {
		return true, nil
	}
	_, ok := d.seen[d.key(groupKey, recordID, ts-bucketSeconds)]
	return ok, nil
}

func (d *MemoryDeduplicator) Mark(_ context.Context, groupKey, recordID string, ts int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[d.key(groupKey, recordID, ts)] = struct{}{}
	return nil
}
