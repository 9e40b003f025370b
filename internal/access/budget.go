package access

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/redisc"
)

// Budget is the per-group pull budget: every group gets a fixed amount of
// worker-seconds per window, so one expensive group cannot starve the rest
// of a worker's tick. An exhausted group skips pulls until the bucket
// expires and refills.
type Budget interface {
	// Spend debits cost seconds and reports the balance after the debit.
	Spend(ctx context.Context, groupKey string, cost int64) (int64, error)
	Remaining(ctx context.Context, groupKey string) (int64, error)
}

const (
	defaultBudgetCapacity = int64(600)
	defaultBudgetWindow   = 10 * time.Minute
)

// spendScript seeds the bucket on first touch and debits it; the key TTL is
// the refill clock.
var spendScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false then
	redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[3])
	v = ARGV[1]
end
return redis.call("DECRBY", KEYS[1], ARGV[2])
`)

// RedisBudget implements Budget on plain counters under the token bucket key.
type RedisBudget struct {
	rdb      *redis.Client
	capacity int64
	window   time.Duration
}

func NewRedisBudget(rdb *redis.Client, capacity int64, window time.Duration) *RedisBudget {
	if capacity <= 0 {
		capacity = defaultBudgetCapacity
	}
	if window <= 0 {
		window = defaultBudgetWindow
	}
	return &RedisBudget{rdb: rdb, capacity: capacity, window: window}
}

func (b *RedisBudget) Spend(ctx context.Context, groupKey string, cost int64) (int64, error) {
	remaining, err := spendScript.Run(ctx, b.rdb, []string{redisc.TokenBucketKey(groupKey)},
		b.capacity, cost, int64(b.window.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("budget spend %s: %w", groupKey, err)
	}
	return remaining, nil
}

func (b *RedisBudget) Remaining(ctx context.Context, groupKey string) (int64, error) {
	v, err := b.rdb.Get(ctx, redisc.TokenBucketKey(groupKey)).Int64()
	if err != nil {
		if err == redis.Nil {
			return b.capacity, nil
		}
		return 0, fmt.Errorf("budget read %s: %w", groupKey, err)
	}
	return v, nil
}

// MemoryBudget backs unit tests. Buckets refill when the window elapses.
type MemoryBudget struct {
	mu       sync.Mutex
	capacity int64
	window   time.Duration
	balance  map[string]int64
	seeded   map[string]time.Time
	Clock    func() time.Time
}

func NewMemoryBudget(capacity int64, window time.Duration) *MemoryBudget {
	if capacity <= 0 {
		capacity = defaultBudgetCapacity
	}
	if window <= 0 {
		window = defaultBudgetWindow
	}
	return &MemoryBudget{
		capacity: capacity,
		window:   window,
		balance:  map[string]int64{},
		seeded:   map[string]time.Time{},
		Clock:    time.Now,
	}
}

func (b *MemoryBudget) refill(groupKey string) {
	now := b.Clock()
	if seeded, ok := b.seeded[groupKey]; !ok || now.Sub(seeded) >= b.window {
		b.balance[groupKey] = b.capacity
		b.seeded[groupKey] = now
	}
}

func (b *MemoryBudget) Spend(_ context.Context, groupKey string, cost int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(groupKey)
	b.balance[groupKey] -= cost
	return b.balance[groupKey], nil
}

func (b *MemoryBudget) Remaining(_ context.Context, groupKey string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(groupKey)
	return b.balance[groupKey], nil
}
