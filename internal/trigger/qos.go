// Package trigger turns anomaly points into alert documents by evaluating
// M-of-N trigger conditions, and runs the recovery and close sweeps.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/redisc"
)

// Limiter caps alert emission per (strategy, severity, signal) per minute.
// Alerts over the cap are stored flagged is_blocked and skip converge.
type Limiter interface {
	Allow(ctx context.Context, strategyID int64, severity int, signal string) (bool, error)
}

// qosScript bumps the per-minute counter, arming the ttl on first increment
// so the counter decays on its own.
var qosScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisLimiter implements Limiter on decaying Redis counters.
type RedisLimiter struct {
	rdb *redis.Client
	max int64
}

func NewRedisLimiter(rdb *redis.Client, maxPerMinute int64) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, max: maxPerMinute}
}

func (l *RedisLimiter) Allow(ctx context.Context, strategyID int64, severity int, signal string) (bool, error) {
	key := redisc.QoSKey(strategyID, severity, signal)
	current, err := qosScript.Run(ctx, l.rdb, []string{key}, 60).Int64()
	if err != nil {
		return false, fmt.Errorf("qos counter %s: %w", key, err)
	}
	return current <= l.max, nil
}

// Flush clears the QoS counters matching the strategy and severity. Severity
// zero clears every severity of the strategy; strategy zero clears all.
func (l *RedisLimiter) Flush(ctx context.Context, strategyID int64, severity int) (int, error) {
	pattern := redisc.QoSPattern(strategyID, severity)
	var cursor uint64
	cleared := 0
	for {
		keys, next, err := l.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return cleared, fmt.Errorf("scan qos counters: %w", err)
		}
		if len(keys) > 0 {
			if err := l.rdb.Del(ctx, keys...).Err(); err != nil {
				return cleared, fmt.Errorf("clear qos counters: %w", err)
			}
			cleared += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return cleared, nil
		}
	}
}

// MemoryLimiter is an in-process Limiter for tests. The minute window is
// driven by the injected clock.
type MemoryLimiter struct {
	mu     sync.Mutex
	max    int64
	counts map[string]int64
	window map[string]time.Time
	Clock  func() time.Time
}

func NewMemoryLimiter(maxPerMinute int64) *MemoryLimiter {
	return &MemoryLimiter{
		max:    maxPerMinute,
		counts: map[string]int64{},
		window: map[string]time.Time{},
		Clock:  time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, strategyID int64, severity int, signal string) (bool, error) {
	key := redisc.QoSKey(strategyID, severity, signal)
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.Clock()
	if started, ok := l.window[key]; !ok || now.Sub(started) >= time.Minute {
		l.window[key] = now
		l.counts[key] = 0
	}
	l.counts[key]++
	return l.counts[key] <= l.max, nil
}
