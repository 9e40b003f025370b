package access

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/redisc"
)

// Gate decides whether a point may pass priority inhibition. Within a
// priority group, a dimension fingerprint only passes for the highest
// priority seen in the retention window; lower priorities are suppressed
// until the entry ages out.
type Gate interface {
	Admit(ctx context.Context, priorityGroupKey, dimensionsMD5 string, priority int, now int64) (bool, error)
}

// admitScript stores "priority:last_seen" per fingerprint in a hash. An
// update wins when its priority is at least the stored one or the stored
// entry aged past the ttl.
var admitScript = redis.NewScript(`
local stored = redis.call("HGET", KEYS[1], ARGV[1])
local priority = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
if stored then
	local sep = string.find(stored, ":")
	local sp = tonumber(string.sub(stored, 1, sep - 1))
	local last = tonumber(string.sub(stored, sep + 1))
	if priority < sp and now - last <= ttl then
		return 0
	end
end
redis.call("HSET", KEYS[1], ARGV[1], priority .. ":" .. now)
redis.call("EXPIRE", KEYS[1], ttl * 2)
return 1
`)

// RedisGate implements Gate on one hash per priority group.
type RedisGate struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisGate(rdb *redis.Client, ttl time.Duration) *RedisGate {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisGate{rdb: rdb, ttl: ttl}
}

func (g *RedisGate) Admit(ctx context.Context, priorityGroupKey, dimensionsMD5 string, priority int, now int64) (bool, error) {
	key := redisc.PriorityKey(priorityGroupKey)
	res, err := admitScript.Run(ctx, g.rdb, []string{key},
		dimensionsMD5, priority, now, int64(g.ttl.Seconds())).Int64()
	if err != nil {
		return false, fmt.Errorf("priority gate %s: %w", priorityGroupKey, err)
	}
	return res == 1, nil
}

// MemoryGate is an in-process Gate for tests.
type MemoryGate struct {
	mu      sync.Mutex
	ttl     int64
	entries map[string]string // "group/md5" -> "priority:last_seen"
}

func NewMemoryGate(ttl time.Duration) *MemoryGate {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MemoryGate{ttl: int64(ttl.Seconds()), entries: map[string]string{}}
}

func (g *MemoryGate) Admit(_ context.Context, priorityGroupKey, dimensionsMD5 string, priority int, now int64) (bool, error) {
	key := priorityGroupKey + "/" + dimensionsMD5
	g.mu.Lock()
	defer g.mu.Unlock()
	if stored, ok := g.entries[key]; ok {
		parts := strings.SplitN(stored, ":", 2)
		sp, _ := strconv.Atoi(parts[0])
		last, _ := strconv.ParseInt(parts[1], 10, 64)
		if priority < sp && now-last <= g.ttl {
			return false, nil
		}
	}
	g.entries[key] = fmt.Sprintf("%d:%d", priority, now)
	return true, nil
}
