package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/redisc"
)

// ErrNotFound is returned when a strategy is missing from both the local
// layer and Redis. This is a configuration fault: the publisher owns the
// keys, the pipeline only reads them.
var ErrNotFound = errors.New("strategy not found")

// Provider is the read surface the pipeline stages resolve configuration
// through. Production uses Cache; tests use Memory.
type Provider interface {
	Strategy(ctx context.Context, id int64) (*Strategy, error)
	StrategyGroup(ctx context.Context, fingerprint string) (*StrategyGroup, error)
	ActiveStrategyIDs(ctx context.Context) ([]int64, error)
	Groups(ctx context.Context) ([]*StrategyGroup, error)
	ShieldRules(ctx context.Context, bkBizID int64) ([]*ShieldRule, error)
}

const (
	localTTL        = 10 * time.Minute
	localMaxEntries = 10000
)

// Cache is the two-layer read-through cache: a process-local TTL cache in
// front of the Redis keys written by the strategy publisher. Strategy change
// notifications invalidate single entries; a periodic scan flushes the local
// layer as a backstop.
type Cache struct {
	rdb   *redis.Client
	local *gocache.Cache
	cron  *cron.Cron
}

var _ Provider = (*Cache)(nil)

func NewCache(rdb *redis.Client) *Cache {
	return &Cache{
		rdb:   rdb,
		local: gocache.New(localTTL, 2*time.Minute),
	}
}

// Run starts change subscription and the periodic flush. Blocks until ctx is
// cancelled.
func (c *Cache) Run(ctx context.Context) {
	c.cron = cron.New()
	_, _ = c.cron.AddFunc("@every 60s", func() { c.local.Flush() })
	c.cron.Start()
	defer c.cron.Stop()

	sub := c.rdb.Subscribe(ctx, redisc.StrategyChangedChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			id, err := strconv.ParseInt(msg.Payload, 10, 64)
			if err != nil {
				log.Warn().Str("payload", msg.Payload).Msg("unparsable strategy change notification")
				continue
			}
			c.local.Delete(localStrategyKey(id))
			c.local.Delete("groups")
			log.Debug().Int64("strategy_id", id).Msg("strategy cache entry invalidated")
		}
	}
}

func localStrategyKey(id int64) string { return "strategy." + strconv.FormatInt(id, 10) }

func (c *Cache) putLocal(key string, v interface{}) {
	if c.local.ItemCount() >= localMaxEntries {
		return
	}
	c.local.SetDefault(key, v)
}

func (c *Cache) Strategy(ctx context.Context, id int64) (*Strategy, error) {
	if v, ok := c.local.Get(localStrategyKey(id)); ok {
		return v.(*Strategy), nil
	}
	raw, err := c.rdb.Get(ctx, redisc.StrategyKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("strategy %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("strategy %d: %w", id, err)
	}
	s := &Strategy{}
	if err := json.Unmarshal([]byte(raw), s); err != nil {
		return nil, fmt.Errorf("strategy %d: malformed cache entry: %w", id, err)
	}
	c.putLocal(localStrategyKey(id), s)
	return s, nil
}

func (c *Cache) StrategyGroup(ctx context.Context, fingerprint string) (*StrategyGroup, error) {
	raw, err := c.rdb.HGet(ctx, redisc.StrategyGroupsKey, fingerprint).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("strategy group %s: %w", fingerprint, ErrNotFound)
		}
		return nil, fmt.Errorf("strategy group %s: %w", fingerprint, err)
	}
	g := &StrategyGroup{}
	if err := json.Unmarshal([]byte(raw), g); err != nil {
		return nil, fmt.Errorf("strategy group %s: malformed cache entry: %w", fingerprint, err)
	}
	return g, nil
}

func (c *Cache) ActiveStrategyIDs(ctx context.Context) ([]int64, error) {
	members, err := c.rdb.SMembers(ctx, redisc.ActiveStrategyIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("active strategy ids: %w", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			log.Warn().Str("member", m).Msg("skipping unparsable strategy id")
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Cache) Groups(ctx context.Context) ([]*StrategyGroup, error) {
	if v, ok := c.local.Get("groups"); ok {
		return v.([]*StrategyGroup), nil
	}
	entries, err := c.rdb.HGetAll(ctx, redisc.StrategyGroupsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("strategy groups: %w", err)
	}
	groups := make([]*StrategyGroup, 0, len(entries))
	for fp, raw := range entries {
		g := &StrategyGroup{}
		if err := json.Unmarshal([]byte(raw), g); err != nil {
			log.Warn().Str("fingerprint", fp).Msg("skipping malformed strategy group")
			continue
		}
		groups = append(groups, g)
	}
	c.putLocal("groups", groups)
	return groups, nil
}

func (c *Cache) ShieldRules(ctx context.Context, bkBizID int64) ([]*ShieldRule, error) {
	localKey := "shield." + strconv.FormatInt(bkBizID, 10)
	if v, ok := c.local.Get(localKey); ok {
		return v.([]*ShieldRule), nil
	}
	raw, err := c.rdb.Get(ctx, redisc.ShieldRulesKey(bkBizID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("shield rules %d: %w", bkBizID, err)
	}
	var rules []*ShieldRule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, fmt.Errorf("shield rules %d: malformed cache entry: %w", bkBizID, err)
	}
	c.putLocal(localKey, rules)
	return rules, nil
}

// SaveSnapshot freezes the strategy config in-flight points were produced
// against. Detect and trigger resolve through Snapshot so a concurrent
// strategy edit cannot mix configs.
func (c *Cache) SaveSnapshot(ctx context.Context, s *Strategy) (string, error) {
	key := redisc.StrategySnapshotKey(s.ID, s.UpdateTime)
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("snapshot strategy %d: %w", s.ID, err)
	}
	if err := c.rdb.Set(ctx, key, data, time.Hour).Err(); err != nil {
		return "", fmt.Errorf("snapshot strategy %d: %w", s.ID, err)
	}
	return key, nil
}

// Snapshot loads a frozen strategy; falls back to the live entry when the
// snapshot has expired.
func (c *Cache) Snapshot(ctx context.Context, snapshotKey string, strategyID int64) (*Strategy, error) {
	raw, err := c.rdb.Get(ctx, snapshotKey).Result()
	if err == nil {
		s := &Strategy{}
		if err := json.Unmarshal([]byte(raw), s); err == nil {
			return s, nil
		}
	}
	return c.Strategy(ctx, strategyID)
}
