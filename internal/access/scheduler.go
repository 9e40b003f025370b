package access

import (
	"context"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/lock"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/redisc"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/strategy"
)

const (
	heartbeatEvery = 30 * time.Second
	catalogRefresh = 60 * time.Second
	workerStaleTTL = 90 * time.Second
	leaderTTL      = 2 * time.Minute
)

// Registry is the access-worker service discovery surface. Workers heartbeat
// into it; every worker reads the full live set to compute group ownership.
type Registry interface {
	Register(ctx context.Context, workerID string, now time.Time) error
	Workers(ctx context.Context, now time.Time) ([]string, error)
	Prune(ctx context.Context, now time.Time) error
}

// RedisRegistry stores worker heartbeats in a hash of id -> unix seconds.
type RedisRegistry struct {
	rdb *redis.Client
}

func NewRedisRegistry(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{rdb: rdb}
}

func (r *RedisRegistry) Register(ctx context.Context, workerID string, now time.Time) error {
	return r.rdb.HSet(ctx, redisc.WorkersKey, workerID, now.Unix()).Err()
}

func (r *RedisRegistry) Workers(ctx context.Context, now time.Time) ([]string, error) {
	entries, err := r.rdb.HGetAll(ctx, redisc.WorkersKey).Result()
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-workerStaleTTL).Unix()
	ids := make([]string, 0, len(entries))
	for id, raw := range entries {
		seen, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seen < cutoff {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Prune removes heartbeats older than the stale TTL. Only the leader calls
// this; readers already skip stale entries, pruning just bounds the hash.
func (r *RedisRegistry) Prune(ctx context.Context, now time.Time) error {
	entries, err := r.rdb.HGetAll(ctx, redisc.WorkersKey).Result()
	if err != nil {
		return err
	}
	cutoff := now.Add(-workerStaleTTL).Unix()
	var stale []string
	for id, raw := range entries {
		seen, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seen < cutoff {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return r.rdb.HDel(ctx, redisc.WorkersKey, stale...).Err()
}

// MemoryRegistry backs scheduler tests.
type MemoryRegistry struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{seen: map[string]time.Time{}}
}

func (r *MemoryRegistry) Register(_ context.Context, workerID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[workerID] = now
	return nil
}

func (r *MemoryRegistry) Workers(_ context.Context, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, at := range r.seen {
		if now.Sub(at) <= workerStaleTTL {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *MemoryRegistry) Prune(_ context.Context, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, at := range r.seen {
		if now.Sub(at) > workerStaleTTL {
			delete(r.seen, id)
		}
	}
	return nil
}

// Scheduler owns the per-worker pull loop: it heartbeats into the registry,
// reads the strategy-group catalogue once a minute and processes the groups
// this worker owns. Ownership is hash(fingerprint) mod live-worker-count, so
// every worker computes the same assignment from the same registry view; the
// per-group lock covers the rebalancing window when views briefly diverge.
type Scheduler struct {
	workerID  string
	registry  Registry
	locks     lock.Locker
	provider  strategy.Provider
	processor *GroupProcessor

	concurrency  int
	heartbeat    time.Duration
	catalogEvery time.Duration
	now          func() time.Time

	ownedMu sync.Mutex
	owned   []*strategy.StrategyGroup
	ownedAt time.Time
}

func NewScheduler(registry Registry, locks lock.Locker, provider strategy.Provider, processor *GroupProcessor, concurrency int) *Scheduler {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Scheduler{
		workerID:     uuid.NewString(),
		registry:     registry,
		locks:        locks,
		provider:     provider,
		processor:    processor,
		concurrency:  concurrency,
		heartbeat:    heartbeatEvery,
		catalogEvery: catalogRefresh,
		now:          time.Now,
	}
}

// WithIntervals overrides the heartbeat cadence and how long a computed group
// assignment is reused before the catalogue and worker set are re-read.
func (s *Scheduler) WithIntervals(heartbeat, catalog time.Duration) *Scheduler {
	if heartbeat > 0 {
		s.heartbeat = heartbeat
	}
	if catalog > 0 {
		s.catalogEvery = catalog
	}
	return s
}

func (s *Scheduler) WorkerID() string { return s.workerID }

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.registry.Register(ctx, s.workerID, s.now()); err != nil {
		return err
	}
	log.Info().Str("worker_id", s.workerID).Msg("access worker registered")

	c := cron.New()
	_, _ = c.AddFunc("@every "+s.heartbeat.String(), func() {
		if err := s.registry.Register(ctx, s.workerID, s.now()); err != nil {
			log.Warn().Err(err).Msg("worker heartbeat failed")
		}
	})
	_, _ = c.AddFunc("@every "+s.catalogEvery.String(), func() { s.maintainLeader(ctx) })
	c.Start()
	defer c.Stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes every owned group whose interval boundary has passed. The
// group processor's checkpoint makes overlapping ticks idempotent.
func (s *Scheduler) Tick(ctx context.Context) {
	groups, err := s.OwnedGroups(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("group assignment failed")
		return
	}
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for _, g := range groups {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(g *strategy.StrategyGroup) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.processor.ProcessGroup(ctx, g); err != nil {
				log.Error().Err(err).Str("group", g.Fingerprint).Msg("group pull failed")
			}
		}(g)
	}
	wg.Wait()
}

// OwnedGroups returns the catalogue slice assigned to this worker. The
// assignment is cached for the catalogue refresh interval; the per-group
// lock covers pulls racing across a stale view.
func (s *Scheduler) OwnedGroups(ctx context.Context) ([]*strategy.StrategyGroup, error) {
	s.ownedMu.Lock()
	defer s.ownedMu.Unlock()
	now := s.now()
	if !s.ownedAt.IsZero() && now.Sub(s.ownedAt) < s.catalogEvery {
		return s.owned, nil
	}
	owned, err := s.computeOwned(ctx)
	if err != nil {
		return nil, err
	}
	s.owned, s.ownedAt = owned, now
	return owned, nil
}

func (s *Scheduler) computeOwned(ctx context.Context) ([]*strategy.StrategyGroup, error) {
	groups, err := s.provider.Groups(ctx)
	if err != nil {
		return nil, err
	}
	workers, err := s.registry.Workers(ctx, s.now())
	if err != nil {
		return nil, err
	}
	idx := -1
	for i, id := range workers {
		if id == s.workerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		// heartbeat not visible yet; claim nothing rather than double-pull
		return nil, nil
	}
	owned := make([]*strategy.StrategyGroup, 0, len(groups)/len(workers)+1)
	for _, g := range groups {
		if int(groupHash(g.Fingerprint))%len(workers) == idx {
			owned = append(owned, g)
		}
	}
	return owned, nil
}

// maintainLeader runs registry housekeeping on exactly one worker. Renew
// with the worker id as token takes a free lock and extends a held one, so
// leadership is sticky until the holder stops heartbeating for two minutes.
func (s *Scheduler) maintainLeader(ctx context.Context) {
	leading, err := s.locks.Renew(ctx, redisc.LeaderLockKey, s.workerID, leaderTTL)
	if err != nil {
		log.Warn().Err(err).Msg("leader renew failed")
		return
	}
	if !leading {
		return
	}
	if err := s.registry.Prune(ctx, s.now()); err != nil {
		log.Warn().Err(err).Msg("registry prune failed")
	}
}

func groupHash(fingerprint string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fingerprint))
	return h.Sum32()
}
