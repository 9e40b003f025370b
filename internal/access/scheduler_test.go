package access

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/lock"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/strategy"
)

func newTestScheduler(registry Registry, provider strategy.Provider) *Scheduler {
	return NewScheduler(registry, lock.NewMemory(), provider, nil, 1)
}

func TestOwnershipPartitionsCatalogue(t *testing.T) {
	ctx := context.Background()
	provider := strategy.NewMemoryProvider()
	for i := 0; i < 40; i++ {
		provider.PutGroup(&strategy.StrategyGroup{
			Fingerprint: fmt.Sprintf("fp-%02d", i),
			StrategyIDs: []int64{int64(i)},
			DataSource:  "bk_monitor",
			Table:       "system.cpu_summary",
			Interval:    60,
		})
	}
	registry := NewMemoryRegistry()
	a := newTestScheduler(registry, provider)
	b := newTestScheduler(registry, provider)
	now := time.Now()
	require.NoError(t, registry.Register(ctx, a.WorkerID(), now))
	require.NoError(t, registry.Register(ctx, b.WorkerID(), now))

	ownedA, err := a.OwnedGroups(ctx)
	require.NoError(t, err)
	ownedB, err := b.OwnedGroups(ctx)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, g := range ownedA {
		seen[g.Fingerprint]++
	}
	for _, g := range ownedB {
		seen[g.Fingerprint]++
	}
	require.Len(t, seen, 40, "every group is owned by someone")
	for fp, n := range seen {
		assert.Equal(t, 1, n, "group %s claimed by both workers", fp)
	}
	assert.NotEmpty(t, ownedA)
	assert.NotEmpty(t, ownedB)
}

func TestLoneWorkerOwnsEverything(t *testing.T) {
	ctx := context.Background()
	provider := strategy.NewMemoryProvider()
	for i := 0; i < 5; i++ {
		provider.PutGroup(&strategy.StrategyGroup{Fingerprint: fmt.Sprintf("fp-%d", i)})
	}
	registry := NewMemoryRegistry()
	s := newTestScheduler(registry, provider)
	require.NoError(t, registry.Register(ctx, s.WorkerID(), time.Now()))

	owned, err := s.OwnedGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, owned, 5)
}

func TestUnregisteredWorkerClaimsNothing(t *testing.T) {
	ctx := context.Background()
	provider := strategy.NewMemoryProvider()
	provider.PutGroup(&strategy.StrategyGroup{Fingerprint: "fp-0"})
	registry := NewMemoryRegistry()
	s := newTestScheduler(registry, provider)
	require.NoError(t, registry.Register(ctx, "some-other-worker", time.Now()))

	owned, err := s.OwnedGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, owned)
}

// The group assignment is reused until the catalogue refresh interval
// elapses, then recomputed from the current catalogue.
func TestAssignmentCachedUntilCatalogRefresh(t *testing.T) {
	ctx := context.Background()
	provider := strategy.NewMemoryProvider()
	provider.PutGroup(&strategy.StrategyGroup{Fingerprint: "fp-0"})
	registry := NewMemoryRegistry()
	s := newTestScheduler(registry, provider).WithIntervals(30*time.Second, time.Minute)

	base := time.Unix(10000, 0)
	s.now = func() time.Time { return base }
	require.NoError(t, registry.Register(ctx, s.WorkerID(), base))

	owned, err := s.OwnedGroups(ctx)
	require.NoError(t, err)
	require.Len(t, owned, 1)

	provider.PutGroup(&strategy.StrategyGroup{Fingerprint: "fp-1"})
	owned, err = s.OwnedGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, owned, 1, "assignment served from cache inside the interval")

	s.now = func() time.Time { return base.Add(61 * time.Second) }
	owned, err = s.OwnedGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, owned, 2, "refresh picks up the new group")
}

func TestRegistryExpiresStaleWorkers(t *testing.T) {
	ctx := context.Background()
	registry := NewMemoryRegistry()
	now := time.Now()
	require.NoError(t, registry.Register(ctx, "fresh", now))
	require.NoError(t, registry.Register(ctx, "stale", now.Add(-2*time.Minute)))

	workers, err := registry.Workers(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, workers)

	require.NoError(t, registry.Prune(ctx, now))
	registry.mu.Lock()
	_, staleKept := registry.seen["stale"]
	registry.mu.Unlock()
	assert.False(t, staleKept)
}
