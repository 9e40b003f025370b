package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/lock"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/pipeline"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/redisc"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/strategy"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/window"
)

type accessEnv struct {
	source      *MemorySource
	queues      *redisc.MemoryQueues
	locks       *lock.Memory
	provider    *strategy.Memory
	gate        *MemoryGate
	checkpoints *MemoryCheckpoints
	proc        *GroupProcessor
	sleeps      []time.Duration
}

func newAccessEnv(t *testing.T) *accessEnv {
	t.Helper()
	env := &accessEnv{
		source:      NewMemorySource(),
		queues:      redisc.NewMemoryQueues(),
		locks:       lock.NewMemory(),
		provider:    strategy.NewMemoryProvider(),
		gate:        NewMemoryGate(10 * time.Minute),
		checkpoints: NewMemoryCheckpoints(),
	}
	env.proc = NewGroupProcessor(env.source, env.queues, env.locks, env.provider,
		window.NewMemoryDeduplicator(), env.gate, env.checkpoints, 1000)
	env.proc.sleep = func(_ context.Context, d time.Duration) error {
		env.sleeps = append(env.sleeps, d)
		return nil
	}
	return env
}

func (env *accessEnv) at(unix int64) {
	env.proc.now = func() time.Time { return time.Unix(unix, 0) }
}

func cpuStrategy(id int64, conds ...strategy.Condition) *strategy.Strategy {
	return &strategy.Strategy{
		ID:        id,
		Name:      "cpu usage",
		BkBizID:   2,
		IsEnabled: true,
		Items: []strategy.Item{{
			ID: id*10 + 1,
			QueryConfigs: []strategy.QueryConfig{{
				DataSource:    "bk_monitor",
				Table:         "system.cpu_summary",
				MetricField:   "usage",
				AggInterval:   60,
				AggDimensions: []string{"host"},
				Conditions:    conds,
			}},
		}},
	}
}

func cpuGroup(ids ...int64) *strategy.StrategyGroup {
	return &strategy.StrategyGroup{
		Fingerprint: "fp-cpu",
		BkBizID:     2,
		StrategyIDs: ids,
		DataSource:  "bk_monitor",
		Table:       "system.cpu_summary",
		Interval:    60,
	}
}

func cpuRecord(ts int64, host string, value float64) *RawRecord {
	return &RawRecord{
		Timestamp:  ts,
		Dimensions: map[string]string{"host": host, "device": "cpu-total"},
		Metrics:    map[string]float64{"usage": value},
	}
}

func drainPoints(t *testing.T, env *accessEnv, strategyID int64) []*pipeline.DataPoint {
	t.Helper()
	var points []*pipeline.DataPoint
	for {
		raw, err := env.queues.PopNow(context.Background(), redisc.DataQueueKey(strategyID))
		if errors.Is(err, redisc.ErrEmpty) {
			return points
		}
		require.NoError(t, err)
		p, err := pipeline.DecodeDataPoint([]byte(raw))
		require.NoError(t, err)
		points = append(points, p)
	}
}

func TestPullPushesPointsAndSignal(t *testing.T) {
	env := newAccessEnv(t)
	env.provider.PutStrategy(cpuStrategy(1))
	group := cpuGroup(1)
	env.source.Add(group.Fingerprint, cpuRecord(70, "host-a", 93.5))
	env.at(180)

	require.NoError(t, env.proc.ProcessGroup(context.Background(), group))

	points := drainPoints(t, env, 1)
	require.Len(t, points, 1)
	assert.Equal(t, int64(1), points[0].StrategyID)
	assert.Equal(t, int64(11), points[0].ItemID)
	assert.Equal(t, int64(60), points[0].Timestamp)
	assert.Equal(t, 93.5, points[0].Value)
	assert.Equal(t, map[string]string{"host": "host-a"}, points[0].Dimensions)
	assert.Equal(t, pipeline.NewRecordID(points[0].DimensionsMD5, 60), points[0].RecordID)

	signal, err := env.queues.PopNow(context.Background(), redisc.DataSignalKey)
	require.NoError(t, err)
	assert.Equal(t, "1", signal)

	cp, err := env.checkpoints.Get(context.Background(), group.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, int64(180), cp)
}

func TestOverlappingPullsEmitEachRecordOnce(t *testing.T) {
	env := newAccessEnv(t)
	env.provider.PutStrategy(cpuStrategy(1))
	group := cpuGroup(1)
	env.source.Add(group.Fingerprint, cpuRecord(130, "host-a", 10))

	env.at(180)
	require.NoError(t, env.proc.ProcessGroup(context.Background(), group))
	require.Len(t, drainPoints(t, env, 1), 1)

	// the next window [120, 240) re-reads ts=130; dedup absorbs it
	env.source.Add(group.Fingerprint, cpuRecord(200, "host-a", 11))
	env.at(240)
	require.NoError(t, env.proc.ProcessGroup(context.Background(), group))

	points := drainPoints(t, env, 1)
	require.Len(t, points, 1)
	assert.Equal(t, int64(180), points[0].Timestamp)
	assert.Equal(t, 11.0, points[0].Value)
}

func TestPriorityInhibitionSuppressesLowerStrategy(t *testing.T) {
	env := newAccessEnv(t)
	low, high := 1, 3
	sLow := cpuStrategy(1)
	sLow.Priority = &low
	sLow.PriorityGroupKey = "cpu-alerts"
	sHigh := cpuStrategy(2)
	sHigh.Priority = &high
	sHigh.PriorityGroupKey = "cpu-alerts"
	env.provider.PutStrategy(sLow)
	env.provider.PutStrategy(sHigh)
	group := cpuGroup(2, 1)
	env.source.Add(group.Fingerprint, cpuRecord(500, "host-a", 99))

	env.at(600)
	require.NoError(t, env.proc.ProcessGroup(context.Background(), group))
	assert.Len(t, drainPoints(t, env, 2), 1)
	assert.Empty(t, drainPoints(t, env, 1), "lower priority series is suppressed")

	// the higher strategy goes away; eleven minutes later its gate entry
	// has aged out and the lower one resumes
	sHigh.IsEnabled = false
	env.provider.PutStrategy(sHigh)
	env.source.Add(group.Fingerprint, cpuRecord(1250, "host-a", 98))
	env.at(1260)
	require.NoError(t, env.proc.ProcessGroup(context.Background(), group))
	assert.Empty(t, drainPoints(t, env, 2))
	assert.Len(t, drainPoints(t, env, 1), 1, "suppression lifts after the retention window")
}

func TestFullQueueSkipsTickButAdvancesCheckpoint(t *testing.T) {
	env := newAccessEnv(t)
	env.proc.maxQueueDepth = 2
	env.provider.PutStrategy(cpuStrategy(1))
	group := cpuGroup(1)
	env.source.Add(group.Fingerprint, cpuRecord(70, "host-a", 1))
	ctx := context.Background()
	require.NoError(t, env.queues.Push(ctx, redisc.DataQueueKey(1), "x", "y", "z"))

	env.at(180)
	require.NoError(t, env.proc.ProcessGroup(ctx, group))

	depth, err := env.queues.Depth(ctx, redisc.DataQueueKey(1))
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth, "no new points while backed up")
	cp, err := env.checkpoints.Get(ctx, group.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, int64(180), cp)
}

type countingSource struct {
	inner *MemorySource
	pulls int
}

func (s *countingSource) Pull(ctx context.Context, group *strategy.StrategyGroup, from, until int64) ([]*RawRecord, error) {
	s.pulls++
	return s.inner.Pull(ctx, group, from, until)
}

func TestPullFailureRetriesThenDegrades(t *testing.T) {
	env := newAccessEnv(t)
	counting := &countingSource{inner: env.source}
	env.proc.source = counting
	env.provider.PutStrategy(cpuStrategy(1))
	group := cpuGroup(1)
	env.source.Fail(group.Fingerprint, errors.New("query engine down"))
	ctx := context.Background()

	env.at(180)
	require.NoError(t, env.proc.ProcessGroup(ctx, group))

	assert.Equal(t, 4, counting.pulls, "initial attempt plus three retries")
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second, 9 * time.Second}, env.sleeps)
	assert.True(t, env.proc.degraded[group.Fingerprint])
	cp, err := env.checkpoints.Get(ctx, group.Fingerprint)
	require.NoError(t, err)
	assert.Zero(t, cp, "checkpoint holds so the window is retried next tick")

	// next tick the source is healthy again
	env.source.Fail(group.Fingerprint, nil)
	env.source.Add(group.Fingerprint, cpuRecord(130, "host-a", 5))
	env.at(240)
	require.NoError(t, env.proc.ProcessGroup(ctx, group))
	assert.False(t, env.proc.degraded[group.Fingerprint])
	assert.Len(t, drainPoints(t, env, 1), 1)
	cp, err = env.checkpoints.Get(ctx, group.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, int64(240), cp)
}

func TestExhaustedBudgetHoldsCheckpoint(t *testing.T) {
	env := newAccessEnv(t)
	budget := NewMemoryBudget(2, 10*time.Minute)
	env.proc.WithBudget(budget)
	env.provider.PutStrategy(cpuStrategy(1))
	group := cpuGroup(1)
	env.source.Add(group.Fingerprint, cpuRecord(70, "host-a", 1))
	ctx := context.Background()

	// first tick spends the bucket down
	env.at(180)
	require.NoError(t, env.proc.ProcessGroup(ctx, group))
	require.Len(t, drainPoints(t, env, 1), 1)
	remaining, err := budget.Remaining(ctx, group.Fingerprint)
	require.NoError(t, err)
	assert.LessOrEqual(t, remaining, int64(1))

	_, err = budget.Spend(ctx, group.Fingerprint, remaining)
	require.NoError(t, err)

	env.source.Add(group.Fingerprint, cpuRecord(200, "host-a", 2))
	env.at(240)
	require.NoError(t, env.proc.ProcessGroup(ctx, group))
	assert.Empty(t, drainPoints(t, env, 1), "no pull while the bucket is empty")
	cp, err := env.checkpoints.Get(ctx, group.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, int64(180), cp, "checkpoint holds for the refill")

	// window elapsed, bucket refills
	budget.Clock = func() time.Time { return time.Now().Add(11 * time.Minute) }
	env.at(300)
	require.NoError(t, env.proc.ProcessGroup(ctx, group))
	assert.Len(t, drainPoints(t, env, 1), 1)
}

func TestHeldGroupLockSkipsPull(t *testing.T) {
	env := newAccessEnv(t)
	env.provider.PutStrategy(cpuStrategy(1))
	group := cpuGroup(1)
	env.source.Add(group.Fingerprint, cpuRecord(70, "host-a", 1))
	ctx := context.Background()
	_, ok, err := env.locks.Acquire(ctx, redisc.AccessLockKey(group.Fingerprint), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	env.at(180)
	require.NoError(t, env.proc.ProcessGroup(ctx, group))

	assert.Empty(t, drainPoints(t, env, 1))
	cp, err := env.checkpoints.Get(ctx, group.Fingerprint)
	require.NoError(t, err)
	assert.Zero(t, cp)
}

func TestQueryConditionsFilterRecords(t *testing.T) {
	env := newAccessEnv(t)
	env.provider.PutStrategy(cpuStrategy(1, strategy.Condition{
		Key: "host", Method: "eq", Value: []string{"host-a"},
	}))
	group := cpuGroup(1)
	env.source.Add(group.Fingerprint,
		cpuRecord(70, "host-a", 1),
		cpuRecord(70, "host-b", 2),
	)

	env.at(180)
	require.NoError(t, env.proc.ProcessGroup(context.Background(), group))

	points := drainPoints(t, env, 1)
	require.Len(t, points, 1)
	assert.Equal(t, map[string]string{"host": "host-a"}, points[0].Dimensions)
}

func TestDecodeRawRecord(t *testing.T) {
	rec, err := DecodeRawRecord([]byte(`{"timestamp":1700000000000,"dimensions":{"host":"a"},"metrics":{"usage":1.5}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), rec.Timestamp)
	assert.Equal(t, 1.5, rec.Metrics["usage"])

	_, err = DecodeRawRecord([]byte(`{"dimensions":{},"metrics":{"usage":1}}`))
	assert.Error(t, err)
	_, err = DecodeRawRecord([]byte(`{"timestamp":1700000000000,"metrics":{}}`))
	assert.Error(t, err)
	_, err = DecodeRawRecord([]byte(`not json`))
	assert.Error(t, err)
}
