package detect

import (
	"context"
	"encoding/json"
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

type detectEnv struct {
	queues   *redisc.MemoryQueues
	locks    *lock.Memory
	windows  *window.Memory
	provider *strategy.Memory
	proc     *Processor
}

func newDetectEnv() *detectEnv {
	env := &detectEnv{
		queues:   redisc.NewMemoryQueues(),
		locks:    lock.NewMemory(),
		windows:  window.NewMemory(),
		provider: strategy.NewMemoryProvider(),
	}
	env.proc = NewProcessor(env.queues, env.locks, env.windows, env.provider, nil)
	return env
}

func thresholdStrategy(id int64, enabled bool) *strategy.Strategy {
	return &strategy.Strategy{
		ID: id, Name: "cpu", BkBizID: 2, IsEnabled: enabled, UpdateTime: 1,
		Items: []strategy.Item{{
			ID: 11, Name: "usage",
			QueryConfigs: []strategy.QueryConfig{{
				DataSource: "bk_monitor", Table: "system.cpu", MetricField: "usage", AggInterval: 60,
			}},
			Algorithms: []strategy.AlgorithmConfig{{
				ID: 111, Kind: KindThreshold, Level: 1,
				Config: json.RawMessage(`[[{"threshold":90,"method":"gt"}]]`),
			}},
		}},
		Detects: []strategy.DetectConfig{{Level: 1, TriggerCount: 1, TriggerWindow: 1, RecoveryCount: 2}},
	}
}

func (env *detectEnv) pushPoint(t *testing.T, sid int64, ts int64, value float64) {
	t.Helper()
	p := &pipeline.DataPoint{
		StrategyID: sid, ItemID: 11, Timestamp: ts, Interval: 60,
		DimensionsMD5: "fp", Dimensions: map[string]string{"host": "a"},
		Value: value, RecordID: pipeline.NewRecordID("fp", ts),
	}
	raw, err := p.Encode()
	require.NoError(t, err)
	require.NoError(t, env.queues.Push(context.Background(), redisc.DataQueueKey(sid), string(raw)))
}

func TestDetectEmitsAnomaly(t *testing.T) {
	ctx := context.Background()
	env := newDetectEnv()
	env.provider.PutStrategy(thresholdStrategy(1, true))

	env.pushPoint(t, 1, 60, 95)
	env.pushPoint(t, 1, 120, 50)

	require.NoError(t, env.proc.Handle(ctx, "1"))

	raw, err := env.queues.PopNow(ctx, redisc.AnomalyQueueKey(1, 11))
	require.NoError(t, err)
	anomaly, err := pipeline.DecodeAnomalyPoint([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 1, anomaly.Level)
	assert.Equal(t, int64(111), anomaly.AlgorithmID)
	assert.Equal(t, 95.0, anomaly.Value)

	signal, err := env.queues.PopNow(ctx, redisc.AnomalySignalKey)
	require.NoError(t, err)
	assert.Equal(t, "1.11", signal)

	// normal point produced no second anomaly
	_, err = env.queues.PopNow(ctx, redisc.AnomalyQueueKey(1, 11))
	assert.ErrorIs(t, err, redisc.ErrEmpty)

	// both points landed in the check-result window with the right flag
	points, err := env.windows.Members(ctx, redisc.CheckResultKey(1, 11, "fp", 1), 0, 200)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.True(t, points[0].Anomalous)
	assert.False(t, points[1].Anomalous)
}

func TestDetectSameRecordOnce(t *testing.T) {
	// a record re-queued within the overlap window lands in the check result
	// exactly once since ZADD replaces the identical member
	ctx := context.Background()
	env := newDetectEnv()
	env.provider.PutStrategy(thresholdStrategy(1, true))

	env.pushPoint(t, 1, 60, 95)
	env.pushPoint(t, 1, 60, 95)
	require.NoError(t, env.proc.Handle(ctx, "1"))

	points, err := env.windows.Members(ctx, redisc.CheckResultKey(1, 11, "fp", 1), 0, 200)
	require.NoError(t, err)
	assert.Len(t, points, 1)
}

// A configured batch size bounds how many points one signal drains.
func TestDetectBatchSizeBoundsDrain(t *testing.T) {
	ctx := context.Background()
	env := newDetectEnv()
	env.proc.WithBatchSize(2)
	env.provider.PutStrategy(thresholdStrategy(1, true))

	for i := int64(0); i < 5; i++ {
		env.pushPoint(t, 1, 60+60*i, 50)
	}
	require.NoError(t, env.proc.Handle(ctx, "1"))

	depth, _ := env.queues.Depth(ctx, redisc.DataQueueKey(1))
	assert.Equal(t, int64(3), depth, "drain stops at the batch size")
}

func TestDetectDisabledStrategyDrains(t *testing.T) {
	ctx := context.Background()
	env := newDetectEnv()
	env.provider.PutStrategy(thresholdStrategy(1, false))

	env.pushPoint(t, 1, 60, 95)
	require.NoError(t, env.proc.Handle(ctx, "1"))

	depth, _ := env.queues.Depth(ctx, redisc.DataQueueKey(1))
	assert.Zero(t, depth, "queue drained")
	_, err := env.queues.PopNow(ctx, redisc.AnomalyQueueKey(1, 11))
	assert.ErrorIs(t, err, redisc.ErrEmpty, "no anomaly from a disabled strategy")
}

func TestDetectUnknownStrategyDrains(t *testing.T) {
	ctx := context.Background()
	env := newDetectEnv()

	env.pushPoint(t, 9, 60, 95)
	require.NoError(t, env.proc.Handle(ctx, "9"))

	depth, _ := env.queues.Depth(ctx, redisc.DataQueueKey(9))
	assert.Zero(t, depth)
}

func TestDetectLockContentionSkips(t *testing.T) {
	ctx := context.Background()
	env := newDetectEnv()
	env.provider.PutStrategy(thresholdStrategy(1, true))
	env.pushPoint(t, 1, 60, 95)

	_, ok, err := env.locks.Acquire(ctx, redisc.DetectLockKey(1), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, env.proc.Handle(ctx, "1"))

	depth, _ := env.queues.Depth(ctx, redisc.DataQueueKey(1))
	assert.Equal(t, int64(1), depth, "queue untouched while the holder drains")
}

func TestDetectSeverestLevelWins(t *testing.T) {
	ctx := context.Background()
	env := newDetectEnv()
	s := thresholdStrategy(1, true)
	s.Items[0].Algorithms = []strategy.AlgorithmConfig{
		{ID: 112, Kind: KindThreshold, Level: 2,
			Config: json.RawMessage(`[[{"threshold":80,"method":"gt"}]]`)},
		{ID: 111, Kind: KindThreshold, Level: 1,
			Config: json.RawMessage(`[[{"threshold":90,"method":"gt"}]]`)},
	}
	env.provider.PutStrategy(s)

	env.pushPoint(t, 1, 60, 95)
	require.NoError(t, env.proc.Handle(ctx, "1"))

	raw, err := env.queues.PopNow(ctx, redisc.AnomalyQueueKey(1, 11))
	require.NoError(t, err)
	anomaly, err := pipeline.DecodeAnomalyPoint([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 1, anomaly.Level, "fatal level wins over warning")

	_, err = env.queues.PopNow(ctx, redisc.AnomalyQueueKey(1, 11))
	assert.ErrorIs(t, err, redisc.ErrEmpty, "one anomaly per point")

	// warning level still records its own check result
	points, err := env.windows.Members(ctx, redisc.CheckResultKey(1, 11, "fp", 2), 0, 200)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.True(t, points[0].Anomalous)
}

func TestDetectBrokenConfigDropsLoudly(t *testing.T) {
	ctx := context.Background()
	env := newDetectEnv()
	s := thresholdStrategy(1, true)
	s.Items[0].Algorithms[0].Kind = "NoSuchAlgorithm"
	env.provider.PutStrategy(s)

	env.pushPoint(t, 1, 60, 95)
	require.NoError(t, env.proc.Handle(ctx, "1"))

	depth, _ := env.queues.Depth(ctx, redisc.DataQueueKey(1))
	assert.Zero(t, depth, "queue drained despite broken config")
}
