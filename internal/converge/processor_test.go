package converge

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/alert"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/lock"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/redisc"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/strategy"
)

type convergeEnv struct {
	queues   *redisc.MemoryQueues
	locks    *lock.Memory
	provider *strategy.Memory
	store    *alert.Memory
	proc     *Processor
}

func newConvergeEnv(interval time.Duration, maxFold int64) *convergeEnv {
	env := &convergeEnv{
		queues:   redisc.NewMemoryQueues(),
		locks:    lock.NewMemory(),
		provider: strategy.NewMemoryProvider(),
		store:    alert.NewMemoryStore(),
	}
	env.proc = NewProcessor(env.queues, env.locks, env.provider, env.store, interval, maxFold)
	return env
}

func (env *convergeEnv) handleEvent(t *testing.T, e *alert.Event) {
	t.Helper()
	raw, err := e.Encode()
	require.NoError(t, err)
	require.NoError(t, env.proc.Handle(context.Background(), string(raw)))
}

func (env *convergeEnv) popDispatch(t *testing.T) *Dispatch {
	t.Helper()
	raw, err := env.queues.PopNow(context.Background(), redisc.ActionQueueKey)
	require.NoError(t, err)
	d, err := DecodeDispatch([]byte(raw))
	require.NoError(t, err)
	return d
}

func event(i int) *alert.Event {
	return &alert.Event{
		AlertID:       fmt.Sprintf("a%03d", i),
		StrategyID:    7,
		ItemID:        11,
		BkBizID:       2,
		Severity:      1,
		Signal:        alert.SignalAbnormal,
		DimensionsMD5: "fp",
		Dimensions:    map[string]string{"host": "a"},
		Timestamp:     1000,
	}
}

// Converge fold: one interval's worth of alerts under one key produces
// exactly one dispatch carrying all of them.
func TestIntervalFoldsToOneDispatch(t *testing.T) {
	ctx := context.Background()
	env := newConvergeEnv(time.Minute, 100)

	for i := 0; i < 25; i++ {
		env.handleEvent(t, event(i))
	}

	depth, _ := env.queues.Depth(ctx, redisc.ActionQueueKey)
	assert.Zero(t, depth, "nothing dispatched before the interval ends")

	// the interval flush comes due
	moved, err := env.queues.PumpDue(ctx, stageName, redisc.ConvergeQueueKey, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	raw, err := env.queues.PopNow(ctx, redisc.ConvergeQueueKey)
	require.NoError(t, err)
	require.NoError(t, env.proc.Handle(ctx, raw))

	d := env.popDispatch(t)
	assert.Len(t, d.AlertIDs, 25)
	assert.Equal(t, int64(7), d.StrategyID)
	assert.Equal(t, alert.SignalAbnormal, d.Signal)

	_, err = env.queues.PopNow(ctx, redisc.ActionQueueKey)
	assert.ErrorIs(t, err, redisc.ErrEmpty, "exactly one dispatch")
}

// The fold ceiling fires a dispatch without waiting for the interval.
func TestMaxFoldFiresEarly(t *testing.T) {
	ctx := context.Background()
	env := newConvergeEnv(time.Minute, 10)

	for i := 0; i < 25; i++ {
		env.handleEvent(t, event(i))
	}

	// two full batches of ten fired early
	first := env.popDispatch(t)
	assert.Len(t, first.AlertIDs, 10)
	second := env.popDispatch(t)
	assert.Len(t, second.AlertIDs, 10)
	_, err := env.queues.PopNow(ctx, redisc.ActionQueueKey)
	assert.ErrorIs(t, err, redisc.ErrEmpty)

	// the interval flush carries the remainder
	_, err = env.queues.PumpDue(ctx, stageName, redisc.ConvergeQueueKey, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	raw, err := env.queues.PopNow(ctx, redisc.ConvergeQueueKey)
	require.NoError(t, err)
	require.NoError(t, env.proc.Handle(ctx, raw))

	rest := env.popDispatch(t)
	assert.Len(t, rest.AlertIDs, 5)
}

// Distinct converge keys do not fold together.
func TestDistinctSeriesDispatchSeparately(t *testing.T) {
	env := newConvergeEnv(time.Minute, 100)

	a := event(1)
	b := event(2)
	b.DimensionsMD5 = "other-fp"
	env.handleEvent(t, a)
	env.handleEvent(t, b)

	ctx := context.Background()
	moved, err := env.queues.PumpDue(ctx, stageName, redisc.ConvergeQueueKey, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, moved, "one flush per group")
}

func TestShieldedAlertSkipsDispatch(t *testing.T) {
	ctx := context.Background()
	env := newConvergeEnv(time.Minute, 100)

	env.provider.PutShieldRules(2, []*strategy.ShieldRule{{
		ID: 1, BkBizID: 2,
		Scope:     map[string][]string{"host": {"a"}},
		BeginTime: 0, EndTime: 2000,
	}})

	e := event(1)
	require.NoError(t, env.store.Create(ctx, &alert.Alert{
		ID: e.AlertID, StrategyID: 7, DimensionsMD5: "fp", Status: alert.StatusAbnormal,
	}))

	env.handleEvent(t, e)

	stored, err := env.store.Get(ctx, e.AlertID)
	require.NoError(t, err)
	assert.True(t, stored.IsShielded)

	moved, err := env.queues.PumpDue(ctx, stageName, redisc.ConvergeQueueKey, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, moved, "no flush scheduled for a shielded alert")
}

func TestStrategyConvergeDimensionsOverrideDefaults(t *testing.T) {
	env := newConvergeEnv(time.Minute, 100)
	env.provider.PutStrategy(&strategy.Strategy{
		ID: 7, IsEnabled: true,
		Notice: strategy.NoticeConfig{
			ConvergeDimension: []string{"strategy_id", "host"},
			ConvergeInterval:  120,
		},
	})

	a := event(1)
	b := event(2)
	b.DimensionsMD5 = "other-fp" // ignored by the configured dimensions
	env.handleEvent(t, a)
	env.handleEvent(t, b)

	ctx := context.Background()
	moved, err := env.queues.PumpDue(ctx, stageName, redisc.ConvergeQueueKey, time.Now().Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, moved, "same host folds into one group")
}
