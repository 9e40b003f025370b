package alert

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionsAreMonotonic(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusAbnormal, StatusRecovered, true},
		{StatusAbnormal, StatusClosed, true},
		{StatusRecovered, StatusClosed, true},
		{StatusRecovered, StatusAbnormal, false},
		{StatusClosed, StatusAbnormal, false},
		{StatusClosed, StatusRecovered, false},
		{StatusAbnormal, StatusAbnormal, false},
		{Status("BOGUS"), StatusClosed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTransitionRecordsTimes(t *testing.T) {
	a := &Alert{ID: "x", Status: StatusAbnormal}

	require.NoError(t, a.Transition(StatusRecovered, 100))
	assert.Equal(t, int64(100), a.RecoveredTime)

	require.NoError(t, a.Transition(StatusClosed, 200))
	assert.Equal(t, int64(200), a.ClosedTime)
	assert.Equal(t, int64(100), a.RecoveredTime, "recovery time untouched")

	assert.Error(t, a.Transition(StatusAbnormal, 300), "closed is terminal")
}

func TestDirectCloseBackfillsRecovery(t *testing.T) {
	a := &Alert{ID: "y", Status: StatusAbnormal}
	require.NoError(t, a.Transition(StatusClosed, 500))
	assert.Equal(t, int64(500), a.RecoveredTime)
}

func TestMemoryStoreEnforcesTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := &Alert{ID: "a1", StrategyID: 7, DimensionsMD5: "fp", Status: StatusAbnormal, CreatedAt: 1}
	require.NoError(t, store.Create(ctx, a))
	assert.Error(t, store.Create(ctx, a), "duplicate id")

	open, err := store.GetOpen(ctx, 7, "fp")
	require.NoError(t, err)
	assert.Equal(t, "a1", open.ID)

	a.Status = StatusRecovered
	require.NoError(t, store.Update(ctx, a))

	a.Status = StatusAbnormal
	assert.Error(t, store.Update(ctx, a), "reverse transition rejected")

	a.Status = StatusClosed
	require.NoError(t, store.Update(ctx, a))

	_, err = store.GetOpen(ctx, 7, "fp")
	assert.ErrorIs(t, err, ErrNotFound, "closed alerts are not open")
}

func TestSequencerShardsByStrategy(t *testing.T) {
	ctx := context.Background()
	seq := NewMemorySequencer()

	id1, err := seq.Next(ctx, 7)
	require.NoError(t, err)
	id2, err := seq.Next(ctx, 7)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.Less(t, id1, id2, "ids grow within a shard")

	other, err := seq.Next(ctx, 7+shardCount)
	require.NoError(t, err)
	assert.Equal(t, id1[:2], other[:2], "same shard for congruent strategies")
}
