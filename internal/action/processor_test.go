package action

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/converge"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/redisc"
)

type fakeNotifier struct {
	failures int
	calls    int
}

func (f *fakeNotifier) Dispatch(context.Context, *Instance) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("broker unreachable")
	}
	return nil
}

func dispatchPayload(t *testing.T) string {
	t.Helper()
	d := &converge.Dispatch{
		ConvergeKey: "ck",
		AlertIDs:    []string{"a1", "a2"},
		StrategyID:  7,
		Severity:    1,
		Signal:      "abnormal",
		Timestamp:   1000,
	}
	raw, err := d.Encode()
	require.NoError(t, err)
	return string(raw)
}

func TestDispatchSucceeds(t *testing.T) {
	ctx := context.Background()
	queues := redisc.NewMemoryQueues()
	store := NewMemoryStore()
	notifier := &fakeNotifier{}
	proc := NewProcessor(queues, store, notifier, time.Minute)

	require.NoError(t, proc.Handle(ctx, dispatchPayload(t)))

	done, err := store.ListByStatus(ctx, StatusSuccess, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, []string{"a1", "a2"}, done[0].AlertIDs)
	assert.Equal(t, 1, notifier.calls)
	assert.Empty(t, queues.Delayed(stageName))
}

func TestDispatchRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	queues := redisc.NewMemoryQueues()
	store := NewMemoryStore()
	notifier := &fakeNotifier{failures: 2}
	proc := NewProcessor(queues, store, notifier, time.Minute)
	base := time.Unix(10000, 0)
	proc.now = func() time.Time { return base }

	require.NoError(t, proc.Handle(ctx, dispatchPayload(t)))

	pending, err := store.ListByStatus(ctx, StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)

	// first retry comes due after 30s and fails again
	moved, err := queues.PumpDue(ctx, stageName, redisc.ActionQueueKey, base.Add(31*time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, moved)
	raw, err := queues.PopNow(ctx, redisc.ActionQueueKey)
	require.NoError(t, err)
	require.NoError(t, proc.Handle(ctx, raw))

	// second retry succeeds
	moved, err = queues.PumpDue(ctx, stageName, redisc.ActionQueueKey, base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, moved)
	raw, err = queues.PopNow(ctx, redisc.ActionQueueKey)
	require.NoError(t, err)
	require.NoError(t, proc.Handle(ctx, raw))

	done, err := store.ListByStatus(ctx, StatusSuccess, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, 2, done[0].RetryCount)
	assert.Equal(t, 3, notifier.calls)
}

func TestDispatchFailsTerminallyAfterRetries(t *testing.T) {
	ctx := context.Background()
	queues := redisc.NewMemoryQueues()
	store := NewMemoryStore()
	notifier := &fakeNotifier{failures: 10}
	proc := NewProcessor(queues, store, notifier, time.Minute)
	base := time.Unix(10000, 0)
	proc.now = func() time.Time { return base }

	require.NoError(t, proc.Handle(ctx, dispatchPayload(t)))
	for i := 0; i < defaultRetries; i++ {
		moved, err := queues.PumpDue(ctx, stageName, redisc.ActionQueueKey, base.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, 1, moved)
		raw, err := queues.PopNow(ctx, redisc.ActionQueueKey)
		require.NoError(t, err)
		require.NoError(t, proc.Handle(ctx, raw))
	}

	failed, err := store.ListByStatus(ctx, StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, FailureCallback, failed[0].FailureType)
	assert.Equal(t, defaultRetries, failed[0].RetryCount)
	assert.Empty(t, queues.Delayed(stageName), "no further retries scheduled")
	assert.Equal(t, 1+defaultRetries, notifier.calls)
}

// A configured retry policy changes both the budget and the backoff ladder.
func TestConfiguredRetryPolicy(t *testing.T) {
	ctx := context.Background()
	queues := redisc.NewMemoryQueues()
	store := NewMemoryStore()
	notifier := &fakeNotifier{failures: 10}
	proc := NewProcessor(queues, store, notifier, time.Minute).
		WithRetryPolicy(1, 10*time.Second)
	base := time.Unix(10000, 0)
	proc.now = func() time.Time { return base }

	assert.Equal(t, 10*time.Second, proc.backoff(0))
	assert.Equal(t, 30*time.Second, proc.backoff(1))
	assert.Equal(t, 90*time.Second, proc.backoff(2))

	require.NoError(t, proc.Handle(ctx, dispatchPayload(t)))

	// first retry is due after the configured base, not the default 30s
	moved, err := queues.PumpDue(ctx, stageName, redisc.ActionQueueKey, base.Add(11*time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, moved)
	raw, err := queues.PopNow(ctx, redisc.ActionQueueKey)
	require.NoError(t, err)
	require.NoError(t, proc.Handle(ctx, raw))

	failed, err := store.ListByStatus(ctx, StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1, "budget of one retry exhausted")
	assert.Equal(t, 1, failed[0].RetryCount)
}

func TestRetryOfTerminalInstanceIsIgnored(t *testing.T) {
	ctx := context.Background()
	queues := redisc.NewMemoryQueues()
	store := NewMemoryStore()
	proc := NewProcessor(queues, store, &fakeNotifier{}, time.Minute)

	inst := &Instance{ID: "done", Status: StatusSuccess}
	require.NoError(t, store.Create(ctx, inst))
	require.NoError(t, proc.Handle(ctx, retryPrefix+"done"))

	got, err := store.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
}
