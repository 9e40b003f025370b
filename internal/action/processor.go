package action

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/converge"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/metrics"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/redisc"
)

const (
	stageName        = "action"
	popTimeout       = 5 * time.Second
	retryPrefix      = "retry:"
	defaultRetries   = 3
	defaultRetryBase = 30 * time.Second
)

// Processor materialises dispatch requests into action instances and drives
// the handoff with bounded retries.
type Processor struct {
	queues     redisc.Queue
	store      Store
	notifier   Notifier
	timeout    time.Duration
	maxRetries int
	retryBase  time.Duration

	now func() time.Time
}

func NewProcessor(queues redisc.Queue, store Store, notifier Notifier, timeout time.Duration) *Processor {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Processor{
		queues:     queues,
		store:      store,
		notifier:   notifier,
		timeout:    timeout,
		maxRetries: defaultRetries,
		retryBase:  defaultRetryBase,
		now:        time.Now,
	}
}

// WithRetryPolicy overrides the retry budget and the base delay. The delay
// before attempt n+1 is base times 3^n.
func (p *Processor) WithRetryPolicy(maxRetries int, base time.Duration) *Processor {
	if maxRetries > 0 {
		p.maxRetries = maxRetries
	}
	if base > 0 {
		p.retryBase = base
	}
	return p
}

func (p *Processor) backoff(attempt int) time.Duration {
	d := p.retryBase
	for i := 0; i < attempt; i++ {
		d *= 3
	}
	return d
}

func (p *Processor) Name() string { return stageName }

func (p *Processor) Fetch(ctx context.Context) (interface{}, error) {
	return p.queues.Pop(ctx, redisc.ActionQueueKey, popTimeout)
}

func (p *Processor) Handle(ctx context.Context, work interface{}) error {
	raw := work.(string)
	if id, ok := strings.CutPrefix(raw, retryPrefix); ok {
		return p.retry(ctx, id)
	}

	dispatch, err := converge.DecodeDispatch([]byte(raw))
	if err != nil {
		metrics.DroppedTotal.WithLabelValues(stageName, "schema_invalid", "0").Inc()
		return err
	}
	return p.materialise(ctx, dispatch)
}

func (p *Processor) materialise(ctx context.Context, dispatch *converge.Dispatch) error {
	now := p.now().Unix()
	inst := &Instance{
		ID:          uuid.NewString(),
		AlertIDs:    dispatch.AlertIDs,
		ConvergeKey: dispatch.ConvergeKey,
		StrategyID:  dispatch.StrategyID,
		Severity:    dispatch.Severity,
		Signal:      dispatch.Signal,
		Status:      StatusPending,
		Timeout:     p.timeout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.store.Create(ctx, inst); err != nil {
		metrics.ActionsTotal.WithLabelValues(string(FailureCreate)).Inc()
		return err
	}
	return p.attempt(ctx, inst)
}

func (p *Processor) retry(ctx context.Context, id string) error {
	inst, err := p.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			metrics.DroppedTotal.WithLabelValues(stageName, "schema_invalid", "0").Inc()
			return nil
		}
		return err
	}
	if inst.Status.Terminal() {
		return nil
	}
	return p.attempt(ctx, inst)
}

// attempt runs one handoff. Transient failures reschedule with growing
// backoff until the retry budget is spent; the terminal failure stays
// queryable in the store.
func (p *Processor) attempt(ctx context.Context, inst *Instance) error {
	attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	inst.Status = StatusRunning
	inst.UpdatedAt = p.now().Unix()
	if err := p.store.Update(ctx, inst); err != nil {
		return err
	}

	err := p.notifier.Dispatch(attemptCtx, inst)
	if err == nil {
		inst.Status = StatusSuccess
		inst.UpdatedAt = p.now().Unix()
		if err := p.store.Update(ctx, inst); err != nil {
			return err
		}
		metrics.ActionsTotal.WithLabelValues(string(StatusSuccess)).Inc()
		return nil
	}

	failure := FailureCallback
	if errors.Is(err, context.DeadlineExceeded) {
		failure = FailureTimeout
	}

	if inst.RetryCount >= p.maxRetries {
		inst.Status = StatusFailed
		inst.FailureType = failure
		inst.UpdatedAt = p.now().Unix()
		if uerr := p.store.Update(ctx, inst); uerr != nil {
			return uerr
		}
		metrics.ActionsTotal.WithLabelValues(string(StatusFailed)).Inc()
		log.Error().Err(err).
			Str("action_id", inst.ID).
			Str("failure_type", string(failure)).
			Msg("action handoff failed terminally")
		return nil
	}

	backoff := p.backoff(inst.RetryCount)
	inst.RetryCount++
	inst.Status = StatusPending
	inst.UpdatedAt = p.now().Unix()
	if uerr := p.store.Update(ctx, inst); uerr != nil {
		return uerr
	}
	log.Warn().Err(err).
		Str("action_id", inst.ID).
		Int("retry", inst.RetryCount).
		Dur("backoff", backoff).
		Msg("action handoff failed, rescheduling")
	return p.queues.Delay(ctx, stageName, retryPrefix+inst.ID, p.now().Add(backoff))
}
