// Package converge folds correlated alert events into grouped action
// dispatches so an alert storm produces one notification per group per
// interval.
package converge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/alert"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/lock"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/metrics"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/redisc"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/strategy"
)

const (
	stageName    = "converge"
	popTimeout   = 5 * time.Second
	flushPrefix  = "flush:"
	drainCeiling = 10000
)

// DefaultDimensions identify a converge group when the strategy does not
// configure its own.
var DefaultDimensions = []string{"strategy_id", "severity", "signal", "dimension_hash"}

// Dispatch is the grouped payload handed to action dispatch.
type Dispatch struct {
	ConvergeKey string   `json:"converge_key"`
	AlertIDs    []string `json:"alert_ids"`
	StrategyID  int64    `json:"strategy_id"`
	Severity    int      `json:"severity"`
	Signal      string   `json:"signal"`
	Timestamp   int64    `json:"timestamp"`
}

func (d *Dispatch) Encode() ([]byte, error) { return json.Marshal(d) }

func DecodeDispatch(raw []byte) (*Dispatch, error) {
	var d Dispatch
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode dispatch: %w", err)
	}
	return &d, nil
}

// Processor is the converge stage. The first event of a group takes the
// group lock for one interval and schedules a flush at interval end; every
// event of the interval accumulates on the group's pending list; the flush
// turns the accumulated events into a single dispatch.
type Processor struct {
	queues   redisc.Queue
	locks    lock.Locker
	provider strategy.Provider
	store    alert.Store
	interval time.Duration
	maxFold  int64

	now func() time.Time
}

func NewProcessor(queues redisc.Queue, locks lock.Locker, provider strategy.Provider, store alert.Store, interval time.Duration, maxFold int64) *Processor {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxFold <= 0 {
		maxFold = 100
	}
	return &Processor{
		queues:   queues,
		locks:    locks,
		provider: provider,
		store:    store,
		interval: interval,
		maxFold:  maxFold,
		now:      time.Now,
	}
}

func (p *Processor) Name() string { return stageName }

func (p *Processor) Fetch(ctx context.Context) (interface{}, error) {
	return p.queues.Pop(ctx, redisc.ConvergeQueueKey, popTimeout)
}

func (p *Processor) Handle(ctx context.Context, work interface{}) error {
	raw := work.(string)
	if key, ok := strings.CutPrefix(raw, flushPrefix); ok {
		return p.flush(ctx, key)
	}

	event, err := alert.DecodeEvent([]byte(raw))
	if err != nil {
		metrics.DroppedTotal.WithLabelValues(stageName, "schema_invalid", "0").Inc()
		return err
	}
	return p.processEvent(ctx, raw, event)
}

func (p *Processor) processEvent(ctx context.Context, raw string, event *alert.Event) error {
	sidLabel := strconv.FormatInt(event.StrategyID, 10)

	shielded, err := p.isShielded(ctx, event)
	if err != nil {
		return err
	}
	if shielded {
		if err := p.markShielded(ctx, event.AlertID); err != nil {
			return err
		}
		metrics.DroppedTotal.WithLabelValues(stageName, "shielded", sidLabel).Inc()
		return nil
	}

	key, interval, err := p.groupOf(ctx, event)
	if err != nil {
		return err
	}

	pendingKey := redisc.ConvergePendingKey(key)
	if err := p.queues.Push(ctx, pendingKey, raw); err != nil {
		return err
	}

	_, acquired, err := p.locks.Acquire(ctx, redisc.ConvergeLockKey(key), interval)
	if err != nil {
		return err
	}
	if acquired {
		// interval opens now; the flush fires when it ends. The lock is left
		// to expire with the interval.
		return p.queues.Delay(ctx, stageName, flushPrefix+key, p.now().Add(interval))
	}

	metrics.ConvergedTotal.WithLabelValues(sidLabel).Inc()

	depth, err := p.queues.Depth(ctx, pendingKey)
	if err != nil {
		return err
	}
	if depth >= p.maxFold {
		// fold ceiling reached; fire this batch without waiting for the
		// interval flush
		return p.flush(ctx, key)
	}
	return nil
}

// flush drains the group's pending events into one dispatch.
func (p *Processor) flush(ctx context.Context, key string) error {
	pendingKey := redisc.ConvergePendingKey(key)

	var (
		ids  []string
		seen = map[string]bool{}
		last *alert.Event
	)
	for i := 0; i < drainCeiling; i++ {
		raw, err := p.queues.PopNow(ctx, pendingKey)
		if errors.Is(err, redisc.ErrEmpty) {
			break
		}
		if err != nil {
			return err
		}
		event, err := alert.DecodeEvent([]byte(raw))
		if err != nil {
			metrics.DroppedTotal.WithLabelValues(stageName, "schema_invalid", "0").Inc()
			continue
		}
		if seen[event.AlertID] {
			continue
		}
		seen[event.AlertID] = true
		ids = append(ids, event.AlertID)
		last = event
	}
	if len(ids) == 0 {
		return nil
	}

	dispatch := &Dispatch{
		ConvergeKey: key,
		AlertIDs:    ids,
		StrategyID:  last.StrategyID,
		Severity:    last.Severity,
		Signal:      last.Signal,
		Timestamp:   p.now().Unix(),
	}
	payload, err := dispatch.Encode()
	if err != nil {
		return err
	}
	if err := p.queues.Push(ctx, redisc.ActionQueueKey, string(payload)); err != nil {
		return err
	}
	log.Info().
		Str("converge_key", key).
		Int("alerts", len(ids)).
		Int64("strategy_id", last.StrategyID).
		Msg("converge group dispatched")
	return nil
}

func (p *Processor) isShielded(ctx context.Context, event *alert.Event) (bool, error) {
	rules, err := p.provider.ShieldRules(ctx, event.BkBizID)
	if err != nil {
		return false, err
	}
	for _, rule := range rules {
		if rule.Matches(event.Dimensions, event.Timestamp) {
			return true, nil
		}
	}
	return false, nil
}

func (p *Processor) markShielded(ctx context.Context, alertID string) error {
	a, err := p.store.Get(ctx, alertID)
	if err != nil {
		return err
	}
	a.IsShielded = true
	a.UpdatedAt = p.now().Unix()
	return p.store.Update(ctx, a)
}

// groupOf renders the converge key from the strategy's configured dimensions.
func (p *Processor) groupOf(ctx context.Context, event *alert.Event) (string, time.Duration, error) {
	dims := DefaultDimensions
	interval := p.interval
	st, err := p.provider.Strategy(ctx, event.StrategyID)
	if err == nil {
		if len(st.Notice.ConvergeDimension) > 0 {
			dims = st.Notice.ConvergeDimension
		}
		if st.Notice.ConvergeInterval > 0 {
			interval = time.Duration(st.Notice.ConvergeInterval) * time.Second
		}
	} else if !errors.Is(err, strategy.ErrNotFound) {
		return "", 0, err
	}

	values := make(map[string]string, len(dims))
	for _, d := range dims {
		switch d {
		case "strategy_id":
			values[d] = strconv.FormatInt(event.StrategyID, 10)
		case "severity":
			values[d] = strconv.Itoa(event.Severity)
		case "signal":
			values[d] = event.Signal
		case "dimension_hash":
			values[d] = event.DimensionsMD5
		default:
			values[d] = event.Dimensions[d]
		}
	}
	return strategy.DimensionsMD5(values), interval, nil
}
