package access

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/lock"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/metrics"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/pipeline"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/redisc"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/strategy"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/window"
)

const (
	stageName    = "access"
	groupLockTTL = 30 * time.Second
)

// pullBackoff paces transient data-source retries within one tick.
var pullBackoff = []time.Duration{time.Second, 3 * time.Second, 9 * time.Second}

// GroupProcessor pulls and fans out one strategy group per tick.
type GroupProcessor struct {
	source      Source
	queues      redisc.Queue
	locks       lock.Locker
	provider    strategy.Provider
	dedup       window.Deduplicator
	gate        Gate
	checkpoints Checkpoints

	maxQueueDepth int64
	budget        Budget // optional
	degraded      map[string]bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// WithBudget enables the per-group worker-seconds budget.
func (p *GroupProcessor) WithBudget(b Budget) *GroupProcessor {
	p.budget = b
	return p
}

func NewGroupProcessor(source Source, queues redisc.Queue, locks lock.Locker, provider strategy.Provider, dedup window.Deduplicator, gate Gate, checkpoints Checkpoints, maxQueueDepth int64) *GroupProcessor {
	if maxQueueDepth <= 0 {
		maxQueueDepth = 10000
	}
	return &GroupProcessor{
		source:        source,
		queues:        queues,
		locks:         locks,
		provider:      provider,
		dedup:         dedup,
		gate:          gate,
		checkpoints:   checkpoints,
		maxQueueDepth: maxQueueDepth,
		degraded:      map[string]bool{},
		now:           time.Now,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ProcessGroup runs one pull cycle for a strategy group. The window covers
// [checkpoint, tick) and overlaps the previous pull by one interval; the
// dedup set absorbs the overlap.
func (p *GroupProcessor) ProcessGroup(ctx context.Context, group *strategy.StrategyGroup) error {
	interval := group.Interval
	if interval <= 0 {
		interval = 60
	}

	lockName := redisc.AccessLockKey(group.Fingerprint)
	token, ok, err := p.locks.Acquire(ctx, lockName, groupLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		// a peer owns this group right now; resharding overlap is expected
		return nil
	}
	defer func() {
		if err := p.locks.Release(context.WithoutCancel(ctx), lockName, token); err != nil {
			log.Warn().Err(err).Str("group", group.Fingerprint).Msg("access lock release failed")
		}
	}()

	now := p.now().Unix()
	tick := now - now%interval
	last, err := p.checkpoints.Get(ctx, group.Fingerprint)
	if err != nil {
		return err
	}
	if last == 0 {
		last = tick - interval
	}
	if tick <= last {
		return nil
	}

	if p.budget != nil {
		remaining, err := p.budget.Remaining(ctx, group.Fingerprint)
		if err != nil {
			return err
		}
		if remaining <= 0 {
			// checkpoint holds so the backlog is pulled once the bucket refills
			log.Debug().Str("group", group.Fingerprint).Msg("pull budget exhausted, tick skipped")
			return nil
		}
		defer func(started time.Time) {
			cost := int64(p.now().Sub(started).Seconds()) + 1
			if _, err := p.budget.Spend(context.WithoutCancel(ctx), group.Fingerprint, cost); err != nil {
				log.Warn().Err(err).Str("group", group.Fingerprint).Msg("budget spend failed")
			}
		}(p.now())
	}

	from := last - interval // one interval of overlap for late arrivals
	records, err := p.pullWithRetry(ctx, group, from, tick)
	if err != nil {
		p.markDegraded(group.Fingerprint)
		log.Error().Err(err).Str("group", group.Fingerprint).Msg("data source degraded")
		return nil
	}
	p.clearDegraded(group.Fingerprint)

	for _, sid := range group.StrategyIDs {
		p.fanOut(ctx, group, sid, records, now)
	}
	return p.checkpoints.Set(ctx, group.Fingerprint, tick)
}

func (p *GroupProcessor) pullWithRetry(ctx context.Context, group *strategy.StrategyGroup, from, until int64) ([]*RawRecord, error) {
	records, err := p.source.Pull(ctx, group, from, until)
	if err == nil {
		return records, nil
	}
	for _, backoff := range pullBackoff {
		if serr := p.sleep(ctx, backoff); serr != nil {
			return nil, serr
		}
		records, err = p.source.Pull(ctx, group, from, until)
		if err == nil {
			return records, nil
		}
		metrics.ErrorsTotal.WithLabelValues(stageName, "pull").Inc()
	}
	return nil, err
}

// fanOut normalises the pulled records for one strategy and pushes the
// admitted points to its detect queue.
func (p *GroupProcessor) fanOut(ctx context.Context, group *strategy.StrategyGroup, sid int64, records []*RawRecord, now int64) {
	sidLabel := strconv.FormatInt(sid, 10)
	s, err := p.provider.Strategy(ctx, sid)
	if err != nil {
		metrics.DroppedTotal.WithLabelValues(stageName, "config_error", sidLabel).Inc()
		log.Warn().Err(err).Int64("strategy_id", sid).Msg("group references unknown strategy")
		return
	}
	if !s.IsEnabled {
		return
	}

	points := p.normalise(ctx, group, s, records, now)
	if len(points) == 0 {
		return
	}

	queue := redisc.DataQueueKey(sid)
	depth, err := p.queues.Depth(ctx, queue)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(stageName, "queue_depth").Inc()
		return
	}
	if depth > p.maxQueueDepth {
		// backpressure contract: skip the tick, the checkpoint still advances
		for range points {
			metrics.DroppedTotal.WithLabelValues(stageName, "queue_full", sidLabel).Inc()
		}
		log.Warn().Int64("strategy_id", sid).Int64("depth", depth).Msg("detect queue full, tick skipped")
		return
	}

	payloads := make([]string, 0, len(points))
	for _, point := range points {
		raw, err := point.Encode()
		if err != nil {
			metrics.ErrorsTotal.WithLabelValues(stageName, "encode").Inc()
			continue
		}
		payloads = append(payloads, string(raw))
	}
	if err := p.queues.Push(ctx, queue, payloads...); err != nil {
		metrics.ErrorsTotal.WithLabelValues(stageName, "push").Inc()
		return
	}
	for _, point := range points {
		if err := p.dedup.Mark(ctx, sidLabel, point.RecordID, point.Timestamp); err != nil {
			metrics.ErrorsTotal.WithLabelValues(stageName, "dedup").Inc()
		}
	}
	if err := p.queues.Push(ctx, redisc.DataSignalKey, sidLabel); err != nil {
		metrics.ErrorsTotal.WithLabelValues(stageName, "push").Inc()
	}
	metrics.QueueDepth.WithLabelValues("detect", queue).Set(float64(depth + int64(len(payloads))))
}

func (p *GroupProcessor) normalise(ctx context.Context, group *strategy.StrategyGroup, s *strategy.Strategy, records []*RawRecord, now int64) []*pipeline.DataPoint {
	sidLabel := strconv.FormatInt(s.ID, 10)
	var out []*pipeline.DataPoint
	batch := map[string]struct{}{} // record ids already admitted this batch
	for i := range s.Items {
		item := &s.Items[i]
		for _, qc := range item.QueryConfigs {
			if qc.DataSource != group.DataSource || qc.Table != group.Table {
				continue
			}
			interval := qc.AggInterval
			if interval <= 0 {
				interval = group.Interval
			}
			for _, record := range records {
				point, reason := p.admit(ctx, s, item, &qc, record, interval, now)
				if reason != "" {
					metrics.DroppedTotal.WithLabelValues(stageName, reason, sidLabel).Inc()
					continue
				}
				if point == nil {
					continue
				}
				key := strconv.FormatInt(item.ID, 10) + "/" + point.RecordID
				if _, dup := batch[key]; dup {
					metrics.DroppedTotal.WithLabelValues(stageName, "duplicate", sidLabel).Inc()
					continue
				}
				batch[key] = struct{}{}
				out = append(out, point)
			}
		}
	}
	return out
}

// admit applies filtering, dedup and priority inhibition to one record.
// A non-empty reason means the record was dropped and counted.
func (p *GroupProcessor) admit(ctx context.Context, s *strategy.Strategy, item *strategy.Item, qc *strategy.QueryConfig, record *RawRecord, interval, now int64) (*pipeline.DataPoint, string) {
	if !strategy.MatchConditions(qc.Conditions, record.Dimensions) {
		return nil, ""
	}
	value, ok := record.Metrics[qc.MetricField]
	if !ok {
		return nil, "schema_invalid"
	}

	dims := make(map[string]string, len(qc.AggDimensions))
	for _, d := range qc.AggDimensions {
		if v, present := record.Dimensions[d]; present {
			dims[d] = v
		}
	}
	md5 := strategy.DimensionsMD5(dims)
	ts := record.Timestamp - record.Timestamp%interval
	recordID := pipeline.NewRecordID(md5, ts)

	seen, err := p.dedup.Seen(ctx, strconv.FormatInt(s.ID, 10), recordID, ts)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(stageName, "dedup").Inc()
		return nil, ""
	}
	if seen {
		return nil, "duplicate"
	}

	if s.Priority != nil && s.PriorityGroupKey != "" {
		admitted, err := p.gate.Admit(ctx, s.PriorityGroupKey, md5, *s.Priority, now)
		if err != nil {
			metrics.ErrorsTotal.WithLabelValues(stageName, "priority").Inc()
			return nil, ""
		}
		if !admitted {
			return nil, "priority_inhibited"
		}
	}

	return &pipeline.DataPoint{
		StrategyID:    s.ID,
		ItemID:        item.ID,
		Timestamp:     ts,
		Interval:      interval,
		DimensionsMD5: md5,
		Dimensions:    dims,
		Value:         value,
		RecordID:      recordID,
	}, ""
}

func (p *GroupProcessor) markDegraded(fingerprint string) {
	if !p.degraded[fingerprint] {
		p.degraded[fingerprint] = true
		metrics.DegradedGroups.Inc()
	}
}

func (p *GroupProcessor) clearDegraded(fingerprint string) {
	if p.degraded[fingerprint] {
		delete(p.degraded, fingerprint)
		metrics.DegradedGroups.Dec()
	}
}
