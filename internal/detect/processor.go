package detect

import (
	"context"
	"errors"
	"fmt"
	"sort"
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
	stageName     = "detect"
	lockTTL       = 15 * time.Second
	popTimeout    = 5 * time.Second
	batchMax      = 1000
	renewEvery    = 200
	minWindowTTL  = 10 * time.Minute
	minResultTTL  = 5 * time.Minute
)

// SnapshotSaver freezes a strategy config so downstream stages evaluate the
// same version the anomaly was produced against.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, s *strategy.Strategy) (string, error)
}

// Processor is the detect stage. It drains per-strategy data queues under a
// per-strategy lock and pushes anomaly points downstream.
type Processor struct {
	queues    redisc.Queue
	locks     lock.Locker
	windows   window.Store
	provider  strategy.Provider
	snapshots SnapshotSaver // optional
	batch     int
}

func NewProcessor(queues redisc.Queue, locks lock.Locker, windows window.Store, provider strategy.Provider, snapshots SnapshotSaver) *Processor {
	return &Processor{
		queues:    queues,
		locks:     locks,
		windows:   windows,
		provider:  provider,
		snapshots: snapshots,
		batch:     batchMax,
	}
}

// WithBatchSize caps how many points one signal drains before yielding the
// strategy lock.
func (p *Processor) WithBatchSize(n int) *Processor {
	if n > 0 {
		p.batch = n
	}
	return p
}

func (p *Processor) Name() string { return stageName }

// Fetch pops the next strategy signal. The signal carries the strategy id
// whose data queue has pending points.
func (p *Processor) Fetch(ctx context.Context) (interface{}, error) {
	signal, err := p.queues.Pop(ctx, redisc.DataSignalKey, popTimeout)
	if err != nil {
		return nil, err
	}
	return signal, nil
}

// Handle drains the data queue for one strategy under its detect lock.
func (p *Processor) Handle(ctx context.Context, work interface{}) error {
	sid, err := strconv.ParseInt(work.(string), 10, 64)
	if err != nil {
		metrics.DroppedTotal.WithLabelValues(stageName, "schema_invalid", "0").Inc()
		return fmt.Errorf("malformed detect signal %q", work)
	}

	lockName := redisc.DetectLockKey(sid)
	token, ok, err := p.locks.Acquire(ctx, lockName, lockTTL)
	if err != nil {
		return fmt.Errorf("acquire detect lock for strategy %d: %w", sid, err)
	}
	if !ok {
		// another worker is draining this strategy; its loop picks up our
		// points too
		return nil
	}
	defer func() {
		if err := p.locks.Release(context.WithoutCancel(ctx), lockName, token); err != nil {
			log.Warn().Err(err).Int64("strategy_id", sid).Msg("detect lock release failed")
		}
	}()

	return p.drainStrategy(ctx, sid, lockName, token)
}

func (p *Processor) drainStrategy(ctx context.Context, sid int64, lockName, token string) error {
	s, err := p.provider.Strategy(ctx, sid)
	if err != nil {
		if errors.Is(err, strategy.ErrNotFound) {
			p.discardQueue(ctx, sid, "config_error")
			return nil
		}
		return err
	}
	if !s.IsEnabled {
		p.discardQueue(ctx, sid, "strategy_disabled")
		return nil
	}

	evals, err := buildEvaluators(s)
	if err != nil {
		log.Error().Err(err).Int64("strategy_id", sid).Msg("strategy carries broken algorithm config")
		p.discardQueue(ctx, sid, "config_error")
		return nil
	}

	snapshotKey := ""
	if p.snapshots != nil {
		snapshotKey, err = p.snapshots.SaveSnapshot(ctx, s)
		if err != nil {
			return fmt.Errorf("snapshot strategy %d: %w", sid, err)
		}
	}

	queue := redisc.DataQueueKey(sid)
	for n := 0; n < p.batch; n++ {
		if n > 0 && n%renewEvery == 0 {
			if _, err := p.locks.Renew(ctx, lockName, token, lockTTL); err != nil {
				return fmt.Errorf("renew detect lock for strategy %d: %w", sid, err)
			}
		}
		raw, err := p.queues.PopNow(ctx, queue)
		if errors.Is(err, redisc.ErrEmpty) {
			return nil
		}
		if err != nil {
			return err
		}
		point, err := pipeline.DecodeDataPoint([]byte(raw))
		if err != nil {
			metrics.DroppedTotal.WithLabelValues(stageName, "schema_invalid", strconv.FormatInt(sid, 10)).Inc()
			continue
		}
		if err := p.processPoint(ctx, s, evals, point, snapshotKey); err != nil {
			metrics.ErrorsTotal.WithLabelValues(stageName, "process").Inc()
			log.Error().Err(err).
				Int64("strategy_id", sid).
				Str("record_id", point.RecordID).
				Msg("point processing failed")
		}
	}
	return nil
}

// discardQueue empties a strategy's data queue, counting every dropped point.
func (p *Processor) discardQueue(ctx context.Context, sid int64, reason string) {
	queue := redisc.DataQueueKey(sid)
	label := strconv.FormatInt(sid, 10)
	for i := 0; i < p.batch; i++ {
		if _, err := p.queues.PopNow(ctx, queue); err != nil {
			return
		}
		metrics.DroppedTotal.WithLabelValues(stageName, reason, label).Inc()
	}
}

func (p *Processor) processPoint(ctx context.Context, s *strategy.Strategy, evals map[int64]*itemEvaluator, point *pipeline.DataPoint, snapshotKey string) error {
	ev, ok := evals[point.ItemID]
	if !ok {
		metrics.DroppedTotal.WithLabelValues(stageName, "config_error", strconv.FormatInt(s.ID, 10)).Inc()
		return nil
	}
	interval := time.Duration(point.Interval) * time.Second
	if interval <= 0 {
		interval = time.Minute
		point.Interval = 60
	}

	// the raw series feeds the history-based algorithms
	seriesKey := redisc.WindowKey(s.ID, point.DimensionsMD5)
	seriesTTL := ev.horizon(interval) + 2*interval
	if seriesTTL < minWindowTTL {
		seriesTTL = minWindowTTL
	}
	err := p.windows.Add(ctx, seriesKey, window.Point{Timestamp: point.Timestamp, Value: point.Value}, seriesTTL)
	if err != nil {
		return err
	}
	hist := &seriesHistory{store: p.windows, key: seriesKey}

	fired := false
	for _, lv := range ev.levels {
		res := lv.evaluate(ctx, point, hist)
		if res.Verdict == VerdictInsufficient {
			continue
		}
		if err := p.writeCheckResult(ctx, s, point, lv.level, res.Verdict == VerdictAnomalous, interval); err != nil {
			return err
		}
		if res.Verdict == VerdictAnomalous && !fired {
			// levels are ordered most severe first; only one anomaly per point
			fired = true
			if err := p.pushAnomaly(ctx, s, point, lv, res, snapshotKey); err != nil {
				return err
			}
		}
	}

	trimBefore := point.Timestamp - int64((ev.horizon(interval)+2*interval)/time.Second)
	if err := p.windows.Trim(ctx, seriesKey, trimBefore); err != nil {
		log.Warn().Err(err).Str("key", seriesKey).Msg("series trim failed")
	}
	return nil
}

func (p *Processor) writeCheckResult(ctx context.Context, s *strategy.Strategy, point *pipeline.DataPoint, level int, anomalous bool, interval time.Duration) error {
	d := s.DetectFor(level)
	ttl := time.Duration(d.TriggerWindow+d.RecoveryCount+1) * interval
	if ttl < minResultTTL {
		ttl = minResultTTL
	}
	key := redisc.CheckResultKey(s.ID, point.ItemID, point.DimensionsMD5, level)
	return p.windows.Add(ctx, key, window.Point{
		Timestamp: point.Timestamp,
		Value:     point.Value,
		Anomalous: anomalous,
	}, ttl)
}

func (p *Processor) pushAnomaly(ctx context.Context, s *strategy.Strategy, point *pipeline.DataPoint, lv *levelEvaluator, res Result, snapshotKey string) error {
	anomaly := &pipeline.AnomalyPoint{
		DataPoint:           *point,
		Level:               lv.level,
		AlgorithmID:         lv.firstAlgorithmID,
		AnomalyMessage:      res.Message,
		StrategySnapshotKey: snapshotKey,
	}
	payload, err := anomaly.Encode()
	if err != nil {
		return err
	}
	if err := p.queues.Push(ctx, redisc.AnomalyQueueKey(s.ID, point.ItemID), string(payload)); err != nil {
		return err
	}
	signal := fmt.Sprintf("%d.%d", s.ID, point.ItemID)
	if err := p.queues.Push(ctx, redisc.AnomalySignalKey, signal); err != nil {
		return err
	}
	metrics.AnomaliesTotal.WithLabelValues(strconv.FormatInt(s.ID, 10), strconv.Itoa(lv.level)).Inc()
	return nil
}

// itemEvaluator holds the compiled algorithms of one strategy item, grouped
// by severity level, most severe first.
type itemEvaluator struct {
	expression string
	levels     []*levelEvaluator
}

type levelEvaluator struct {
	level            int
	expression       string
	firstAlgorithmID int64
	algorithms       []Algorithm
}

func buildEvaluators(s *strategy.Strategy) (map[int64]*itemEvaluator, error) {
	out := make(map[int64]*itemEvaluator, len(s.Items))
	for i := range s.Items {
		item := &s.Items[i]
		ev := &itemEvaluator{expression: item.Expression}
		if ev.expression == "" {
			ev.expression = "or"
		}
		byLevel := map[int]*levelEvaluator{}
		for _, cfg := range item.Algorithms {
			alg, err := New(cfg)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", item.ID, err)
			}
			lv, ok := byLevel[cfg.Level]
			if !ok {
				lv = &levelEvaluator{level: cfg.Level, expression: ev.expression, firstAlgorithmID: cfg.ID}
				byLevel[cfg.Level] = lv
				ev.levels = append(ev.levels, lv)
			}
			lv.algorithms = append(lv.algorithms, alg)
		}
		sort.Slice(ev.levels, func(a, b int) bool { return ev.levels[a].level < ev.levels[b].level })
		out[item.ID] = ev
	}
	return out, nil
}

func (ev *itemEvaluator) horizon(interval time.Duration) time.Duration {
	var max time.Duration
	for _, lv := range ev.levels {
		for _, alg := range lv.algorithms {
			if h := alg.HistoryHorizon(interval); h > max {
				max = h
			}
		}
	}
	return max
}

// evaluate composes the level's algorithms under the item expression.
// A failed algorithm contributes insufficient data and is counted.
func (lv *levelEvaluator) evaluate(ctx context.Context, point *pipeline.DataPoint, hist History) Result {
	var firstAnomaly *Result
	anomalous, normal, insufficient := 0, 0, 0
	for _, alg := range lv.algorithms {
		res, err := alg.Evaluate(ctx, point, hist)
		if err != nil {
			metrics.AlgorithmErrorsTotal.WithLabelValues(alg.Kind()).Inc()
			log.Warn().Err(err).
				Str("algorithm", alg.Kind()).
				Str("record_id", point.RecordID).
				Msg("algorithm evaluation failed")
			res = Result{Verdict: VerdictInsufficient}
		}
		switch res.Verdict {
		case VerdictAnomalous:
			anomalous++
			if firstAnomaly == nil {
				r := res
				firstAnomaly = &r
			}
		case VerdictNormal:
			normal++
		default:
			insufficient++
		}
	}

	if lv.expression == "and" {
		if anomalous == len(lv.algorithms) && anomalous > 0 {
			return *firstAnomaly
		}
		if insufficient > 0 && normal == 0 {
			return Result{Verdict: VerdictInsufficient}
		}
		return Result{Verdict: VerdictNormal}
	}

	// "or"
	if anomalous > 0 {
		return *firstAnomaly
	}
	if normal == 0 {
		return Result{Verdict: VerdictInsufficient}
	}
	return Result{Verdict: VerdictNormal}
}

// seriesHistory adapts the sliding-window store to the History interface for
// one series key. Points written by access are interval-aligned, so lookups
// are exact.
type seriesHistory struct {
	store window.Store
	key   string
}

func (h *seriesHistory) ValueAt(ctx context.Context, ts int64) (float64, bool, error) {
	points, err := h.store.Members(ctx, h.key, ts, ts)
	if err != nil {
		return 0, false, err
	}
	for _, p := range points {
		if !p.Anomalous {
			return p.Value, true, nil
		}
	}
	return 0, false, nil
}

func (h *seriesHistory) Range(ctx context.Context, lo, hi int64) ([]window.Point, error) {
	return h.store.Members(ctx, h.key, lo, hi)
}
