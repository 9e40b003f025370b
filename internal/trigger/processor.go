package trigger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/alert"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/lock"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/metrics"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/pipeline"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/redisc"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/strategy"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/window"
)

const (
	stageName       = "trigger"
	lockTTL         = 10 * time.Second
	popTimeout      = 5 * time.Second
	batchMax        = 1000
	renewEvery      = 200
	retryDelay      = time.Second
	maxLockAttempts = 5
)

// Processor is the trigger stage.
type Processor struct {
	queues   redisc.Queue
	locks    lock.Locker
	windows  window.Store
	provider strategy.Provider
	store    alert.Store
	seq      alert.Sequencer
	limiter  Limiter

	now func() time.Time
}

func NewProcessor(queues redisc.Queue, locks lock.Locker, windows window.Store, provider strategy.Provider, store alert.Store, seq alert.Sequencer, limiter Limiter) *Processor {
	return &Processor{
		queues:   queues,
		locks:    locks,
		windows:  windows,
		provider: provider,
		store:    store,
		seq:      seq,
		limiter:  limiter,
		now:      time.Now,
	}
}

func (p *Processor) Name() string { return stageName }

// Fetch pops the next anomaly signal "{strategy_id}.{item_id}", optionally
// suffixed with "#attempt" when redelivered after lock contention.
func (p *Processor) Fetch(ctx context.Context) (interface{}, error) {
	return p.queues.Pop(ctx, redisc.AnomalySignalKey, popTimeout)
}

func (p *Processor) Handle(ctx context.Context, work interface{}) error {
	signal := work.(string)
	sid, itemID, attempt, err := parseSignal(signal)
	if err != nil {
		metrics.DroppedTotal.WithLabelValues(stageName, "schema_invalid", "0").Inc()
		return err
	}

	lockName := redisc.TriggerLockKey(sid, itemID)
	token, ok, err := p.locks.Acquire(ctx, lockName, lockTTL)
	if err != nil {
		return fmt.Errorf("acquire trigger lock %s: %w", lockName, err)
	}
	if !ok {
		return p.reschedule(ctx, sid, itemID, attempt)
	}
	defer func() {
		if err := p.locks.Release(context.WithoutCancel(ctx), lockName, token); err != nil {
			log.Warn().Err(err).Str("lock", lockName).Msg("trigger lock release failed")
		}
	}()

	queue := redisc.AnomalyQueueKey(sid, itemID)
	for n := 0; n < batchMax; n++ {
		if n > 0 && n%renewEvery == 0 {
			if _, err := p.locks.Renew(ctx, lockName, token, lockTTL); err != nil {
				return fmt.Errorf("renew trigger lock %s: %w", lockName, err)
			}
		}
		raw, err := p.queues.PopNow(ctx, queue)
		if errors.Is(err, redisc.ErrEmpty) {
			return nil
		}
		if err != nil {
			return err
		}
		anomaly, err := pipeline.DecodeAnomalyPoint([]byte(raw))
		if err != nil {
			metrics.DroppedTotal.WithLabelValues(stageName, "schema_invalid", strconv.FormatInt(sid, 10)).Inc()
			continue
		}
		if err := p.processAnomaly(ctx, anomaly); err != nil {
			metrics.ErrorsTotal.WithLabelValues(stageName, "process").Inc()
			log.Error().Err(err).
				Int64("strategy_id", sid).
				Str("record_id", anomaly.RecordID).
				Msg("anomaly processing failed")
		}
	}
	return nil
}

// reschedule redelivers a contended signal with a short delay, giving up to
// the dead-letter queue after maxLockAttempts.
func (p *Processor) reschedule(ctx context.Context, sid, itemID int64, attempt int) error {
	attempt++
	if attempt >= maxLockAttempts {
		metrics.DroppedTotal.WithLabelValues(stageName, "lock_contention", strconv.FormatInt(sid, 10)).Inc()
		return p.queues.MoveToDLQ(ctx, stageName, formatSignal(sid, itemID, 0))
	}
	return p.queues.Delay(ctx, stageName, formatSignal(sid, itemID, attempt), p.now().Add(retryDelay))
}

// snapshotProvider is the optional read path for frozen configs. The anomaly
// carries the snapshot key it was detected against; resolving through it
// keeps trigger thresholds consistent with a strategy edited mid-flight.
type snapshotProvider interface {
	Snapshot(ctx context.Context, snapshotKey string, strategyID int64) (*strategy.Strategy, error)
}

func (p *Processor) resolveStrategy(ctx context.Context, anomaly *pipeline.AnomalyPoint) (*strategy.Strategy, error) {
	if sp, ok := p.provider.(snapshotProvider); ok && anomaly.StrategySnapshotKey != "" {
		return sp.Snapshot(ctx, anomaly.StrategySnapshotKey, anomaly.StrategyID)
	}
	return p.provider.Strategy(ctx, anomaly.StrategyID)
}

func (p *Processor) processAnomaly(ctx context.Context, anomaly *pipeline.AnomalyPoint) error {
	sidLabel := strconv.FormatInt(anomaly.StrategyID, 10)
	s, err := p.resolveStrategy(ctx, anomaly)
	if err != nil {
		if errors.Is(err, strategy.ErrNotFound) {
			metrics.DroppedTotal.WithLabelValues(stageName, "config_error", sidLabel).Inc()
			return nil
		}
		return err
	}

	interval := anomaly.Interval
	if interval <= 0 {
		interval = 60
	}

	open, err := p.store.GetOpen(ctx, anomaly.StrategyID, anomaly.DimensionsMD5)
	if err != nil && !errors.Is(err, alert.ErrNotFound) {
		return err
	}
	if open != nil && anomaly.Timestamp < open.LatestAnomalyTime-interval {
		metrics.DroppedTotal.WithLabelValues(stageName, "late_anomaly", sidLabel).Inc()
		return nil
	}

	d := s.DetectFor(anomaly.Level)
	fired, err := p.triggerSatisfied(ctx, anomaly, d, interval)
	if err != nil {
		return err
	}
	if !fired {
		return nil
	}

	if open != nil {
		if open.Status == alert.StatusAbnormal {
			return p.refreshAlert(ctx, open, anomaly)
		}
		// the series recovered and fired again: the recovered alert closes
		// now and a fresh id is minted for the new episode
		if err := open.Transition(alert.StatusClosed, p.now().Unix()); err != nil {
			return err
		}
		if err := p.store.Update(ctx, open); err != nil {
			return err
		}
		metrics.AlertsTotal.WithLabelValues("closed").Inc()
	}
	return p.createAlert(ctx, s, anomaly)
}

// triggerSatisfied counts anomalous check results in the last N intervals.
func (p *Processor) triggerSatisfied(ctx context.Context, anomaly *pipeline.AnomalyPoint, d strategy.DetectConfig, interval int64) (bool, error) {
	key := redisc.CheckResultKey(anomaly.StrategyID, anomaly.ItemID, anomaly.DimensionsMD5, anomaly.Level)
	lo := anomaly.Timestamp - int64(d.TriggerWindow)*interval + 1
	points, err := p.windows.Members(ctx, key, lo, anomaly.Timestamp)
	if err != nil {
		return false, err
	}
	anomalous := 0
	for _, pt := range points {
		if pt.Anomalous {
			anomalous++
		}
	}
	return anomalous >= d.TriggerCount, nil
}

func (p *Processor) refreshAlert(ctx context.Context, open *alert.Alert, anomaly *pipeline.AnomalyPoint) error {
	if anomaly.Timestamp > open.LatestAnomalyTime {
		open.LatestAnomalyTime = anomaly.Timestamp
		open.AnomalyMessage = anomaly.AnomalyMessage
	}
	// a more severe level takes over the alert
	if anomaly.Level < open.Severity {
		open.Severity = anomaly.Level
	}
	open.UpdatedAt = p.now().Unix()
	if err := p.store.Update(ctx, open); err != nil {
		return err
	}
	metrics.AlertsTotal.WithLabelValues("updated").Inc()
	return nil
}

func (p *Processor) createAlert(ctx context.Context, s *strategy.Strategy, anomaly *pipeline.AnomalyPoint) error {
	allowed, err := p.limiter.Allow(ctx, anomaly.StrategyID, anomaly.Level, alert.SignalAbnormal)
	if err != nil {
		return err
	}
	id, err := p.seq.Next(ctx, anomaly.StrategyID)
	if err != nil {
		return err
	}
	now := p.now().Unix()
	a := &alert.Alert{
		ID:                  id,
		StrategyID:          anomaly.StrategyID,
		ItemID:              anomaly.ItemID,
		BkBizID:             s.BkBizID,
		DimensionsMD5:       anomaly.DimensionsMD5,
		Dimensions:          anomaly.Dimensions,
		Severity:            anomaly.Level,
		Status:              alert.StatusAbnormal,
		FirstAnomalyTime:    anomaly.Timestamp,
		LatestAnomalyTime:   anomaly.Timestamp,
		AnomalyMessage:      anomaly.AnomalyMessage,
		StrategySnapshotKey: anomaly.StrategySnapshotKey,
		IsBlocked:           !allowed,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := p.store.Create(ctx, a); err != nil {
		return err
	}
	metrics.AlertsTotal.WithLabelValues("created").Inc()

	if !allowed {
		metrics.DroppedTotal.WithLabelValues(stageName, "qos_blocked", strconv.FormatInt(anomaly.StrategyID, 10)).Inc()
		return nil
	}
	return p.forward(ctx, a, alert.SignalAbnormal, anomaly.Timestamp)
}

func (p *Processor) forward(ctx context.Context, a *alert.Alert, signal string, ts int64) error {
	event := alert.NewEvent(a, signal, ts)
	payload, err := event.Encode()
	if err != nil {
		return err
	}
	return p.queues.Push(ctx, redisc.ConvergeQueueKey, string(payload))
}

func parseSignal(signal string) (sid, itemID int64, attempt int, err error) {
	body := signal
	if i := strings.IndexByte(signal, '#'); i >= 0 {
		body = signal[:i]
		attempt, err = strconv.Atoi(signal[i+1:])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("malformed trigger signal %q", signal)
		}
	}
	parts := strings.SplitN(body, ".", 2)
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("malformed trigger signal %q", signal)
	}
	sid, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("malformed trigger signal %q", signal)
	}
	itemID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("malformed trigger signal %q", signal)
	}
	return sid, itemID, attempt, nil
}

func formatSignal(sid, itemID int64, attempt int) string {
	if attempt == 0 {
		return fmt.Sprintf("%d.%d", sid, itemID)
	}
	return fmt.Sprintf("%d.%d#%d", sid, itemID, attempt)
}
