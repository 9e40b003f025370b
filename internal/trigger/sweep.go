package trigger

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/alert"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/metrics"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/redisc"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/strategy"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/window"
)

const closeBatch = 200

// Sweeper runs the periodic recovery and close passes over open alerts.
// Recovery fires after K consecutive non-anomalous points follow the last
// anomaly; recovered alerts close after the close delay.
type Sweeper struct {
	queues     redisc.Queue
	windows    window.Store
	provider   strategy.Provider
	store      alert.Store
	recoverK   int
	closeDelay time.Duration

	now func() time.Time
}

func NewSweeper(queues redisc.Queue, windows window.Store, provider strategy.Provider, store alert.Store, recoverK int, closeDelay time.Duration) *Sweeper {
	if recoverK <= 0 {
		recoverK = 5
	}
	if closeDelay <= 0 {
		closeDelay = time.Hour
	}
	return &Sweeper{
		queues:     queues,
		windows:    windows,
		provider:   provider,
		store:      store,
		recoverK:   recoverK,
		closeDelay: closeDelay,
		now:        time.Now,
	}
}

// Run schedules the sweep until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	c := cron.New()
	_, _ = c.AddFunc("@every "+every.String(), func() {
		if err := s.Sweep(ctx); err != nil {
			log.Error().Err(err).Msg("trigger sweep failed")
		}
	})
	c.Start()
	<-ctx.Done()
	c.Stop()
}

// Sweep runs one recovery pass followed by one close pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	ids, err := s.provider.ActiveStrategyIDs(ctx)
	if err != nil {
		return err
	}
	for _, sid := range ids {
		if err := s.sweepStrategy(ctx, sid); err != nil {
			log.Error().Err(err).Int64("strategy_id", sid).Msg("recovery pass failed")
		}
	}
	return s.closeRecovered(ctx)
}

func (s *Sweeper) sweepStrategy(ctx context.Context, sid int64) error {
	st, err := s.provider.Strategy(ctx, sid)
	if err != nil {
		return err
	}
	open, err := s.store.ListOpenByStrategy(ctx, sid)
	if err != nil {
		return err
	}
	for _, a := range open {
		if err := s.tryRecover(ctx, st, a); err != nil {
			log.Error().Err(err).Str("alert_id", a.ID).Msg("recovery check failed")
		}
	}
	return nil
}

func (s *Sweeper) tryRecover(ctx context.Context, st *strategy.Strategy, a *alert.Alert) error {
	d := st.DetectFor(a.Severity)
	k := d.RecoveryCount
	if k <= 0 {
		k = s.recoverK
	}

	key := redisc.CheckResultKey(a.StrategyID, a.ItemID, a.DimensionsMD5, a.Severity)
	points, err := s.windows.Members(ctx, key, a.LatestAnomalyTime+1, s.now().Unix())
	if err != nil {
		return err
	}

	// consecutive normals since the most recent anomalous point
	streak := 0
	for _, pt := range points {
		if pt.Anomalous {
			streak = 0
			continue
		}
		streak++
	}
	if streak < k {
		return nil
	}

	now := s.now().Unix()
	if err := a.Transition(alert.StatusRecovered, now); err != nil {
		return err
	}
	if err := s.store.Update(ctx, a); err != nil {
		return err
	}
	metrics.AlertsTotal.WithLabelValues("recovered").Inc()
	log.Info().
		Str("alert_id", a.ID).
		Int64("strategy_id", a.StrategyID).
		Int("streak", streak).
		Msg("alert recovered")

	if wantsSignal(st, alert.SignalRecovered) {
		return s.forward(ctx, a, alert.SignalRecovered, now)
	}
	return nil
}

func (s *Sweeper) closeRecovered(ctx context.Context) error {
	cutoff := s.now().Add(-s.closeDelay).Unix()
	recovered, err := s.store.ListRecoveredBefore(ctx, cutoff, closeBatch)
	if err != nil {
		return err
	}
	for _, a := range recovered {
		now := s.now().Unix()
		if err := a.Transition(alert.StatusClosed, now); err != nil {
			log.Error().Err(err).Str("alert_id", a.ID).Msg("close transition failed")
			continue
		}
		if err := s.store.Update(ctx, a); err != nil {
			log.Error().Err(err).Str("alert_id", a.ID).Msg("close update failed")
			continue
		}
		metrics.AlertsTotal.WithLabelValues("closed").Inc()
	}
	return nil
}

func (s *Sweeper) forward(ctx context.Context, a *alert.Alert, signal string, ts int64) error {
	event := alert.NewEvent(a, signal, ts)
	payload, err := event.Encode()
	if err != nil {
		return err
	}
	return s.queues.Push(ctx, redisc.ConvergeQueueKey, string(payload))
}

func wantsSignal(st *strategy.Strategy, signal string) bool {
	for _, s := range st.Notice.Signals {
		if s == signal {
			return true
		}
	}
	return false
}
