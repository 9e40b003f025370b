package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/pipeline"
)

const daySeconds = 86400

// yearRoundAmplitude compares today's interval-over-interval amplitude
// against the same amplitude on each of the last `days` days:
// |value - prev| meets method against |value_d - prev_d| * ratio + shock
// for any lookback day d.
type yearRoundAmplitude struct {
	days   int
	method string
	ratio  float64
	shock  float64
}

type yearRoundConfig struct {
	Days   int     `json:"days"`
	Method string  `json:"method"`
	Ratio  float64 `json:"ratio"`
	Shock  float64 `json:"shock"`
}

func newYearRoundAmplitude(raw json.RawMessage) (Algorithm, error) {
	var cfg yearRoundConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse year-round config: %w", err)
	}
	if cfg.Days <= 0 {
		return nil, fmt.Errorf("year-round requires days > 0, got %d", cfg.Days)
	}
	if cfg.Method == "" {
		cfg.Method = "gte"
	}
	if _, err := compare(cfg.Method, 0, 0); err != nil {
		return nil, err
	}
	return &yearRoundAmplitude{
		days:   cfg.Days,
		method: cfg.Method,
		ratio:  cfg.Ratio,
		shock:  cfg.Shock,
	}, nil
}

func (a *yearRoundAmplitude) Kind() string { return KindYearRoundAmplitude }

func (a *yearRoundAmplitude) HistoryHorizon(interval time.Duration) time.Duration {
	return time.Duration(a.days)*daySeconds*time.Second + interval
}

func (a *yearRoundAmplitude) Evaluate(ctx context.Context, p *pipeline.DataPoint, hist History) (Result, error) {
	if math.IsNaN(p.Value) {
		return Result{Verdict: VerdictNormal}, nil
	}
	prev, ok, err := hist.ValueAt(ctx, p.Timestamp-p.Interval)
	if err != nil {
		return Result{}, err
	}
	if !ok || math.IsNaN(prev) {
		return Result{Verdict: VerdictInsufficient}, nil
	}
	amplitude := math.Abs(p.Value - prev)

	sawHistory := false
	for d := 1; d <= a.days; d++ {
		base := p.Timestamp - int64(d)*daySeconds
		ref, ok, err := hist.ValueAt(ctx, base)
		if err != nil {
			return Result{}, err
		}
		refPrev, okPrev, err := hist.ValueAt(ctx, base-p.Interval)
		if err != nil {
			return Result{}, err
		}
		if !ok || !okPrev || math.IsNaN(ref) || math.IsNaN(refPrev) {
			continue
		}
		sawHistory = true
		bound := math.Abs(ref-refPrev)*a.ratio + a.shock
		hit, _ := compare(a.method, amplitude, bound)
		if hit {
			return Result{
				Verdict: VerdictAnomalous,
				Message: fmt.Sprintf("amplitude %g %s %g (day -%d reference, ratio %g, shock %g)",
					amplitude, a.method, bound, d, a.ratio, a.shock),
			}, nil
		}
	}
	if !sawHistory {
		return Result{Verdict: VerdictInsufficient}, nil
	}
	return Result{Verdict: VerdictNormal}, nil
}
