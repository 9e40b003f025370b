package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/pipeline"
)

// simpleRingRatio compares the point against the previous interval:
// (value - previous) / previous, expressed in percent.
type simpleRingRatio struct {
	ratio     float64 // percent
	direction string  // up | down | both
}

type ringRatioConfig struct {
	Ratio     float64 `json:"ratio"`
	Direction string  `json:"direction"`
}

func newSimpleRingRatio(raw json.RawMessage) (Algorithm, error) {
	var cfg ringRatioConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse ring-ratio config: %w", err)
	}
	if cfg.Ratio <= 0 {
		return nil, fmt.Errorf("ring-ratio requires ratio > 0, got %g", cfg.Ratio)
	}
	switch cfg.Direction {
	case "", "both":
		cfg.Direction = "both"
	case "up", "down":
	default:
		return nil, fmt.Errorf("unknown ring-ratio direction %q", cfg.Direction)
	}
	return &simpleRingRatio{ratio: cfg.Ratio, direction: cfg.Direction}, nil
}

func (a *simpleRingRatio) Kind() string { return KindSimpleRingRatio }

func (a *simpleRingRatio) HistoryHorizon(interval time.Duration) time.Duration {
	return interval
}

func (a *simpleRingRatio) Evaluate(ctx context.Context, p *pipeline.DataPoint, hist History) (Result, error) {
	if math.IsNaN(p.Value) {
		return Result{Verdict: VerdictNormal}, nil
	}
	prev, ok, err := hist.ValueAt(ctx, p.Timestamp-p.Interval)
	if err != nil {
		return Result{}, err
	}
	if !ok || math.IsNaN(prev) || prev == 0 {
		// ratio is undefined without a usable previous point
		return Result{Verdict: VerdictInsufficient}, nil
	}

	change := (p.Value - prev) / math.Abs(prev) * 100
	anomalous := false
	switch a.direction {
	case "up":
		anomalous = change >= a.ratio
	case "down":
		anomalous = -change >= a.ratio
	default:
		anomalous = math.Abs(change) >= a.ratio
	}
	if !anomalous {
		return Result{Verdict: VerdictNormal}, nil
	}
	return Result{
		Verdict: VerdictAnomalous,
		Message: fmt.Sprintf("value %g changed %.2f%% against previous %g (limit %g%%, %s)",
			p.Value, change, prev, a.ratio, a.direction),
	}, nil
}
