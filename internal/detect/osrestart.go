package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/pipeline"
)

// osRestart fires when the uptime series drops back below ten minutes while
// the host has demonstrably been reporting for a while. The three conditions
// together distinguish a reboot from a freshly provisioned host:
//   - uptime in (0, 600] seconds
//   - uptime strictly decreasing against the previous point
//   - data present roughly 10 and 25 minutes ago
type osRestart struct{}

const (
	restartUptimeCeiling = 600
	presenceNear         = 600  // 10 min
	presenceFar          = 1500 // 25 min
)

func newOsRestart(raw json.RawMessage) (Algorithm, error) {
	// the algorithm is parameterless; reject junk config loudly
	if len(raw) > 0 {
		var probe interface{}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("parse os-restart config: %w", err)
		}
	}
	return &osRestart{}, nil
}

func (a *osRestart) Kind() string { return KindOsRestart }

func (a *osRestart) HistoryHorizon(interval time.Duration) time.Duration {
	far := time.Duration(presenceFar) * time.Second
	return far + interval
}

func (a *osRestart) Evaluate(ctx context.Context, p *pipeline.DataPoint, hist History) (Result, error) {
	if math.IsNaN(p.Value) || p.Value <= 0 || p.Value > restartUptimeCeiling {
		return Result{Verdict: VerdictNormal}, nil
	}

	prev, ok, err := hist.ValueAt(ctx, p.Timestamp-p.Interval)
	if err != nil {
		return Result{}, err
	}
	if !ok || math.IsNaN(prev) {
		return Result{Verdict: VerdictInsufficient}, nil
	}
	if p.Value >= prev {
		return Result{Verdict: VerdictNormal}, nil
	}

	for _, back := range []int64{presenceNear, presenceFar} {
		present, err := a.presentAround(ctx, hist, p.Timestamp-back, p.Interval)
		if err != nil {
			return Result{}, err
		}
		if !present {
			return Result{Verdict: VerdictNormal}, nil
		}
	}

	return Result{
		Verdict: VerdictAnomalous,
		Message: fmt.Sprintf("uptime dropped to %gs (was %gs), host restarted", p.Value, prev),
	}, nil
}

// presentAround tolerates one interval of jitter either side of ts.
func (a *osRestart) presentAround(ctx context.Context, hist History, ts, interval int64) (bool, error) {
	points, err := hist.Range(ctx, ts-interval, ts+interval)
	if err != nil {
		return false, err
	}
	return len(points) > 0, nil
}
