package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/pipeline"
)

// intelligentDetect reads the anomaly score computed by the upstream model
// stream and fires above a configured cutoff. The model itself lives outside
// the pipeline; the stream delivers the score alongside the raw value.
type intelligentDetect struct {
	cutoff     float64
	scoreField string
}

type intelligentConfig struct {
	Cutoff     float64 `json:"cutoff"`
	ScoreField string  `json:"score_field"`
}

const defaultScoreField = "anomaly_score"

func newIntelligentDetect(raw json.RawMessage) (Algorithm, error) {
	var cfg intelligentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse intelligent-detect config: %w", err)
	}
	if cfg.ScoreField == "" {
		cfg.ScoreField = defaultScoreField
	}
	return &intelligentDetect{cutoff: cfg.Cutoff, scoreField: cfg.ScoreField}, nil
}

func (a *intelligentDetect) Kind() string { return KindIntelligentDetect }

func (a *intelligentDetect) HistoryHorizon(time.Duration) time.Duration { return 0 }

func (a *intelligentDetect) Evaluate(_ context.Context, p *pipeline.DataPoint, _ History) (Result, error) {
	score, ok := p.Extra[a.scoreField]
	if !ok || math.IsNaN(score) {
		return Result{Verdict: VerdictInsufficient}, nil
	}
	if score > a.cutoff {
		return Result{
			Verdict: VerdictAnomalous,
			Message: fmt.Sprintf("model score %g above cutoff %g", score, a.cutoff),
		}, nil
	}
	return Result{Verdict: VerdictNormal}, nil
}
