// Package detect evaluates detection algorithms over incoming data points
// and emits anomaly points for the trigger stage.
package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/pipeline"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/strategy"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/window"
)

// Verdict is the three-valued outcome of one evaluation. Insufficient history
// is neither anomalous nor normal; the point contributes nothing downstream.
type Verdict int

const (
	VerdictInsufficient Verdict = iota
	VerdictNormal
	VerdictAnomalous
)

func (v Verdict) String() string {
	switch v {
	case VerdictNormal:
		return "normal"
	case VerdictAnomalous:
		return "anomalous"
	default:
		return "insufficient"
	}
}

// Result pairs a verdict with the operator-facing message rendered when the
// verdict is anomalous.
type Result struct {
	Verdict Verdict
	Message string
}

// History gives an algorithm read access to the series the point belongs to.
type History interface {
	// ValueAt returns the value recorded at exactly ts.
	ValueAt(ctx context.Context, ts int64) (float64, bool, error)

	// Range returns all points with lo <= ts <= hi, ascending.
	Range(ctx context.Context, lo, hi int64) ([]window.Point, error)
}

// Algorithm is one detection algorithm bound to its parameters.
type Algorithm interface {
	Kind() string

	// HistoryHorizon is how far back the algorithm reads, given the series
	// aggregation interval. Zero means the current value suffices.
	HistoryHorizon(interval time.Duration) time.Duration

	Evaluate(ctx context.Context, p *pipeline.DataPoint, hist History) (Result, error)
}

type factory func(raw json.RawMessage) (Algorithm, error)

// Algorithm kinds accepted in strategy config.
const (
	KindThreshold          = "Threshold"
	KindSimpleRingRatio    = "SimpleRingRatio"
	KindYearRoundAmplitude = "YearRoundAmplitude"
	KindOsRestart          = "OsRestart"
	KindIntelligentDetect  = "IntelligentDetect"
)

var factories = map[string]factory{
	KindThreshold:          newThreshold,
	KindSimpleRingRatio:    newSimpleRingRatio,
	KindYearRoundAmplitude: newYearRoundAmplitude,
	KindOsRestart:          newOsRestart,
	KindIntelligentDetect:  newIntelligentDetect,
}

// New builds the algorithm named by the config. Unknown kinds are a
// configuration error.
func New(cfg strategy.AlgorithmConfig) (Algorithm, error) {
	f, ok := factories[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown algorithm kind %q", cfg.Kind)
	}
	alg, err := f(cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("algorithm %s: %w", cfg.Kind, err)
	}
	return alg, nil
}

// compare applies a comparison method to IEEE-754 floats. NaN on either side
// never satisfies any method.
func compare(method string, a, b float64) (bool, error) {
	if math.IsNaN(a) || math.IsNaN(b) {
		return false, nil
	}
	switch method {
	case "gt":
		return a > b, nil
	case "gte":
		return a >= b, nil
	case "lt":
		return a < b, nil
	case "lte":
		return a <= b, nil
	case "eq":
		return a == b, nil
	case "neq":
		return a != b, nil
	default:
		return false, fmt.Errorf("unknown comparison method %q", method)
	}
}
