package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/pipeline"
)

// thresholdUnit is one predicate. Units within an inner list are AND-ed,
// inner lists are OR-ed, matching the published config shape
// [[{threshold, method}, ...], ...].
type thresholdUnit struct {
	Threshold float64  `json:"threshold"`
	Method    string   `json:"method"`
	// Upper closes the range for method "between"; the predicate is
	// threshold <= value <= upper.
	Upper *float64 `json:"upper,omitempty"`
}

type thresholdAlgorithm struct {
	groups [][]thresholdUnit
}

func newThreshold(raw json.RawMessage) (Algorithm, error) {
	var groups [][]thresholdUnit
	if err := json.Unmarshal(raw, &groups); err != nil {
		return nil, fmt.Errorf("parse threshold config: %w", err)
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("threshold config is empty")
	}
	for _, g := range groups {
		for _, u := range g {
			if u.Method == "between" {
				if u.Upper == nil {
					return nil, fmt.Errorf("threshold method between requires upper")
				}
				continue
			}
			if _, err := compare(u.Method, 0, 0); err != nil {
				return nil, err
			}
		}
	}
	return &thresholdAlgorithm{groups: groups}, nil
}

func (a *thresholdAlgorithm) Kind() string { return KindThreshold }

func (a *thresholdAlgorithm) HistoryHorizon(time.Duration) time.Duration { return 0 }

func (a *thresholdAlgorithm) Evaluate(_ context.Context, p *pipeline.DataPoint, _ History) (Result, error) {
	if math.IsNaN(p.Value) {
		return Result{Verdict: VerdictNormal}, nil
	}
	for _, group := range a.groups {
		if a.groupMatches(group, p.Value) {
			return Result{
				Verdict: VerdictAnomalous,
				Message: fmt.Sprintf("value %g meets %s", p.Value, describeUnits(group)),
			}, nil
		}
	}
	return Result{Verdict: VerdictNormal}, nil
}

func (a *thresholdAlgorithm) groupMatches(group []thresholdUnit, value float64) bool {
	if len(group) == 0 {
		return false
	}
	for _, u := range group {
		ok := false
		if u.Method == "between" {
			ok = value >= u.Threshold && value <= *u.Upper
		} else {
			ok, _ = compare(u.Method, value, u.Threshold)
		}
		if !ok {
			return false
		}
	}
	return true
}

func describeUnits(group []thresholdUnit) string {
	parts := make([]string, 0, len(group))
	for _, u := range group {
		if u.Method == "between" {
			parts = append(parts, fmt.Sprintf("between(%g, %g)", u.Threshold, *u.Upper))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s(%g)", u.Method, u.Threshold))
	}
	return strings.Join(parts, " and ")
}
