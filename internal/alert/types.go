// Package alert holds the alert document model and its stores. Alerts are
// produced by the trigger stage and consumed by converge and action dispatch.
package alert

import (
	"encoding/json"
	"fmt"
)

// Status is the alert lifecycle state. Transitions are monotonic:
// ABNORMAL -> RECOVERED -> CLOSED. Reopening after recovery allocates a new
// alert id instead of reversing a transition.
type Status string

const (
	StatusAbnormal  Status = "ABNORMAL"
	StatusRecovered Status = "RECOVERED"
	StatusClosed    Status = "CLOSED"
)

var statusRank = map[Status]int{
	StatusAbnormal:  0,
	StatusRecovered: 1,
	StatusClosed:    2,
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s == StatusClosed }

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// Alert is the durable document for one fired series. At most one
// non-terminal alert exists per (strategy_id, dimensions_md5).
type Alert struct {
	ID                  string            `json:"id"`
	StrategyID          int64             `json:"strategy_id"`
	ItemID              int64             `json:"item_id"`
	BkBizID             int64             `json:"bk_biz_id"`
	DimensionsMD5       string            `json:"dimensions_md5"`
	Dimensions          map[string]string `json:"dimensions"`
	Severity            int               `json:"severity"`
	Status              Status            `json:"status"`
	FirstAnomalyTime    int64             `json:"first_anomaly_time"`
	LatestAnomalyTime   int64             `json:"latest_anomaly_time"`
	RecoveredTime       int64             `json:"recovered_time,omitempty"`
	ClosedTime          int64             `json:"closed_time,omitempty"`
	AnomalyMessage      string            `json:"anomaly_message"`
	StrategySnapshotKey string            `json:"strategy_snapshot_key,omitempty"`
	// IsBlocked marks QoS throttling; IsShielded marks scope suppression.
	// The two are independent; consumers union them for "not dispatched".
	IsBlocked  bool              `json:"is_blocked"`
	IsShielded bool              `json:"is_shielded"`
	DedupeKeys []string          `json:"dedupe_keys,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	ExtraInfo  json.RawMessage   `json:"extra_info,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// Transition moves the alert to a later status, recording the transition
// time. Reverse or repeated transitions are an error.
func (a *Alert) Transition(to Status, at int64) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("alert %s: illegal transition %s -> %s", a.ID, a.Status, to)
	}
	a.Status = to
	a.UpdatedAt = at
	switch to {
	case StatusRecovered:
		a.RecoveredTime = at
	case StatusClosed:
		a.ClosedTime = at
		if a.RecoveredTime == 0 {
			a.RecoveredTime = at
		}
	}
	return nil
}
