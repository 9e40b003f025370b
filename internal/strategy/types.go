// Package strategy defines the alarm strategy model published by the external
// strategy editor, and the read-through cache the pipeline resolves it from.
// All objects returned by the cache are shared snapshots; callers must not
// mutate them.
package strategy

import (
	"encoding/json"
	"time"
)

// Severity levels. Lower is more severe.
const (
	LevelFatal   = 1
	LevelWarning = 2
	LevelInfo    = 3
)

// Strategy binds a data source, filters, detection algorithms and
// notification targets. Published as JSON by the strategy editor.
type Strategy struct {
	ID               int64          `json:"id"`
	Name             string         `json:"name"`
	BkBizID          int64          `json:"bk_biz_id"`
	Items            []Item         `json:"items"`
	Detects          []DetectConfig `json:"detects"`
	Notice           NoticeConfig   `json:"notice"`
	IsEnabled        bool           `json:"is_enabled"`
	Priority         *int           `json:"priority,omitempty"`
	PriorityGroupKey string         `json:"priority_group_key,omitempty"`
	UpdateTime       int64          `json:"update_time"`
}

// Item is one sub-rule; items within a strategy are OR-ed.
type Item struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	Expression   string            `json:"expression,omitempty"` // "and" | "or" across algorithms, default "or"
	QueryConfigs []QueryConfig     `json:"query_configs"`
	Algorithms   []AlgorithmConfig `json:"algorithms"`
}

// QueryConfig describes how raw data for an item is fetched and aggregated.
type QueryConfig struct {
	DataSource    string      `json:"data_source"`
	Table         string      `json:"table"`
	MetricField   string      `json:"metric_field"`
	AggInterval   int64       `json:"agg_interval"` // seconds
	AggDimensions []string    `json:"agg_dimensions"`
	Conditions    []Condition `json:"conditions,omitempty"`
}

// Condition is a filter over record dimensions.
type Condition struct {
	Key       string   `json:"key"`
	Method    string   `json:"method"` // eq | neq | include | exclude
	Value     []string `json:"value"`
	Connector string   `json:"condition,omitempty"` // "and" | "or" against the previous condition
}

// AlgorithmConfig attaches one detection algorithm to an item.
type AlgorithmConfig struct {
	ID     int64           `json:"id"`
	Kind   string          `json:"type"`
	Level  int             `json:"level"`
	Config json.RawMessage `json:"config"`
}

// DetectConfig carries the trigger and recovery condition for one severity.
type DetectConfig struct {
	Level         int `json:"level"`
	TriggerCount  int `json:"trigger_count"`  // M
	TriggerWindow int `json:"trigger_window"` // N, in aggregation intervals
	RecoveryCount int `json:"recovery_count"` // K consecutive normal points
}

// NoticeConfig names the downstream notice groups; fan-out is external.
type NoticeConfig struct {
	UserGroups        []int64  `json:"user_groups"`
	Signals           []string `json:"signal"`
	ConvergeDimension []string `json:"converge_dimensions,omitempty"`
	ConvergeInterval  int64    `json:"converge_interval,omitempty"` // seconds
}

// StrategyGroup coalesces strategies sharing identical data access so raw
// data is fetched once per interval.
type StrategyGroup struct {
	Fingerprint string  `json:"fingerprint"`
	BkBizID     int64   `json:"bk_biz_id"`
	StrategyIDs []int64 `json:"strategy_ids"`
	DataSource  string  `json:"data_source"`
	Table       string  `json:"table"`
	Interval    int64   `json:"interval"` // seconds
}

// ShieldRule is an externally-declared suppression over a dimension scope.
type ShieldRule struct {
	ID        int64               `json:"id"`
	BkBizID   int64               `json:"bk_biz_id"`
	Category  string              `json:"category"`
	Scope     map[string][]string `json:"scope"` // dimension key -> allowed values
	BeginTime int64               `json:"begin_time"`
	EndTime   int64               `json:"end_time"`
}

// Matches reports whether the rule shields the given dimensions at ts.
// Every scoped key must be present in dims with a matching value.
func (r *ShieldRule) Matches(dims map[string]string, ts int64) bool {
	if ts < r.BeginTime || (r.EndTime > 0 && ts > r.EndTime) {
		return false
	}
	for key, allowed := range r.Scope {
		v, ok := dims[key]
		if !ok {
			return false
		}
		found := false
		for _, a := range allowed {
			if a == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// DetectFor returns the detect config for a severity level, or a default
// 1-of-1 trigger with recovery 5 when the strategy carries none.
func (s *Strategy) DetectFor(level int) DetectConfig {
	for _, d := range s.Detects {
		if d.Level == level {
			return d
		}
	}
	return DetectConfig{Level: level, TriggerCount: 1, TriggerWindow: 1, RecoveryCount: 5}
}

// ItemByID finds an item within the strategy.
func (s *Strategy) ItemByID(itemID int64) *Item {
	for i := range s.Items {
		if s.Items[i].ID == itemID {
			return &s.Items[i]
		}
	}
	return nil
}

// MaxAggInterval returns the longest aggregation interval across the item's
// query configs, floored at one minute.
func (it *Item) MaxAggInterval() time.Duration {
	max := int64(60)
	for _, qc := range it.QueryConfigs {
		if qc.AggInterval > max {
			max = qc.AggInterval
		}
	}
	return time.Duration(max) * time.Second
}

// MatchConditions applies the item's filter conditions to record dimensions.
// Connector "or" starts a new group; groups are OR-ed, members AND-ed.
func MatchConditions(conds []Condition, dims map[string]string) bool {
	if len(conds) == 0 {
		return true
	}
	groupOK := true
	anyGroup := false
	for i, c := range conds {
		if i > 0 && c.Connector == "or" {
			if groupOK {
				anyGroup = true
			}
			groupOK = true
		}
		if groupOK && !matchCondition(c, dims) {
			groupOK = false
		}
	}
	return anyGroup || groupOK
}

func matchCondition(c Condition, dims map[string]string) bool {
	v, present := dims[c.Key]
	switch c.Method {
	case "eq", "include":
		if !present {
			return false
		}
		for _, want := range c.Value {
			if v == want {
				return true
			}
		}
		return false
	case "neq", "exclude":
		if !present {
			return true
		}
		for _, want := range c.Value {
			if v == want {
				return false
			}
		}
		return true
	default:
		// unknown method never matches; the access stage counts these as
		// configuration errors
		return false
	}
}
