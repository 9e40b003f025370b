// Package pipeline carries the records that flow between the alarm stages and
// the worker pool that drives each stage.
package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DataPoint is one aggregated record attributed to a strategy item. It is the
// unit of work from access through detect.
type DataPoint struct {
	StrategyID    int64             `json:"strategy_id"`
	ItemID        int64             `json:"item_id"`
	Timestamp     int64             `json:"timestamp"` // aligned to interval, seconds
	Interval      int64             `json:"interval"`  // seconds
	DimensionsMD5 string            `json:"dimensions_md5"`
	Dimensions    map[string]string `json:"dimensions"`
	Value         float64           `json:"value"`
	RecordID      string            `json:"record_id"`
	// Extra carries pre-computed fields from upstream enrichment, such as
	// model scores consumed by the intelligent detector.
	Extra map[string]float64 `json:"extra,omitempty"`
}

// NewRecordID builds the stable record identity "{dimensions_md5}.{timestamp}".
func NewRecordID(dimensionsMD5 string, ts int64) string {
	return dimensionsMD5 + "." + strconv.FormatInt(ts, 10)
}

// ParseRecordID splits a record id back into its md5 and timestamp parts.
func ParseRecordID(id string) (md5 string, ts int64, err error) {
	i := strings.LastIndexByte(id, '.')
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("malformed record id %q", id)
	}
	ts, err = strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed record id %q: %w", id, err)
	}
	return id[:i], ts, nil
}

// AnomalyPoint is a DataPoint judged anomalous by one algorithm, pushed from
// detect to trigger.
type AnomalyPoint struct {
	DataPoint
	Level               int    `json:"level"`
	AlgorithmID         int64  `json:"algorithm_id"`
	AnomalyMessage      string `json:"anomaly_message"`
	StrategySnapshotKey string `json:"strategy_snapshot_key,omitempty"`
}

// Encode serialises the point for a queue push.
func (p *DataPoint) Encode() ([]byte, error) { return json.Marshal(p) }

// DecodeDataPoint parses a queued data point.
func DecodeDataPoint(raw []byte) (*DataPoint, error) {
	var p DataPoint
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode data point: %w", err)
	}
	return &p, nil
}

// Encode serialises the anomaly for a queue push.
func (p *AnomalyPoint) Encode() ([]byte, error) { return json.Marshal(p) }

// DecodeAnomalyPoint parses a queued anomaly point.
func DecodeAnomalyPoint(raw []byte) (*AnomalyPoint, error) {
	var p AnomalyPoint
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode anomaly point: %w", err)
	}
	return &p, nil
}
