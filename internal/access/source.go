// Package access pulls raw records per strategy group, normalises them into
// data points, and feeds the detect queues under dedup, priority inhibition
// and admission control.
package access

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/strategy"
)

// RawRecord is one message pulled from the data source. Timestamps are in
// seconds; the wire format carries milliseconds and is converted on decode.
type RawRecord struct {
	Timestamp  int64              `json:"timestamp"`
	Dimensions map[string]string  `json:"dimensions"`
	Metrics    map[string]float64 `json:"metrics"`
}

// wireRecord is the JSON shape on the message queue.
type wireRecord struct {
	Timestamp  int64              `json:"timestamp"` // milliseconds
	Dimensions map[string]string  `json:"dimensions"`
	Metrics    map[string]float64 `json:"metrics"`
}

// DecodeRawRecord parses a queue message. Records without a timestamp or
// metrics fail validation and are never retried.
func DecodeRawRecord(raw []byte) (*RawRecord, error) {
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode raw record: %w", err)
	}
	if w.Timestamp <= 0 {
		return nil, fmt.Errorf("raw record without timestamp")
	}
	if len(w.Metrics) == 0 {
		return nil, fmt.Errorf("raw record without metrics")
	}
	return &RawRecord{
		Timestamp:  w.Timestamp / 1000,
		Dimensions: w.Dimensions,
		Metrics:    w.Metrics,
	}, nil
}

// Source delivers raw records for a strategy group's data source over a time
// range. from is inclusive, until exclusive.
type Source interface {
	Pull(ctx context.Context, group *strategy.StrategyGroup, from, until int64) ([]*RawRecord, error)
}

// MemorySource is an in-process Source for tests.
type MemorySource struct {
	mu      sync.Mutex
	records map[string][]*RawRecord
	failing map[string]error
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		records: map[string][]*RawRecord{},
		failing: map[string]error{},
	}
}

func (s *MemorySource) Add(fingerprint string, records ...*RawRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[fingerprint] = append(s.records[fingerprint], records...)
}

// Fail makes every Pull for the group return err until cleared with nil.
func (s *MemorySource) Fail(fingerprint string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failing, fingerprint)
		return
	}
	s.failing[fingerprint] = err
}

func (s *MemorySource) Pull(_ context.Context, group *strategy.StrategyGroup, from, until int64) ([]*RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failing[group.Fingerprint]; ok {
		return nil, err
	}
	var out []*RawRecord
	for _, r := range s.records[group.Fingerprint] {
		if r.Timestamp >= from && r.Timestamp < until {
			out = append(out, r)
		}
	}
	return out, nil
}
