package alert

import (
	"encoding/json"
	"fmt"
)

// Signals attached to events flowing to converge.
const (
	SignalAbnormal  = "abnormal"
	SignalRecovered = "recovered"
	SignalClosed    = "closed"
)

// Event is the envelope trigger pushes to the converge queue when an alert
// changes state.
type Event struct {
	AlertID       string            `json:"alert_id"`
	StrategyID    int64             `json:"strategy_id"`
	ItemID        int64             `json:"item_id"`
	BkBizID       int64             `json:"bk_biz_id"`
	Severity      int               `json:"severity"`
	Signal        string            `json:"signal"`
	DimensionsMD5 string            `json:"dimensions_md5"`
	Dimensions    map[string]string `json:"dimensions"`
	Timestamp     int64             `json:"timestamp"`
}

func (e *Event) Encode() ([]byte, error) { return json.Marshal(e) }

func DecodeEvent(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode alert event: %w", err)
	}
	return &e, nil
}

// NewEvent builds the converge envelope for an alert.
func NewEvent(a *Alert, signal string, ts int64) *Event {
	return &Event{
		AlertID:       a.ID,
		StrategyID:    a.StrategyID,
		ItemID:        a.ItemID,
		BkBizID:       a.BkBizID,
		Severity:      a.Severity,
		Signal:        signal,
		DimensionsMD5: a.DimensionsMD5,
		Dimensions:    a.Dimensions,
		Timestamp:     ts,
	}
}
