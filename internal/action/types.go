// Package action materialises converge dispatches into durable action
// records and hands them to the notification collaborator.
package action

import (
	"encoding/json"
	"time"
)

// Status is the action lifecycle. Terminal states are success and failed.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailed }

// FailureType classifies a terminal failure.
type FailureType string

const (
	FailureCreate   FailureType = "create_failure"
	FailureCallback FailureType = "callback_failure"
	FailureTimeout  FailureType = "timeout"
	FailureAbort    FailureType = "user_abort"
	FailureUnknown  FailureType = "unknown"
)

// Instance is one durable action record. Retries are bounded; a failed
// instance stays observable in the store.
type Instance struct {
	ID          string        `json:"id"`
	AlertIDs    []string      `json:"alert_ids"`
	ConvergeKey string        `json:"converge_key"`
	StrategyID  int64         `json:"strategy_id"`
	Severity    int           `json:"severity"`
	Signal      string        `json:"signal"`
	Status      Status        `json:"status"`
	FailureType FailureType   `json:"failure_type,omitempty"`
	RetryCount  int           `json:"retry_count"`
	Timeout     time.Duration `json:"timeout"`
	CreatedAt   int64         `json:"created_at"`
	UpdatedAt   int64         `json:"updated_at"`
}

func (i *Instance) Encode() ([]byte, error) { return json.Marshal(i) }
