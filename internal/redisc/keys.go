package redisc

import "fmt"

// Key builders for every Redis structure the pipeline touches. Queues carry
// work between stages; service keys hold per-stage coordination state. Keeping
// them in one place makes the whole keyspace auditable.

// Queue keys (lists).
const (
	// DataSignalKey receives "{strategy_id}.{item_id}" markers telling detect
	// workers which per-strategy data queue has pending points.
	DataSignalKey = "access.data.signal"

	// AnomalySignalKey is the trigger-side equivalent of DataSignalKey.
	AnomalySignalKey = "detect.anomaly.signal"

	// ConvergeQueueKey carries alert events from trigger into converge.
	ConvergeQueueKey = "converge.event"

	// ActionQueueKey carries dispatch requests from converge into action.
	ActionQueueKey = "action.event"

	// WorkersKey is the service-discovery set of live access workers.
	WorkersKey = "access.workers"

	// LeaderLockKey serialises catalogue rebalancing across access workers.
	LeaderLockKey = "access.lock.leader"
)

// DataQueueKey is the detect input queue for one strategy.
func DataQueueKey(strategyID int64) string {
	return fmt.Sprintf("access.data.%d", strategyID)
}

// AnomalyQueueKey is the trigger input queue for one strategy item.
func AnomalyQueueKey(strategyID, itemID int64) string {
	return fmt.Sprintf("detect.anomaly.%d.%d", strategyID, itemID)
}

// DLQKey is the dead-letter list for a stage.
func DLQKey(stage string) string {
	return fmt.Sprintf("dlq.%s", stage)
}

// RetryKey is the TTL-delayed retry sorted set for a stage.
func RetryKey(stage string) string {
	return fmt.Sprintf("retry.%s", stage)
}

// Service keys.

// CheckpointKey stores the last pulled data timestamp per strategy group.
func CheckpointKey(groupKey string) string {
	return fmt.Sprintf("checkpoint.strategy_group_%s", groupKey)
}

// DuplicateKey is the per-group, per-minute-bucket dedup set.
func DuplicateKey(groupKey string, bucket int64) string {
	return fmt.Sprintf("access.data.duplicate.strategy_group_%s.%d", groupKey, bucket)
}

// PriorityKey is the hash backing priority inhibition for a priority group.
func PriorityKey(priorityGroupKey string) string {
	return fmt.Sprintf("access.data.priority.%s", priorityGroupKey)
}

// TokenBucketKey limits the worker time one strategy group may consume.
func TokenBucketKey(groupKey string) string {
	return fmt.Sprintf("access.data.token.strategy_group_%s", groupKey)
}

// StrategySnapshotKey freezes the strategy config a data point was produced
// against, so in-flight points survive concurrent strategy edits.
func StrategySnapshotKey(strategyID, updateTime int64) string {
	return fmt.Sprintf("cache.strategy.snapshot.%d.%d", strategyID, updateTime)
}

// CheckResultKey is the per-series sorted set of detect outcomes. Members are
// "{ts}|{value}" for normal points and "{ts}|ANOMALY" for anomalies, scored
// by timestamp.
func CheckResultKey(strategyID, itemID int64, dimsMD5 string, level int) string {
	return fmt.Sprintf("detect.result.%d.%d.%s.%d", strategyID, itemID, dimsMD5, level)
}

// QoSKey is the per-minute alert admission counter.
func QoSKey(strategyID int64, severity int, signal string) string {
	return fmt.Sprintf("qos.%d.%d.%s", strategyID, severity, signal)
}

// QoSPattern matches QoS counter keys for the flush-qos operation.
func QoSPattern(strategyID int64, severity int) string {
	sid, sev := "*", "*"
	if strategyID > 0 {
		sid = fmt.Sprintf("%d", strategyID)
	}
	if severity > 0 {
		sev = fmt.Sprintf("%d", severity)
	}
	return fmt.Sprintf("qos.%s.%s.*", sid, sev)
}

// Lock names.

func AccessLockKey(groupKey string) string {
	return fmt.Sprintf("access.lock.%s", groupKey)
}

func DetectLockKey(strategyID int64) string {
	return fmt.Sprintf("detect.lock.%d", strategyID)
}

func TriggerLockKey(strategyID, itemID int64) string {
	return fmt.Sprintf("trigger.lock.%d.%d", strategyID, itemID)
}

func ConvergeLockKey(convergeKey string) string {
	return fmt.Sprintf("converge.lock.%s", convergeKey)
}

// ConvergePendingKey buffers alert ids folded while a converge lock is held.
func ConvergePendingKey(convergeKey string) string {
	return fmt.Sprintf("converge.pending.%s", convergeKey)
}

// WindowKey is the sliding window sorted set for one series.
func WindowKey(strategyID int64, dimsMD5 string) string {
	return fmt.Sprintf("window.%d.%s", strategyID, dimsMD5)
}

// AlertSequenceKey mints monotonic alert ids per shard.
func AlertSequenceKey(shard int64) string {
	return fmt.Sprintf("sequence.alert.%d", shard)
}

// Config cache keys, written by the external strategy publisher.

const (
	StrategyChangedChannel = "strategy_changed"
	ActiveStrategyIDsKey   = "cache.strategy.ids"
	StrategyGroupsKey      = "cache.strategy_groups"
)

func StrategyKey(strategyID int64) string {
	return fmt.Sprintf("cache.strategy.%d", strategyID)
}

func ShieldRulesKey(bkBizID int64) string {
	return fmt.Sprintf("cache.shield.%d", bkBizID)
}
