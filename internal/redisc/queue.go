package redisc

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrEmpty is returned by Pop when the queue stayed empty past the timeout.
var ErrEmpty = errors.New("queue empty")

// Queue is the work-exchange surface between pipeline stages. Production
// uses Queues on Redis lists; tests use MemoryQueues.
type Queue interface {
	Push(ctx context.Context, queue string, payloads ...string) error
	Pop(ctx context.Context, queue string, timeout time.Duration) (string, error)
	PopNow(ctx context.Context, queue string) (string, error)
	Depth(ctx context.Context, queue string) (int64, error)
	MoveToDLQ(ctx context.Context, stage, payload string) error
	Delay(ctx context.Context, stage, payload string, due time.Time) error
	PumpDue(ctx context.Context, stage, queue string, now time.Time) (int, error)
}

// Queues wraps the Redis list operations the pipeline stages use to exchange
// work. Lists are FIFO: producers LPUSH, consumers BRPOP.
type Queues struct {
	rdb *redis.Client
}

func NewQueues(rdb *redis.Client) *Queues {
	return &Queues{rdb: rdb}
}

var _ Queue = (*Queues)(nil)

// Push appends payloads to the named queue without blocking.
func (q *Queues) Push(ctx context.Context, queue string, payloads ...string) error {
	if len(payloads) == 0 {
		return nil
	}
	vals := make([]interface{}, len(payloads))
	for i, p := range payloads {
		vals[i] = p
	}
	return q.rdb.LPush(ctx, queue, vals...).Err()
}

// Pop blocks up to timeout for the next payload. Returns ErrEmpty on timeout.
func (q *Queues) Pop(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, timeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrEmpty
		}
		return "", err
	}
	// BRPop returns [key, value]
	if len(res) != 2 {
		return "", ErrEmpty
	}
	return res[1], nil
}

// PopNow drains one payload without blocking. Returns ErrEmpty when none.
func (q *Queues) PopNow(ctx context.Context, queue string) (string, error) {
	res, err := q.rdb.RPop(ctx, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrEmpty
		}
		return "", err
	}
	return res, nil
}

// Depth returns the current queue length.
func (q *Queues) Depth(ctx context.Context, queue string) (int64, error) {
	return q.rdb.LLen(ctx, queue).Result()
}

// MoveToDLQ parks a payload that exhausted its retries on the stage
// dead-letter list. DLQ entries expire after a week to bound growth.
func (q *Queues) MoveToDLQ(ctx context.Context, stage, payload string) error {
	key := DLQKey(stage)
	pipe := q.rdb.Pipeline()
	pipe.LPush(ctx, key, payload)
	pipe.Expire(ctx, key, 7*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	log.Warn().Str("stage", stage).Msg("payload moved to dead-letter queue")
	return nil
}

// Delay schedules a payload for redelivery at the given time. PumpDue moves
// ripe entries back onto the stage queue; stages run it from a ticker.
func (q *Queues) Delay(ctx context.Context, stage, payload string, due time.Time) error {
	return q.rdb.ZAdd(ctx, RetryKey(stage), redis.Z{
		Score:  float64(due.Unix()),
		Member: payload,
	}).Err()
}

// PumpDue moves every ripe retry entry back onto queue and returns how many
// were moved.
func (q *Queues) PumpDue(ctx context.Context, stage, queue string, now time.Time) (int, error) {
	key := RetryKey(stage)
	members, err := q.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, m := range members {
		removed, err := q.rdb.ZRem(ctx, key, m).Result()
		if err != nil {
			return moved, err
		}
		// another worker may have pumped the same member first
		if removed == 0 {
			continue
		}
		if err := q.Push(ctx, queue, m); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

