// Package window implements the per-series sliding window backing detect and
// trigger: a sorted set of check results scored by timestamp, plus the
// pull-overlap dedup sets used by access.
package window

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// AnomalyLabel marks an anomalous member; normal members carry the value.
const AnomalyLabel = "ANOMALY"

// Point is one parsed window member.
type Point struct {
	Timestamp int64
	Value     float64
	Anomalous bool
}

// Member renders the stored form: "{ts}|{value}" or "{ts}|ANOMALY".
func (p Point) Member() string {
	if p.Anomalous {
		return fmt.Sprintf("%d|%s", p.Timestamp, AnomalyLabel)
	}
	return fmt.Sprintf("%d|%s", p.Timestamp, strconv.FormatFloat(p.Value, 'g', -1, 64))
}

// ParseMember decodes a stored member. Malformed members are reported so the
// caller can count and skip them.
func ParseMember(m string) (Point, error) {
	idx := strings.IndexByte(m, '|')
	if idx <= 0 {
		return Point{}, fmt.Errorf("malformed window member %q", m)
	}
	ts, err := strconv.ParseInt(m[:idx], 10, 64)
	if err != nil {
		return Point{}, fmt.Errorf("malformed window timestamp %q", m)
	}
	rest := m[idx+1:]
	if rest == AnomalyLabel {
		return Point{Timestamp: ts, Anomalous: true}, nil
	}
	v, err := strconv.ParseFloat(rest, 64)
	if err != nil {
		return Point{}, fmt.Errorf("malformed window value %q", m)
	}
	return Point{Timestamp: ts, Value: v}, nil
}

// Store is the sliding-window surface. Implementations: Redis (production)
// and Memory (tests).
type Store interface {
	// Add inserts a point and refreshes the key ttl.
	Add(ctx context.Context, key string, p Point, ttl time.Duration) error

	// Members returns points with lo <= ts <= hi in ascending order.
	Members(ctx context.Context, key string, lo, hi int64) ([]Point, error)

	// Size counts members with lo <= ts <= hi.
	Size(ctx context.Context, key string, lo, hi int64) (int64, error)

	// Trim drops members older than olderThan.
	Trim(ctx context.Context, key string, olderThan int64) error
}

// RedisStore implements Store on a sorted set per key.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Add(ctx context.Context, key string, p Point, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(p.Timestamp), Member: p.Member()})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("window add %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Members(ctx context.Context, key string, lo, hi int64) ([]Point, error) {
	raw, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(lo, 10),
		Max: strconv.FormatInt(hi, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("window members %s: %w", key, err)
	}
	points := make([]Point, 0, len(raw))
	for _, m := range raw {
		p, err := ParseMember(m)
		if err != nil {
			continue
		}
		points = append(points, p)
	}
	return points, nil
}

func (s *RedisStore) Size(ctx context.Context, key string, lo, hi int64) (int64, error) {
	n, err := s.rdb.ZCount(ctx, key, strconv.FormatInt(lo, 10), strconv.FormatInt(hi, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("window size %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) Trim(ctx context.Context, key string, olderThan int64) error {
	err := s.rdb.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(olderThan, 10)).Err()
	if err != nil {
		return fmt.Errorf("window trim %s: %w", key, err)
	}
	return nil
}
