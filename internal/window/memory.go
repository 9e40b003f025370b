package window

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and local runs. TTLs are ignored;
// tests control lifetime through Trim.
type Memory struct {
	mu   sync.Mutex
	sets map[string][]Point
}

func NewMemory() *Memory {
	return &Memory{sets: map[string][]Point{}}
}

func (m *Memory) Add(_ context.Context, key string, p Point, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	points := m.sets[key]
	// replace an existing member at the same timestamp, mirroring ZADD
	for i, q := range points {
		if q.Timestamp == p.Timestamp && q.Member() == p.Member() {
			points[i] = p
			return nil
		}
	}
	points = append(points, p)
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp < points[j].Timestamp })
	m.sets[key] = points
	return nil
}

func (m *Memory) Members(_ context.Context, key string, lo, hi int64) ([]Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Point
	for _, p := range m.sets[key] {
		if p.Timestamp >= lo && p.Timestamp <= hi {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) Size(ctx context.Context, key string, lo, hi int64) (int64, error) {
	pts, _ := m.Members(ctx, key, lo, hi)
	return int64(len(pts)), nil
}

func (m *Memory) Trim(_ context.Context, key string, olderThan int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []Point
	for _, p := range m.sets[key] {
		if p.Timestamp >= olderThan {
			kept = append(kept, p)
		}
	}
	m.sets[key] = kept
	return nil
}
