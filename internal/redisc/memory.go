package redisc

import (
	"context"
	"sync"
	"time"
)

// MemoryQueues is an in-process Queue for tests.
type MemoryQueues struct {
	mu      sync.Mutex
	queues  map[string][]string
	delayed map[string][]delayedItem
	dlq     map[string][]string
}

type delayedItem struct {
	payload string
	due     time.Time
}

var _ Queue = (*MemoryQueues)(nil)

func NewMemoryQueues() *MemoryQueues {
	return &MemoryQueues{
		queues:  map[string][]string{},
		delayed: map[string][]delayedItem{},
		dlq:     map[string][]string{},
	}
}

func (m *MemoryQueues) Push(_ context.Context, queue string, payloads ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[queue] = append(m.queues[queue], payloads...)
	return nil
}

// Pop does not block; when the queue is empty it returns ErrEmpty at once so
// tests stay fast.
func (m *MemoryQueues) Pop(ctx context.Context, queue string, _ time.Duration) (string, error) {
	return m.PopNow(ctx, queue)
}

func (m *MemoryQueues) PopNow(_ context.Context, queue string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queue]
	if len(q) == 0 {
		return "", ErrEmpty
	}
	payload := q[0]
	m.queues[queue] = q[1:]
	return payload, nil
}

func (m *MemoryQueues) Depth(_ context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.queues[queue])), nil
}

func (m *MemoryQueues) MoveToDLQ(_ context.Context, stage, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlq[stage] = append(m.dlq[stage], payload)
	return nil
}

func (m *MemoryQueues) Delay(_ context.Context, stage, payload string, due time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delayed[stage] = append(m.delayed[stage], delayedItem{payload: payload, due: due})
	return nil
}

func (m *MemoryQueues) PumpDue(_ context.Context, stage, queue string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keep []delayedItem
	moved := 0
	for _, item := range m.delayed[stage] {
		if item.due.After(now) {
			keep = append(keep, item)
			continue
		}
		m.queues[queue] = append(m.queues[queue], item.payload)
		moved++
	}
	m.delayed[stage] = keep
	return moved, nil
}

// DLQ returns a stage's dead-letter contents for assertions.
func (m *MemoryQueues) DLQ(stage string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.dlq[stage]...)
}

// Delayed returns a stage's pending retry payloads for assertions.
func (m *MemoryQueues) Delayed(stage string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.delayed[stage]))
	for _, item := range m.delayed[stage] {
		out = append(out, item.payload)
	}
	return out
}
