package action

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store for tests.
type Memory struct {
	mu        sync.Mutex
	instances map[string]*Instance
}

var _ Store = (*Memory)(nil)

func NewMemoryStore() *Memory {
	return &Memory{instances: map[string]*Instance{}}
}

func (m *Memory) Create(_ context.Context, i *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[i.ID]; exists {
		return fmt.Errorf("action %s already exists", i.ID)
	}
	cp := *i
	cp.AlertIDs = append([]string(nil), i.AlertIDs...)
	m.instances[i.ID] = &cp
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *i
	return &cp, nil
}

func (m *Memory) Update(_ context.Context, i *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[i.ID]; !ok {
		return ErrNotFound
	}
	cp := *i
	cp.AlertIDs = append([]string(nil), i.AlertIDs...)
	m.instances[i.ID] = &cp
	return nil
}

func (m *Memory) ListByStatus(_ context.Context, status Status, limit int) ([]*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Instance
	for _, i := range m.instances {
		if i.Status == status {
			cp := *i
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt < out[b].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
