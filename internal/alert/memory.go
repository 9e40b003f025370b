package alert

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store for tests.
type Memory struct {
	mu     sync.Mutex
	alerts map[string]*Alert
}

var _ Store = (*Memory)(nil)

func NewMemoryStore() *Memory {
	return &Memory{alerts: map[string]*Alert{}}
}

func (m *Memory) Create(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.alerts[a.ID]; exists {
		return fmt.Errorf("alert %s already exists", a.ID)
	}
	cp := *a
	m.alerts[a.ID] = &cp
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) GetOpen(_ context.Context, strategyID int64, dimensionsMD5 string) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Alert
	for _, a := range m.alerts {
		if a.StrategyID != strategyID || a.DimensionsMD5 != dimensionsMD5 || a.Status.Terminal() {
			continue
		}
		if latest == nil || a.CreatedAt > latest.CreatedAt {
			latest = a
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) Update(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.alerts[a.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != a.Status && !CanTransition(stored.Status, a.Status) {
		return fmt.Errorf("alert %s: illegal transition %s -> %s", a.ID, stored.Status, a.Status)
	}
	cp := *a
	m.alerts[a.ID] = &cp
	return nil
}

func (m *Memory) ListOpenByStrategy(_ context.Context, strategyID int64) ([]*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Alert
	for _, a := range m.alerts {
		if a.StrategyID == strategyID && a.Status == StatusAbnormal {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (m *Memory) ListRecoveredBefore(_ context.Context, cutoff int64, limit int) ([]*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Alert
	for _, a := range m.alerts {
		if a.Status == StatusRecovered && a.RecoveredTime < cutoff {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecoveredTime < out[j].RecoveredTime })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns every stored alert for assertions.
func (m *Memory) All() []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
