package strategy

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Provider for tests.
type Memory struct {
	mu       sync.RWMutex
	byID     map[int64]*Strategy
	groups   map[string]*StrategyGroup
	shieldBy map[int64][]*ShieldRule
}

var _ Provider = (*Memory)(nil)

func NewMemoryProvider() *Memory {
	return &Memory{
		byID:     map[int64]*Strategy{},
		groups:   map[string]*StrategyGroup{},
		shieldBy: map[int64][]*ShieldRule{},
	}
}

func (m *Memory) PutStrategy(s *Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[s.ID] = s
}

func (m *Memory) PutGroup(g *StrategyGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.Fingerprint] = g
}

func (m *Memory) PutShieldRules(bkBizID int64, rules []*ShieldRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shieldBy[bkBizID] = rules
}

func (m *Memory) Strategy(_ context.Context, id int64) (*Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("strategy %d: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *Memory) StrategyGroup(_ context.Context, fingerprint string) (*StrategyGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[fingerprint]
	if !ok {
		return nil, fmt.Errorf("strategy group %s: %w", fingerprint, ErrNotFound)
	}
	return g, nil
}

func (m *Memory) ActiveStrategyIDs(_ context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.byID))
	for id, s := range m.byID {
		if s.IsEnabled {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *Memory) Groups(_ context.Context) ([]*StrategyGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*StrategyGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	return out, nil
}

func (m *Memory) ShieldRules(_ context.Context, bkBizID int64) ([]*ShieldRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shieldBy[bkBizID], nil
}
