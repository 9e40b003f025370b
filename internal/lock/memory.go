package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Locker used by unit tests and single-node runs.
type Memory struct {
	mu    sync.Mutex
	locks map[string]memLock
}

type memLock struct {
	token  string
	expiry time.Time
}

func NewMemory() *Memory {
	return &Memory{locks: map[string]memLock{}}
}

func (m *Memory) Acquire(_ context.Context, name string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[name]; ok && time.Now().Before(l.expiry) {
		return "", false, nil
	}
	token := uuid.NewString()
	m.locks[name] = memLock{token: token, expiry: time.Now().Add(ttl)}
	return token, true, nil
}

func (m *Memory) Renew(_ context.Context, name, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if ok && time.Now().Before(l.expiry) && l.token != token {
		return false, nil
	}
	m.locks[name] = memLock{token: token, expiry: time.Now().Add(ttl)}
	return true, nil
}

func (m *Memory) Release(_ context.Context, name, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[name]; ok && l.token == token {
		delete(m.locks, name)
	}
	return nil
}

func (m *Memory) BatchAcquire(ctx context.Context, names []string, ttl time.Duration) ([]string, string, error) {
	token := uuid.NewString()
	acquired := make([]string, 0, len(names))
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, name := range names {
		if l, ok := m.locks[name]; ok && now.Before(l.expiry) {
			continue
		}
		m.locks[name] = memLock{token: token, expiry: now.Add(ttl)}
		acquired = append(acquired, name)
	}
	return acquired, token, nil
}

func (m *Memory) AcquireWait(ctx context.Context, name string, ttl, wait time.Duration) (string, bool, error) {
	deadline := time.Now().Add(wait)
	for {
		token, ok, err := m.Acquire(ctx, name, ttl)
		if err != nil || ok {
			return token, ok, err
		}
		if time.Now().After(deadline) {
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
