// Package lock provides the named distributed locks every stage coordinates
// through. Locks are plain Redis string keys holding an owner token; all
// mutations go through Lua so ownership checks are atomic.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker is the lock surface the pipeline stages depend on. The Redis
// implementation is Service; tests substitute an in-memory fake.
type Locker interface {
	// Acquire takes the named lock for ttl. Returns the owner token and
	// whether the lock was obtained. Re-acquiring with RenewToken extends
	// the ttl without a release/acquire gap.
	Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error)

	// Renew extends the lock ttl if token still owns it.
	Renew(ctx context.Context, name, token string, ttl time.Duration) (bool, error)

	// Release deletes the lock only when token owns it.
	Release(ctx context.Context, name, token string) error

	// BatchAcquire pipelines one SET NX per name and returns the subset that
	// was acquired, all under one shared token. Partial success is expected;
	// callers release only what they acquired.
	BatchAcquire(ctx context.Context, names []string, ttl time.Duration) (acquired []string, token string, err error)

	// AcquireWait polls Acquire every 10ms until wait elapses.
	AcquireWait(ctx context.Context, name string, ttl, wait time.Duration) (string, bool, error)
}

const pollInterval = 10 * time.Millisecond

// renewScript extends the ttl only for the current owner; if the key has
// expired the owner may take it again with the same token.
var renewScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false then
  redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
  return 1
end
if v == ARGV[1] then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// releaseScript is the usual compare-and-delete.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Service implements Locker on Redis.
type Service struct {
	rdb *redis.Client
}

func NewService(rdb *redis.Client) *Service {
	return &Service{rdb: rdb}
}

func (s *Service) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (s *Service) Renew(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, s.rdb, []string{name}, token, int(ttl.Seconds())).Int64()
	if err != nil {
		return false, fmt.Errorf("renew %s: %w", name, err)
	}
	return res == 1, nil
}

func (s *Service) Release(ctx context.Context, name, token string) error {
	if _, err := releaseScript.Run(ctx, s.rdb, []string{name}, token).Result(); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}

func (s *Service) BatchAcquire(ctx context.Context, names []string, ttl time.Duration) ([]string, string, error) {
	if len(names) == 0 {
		return nil, "", nil
	}
	token := uuid.NewString()
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.BoolCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.SetNX(ctx, name, token, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, "", fmt.Errorf("batch acquire: %w", err)
	}
	acquired := make([]string, 0, len(names))
	for i, cmd := range cmds {
		if ok, _ := cmd.Result(); ok {
			acquired = append(acquired, names[i])
		}
	}
	return acquired, token, nil
}

func (s *Service) AcquireWait(ctx context.Context, name string, ttl, wait time.Duration) (string, bool, error) {
	deadline := time.Now().Add(wait)
	for {
		token, ok, err := s.Acquire(ctx, name, ttl)
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
