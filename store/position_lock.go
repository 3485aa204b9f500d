package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed lua/release_lock.lua
var luaReleaseLock string

var ErrLockTimeout = errors.New("position lock not acquired in time")

// PositionLock serializes withdrawals of one position across instances.
// The lease expires after ttl so a crashed holder cannot wedge a position.
type PositionLock struct {
	rdb          redis.UniversalClient
	ttl          time.Duration
	maxWait      time.Duration
	pollInterval time.Duration
	scrRelease   *redis.Script
}

func NewPositionLock(rdb redis.UniversalClient, ttl, maxWait time.Duration) *PositionLock {
	l := &PositionLock{
		rdb:          rdb,
		ttl:          ttl,
		maxWait:      maxWait,
		pollInterval: 50 * time.Millisecond,
		scrRelease:   redis.NewScript(luaReleaseLock),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = l.scrRelease.Load(ctx, rdb).Err()
	}()
	return l
}

func lockKey(position string) string { return fmt.Sprintf("lock:position:{%s}", position) }

// Acquire polls until the lock for position is free or maxWait passes. The
// returned release func is safe to call once the lease has already expired.
func (l *PositionLock) Acquire(ctx context.Context, position string) (func(context.Context) error, error) {
	token := uuid.NewString()
	key := lockKey(position)
	deadline := time.Now().Add(l.maxWait)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return func(ctx context.Context) error {
				return l.scrRelease.Run(ctx, l.rdb, []string{key}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, position)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}
