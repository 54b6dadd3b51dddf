package mocks

import (
	"context"
	"time"

	"github.com/formbridge/fab"
	"github.com/formbridge/fab/cache"
)

// MockCache delegates to a real in-process cache while letting tests override
// the lease methods for failure injection.
type MockCache struct {
	fab.Cache

	LockFunc        func(ctx context.Context, duration time.Duration, lockKeys []*fab.LockKey) (bool, fab.UUID, error)
	IsLockedTTLFunc func(ctx context.Context, duration time.Duration, lockKeys []*fab.LockKey) (bool, error)
	UnlockFunc      func(ctx context.Context, lockKeys []*fab.LockKey) error
}

func NewMockCache() *MockCache {
	return &MockCache{Cache: cache.NewInMemory()}
}

func (c *MockCache) Lock(ctx context.Context, duration time.Duration, lockKeys []*fab.LockKey) (bool, fab.UUID, error) {
	if c.LockFunc != nil {
		return c.LockFunc(ctx, duration, lockKeys)
	}
	return c.Cache.Lock(ctx, duration, lockKeys)
}

func (c *MockCache) IsLockedTTL(ctx context.Context, duration time.Duration, lockKeys []*fab.LockKey) (bool, error) {
	if c.IsLockedTTLFunc != nil {
		return c.IsLockedTTLFunc(ctx, duration, lockKeys)
	}
	return c.Cache.IsLockedTTL(ctx, duration, lockKeys)
}

func (c *MockCache) Unlock(ctx context.Context, lockKeys []*fab.LockKey) error {
	if c.UnlockFunc != nil {
		return c.UnlockFunc(ctx, lockKeys)
	}
	return c.Cache.Unlock(ctx, lockKeys)
}
