// Package cache provides the in-process Cache and lease locker used by
// Standalone deployments. It mirrors the Redis backend's semantics, including
// compare-token lease release and TTL handling, inside a single process.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/formbridge/fab"
)

type item struct {
	data       []byte
	expiration time.Time
}

type lockItem struct {
	lockID     fab.UUID
	expiration time.Time
}

type InMemoryCache struct {
	data  *shardedMap
	locks *shardedMap
}

func NewInMemory() fab.Cache {
	return &InMemoryCache{
		data:  newShardedMap(),
		locks: newShardedMap(),
	}
}

func init() {
	fab.RegisterCache(fab.InMemory, NewInMemory)
}

func (c *InMemoryCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	var exp time.Time
	if expiration > 0 {
		exp = time.Now().Add(expiration)
	}

	c.data.Store(key, item{
		data:       []byte(value),
		expiration: exp,
	})
	return nil
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (bool, string, error) {
	val, ok := c.data.Load(key)
	if !ok {
		return false, "", nil
	}
	it := val.(item)

	if !it.expiration.IsZero() && time.Now().After(it.expiration) {
		c.data.Delete(key)
		return false, "", nil
	}

	return true, string(it.data), nil
}

func (c *InMemoryCache) GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error) {
	val, ok := c.data.Load(key)
	if !ok {
		return false, "", nil
	}
	it := val.(item)

	if !it.expiration.IsZero() && time.Now().After(it.expiration) {
		c.data.Delete(key)
		return false, "", nil
	}

	if expiration > 0 {
		it.expiration = time.Now().Add(expiration)
		c.data.Store(key, it)
	}

	return true, string(it.data), nil
}

func (c *InMemoryCache) SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	var exp time.Time
	if expiration > 0 {
		exp = time.Now().Add(expiration)
	}

	c.data.Store(key, item{
		data:       data,
		expiration: exp,
	})
	return nil
}

func (c *InMemoryCache) GetStruct(ctx context.Context, key string, target interface{}) (bool, error) {
	val, ok := c.data.Load(key)
	if !ok {
		return false, nil
	}
	it := val.(item)

	if !it.expiration.IsZero() && time.Now().After(it.expiration) {
		c.data.Delete(key)
		return false, nil
	}

	if err := json.Unmarshal(it.data, target); err != nil {
		return false, err
	}

	return true, nil
}

func (c *InMemoryCache) GetStructEx(ctx context.Context, key string, target interface{}, expiration time.Duration) (bool, error) {
	val, ok := c.data.Load(key)
	if !ok {
		return false, nil
	}
	it := val.(item)

	if !it.expiration.IsZero() && time.Now().After(it.expiration) {
		c.data.Delete(key)
		return false, nil
	}

	if expiration > 0 {
		it.expiration = time.Now().Add(expiration)
		c.data.Store(key, it)
	}

	if err := json.Unmarshal(it.data, target); err != nil {
		return false, err
	}

	return true, nil
}

func (c *InMemoryCache) Delete(ctx context.Context, keys []string) (bool, error) {
	for _, k := range keys {
		c.data.Delete(k)
	}
	return true, nil
}

func (c *InMemoryCache) Ping(ctx context.Context) error {
	return nil
}

func (c *InMemoryCache) Clear(ctx context.Context) error {
	c.data.Range(func(key, value interface{}) bool {
		c.data.Delete(key.(string))
		return true
	})
	return nil
}

// Locking implementation.

func (c *InMemoryCache) FormatLockKey(k string) string {
	return fmt.Sprintf("lock:%s", k)
}

func (c *InMemoryCache) CreateLockKeys(keys []string) []*fab.LockKey {
	locks := make([]*fab.LockKey, len(keys))
	for i, k := range keys {
		locks[i] = &fab.LockKey{
			Key:    c.FormatLockKey(k),
			LockID: fab.NewUUID(),
		}
	}
	return locks
}

func (c *InMemoryCache) CreateLockKeysForIDs(keys []fab.Tuple[string, fab.UUID]) []*fab.LockKey {
	locks := make([]*fab.LockKey, len(keys))
	for i, k := range keys {
		locks[i] = &fab.LockKey{
			Key:    c.FormatLockKey(k.First),
			LockID: k.Second,
		}
	}
	return locks
}

func (c *InMemoryCache) IsLockedTTL(ctx context.Context, duration time.Duration, lockKeys []*fab.LockKey) (bool, error) {
	// Check that all keys are held by us and still valid.
	for _, lk := range lockKeys {
		val, ok := c.locks.Load(lk.Key)
		if !ok {
			return false, nil
		}
		item := val.(lockItem)
		if item.lockID != lk.LockID {
			return false, nil
		}
		if time.Now().After(item.expiration) {
			c.locks.CompareAndDelete(lk.Key, val)
			return false, nil
		}
	}

	// Refresh TTL.
	newExp := time.Now().Add(duration)
	for _, lk := range lockKeys {
		for {
			val, ok := c.locks.Load(lk.Key)
			if !ok {
				return false, nil
			}
			item := val.(lockItem)
			if item.lockID != lk.LockID {
				return false, nil
			}
			newItem := lockItem{
				lockID:     item.lockID,
				expiration: newExp,
			}
			if c.locks.CompareAndSwap(lk.Key, item, newItem) {
				break
			}
		}
	}

	return true, nil
}

func (c *InMemoryCache) Lock(ctx context.Context, duration time.Duration, lockKeys []*fab.LockKey) (bool, fab.UUID, error) {
	if duration <= 0 {
		duration = 15 * time.Minute
	}

	// Sort keys to avoid deadlocks/livelocks (A->B vs B->A).
	sort.Slice(lockKeys, func(i, j int) bool {
		return lockKeys[i].Key < lockKeys[j].Key
	})

	acquired := make([]*fab.LockKey, 0, len(lockKeys))

	for _, lk := range lockKeys {
		newItem := lockItem{
			lockID:     lk.LockID,
			expiration: time.Now().Add(duration),
		}

		val, loaded := c.locks.LoadOrStore(lk.Key, newItem)
		if loaded {
			existing := val.(lockItem)

			if time.Now().After(existing.expiration) {
				// Expired. Try to take it over.
				if c.locks.CompareAndSwap(lk.Key, existing, newItem) {
					acquired = append(acquired, lk)
					lk.IsLockOwner = true
					continue
				}
				// CAS failed, someone else took it. Fall through to failure.
			} else if existing.lockID == lk.LockID {
				// Already held by us.
				lk.IsLockOwner = true
				continue
			}

			// Failed to acquire. Roll back newly acquired keys.
			for _, acquiredLk := range acquired {
				if v, ok := c.locks.Load(acquiredLk.Key); ok {
					if v.(lockItem).lockID == acquiredLk.LockID {
						c.locks.CompareAndDelete(acquiredLk.Key, v)
					}
				}
				acquiredLk.IsLockOwner = false
			}
			return false, existing.lockID, nil
		}

		acquired = append(acquired, lk)
		lk.IsLockOwner = true
	}

	return true, fab.NilUUID, nil
}

func (c *InMemoryCache) IsLocked(ctx context.Context, lockKeys []*fab.LockKey) (bool, error) {
	for _, lk := range lockKeys {
		val, ok := c.locks.Load(lk.Key)
		if !ok {
			return false, nil
		}
		item := val.(lockItem)
		if item.lockID != lk.LockID {
			return false, nil
		}
		if time.Now().After(item.expiration) {
			return false, nil
		}
	}
	return true, nil
}

func (c *InMemoryCache) IsLockedByOthers(ctx context.Context, lockKeyNames []string) (bool, error) {
	if len(lockKeyNames) == 0 {
		return false, nil
	}
	for _, key := range lockKeyNames {
		val, ok := c.locks.Load(key)
		if !ok {
			return false, nil
		}
		item := val.(lockItem)
		if time.Now().After(item.expiration) {
			return false, nil
		}
	}
	return true, nil
}

func (c *InMemoryCache) Unlock(ctx context.Context, lockKeys []*fab.LockKey) error {
	for _, lk := range lockKeys {
		val, ok := c.locks.Load(lk.Key)
		if ok {
			item := val.(lockItem)
			if item.lockID == lk.LockID {
				c.locks.CompareAndDelete(lk.Key, val)
			}
		}
	}
	return nil
}
