package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	shardCount = 256
	// Adjust based on desired total capacity (e.g., 256 * 1000 = 256k items).
	maxItemsPerShard = 1000
)

type shard struct {
	mu    sync.RWMutex
	items map[string]interface{}
}

// evictOne removes the entry with the earliest expiration from a small random
// sample, falling back to an arbitrary entry. Caller holds the write lock.
func (s *shard) evictOne() {
	const sampleSize = 5
	var victimKey string
	var minExp time.Time
	first := true

	count := 0
	for k, v := range s.items {
		if count >= sampleSize {
			break
		}
		count++

		var exp time.Time
		switch val := v.(type) {
		case item:
			exp = val.expiration
		case lockItem:
			exp = val.expiration
		default:
			continue
		}

		// Treat zero expiration as infinite (do not evict if possible).
		effectiveExp := exp
		if exp.IsZero() {
			effectiveExp = time.Now().Add(365 * 24 * 100 * time.Hour)
		}

		if first || effectiveExp.Before(minExp) {
			minExp = effectiveExp
			victimKey = k
			first = false
		}
	}

	if victimKey != "" {
		delete(s.items, victimKey)
		return
	}
	for k := range s.items {
		delete(s.items, k)
		break
	}
}

type shardedMap struct {
	shards [shardCount]*shard
}

func newShardedMap() *shardedMap {
	m := &shardedMap{}
	for i := 0; i < shardCount; i++ {
		m.shards[i] = &shard{items: make(map[string]interface{})}
	}
	return m
}

func (m *shardedMap) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

func (m *shardedMap) Load(key string) (interface{}, bool) {
	shard := m.getShard(key)
	shard.mu.RLock()
	val, ok := shard.items[key]
	shard.mu.RUnlock()
	return val, ok
}

func (m *shardedMap) Store(key string, value interface{}) {
	shard := m.getShard(key)
	shard.mu.Lock()
	if len(shard.items) >= maxItemsPerShard {
		shard.evictOne()
	}
	shard.items[key] = value
	shard.mu.Unlock()
}

func (m *shardedMap) Delete(key string) {
	shard := m.getShard(key)
	shard.mu.Lock()
	delete(shard.items, key)
	shard.mu.Unlock()
}

func (m *shardedMap) LoadOrStore(key string, value interface{}) (actual interface{}, loaded bool) {
	shard := m.getShard(key)
	shard.mu.Lock()
	actual, loaded = shard.items[key]
	if !loaded {
		if len(shard.items) >= maxItemsPerShard {
			shard.evictOne()
		}
		actual = value
		shard.items[key] = value
	}
	shard.mu.Unlock()
	return actual, loaded
}

func (m *shardedMap) CompareAndSwap(key string, old, new interface{}) bool {
	shard := m.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if val, ok := shard.items[key]; ok && val == old {
		shard.items[key] = new
		return true
	}
	return false
}

func (m *shardedMap) CompareAndDelete(key string, old interface{}) bool {
	shard := m.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if val, ok := shard.items[key]; ok && val == old {
		delete(shard.items, key)
		return true
	}
	return false
}

func (m *shardedMap) Range(f func(key, value interface{}) bool) {
	for _, shard := range m.shards {
		// Snapshot the shard so the callback may call Store/Delete without deadlocking.
		shard.mu.RLock()
		items := make(map[string]interface{}, len(shard.items))
		for k, v := range shard.items {
			items[k] = v
		}
		shard.mu.RUnlock()

		for k, v := range items {
			if !f(k, v) {
				return
			}
		}
	}
}
