// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedMutex when shards <= 0.
const DefaultShards = 64

// KeyedMutex serializes work per string key using a fixed pool of
// channel-backed locks. Keys that hash to the same shard share a lock, so
// memory stays bounded however many keys are seen.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a KeyedMutex with the given number of shards.
func NewKeyedMutex(shards int) *KeyedMutex {
	if shards <= 0 {
		shards = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, shards)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock acquires the lock for key, giving up when ctx is done. On success
// the caller must call the returned unlock function exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.index(key)]
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
