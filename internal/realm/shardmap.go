package realm

import (
	"hash/maphash"
	"sync"
)

const shardCount = 32

// shardedMap is a string-keyed map split across independently locked shards.
// Operations on one key are linearizable; operations on keys in different
// shards never contend.
type shardedMap[V comparable] struct {
	seed   maphash.Seed
	shards [shardCount]mapShard[V]
}

type mapShard[V comparable] struct {
	mu sync.RWMutex
	m  map[string]V
}

func newShardedMap[V comparable]() *shardedMap[V] {
	s := &shardedMap[V]{seed: maphash.MakeSeed()}
	for i := range s.shards {
		s.shards[i].m = make(map[string]V)
	}
	return s
}

func (s *shardedMap[V]) shard(key string) *mapShard[V] {
	return &s.shards[maphash.String(s.seed, key)%shardCount]
}

func (s *shardedMap[V]) Load(key string) (V, bool) {
	sh := s.shard(key)
	sh.mu.RLock()
	v, ok := sh.m[key]
	sh.mu.RUnlock()
	return v, ok
}

// LoadOrStore returns the existing value for key if present. Otherwise it
// stores v and returns it with loaded=false.
func (s *shardedMap[V]) LoadOrStore(key string, v V) (actual V, loaded bool) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if existing, ok := sh.m[key]; ok {
		return existing, true
	}
	sh.m[key] = v
	return v, false
}

// Delete removes key and returns the removed value.
func (s *shardedMap[V]) Delete(key string) (V, bool) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.m[key]
	if ok {
		delete(sh.m, key)
	}
	return v, ok
}

// CompareAndDelete removes key only while it still maps to old.
func (s *shardedMap[V]) CompareAndDelete(key string, old V) bool {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if v, ok := sh.m[key]; ok && v == old {
		delete(sh.m, key)
		return true
	}
	return false
}

// Compute replaces the value for key with fn(current, present) while holding
// the shard lock.
func (s *shardedMap[V]) Compute(key string, fn func(v V, ok bool) V) V {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.m[key]
	v = fn(v, ok)
	sh.m[key] = v
	return v
}

// Keys returns a point-in-time copy of the keys, shard by shard.
func (s *shardedMap[V]) Keys() []string {
	var keys []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k := range sh.m {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()
	}
	return keys
}

func (s *shardedMap[V]) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}
