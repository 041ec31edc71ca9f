package utils

import (
	"sync"

	"github.com/cespare/xxhash"
)

const smapShards = 64

// SMap is a sharded string-keyed map. Keys are spread over 64 shards by
// xxhash, so entries for different keys can be mutated fully in parallel
// while access to any single key stays serialized.
type SMap[V any] struct {
	shards [smapShards]smapShard[V]
}

type smapShard[V any] struct {
	lock sync.RWMutex
	m    map[string]V
}

func (s *SMap[V]) shard(key string) *smapShard[V] {
	return &s.shards[xxhash.Sum64String(key)&(smapShards-1)]
}

func (s *SMap[V]) Load(key string) (value V, ok bool) {
	sh := s.shard(key)
	sh.lock.RLock()
	value, ok = sh.m[key]
	sh.lock.RUnlock()
	return
}

func (s *SMap[V]) Store(key string, value V) {
	sh := s.shard(key)
	sh.lock.Lock()
	if sh.m == nil {
		sh.m = make(map[string]V)
	}
	sh.m[key] = value
	sh.lock.Unlock()
}

func (s *SMap[V]) Delete(key string) {
	sh := s.shard(key)
	sh.lock.Lock()
	delete(sh.m, key)
	sh.lock.Unlock()
}

func (s *SMap[V]) LoadAndDelete(key string) (value V, loaded bool) {
	sh := s.shard(key)
	sh.lock.Lock()
	value, loaded = sh.m[key]
	if loaded {
		delete(sh.m, key)
	}
	sh.lock.Unlock()
	return
}

func (s *SMap[V]) Len() (n int) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.lock.RLock()
		n += len(sh.m)
		sh.lock.RUnlock()
	}
	return
}

// Range calls f for every entry. Each shard is locked only while its own
// entries are visited; entries stored or deleted concurrently in other
// shards may or may not be seen.
func (s *SMap[V]) Range(f func(key string, value V) bool) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.lock.RLock()
		for k, v := range sh.m {
			if !f(k, v) {
				sh.lock.RUnlock()
				return
			}
		}
		sh.lock.RUnlock()
	}
}

// Snapshot copies all entries into a plain map. Callers that need a
// point-in-time view must make sure no commits run concurrently; the
// repository does that by holding its commit lock around the call.
func (s *SMap[V]) Snapshot() map[string]V {
	out := make(map[string]V, s.Len())
	for i := range s.shards {
		sh := &s.shards[i]
		sh.lock.RLock()
		for k, v := range sh.m {
			out[k] = v
		}
		sh.lock.RUnlock()
	}
	return out
}
