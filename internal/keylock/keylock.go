// Package keylock serializes critical sections per natural key.
//
// The store offers no atomic read-modify-write, so every multi-step mutation
// runs under an in-process mutex keyed by its natural identity: tenant/user
// for balance and purchase, tenant/task for claim admission. Keys are sharded
// to bound contention and evicted as soon as the last holder releases, so the
// registry does not grow with the number of users ever seen.
package keylock

import (
	"hash/fnv"
	"sync"
)

const defaultShards = 64

// Registry hands out per-key mutexes.
type Registry struct {
	shards []*shard
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates a registry with the given shard count (rounded up to at least 1).
func New(shards int) *Registry {
	if shards <= 0 {
		shards = defaultShards
	}
	r := &Registry{shards: make([]*shard, shards)}
	for i := range r.shards {
		r.shards[i] = &shard{locks: make(map[string]*entry)}
	}
	return r
}

// Key builds a composite lock key from its parts.
func Key(parts ...string) string {
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += "\x00"
		}
		key += p
	}
	return key
}

// Lock acquires the mutex for key and returns its release function. The
// release function must be called exactly once, typically via defer.
func (r *Registry) Lock(key string) func() {
	s := r.shardFor(key)

	s.mu.Lock()
	e, ok := s.locks[key]
	if !ok {
		e = &entry{}
		s.locks[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// Len returns the number of currently held or contended keys.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}

func (r *Registry) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return r.shards[int(h.Sum32())%len(r.shards)]
}
