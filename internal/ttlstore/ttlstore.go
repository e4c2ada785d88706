// Package ttlstore provides a sharded in-memory key-value map whose entries
// carry an absolute expiry. It backs every piece of per-principal state that
// is bounded in time: request windows, lockouts, CAPTCHA challenges and
// sessions.
package ttlstore

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 32

// Entry is a stored value and the instant after which it is no longer live.
// A zero ExpiresAt never expires.
type Entry[V any] struct {
	Value     V
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry[V]) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

type shard[V any] struct {
	mu    sync.Mutex
	items map[string]Entry[V]
}

// Store is safe for concurrent use. Keys hash onto independent shards, so
// operations on different keys rarely contend; operations on the same key are
// serialized by that key's shard lock.
type Store[V any] struct {
	shards []*shard[V]
}

// New creates a store with n shards (n <= 0 selects the default).
func New[V any](n int) *Store[V] {
	if n <= 0 {
		n = defaultShards
	}
	s := &Store[V]{shards: make([]*shard[V], n)}
	for i := range s.shards {
		s.shards[i] = &shard[V]{items: make(map[string]Entry[V])}
	}
	return s
}

func (s *Store[V]) shardFor(key string) *shard[V] {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// Get returns the live value for key. An expired entry is removed and
// reported as absent.
func (s *Store[V]) Get(key string, now time.Time) (V, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if e.Expired(now) {
		delete(sh.items, key)
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Set stores v under key, replacing any existing entry.
func (s *Store[V]) Set(key string, v V, expiresAt time.Time) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.items[key] = Entry[V]{Value: v, ExpiresAt: expiresAt}
	sh.mu.Unlock()
}

// Delete removes key and returns the value it held, if any. Expired entries
// are removed but reported as absent.
func (s *Store[V]) Delete(key string, now time.Time) (V, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.items[key]
	delete(sh.items, key)
	if !ok || e.Expired(now) {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Update runs fn under the key's shard lock. fn receives the current live
// entry (ok is false when the key is absent or expired, in which case the
// entry is zero) and mutates it in place. Returning false deletes the key;
// returning true stores the mutated entry. Update returns the stored entry
// and whether it was kept.
//
// fn must not call back into the same Store for a key on the same shard.
func (s *Store[V]) Update(key string, now time.Time, fn func(e *Entry[V], ok bool) bool) (Entry[V], bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.items[key]
	if ok && e.Expired(now) {
		e, ok = Entry[V]{}, false
	}
	if !fn(&e, ok) {
		delete(sh.items, key)
		return Entry[V]{}, false
	}
	sh.items[key] = e
	return e, true
}

// Sweep removes every expired entry and returns how many were removed. If
// onExpire is non-nil it is called for each removed entry while the shard
// lock is held.
func (s *Store[V]) Sweep(now time.Time, onExpire func(key string, v V)) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.items {
			if e.Expired(now) {
				delete(sh.items, k)
				removed++
				if onExpire != nil {
					onExpire(k, e.Value)
				}
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Expire removes key if it is stored but past its expiry at now, and
// reports whether it did. Live and absent keys are left alone.
func (s *Store[V]) Expire(key string, now time.Time) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.items[key]
	if !ok || !e.Expired(now) {
		return false
	}
	delete(sh.items, key)
	return true
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (s *Store[V]) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.items)
		sh.mu.Unlock()
	}
	return n
}
