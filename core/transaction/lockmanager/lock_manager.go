// Package lockmanager provides named read-write locks that exist only while
// somebody holds or waits for them.
package lockmanager

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	commonutils "github.com/sushant-115/gojostore/internal/common_utils"
)

type refLock struct {
	sync.RWMutex
	refs int
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

// LockManager hands out one lock per key. Keys are spread over shards so that
// unrelated keys rarely contend on the bookkeeping mutex.
type LockManager struct {
	shards []lockShard
	mask   uint64
}

func New() *LockManager {
	n := commonutils.CeilingPowerOfTwo(4 * commonutils.NumCPU())
	m := &LockManager{shards: make([]lockShard, n), mask: uint64(n - 1)}
	for i := range m.shards {
		m.shards[i].locks = make(map[string]*refLock)
	}
	return m
}

func (m *LockManager) shard(key string) *lockShard {
	return &m.shards[commonutils.Spread(xxhash.Sum64String(key))&m.mask]
}

func (m *LockManager) ref(key string) *refLock {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &refLock{}
		s.locks[key] = l
	}
	l.refs++
	return l
}

func (m *LockManager) unref(key string) *refLock {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		panic(fmt.Sprintf("lock %q is not held", key))
	}
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
	return l
}

func (m *LockManager) AcquireExclusiveLock(key string) { m.ref(key).Lock() }
func (m *LockManager) ReleaseExclusiveLock(key string) { m.unref(key).Unlock() }
func (m *LockManager) AcquireSharedLock(key string)    { m.ref(key).RLock() }
func (m *LockManager) ReleaseSharedLock(key string)    { m.unref(key).RUnlock() }

// TryAcquireExclusiveLock takes the lock only if it is free.
func (m *LockManager) TryAcquireExclusiveLock(key string) bool {
	l := m.ref(key)
	if l.TryLock() {
		return true
	}
	m.unref(key)
	return false
}

// Size returns the number of keys currently held or waited for.
func (m *LockManager) Size() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
