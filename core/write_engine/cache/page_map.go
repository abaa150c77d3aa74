package cache

import (
	"sync"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

const pageMapShards = 64

// pageMap is the concurrent map of resident entries, sharded by key hash. compute
// runs its callback under the shard lock, which makes the map usable as a
// per-key critical section.
type pageMap struct {
	shards [pageMapShards]pageMapShard
}

type pageMapShard struct {
	mu      sync.RWMutex
	entries map[pagemanager.PageKey]*CacheEntry
}

func newPageMap() *pageMap {
	m := &pageMap{}
	for i := range m.shards {
		m.shards[i].entries = make(map[pagemanager.PageKey]*CacheEntry)
	}
	return m
}

func (m *pageMap) shard(key pagemanager.PageKey) *pageMapShard {
	return &m.shards[key.Hash()%pageMapShards]
}

func (m *pageMap) get(key pagemanager.PageKey) *CacheEntry {
	s := m.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key]
}

func (m *pageMap) put(key pagemanager.PageKey, e *CacheEntry) {
	s := m.shard(key)
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
}

// putIfAbsent stores e unless the key is taken and returns the previous entry.
func (m *pageMap) putIfAbsent(key pagemanager.PageKey, e *CacheEntry) *CacheEntry {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[key]; ok {
		return existing
	}
	s.entries[key] = e
	return nil
}

// compute replaces the mapping for key with the callback result. A nil result
// removes the mapping. Errors leave the map untouched.
func (m *pageMap) compute(key pagemanager.PageKey, fn func(existing *CacheEntry) (*CacheEntry, error)) (*CacheEntry, error) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.entries[key]
	updated, err := fn(existing)
	if err != nil {
		return existing, err
	}
	if updated == nil {
		delete(s.entries, key)
	} else {
		s.entries[key] = updated
	}
	return updated, nil
}

func (m *pageMap) remove(key pagemanager.PageKey) *CacheEntry {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	return e
}

// removeIfSame deletes the mapping only while it still points to e.
func (m *pageMap) removeIfSame(key pagemanager.PageKey, e *CacheEntry) bool {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[key] != e {
		return false
	}
	delete(s.entries, key)
	return true
}

func (m *pageMap) size() int {
	total := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

// values returns a snapshot of all entries.
func (m *pageMap) values() []*CacheEntry {
	var out []*CacheEntry
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for _, e := range s.entries {
			out = append(out, e)
		}
		s.mu.RUnlock()
	}
	return out
}
