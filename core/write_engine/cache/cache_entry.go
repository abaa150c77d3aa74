package cache

import (
	"fmt"
	"sync"
	"sync/atomic"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// Usage counter values below zero encode the removal lifecycle.
const (
	entryFrozen int32 = -1
	entryDead   int32 = -2
)

// noSlot marks an entry that is not linked into any policy segment.
const noSlot int32 = -1

// CacheEntry is one resident (or transient) page of the read cache.
//
// The usage counter gates eviction: an entry can only be frozen, and therefore
// removed, while nobody holds it.
type CacheEntry struct {
	key pagemanager.PageKey

	pointerMu   sync.Mutex
	dataPointer *pagemanager.CachePointer

	state          atomic.Int32
	insideCache    bool
	newlyAllocated atomic.Bool

	lsnMu      sync.Mutex
	initialLSN pagemanager.LSN
	endLSN     pagemanager.LSN

	// slot is the entry's position in the policy arena. Guarded by the
	// eviction lock.
	slot int32
}

func newCacheEntry(fileID uint64, pageIndex uint32, pointer *pagemanager.CachePointer, insideCache bool) *CacheEntry {
	return &CacheEntry{
		key:         pagemanager.PageKey{FileID: fileID, PageIndex: pageIndex},
		dataPointer: pointer,
		insideCache: insideCache,
		initialLSN:  pagemanager.InvalidLSN,
		endLSN:      pagemanager.InvalidLSN,
		slot:        noSlot,
	}
}

func (e *CacheEntry) Key() pagemanager.PageKey { return e.key }
func (e *CacheEntry) FileID() uint64           { return e.key.FileID }
func (e *CacheEntry) PageIndex() uint32        { return e.key.PageIndex }
func (e *CacheEntry) InsideCache() bool        { return e.insideCache }

// CachePointer returns the page buffer wrapper, or nil once the entry is dead.
func (e *CacheEntry) CachePointer() *pagemanager.CachePointer {
	e.pointerMu.Lock()
	defer e.pointerMu.Unlock()
	return e.dataPointer
}

func (e *CacheEntry) clearCachePointer() {
	e.pointerMu.Lock()
	e.dataPointer = nil
	e.pointerMu.Unlock()
}

// Data returns the raw page bytes.
func (e *CacheEntry) Data() []byte {
	if p := e.CachePointer(); p != nil {
		return p.Buffer()
	}
	return nil
}

// --- Usage state machine ---

// AcquireEntry pins the entry. It fails once the entry is frozen or dead.
func (e *CacheEntry) AcquireEntry() bool {
	for {
		state := e.state.Load()
		if state < 0 {
			return false
		}
		if e.state.CompareAndSwap(state, state+1) {
			return true
		}
	}
}

// ReleaseEntry unpins the entry. Releasing an entry that is not held is a
// programming error.
func (e *CacheEntry) ReleaseEntry() {
	for {
		state := e.state.Load()
		if state <= 0 {
			panic(fmt.Sprintf("cache entry %s has invalid state %d", e.key, state))
		}
		if e.state.CompareAndSwap(state, state-1) {
			return
		}
	}
}

func (e *CacheEntry) Usages() int32 {
	if s := e.state.Load(); s > 0 {
		return s
	}
	return 0
}

func (e *CacheEntry) IsReleased() bool { return e.state.Load() == 0 }
func (e *CacheEntry) IsAlive() bool    { return e.state.Load() >= 0 }
func (e *CacheEntry) IsFrozen() bool   { return e.state.Load() == entryFrozen }
func (e *CacheEntry) IsDead() bool     { return e.state.Load() == entryDead }

// Freeze moves a released entry into the frozen state. No new acquisitions are
// possible afterwards.
func (e *CacheEntry) Freeze() bool {
	for {
		if e.state.Load() != 0 {
			return false
		}
		if e.state.CompareAndSwap(0, entryFrozen) {
			return true
		}
	}
}

// MakeDead finishes removal of a frozen entry.
func (e *CacheEntry) MakeDead() {
	if !e.state.CompareAndSwap(entryFrozen, entryDead) {
		panic(fmt.Sprintf("cache entry %s has invalid state %d", e.key, e.state.Load()))
	}
}

// --- Newly allocated pages ---

func (e *CacheEntry) IsNewlyAllocatedPage() bool { return e.newlyAllocated.Load() }
func (e *CacheEntry) MarkAllocated()             { e.newlyAllocated.Store(true) }
func (e *CacheEntry) ClearAllocationFlag()       { e.newlyAllocated.Store(false) }

// --- Page latch ---

func (e *CacheEntry) AcquireExclusiveLock() { e.CachePointer().AcquireExclusiveLock() }
func (e *CacheEntry) ReleaseExclusiveLock() { e.CachePointer().ReleaseExclusiveLock() }
func (e *CacheEntry) AcquireSharedLock()    { e.CachePointer().AcquireSharedLock() }
func (e *CacheEntry) ReleaseSharedLock()    { e.CachePointer().ReleaseSharedLock() }

// --- WAL linkage ---

func (e *CacheEntry) InitialLSN() pagemanager.LSN {
	e.lsnMu.Lock()
	defer e.lsnMu.Unlock()
	return e.initialLSN
}

func (e *CacheEntry) SetInitialLSN(lsn pagemanager.LSN) {
	e.lsnMu.Lock()
	e.initialLSN = lsn
	e.lsnMu.Unlock()
}

func (e *CacheEntry) EndLSN() pagemanager.LSN {
	e.lsnMu.Lock()
	defer e.lsnMu.Unlock()
	return e.endLSN
}

func (e *CacheEntry) SetEndLSN(lsn pagemanager.LSN) {
	e.lsnMu.Lock()
	e.endLSN = lsn
	e.lsnMu.Unlock()
}

func (e *CacheEntry) String() string {
	return fmt.Sprintf("CacheEntry{%s, state=%d, insideCache=%t}", e.key, e.state.Load(), e.insideCache)
}
