package pagemanager

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// CachePointer wraps a pooled page buffer. The same pointer can be referenced by
// the read cache (readers) and by the write cache (writers) at the same time; the
// buffer goes back to the pool once the last referrer lets go.
type CachePointer struct {
	fileID    uint64
	pageIndex uint32

	pool   *BufferPool
	buffer []byte

	readersReferrer atomic.Int32
	writersReferrer atomic.Int32
	referrersCount  atomic.Int32

	// latch protects the page bytes and the LSN. Exclusive holders are the only
	// writers of the buffer.
	latch sync.RWMutex

	lsnMu sync.Mutex
	lsn   LSN

	// version is bumped on every exclusive release so the flusher can tell
	// whether a page changed after it copied it.
	version atomic.Uint64
}

// NewCachePointer wraps buffer for the given page. pool may be nil, in which case
// the buffer is simply dropped when unreferenced.
func NewCachePointer(buffer []byte, pool *BufferPool, fileID uint64, pageIndex uint32) *CachePointer {
	return &CachePointer{
		fileID:    fileID,
		pageIndex: pageIndex,
		pool:      pool,
		buffer:    buffer,
		lsn:       InvalidLSN,
	}
}

func (p *CachePointer) FileID() uint64    { return p.fileID }
func (p *CachePointer) PageIndex() uint32 { return p.pageIndex }
func (p *CachePointer) Key() PageKey      { return PageKey{FileID: p.fileID, PageIndex: p.pageIndex} }

// Buffer returns the page bytes. Callers must hold a referrer.
func (p *CachePointer) Buffer() []byte { return p.buffer }

// --- Referrers ---

func (p *CachePointer) IncrementReadersReferrer() {
	p.readersReferrer.Add(1)
	p.referrersCount.Add(1)
}

func (p *CachePointer) DecrementReadersReferrer() {
	if n := p.readersReferrer.Add(-1); n < 0 {
		panic(fmt.Sprintf("page %s: readers referrer dropped below zero", p.Key()))
	}
	p.decrementReferrer()
}

func (p *CachePointer) IncrementWritersReferrer() {
	p.writersReferrer.Add(1)
	p.referrersCount.Add(1)
}

func (p *CachePointer) DecrementWritersReferrer() {
	if n := p.writersReferrer.Add(-1); n < 0 {
		panic(fmt.Sprintf("page %s: writers referrer dropped below zero", p.Key()))
	}
	p.decrementReferrer()
}

func (p *CachePointer) decrementReferrer() {
	n := p.referrersCount.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("page %s: referrers count dropped below zero", p.Key()))
	}
	if n == 0 && p.buffer != nil {
		if p.pool != nil {
			p.pool.Release(p.buffer)
		}
		p.buffer = nil
	}
}

func (p *CachePointer) ReadersReferrer() int32 { return p.readersReferrer.Load() }
func (p *CachePointer) WritersReferrer() int32 { return p.writersReferrer.Load() }
func (p *CachePointer) ReferrersCount() int32  { return p.referrersCount.Load() }

// --- Latch ---

func (p *CachePointer) AcquireSharedLock()         { p.latch.RLock() }
func (p *CachePointer) ReleaseSharedLock()         { p.latch.RUnlock() }
func (p *CachePointer) TryAcquireSharedLock() bool { return p.latch.TryRLock() }
func (p *CachePointer) AcquireExclusiveLock()      { p.latch.Lock() }

func (p *CachePointer) TryAcquireExclusiveLock() bool { return p.latch.TryLock() }

func (p *CachePointer) ReleaseExclusiveLock() {
	p.version.Add(1)
	p.latch.Unlock()
}

// Version changes every time an exclusive holder releases the latch.
func (p *CachePointer) Version() uint64 { return p.version.Load() }

// --- LSN ---

func (p *CachePointer) LSN() LSN {
	p.lsnMu.Lock()
	defer p.lsnMu.Unlock()
	return p.lsn
}

func (p *CachePointer) SetLSN(lsn LSN) {
	p.lsnMu.Lock()
	p.lsn = lsn
	p.lsnMu.Unlock()
}
