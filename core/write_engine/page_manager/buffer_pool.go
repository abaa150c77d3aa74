package pagemanager

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Intention records why a buffer was taken from the pool. It only feeds
// diagnostics.
type Intention int

const (
	IntentionLoadPage Intention = iota
	IntentionAddNewPage
	IntentionCopyPage
	IntentionTest
)

func (i Intention) String() string {
	switch i {
	case IntentionLoadPage:
		return "load_page"
	case IntentionAddNewPage:
		return "add_new_page"
	case IntentionCopyPage:
		return "copy_page"
	case IntentionTest:
		return "test"
	}
	return fmt.Sprintf("intention(%d)", int(i))
}

// BufferPool hands out page-sized buffers and tracks how many are outstanding.
type BufferPool struct {
	pageSize    int
	pool        sync.Pool
	allocated   atomic.Int64
	byIntention [4]atomic.Int64
}

// NewBufferPool creates a pool of buffers of exactly pageSize bytes.
func NewBufferPool(pageSize int) *BufferPool {
	if pageSize <= 0 {
		panic(fmt.Sprintf("invalid page size %d", pageSize))
	}
	bp := &BufferPool{pageSize: pageSize}
	bp.pool.New = func() any {
		buf := make([]byte, pageSize)
		return &buf
	}
	return bp
}

func (bp *BufferPool) PageSize() int { return bp.pageSize }

// AcquireDirect returns a buffer of PageSize bytes. With clear set the buffer is
// zeroed, otherwise it may hold data of a previously released page.
func (bp *BufferPool) AcquireDirect(clear bool, intention Intention) []byte {
	buf := *(bp.pool.Get().(*[]byte))
	if clear {
		for i := range buf {
			buf[i] = 0
		}
	}
	bp.allocated.Add(1)
	if int(intention) >= 0 && int(intention) < len(bp.byIntention) {
		bp.byIntention[intention].Add(1)
	}
	return buf
}

// Release returns a buffer taken with AcquireDirect.
func (bp *BufferPool) Release(buf []byte) {
	if len(buf) != bp.pageSize {
		panic(fmt.Sprintf("releasing buffer of size %d into pool of page size %d", len(buf), bp.pageSize))
	}
	bp.allocated.Add(-1)
	bp.pool.Put(&buf)
}

// MemoryConsumption returns the number of bytes currently held by callers.
func (bp *BufferPool) MemoryConsumption() int64 {
	return bp.allocated.Load() * int64(bp.pageSize)
}

// AllocatedBuffers returns the number of outstanding buffers.
func (bp *BufferPool) AllocatedBuffers() int64 { return bp.allocated.Load() }

// Acquisitions returns how many buffers were ever acquired for the given intention.
func (bp *BufferPool) Acquisitions(intention Intention) int64 {
	if int(intention) < 0 || int(intention) >= len(bp.byIntention) {
		return 0
	}
	return bp.byIntention[intention].Load()
}
