package cache

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

const testPageSize = 64

// --- Test Helpers ---

// memWriteCache keeps pages in plain byte slices.
type memWriteCache struct {
	mu        sync.Mutex
	id        uint32
	pool      *pagemanager.BufferPool
	files     map[string]uint64
	pages     map[uint64][][]byte
	nextFile  uint64
	dirty     map[pagemanager.PageKey]pagemanager.LSN
	loads     int
	loadErr   error
	onStore   func(pointer *pagemanager.CachePointer)
	storeErr  error
	dirtyErr  error
	overflows int
	// overflowErr is returned by CheckCacheOverflow when set.
	overflowErr error
}

func newMemWriteCache(pool *pagemanager.BufferPool) *memWriteCache {
	return &memWriteCache{
		id:    1,
		pool:  pool,
		files: make(map[string]uint64),
		pages: make(map[uint64][][]byte),
		dirty: make(map[pagemanager.PageKey]pagemanager.LSN),
	}
}

func (w *memWriteCache) ID() uint32    { return w.id }
func (w *memWriteCache) PageSize() int { return w.pool.PageSize() }

func (w *memWriteCache) Load(fileID uint64, pageIndex uint32, _ bool) (*pagemanager.CachePointer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loads++
	if w.loadErr != nil {
		return nil, w.loadErr
	}
	pages := w.pages[fileID]
	if int(pageIndex) >= len(pages) {
		return nil, nil
	}
	buf := w.pool.AcquireDirect(false, pagemanager.IntentionLoadPage)
	copy(buf, pages[pageIndex])
	pointer := pagemanager.NewCachePointer(buf, w.pool, fileID, pageIndex)
	pointer.IncrementReadersReferrer()
	return pointer, nil
}

func (w *memWriteCache) Store(fileID uint64, pageIndex uint32, pointer *pagemanager.CachePointer) error {
	if w.onStore != nil {
		w.onStore(pointer)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.storeErr != nil {
		return w.storeErr
	}
	copy(w.pages[fileID][pageIndex], pointer.Buffer())
	return nil
}

func (w *memWriteCache) AllocateNewPage(fileID uint64) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pages[fileID] = append(w.pages[fileID], make([]byte, w.pool.PageSize()))
	return uint32(len(w.pages[fileID]) - 1), nil
}

func (w *memWriteCache) UpdateDirtyPagesTable(pointer *pagemanager.CachePointer, startLSN pagemanager.LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dirtyErr != nil {
		return w.dirtyErr
	}
	if _, ok := w.dirty[pointer.Key()]; !ok {
		w.dirty[pointer.Key()] = startLSN
	}
	return nil
}

func (w *memWriteCache) CheckCacheOverflow() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.overflows++
	return w.overflowErr
}

func (w *memWriteCache) FilledUpTo(fileID uint64) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(len(w.pages[fileID])), nil
}

func (w *memWriteCache) AddFile(name string) (uint64, error) {
	w.mu.Lock()
	w.nextFile++
	id := w.nextFile
	w.mu.Unlock()
	return w.AddFileWithID(name, pagemanager.ComposeFileID(w.id, id))
}

func (w *memWriteCache) AddFileWithID(name string, fileID uint64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[name]; ok {
		return 0, fmt.Errorf("file %s already exists", name)
	}
	w.files[name] = fileID
	w.pages[fileID] = nil
	return fileID, nil
}

func (w *memWriteCache) TruncateFile(fileID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pages[fileID] = nil
	return nil
}

func (w *memWriteCache) CloseFile(uint64, bool) error { return nil }

func (w *memWriteCache) DeleteFile(fileID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name, id := range w.files {
		if id == fileID {
			delete(w.files, name)
		}
	}
	delete(w.pages, fileID)
	return nil
}

func (w *memWriteCache) Files() map[string]uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]uint64, len(w.files))
	for k, v := range w.files {
		out[k] = v
	}
	return out
}

func (w *memWriteCache) Close() error  { return nil }
func (w *memWriteCache) Delete() error { return nil }

func (w *memWriteCache) loadCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loads
}

// fill appends pages whose first byte is the page index.
func (w *memWriteCache) fill(fileID uint64, pages int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := 0; i < pages; i++ {
		page := make([]byte, w.pool.PageSize())
		page[0] = byte(len(w.pages[fileID]))
		w.pages[fileID] = append(w.pages[fileID], page)
	}
}

func newTestReadCache(t *testing.T, maxPages int, trackHitRate bool) (*ReadCache, *memWriteCache, uint64) {
	t.Helper()
	pool := pagemanager.NewBufferPool(testPageSize)
	rc, err := NewReadCache(Config{MaxMemory: int64(maxPages * testPageSize), TrackHitRate: trackHitRate}, pool, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	wc := newMemWriteCache(pool)
	fileID, err := rc.AddFile("test.pcl", wc)
	require.NoError(t, err)
	return rc, wc, fileID
}

func readPage(t *testing.T, rc *ReadCache, wc WriteCache, fileID uint64, pageIndex uint32) byte {
	t.Helper()
	entry, err := rc.LoadForRead(fileID, pageIndex, wc, true)
	require.NoError(t, err)
	require.NotNil(t, entry)
	entry.AcquireSharedLock()
	b := entry.Data()[0]
	entry.ReleaseSharedLock()
	rc.ReleaseFromRead(entry)
	return b
}

// --- Tests ---

func TestNewReadCache_RejectsTinyBudget(t *testing.T) {
	_, err := NewReadCache(Config{MaxMemory: testPageSize - 1}, pagemanager.NewBufferPool(testPageSize), nil, nil)
	require.ErrorIs(t, err, ErrInvalidCacheConfig)

	_, err = NewReadCache(Config{MaxMemory: testPageSize}, nil, nil, nil)
	require.ErrorIs(t, err, ErrInvalidCacheConfig)
}

func TestNewReadCache_RejectsBudgetBeyondSlotRange(t *testing.T) {
	pool := pagemanager.NewBufferPool(testPageSize)
	_, err := NewReadCache(Config{MaxMemory: (maxCachePages + 1) * testPageSize}, pool, nil, nil)
	require.ErrorIs(t, err, ErrInvalidCacheConfig)

	_, err = NewReadCache(Config{MaxMemory: 1 << 45}, pool, nil, nil)
	require.ErrorIs(t, err, ErrInvalidCacheConfig)
}

func TestReadCache_LoadMissThenHit(t *testing.T) {
	rc, wc, fileID := newTestReadCache(t, 16, true)
	wc.fill(fileID, 3)

	require.Equal(t, -1, rc.HitRate())
	require.Equal(t, byte(2), readPage(t, rc, wc, fileID, 2))
	require.Equal(t, byte(2), readPage(t, rc, wc, fileID, 2))

	require.Equal(t, 1, wc.loadCount())
	require.Equal(t, 50, rc.HitRate())
	require.Equal(t, 1, rc.Size())
	require.Equal(t, int64(testPageSize), rc.UsedMemory())
	require.NoError(t, rc.Validate())
}

func TestReadCache_HitRateDisabled(t *testing.T) {
	rc, wc, fileID := newTestReadCache(t, 16, false)
	wc.fill(fileID, 1)
	readPage(t, rc, wc, fileID, 0)
	readPage(t, rc, wc, fileID, 0)
	require.Equal(t, -1, rc.HitRate())
}

func TestReadCache_LoadBeyondEndOfFile(t *testing.T) {
	rc, wc, fileID := newTestReadCache(t, 16, false)
	wc.fill(fileID, 1)

	entry, err := rc.LoadForRead(fileID, 5, wc, false)
	require.NoError(t, err)
	require.Nil(t, entry)
	require.Equal(t, 0, rc.Size())
}

func TestReadCache_LoadErrorIsWrapped(t *testing.T) {
	rc, wc, fileID := newTestReadCache(t, 16, false)
	wc.fill(fileID, 1)
	wc.loadErr = common.ErrStorageIO

	_, err := rc.LoadForRead(fileID, 0, wc, false)
	require.ErrorIs(t, err, common.ErrStorageIO)
	var pageErr *common.PageIOError
	require.True(t, errors.As(err, &pageErr))
	require.Equal(t, int64(0), pageErr.PageIndex)
	require.Equal(t, 0, rc.Size())
}

func TestReadCache_MissChecksWriteCacheOverflow(t *testing.T) {
	rc, wc, fileID := newTestReadCache(t, 16, false)
	wc.fill(fileID, 4)
	for i := uint32(0); i < 4; i++ {
		readPage(t, rc, wc, fileID, i)
	}
	require.Equal(t, 4, wc.overflows)

	// Hits leave the write cache alone.
	readPage(t, rc, wc, fileID, 0)
	require.Equal(t, 4, wc.overflows)
}

func TestReadCache_InterruptedOverflowCheckFailsLoad(t *testing.T) {
	rc, wc, fileID := newTestReadCache(t, 16, false)
	wc.fill(fileID, 2)
	wc.overflowErr = fmt.Errorf("%w: flush stopped", common.ErrInterrupted)

	entry, err := rc.LoadForWrite(fileID, 1, wc, false, pagemanager.InvalidLSN)
	require.Nil(t, entry)
	require.ErrorIs(t, err, common.ErrInterrupted)
	var pageErr *common.PageIOError
	require.True(t, errors.As(err, &pageErr))
	require.Equal(t, fileID, pageErr.FileID)
	require.Equal(t, int64(1), pageErr.PageIndex)
	require.Empty(t, wc.dirty)

	// The admitted page was unpinned, so it can be evicted again.
	wc.overflowErr = nil
	require.NoError(t, rc.Clear())
	require.Equal(t, 0, rc.Size())
	require.NoError(t, rc.Validate())
}

func TestReadCache_AllocationFailureReportsStoreError(t *testing.T) {
	rc, wc, fileID := newTestReadCache(t, 16, false)
	wc.dirtyErr = errors.New("dirty pages table is full")
	wc.storeErr = common.ErrStorageIO

	entry, err := rc.AllocateNewPage(fileID, wc, pagemanager.InvalidLSN)
	require.Nil(t, entry)
	require.ErrorContains(t, err, "dirty pages table is full")
	require.ErrorIs(t, err, common.ErrStorageIO)

	wc.storeErr = nil
	require.NoError(t, rc.Clear())
	require.NoError(t, rc.Validate())
}

func TestReadCache_ForeignFileIDIsRejected(t *testing.T) {
	rc, wc, _ := newTestReadCache(t, 16, false)
	_, err := rc.LoadForRead(pagemanager.ComposeFileID(wc.ID()+1, 1), 0, wc, false)
	require.Error(t, err)
}

func TestReadCache_SilentLoadDoesNotAdmit(t *testing.T) {
	rc, wc, fileID := newTestReadCache(t, 16, false)
	wc.fill(fileID, 2)

	entry, err := rc.SilentLoadForRead(fileID, 1, wc, false)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.False(t, entry.InsideCache())
	require.Equal(t, byte(1), entry.Data()[0])
	pointer := entry.CachePointer()
	rc.ReleaseFromRead(entry)

	require.Equal(t, int32(0), pointer.ReferrersCount())
	require.Nil(t, entry.CachePointer())
	require.Equal(t, 0, rc.Size())

	// A resident page is served from memory.
	readPage(t, rc, wc, fileID, 0)
	entry, err = rc.SilentLoadForRead(fileID, 0, wc, false)
	require.NoError(t, err)
	require.True(t, entry.InsideCache())
	rc.ReleaseFromRead(entry)
	require.Equal(t, 2, wc.loadCount())
}

func TestReadCache_StoreHappensBeforeUnlock(t *testing.T) {
	rc, wc, fileID := newTestReadCache(t, 16, false)

	stored := 0
	wc.onStore = func(pointer *pagemanager.CachePointer) {
		// The exclusive lock must still be held while the write cache takes
		// the page.
		require.False(t, pointer.TryAcquireSharedLock())
		stored++
	}

	entry, err := rc.AllocateNewPage(fileID, wc, pagemanager.LSN{Segment: 1, Position: 10})
	require.NoError(t, err)
	require.True(t, entry.IsNewlyAllocatedPage())
	entry.Data()[0] = 42
	require.NoError(t, rc.ReleaseFromWrite(entry, wc, false))
	require.Equal(t, 1, stored)
	require.False(t, entry.IsNewlyAllocatedPage())
	require.Equal(t, byte(42), readPage(t, rc, wc, fileID, 0))

	// Unchanged pages are not stored again.
	entry, err = rc.LoadForWrite(fileID, 0, wc, false, pagemanager.LSN{Segment: 1, Position: 20})
	require.NoError(t, err)
	require.NoError(t, rc.ReleaseFromWrite(entry, wc, false))
	require.Equal(t, 1, stored)

	entry, err = rc.LoadForWrite(fileID, 0, wc, false, pagemanager.LSN{Segment: 1, Position: 30})
	require.NoError(t, err)
	entry.Data()[0] = 43
	require.NoError(t, rc.ReleaseFromWrite(entry, wc, true))
	require.Equal(t, 2, stored)

	wc.mu.Lock()
	require.Equal(t, byte(43), wc.pages[fileID][0][0])
	require.Equal(t, pagemanager.LSN{Segment: 1, Position: 10}, wc.dirty[pagemanager.PageKey{FileID: fileID, PageIndex: 0}])
	wc.mu.Unlock()
	require.NoError(t, rc.Validate())
}

func TestReadCache_ClearRequiresReleasedPages(t *testing.T) {
	rc, wc, fileID := newTestReadCache(t, 16, false)
	wc.fill(fileID, 4)
	for i := uint32(0); i < 4; i++ {
		readPage(t, rc, wc, fileID, i)
	}

	held, err := rc.LoadForRead(fileID, 3, wc, false)
	require.NoError(t, err)
	require.ErrorIs(t, rc.Clear(), common.ErrPageInUse)

	rc.ReleaseFromRead(held)
	require.NoError(t, rc.Clear())
	require.Equal(t, 0, rc.Size())
	require.NoError(t, rc.Validate())
}

func TestReadCache_TruncateFileDropsPages(t *testing.T) {
	rc, wc, fileID := newTestReadCache(t, 16, false)
	other, err := rc.AddFile("other.pcl", wc)
	require.NoError(t, err)
	wc.fill(fileID, 3)
	wc.fill(other, 2)
	for i := uint32(0); i < 3; i++ {
		readPage(t, rc, wc, fileID, i)
	}
	readPage(t, rc, wc, other, 1)
	wc.overflows = 0

	require.NoError(t, rc.TruncateFile(fileID, wc))
	require.Equal(t, 1, rc.Size())
	require.Equal(t, 3, wc.overflows)

	filled, err := wc.FilledUpTo(fileID)
	require.NoError(t, err)
	require.Zero(t, filled)
	require.NoError(t, rc.Validate())
}

func TestReadCache_DeleteFileWithPinnedPageFails(t *testing.T) {
	rc, wc, fileID := newTestReadCache(t, 16, false)
	wc.fill(fileID, 2)
	held, err := rc.LoadForRead(fileID, 0, wc, false)
	require.NoError(t, err)

	require.ErrorIs(t, rc.DeleteFile(fileID, wc), common.ErrPageInUse)
	require.Contains(t, wc.Files(), "test.pcl")

	rc.ReleaseFromRead(held)
	require.NoError(t, rc.DeleteFile(fileID, wc))
	require.NotContains(t, wc.Files(), "test.pcl")
	require.Equal(t, 0, rc.Size())
}

func TestReadCache_CloseStorageClearsEveryFile(t *testing.T) {
	rc, wc, fileID := newTestReadCache(t, 16, false)
	other, err := rc.AddFileWithID("other.pcl", 7, wc)
	require.NoError(t, err)
	require.Equal(t, pagemanager.ComposeFileID(wc.ID(), 7), other)
	wc.fill(fileID, 2)
	wc.fill(other, 2)
	readPage(t, rc, wc, fileID, 1)
	readPage(t, rc, wc, other, 0)

	require.NoError(t, rc.CloseStorage(wc))
	require.Equal(t, 0, rc.Size())
}

func TestReadCache_ChangeMaximumAmountOfMemory(t *testing.T) {
	rc, wc, fileID := newTestReadCache(t, 10, false)
	wc.fill(fileID, 5)

	var held []*CacheEntry
	for i := uint32(0); i < 5; i++ {
		entry, err := rc.LoadForRead(fileID, i, wc, false)
		require.NoError(t, err)
		held = append(held, entry)
	}

	require.ErrorIs(t, rc.ChangeMaximumAmountOfMemory(3*testPageSize), ErrCacheTooSmall)
	require.Equal(t, 10, rc.MaxSize())
	require.ErrorIs(t, rc.ChangeMaximumAmountOfMemory(testPageSize-1), ErrInvalidCacheConfig)
	require.ErrorIs(t, rc.ChangeMaximumAmountOfMemory((maxCachePages+1)*testPageSize), ErrInvalidCacheConfig)
	require.Equal(t, 10, rc.MaxSize())

	for _, entry := range held {
		rc.ReleaseFromRead(entry)
	}
	require.NoError(t, rc.ChangeMaximumAmountOfMemory(3*testPageSize))
	require.Equal(t, 3, rc.MaxSize())
	require.Equal(t, 3, rc.Size())
	require.NoError(t, rc.Validate())

	require.NoError(t, rc.ChangeMaximumAmountOfMemory(20*testPageSize))
	require.Equal(t, 3, rc.Size())
}

func TestReadCache_StaysWithinBounds(t *testing.T) {
	rc, wc, fileID := newTestReadCache(t, 8, false)
	wc.fill(fileID, 100)
	for i := uint32(0); i < 100; i++ {
		require.Equal(t, byte(i), readPage(t, rc, wc, fileID, i))
	}
	require.NoError(t, rc.Validate())
	require.Equal(t, 8, rc.Size())
}

func TestReadCache_ScanResistance(t *testing.T) {
	rc, wc, fileID := newTestReadCache(t, 64, true)
	const hotPages = 10
	const scanPages = 1000
	wc.fill(fileID, hotPages+scanPages)

	for round := 0; round < 20; round++ {
		for i := uint32(0); i < hotPages; i++ {
			readPage(t, rc, wc, fileID, i)
		}
	}
	for i := uint32(0); i < scanPages; i++ {
		readPage(t, rc, wc, fileID, hotPages+i)
		if i%10 == 9 {
			for h := uint32(0); h < hotPages; h++ {
				readPage(t, rc, wc, fileID, h)
			}
		}
	}

	require.NoError(t, rc.Validate())
	for h := uint32(0); h < hotPages; h++ {
		require.NotNil(t, rc.data.get(pagemanager.PageKey{FileID: fileID, PageIndex: h}), "hot page %d was evicted", h)
	}
	require.LessOrEqual(t, rc.Size(), 64)
}

func TestReadCache_ConcurrentLoads(t *testing.T) {
	rc, wc, fileID := newTestReadCache(t, 32, true)
	wc.fill(fileID, 128)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 2000; i++ {
				pageIndex := uint32((i*7 + w*13) % 128)
				entry, err := rc.LoadForRead(fileID, pageIndex, wc, false)
				if err != nil {
					return err
				}
				entry.AcquireSharedLock()
				got := entry.Data()[0]
				entry.ReleaseSharedLock()
				rc.ReleaseFromRead(entry)
				if got != byte(pageIndex) {
					return fmt.Errorf("page %d holds %d", pageIndex, got)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, rc.Validate())
	require.LessOrEqual(t, rc.Size(), 32)
}
