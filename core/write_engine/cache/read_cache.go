package cache

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"github.com/sushant-115/gojostore/core/write_engine/cache/readbuffer"
	"github.com/sushant-115/gojostore/core/write_engine/cache/writequeue"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	commonutils "github.com/sushant-115/gojostore/internal/common_utils"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// A drain is forced once the cache holds this many percent of its maximum.
const forcedDrainThresholdPercent = 107

// Entries live in an arena addressed by int32 slots.
const maxCachePages = math.MaxInt32

var writeBufferMaxBatch = 128 * commonutils.NumCPU()

// Config holds the read cache settings.
type Config struct {
	// MaxMemory is the byte budget for resident pages.
	MaxMemory int64 `yaml:"max_memory"`
	// TrackHitRate enables request and hit counters.
	TrackHitRate bool `yaml:"track_hit_rate"`
}

// ReadCache keeps hot pages in memory. Lookups go through a concurrent map;
// policy bookkeeping is deferred into a read buffer and a write queue and
// replayed against the W-TinyLFU policy by whichever goroutine wins the
// eviction lock.
type ReadCache struct {
	logger     *zap.Logger
	metrics    *internaltelemetry.ReadCacheMetrics
	bufferPool *pagemanager.BufferPool
	pageSize   int

	data         *pageMap
	cacheSize    atomic.Int32
	maxCacheSize atomic.Int32

	evictionLock sync.Mutex
	policy       *WTinyLFUPolicy
	readBuffer   *readbuffer.BoundedBuffer[CacheEntry]
	writeBuffer  *writequeue.MPSCQueue[CacheEntry]
	drainStatus  atomicDrainStatus

	trackHitRate bool
	requests     atomic.Int64
	hits         atomic.Int64
}

// NewReadCache creates a cache whose page size is the buffer pool page size.
func NewReadCache(cfg Config, bufferPool *pagemanager.BufferPool, logger *zap.Logger, metrics *internaltelemetry.ReadCacheMetrics) (*ReadCache, error) {
	if bufferPool == nil {
		return nil, fmt.Errorf("%w: buffer pool is required", ErrInvalidCacheConfig)
	}
	pageSize := bufferPool.PageSize()
	maxSize := cfg.MaxMemory / int64(pageSize)
	if err := checkCachePages(cfg.MaxMemory, maxSize, pageSize); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &ReadCache{
		logger:       logger.Named("read_cache"),
		metrics:      metrics,
		bufferPool:   bufferPool,
		pageSize:     pageSize,
		data:         newPageMap(),
		readBuffer:   readbuffer.New[CacheEntry](),
		writeBuffer:  writequeue.New[CacheEntry](),
		trackHitRate: cfg.TrackHitRate,
	}
	c.policy = NewWTinyLFUPolicy(c.data, NewFrequencySketch(), &c.cacheSize)
	c.policy.setMetrics(metrics)
	c.policy.SetMaxSize(int(maxSize))
	c.maxCacheSize.Store(int32(maxSize))

	c.logger.Info("Read cache initialized",
		zap.Int64("maxPages", maxSize),
		zap.Int("pageSize", pageSize),
		zap.Bool("trackHitRate", cfg.TrackHitRate))
	return c, nil
}

func (c *ReadCache) PageSize() int { return c.pageSize }

// --- Loading ---

// LoadForRead returns a pinned entry for the page, or nil if the page does not
// exist in the write cache.
func (c *ReadCache) LoadForRead(fileID uint64, pageIndex uint32, wc WriteCache, verifyChecksums bool) (*CacheEntry, error) {
	return c.doLoad(fileID, pageIndex, wc, verifyChecksums)
}

// LoadForWrite is LoadForRead plus the page exclusive lock and registration of
// the page in the dirty pages table.
func (c *ReadCache) LoadForWrite(fileID uint64, pageIndex uint32, wc WriteCache, verifyChecksums bool, startLSN pagemanager.LSN) (*CacheEntry, error) {
	entry, err := c.doLoad(fileID, pageIndex, wc, verifyChecksums)
	if err != nil || entry == nil {
		return entry, err
	}
	entry.AcquireExclusiveLock()
	if err := wc.UpdateDirtyPagesTable(entry.CachePointer(), startLSN); err != nil {
		entry.ReleaseExclusiveLock()
		c.ReleaseFromRead(entry)
		return nil, common.NewPageIOError("update dirty pages table", entry.FileID(), int64(pageIndex), err)
	}
	return entry, nil
}

// SilentLoadForRead returns the resident entry if there is one; otherwise it
// loads the page without admitting it to the cache.
func (c *ReadCache) SilentLoadForRead(fileID uint64, pageIndex uint32, wc WriteCache, verifyChecksums bool) (*CacheEntry, error) {
	fileID, err := pagemanager.CheckFileIDCompatibility(wc.ID(), fileID)
	if err != nil {
		return nil, err
	}
	key := pagemanager.PageKey{FileID: fileID, PageIndex: pageIndex}
	for {
		c.checkWriteBuffer()

		if entry := c.data.get(key); entry != nil {
			if entry.AcquireEntry() {
				c.afterRead(entry)
				c.recordRequest(true)
				return entry, nil
			}
			continue
		}

		pointer, err := wc.Load(fileID, pageIndex, verifyChecksums)
		if err != nil {
			return nil, common.NewPageIOError("load", fileID, int64(pageIndex), err)
		}
		if pointer == nil {
			return nil, nil
		}
		entry := newCacheEntry(fileID, pageIndex, pointer, false)
		entry.AcquireEntry()
		c.recordRequest(false)
		return entry, nil
	}
}

func (c *ReadCache) doLoad(fileID uint64, pageIndex uint32, wc WriteCache, verifyChecksums bool) (*CacheEntry, error) {
	fileID, err := pagemanager.CheckFileIDCompatibility(wc.ID(), fileID)
	if err != nil {
		return nil, err
	}
	key := pagemanager.PageKey{FileID: fileID, PageIndex: pageIndex}

	for {
		c.checkWriteBuffer()

		if entry := c.data.get(key); entry != nil {
			if entry.AcquireEntry() {
				c.afterRead(entry)
				c.recordRequest(true)
				return entry, nil
			}
			// Frozen by an eviction that has not removed it yet.
			continue
		}

		loaded := false
		entry, err := c.data.compute(key, func(existing *CacheEntry) (*CacheEntry, error) {
			if existing != nil {
				return existing, nil
			}
			pointer, err := wc.Load(fileID, pageIndex, verifyChecksums)
			if err != nil || pointer == nil {
				return nil, err
			}
			c.cacheSize.Add(1)
			loaded = true
			return newCacheEntry(fileID, pageIndex, pointer, true), nil
		})
		if err != nil {
			return nil, common.NewPageIOError("load", fileID, int64(pageIndex), err)
		}
		if entry == nil {
			return nil, nil
		}

		if entry.AcquireEntry() {
			if loaded {
				c.recordRequest(false)
				c.afterAdd(entry)
				if err := wc.CheckCacheOverflow(); err != nil {
					c.ReleaseFromRead(entry)
					return nil, common.NewPageIOError("check cache overflow", fileID, int64(pageIndex), err)
				}
			} else {
				c.recordRequest(true)
				c.afterRead(entry)
			}
			return entry, nil
		}
	}
}

// --- Releasing ---

// ReleaseFromRead unpins an entry returned by one of the load methods.
func (c *ReadCache) ReleaseFromRead(entry *CacheEntry) {
	if !entry.InsideCache() {
		if pointer := entry.CachePointer(); pointer != nil {
			pointer.DecrementReadersReferrer()
		}
		entry.clearCachePointer()
		return
	}
	entry.ReleaseEntry()
}

// ReleaseFromWrite hands a modified or newly allocated page to the write cache
// and only then releases the page exclusive lock.
func (c *ReadCache) ReleaseFromWrite(entry *CacheEntry, wc WriteCache, changed bool) error {
	pointer := entry.CachePointer()

	var storeErr error
	if entry.IsNewlyAllocatedPage() || changed {
		if entry.IsNewlyAllocatedPage() {
			entry.ClearAllocationFlag()
		}
		_, storeErr = c.data.compute(entry.Key(), func(existing *CacheEntry) (*CacheEntry, error) {
			if err := wc.Store(entry.FileID(), entry.PageIndex(), pointer); err != nil {
				return existing, err
			}
			return existing, nil
		})
	}

	// The page must be registered with the write cache before anyone else can
	// take the lock, otherwise a flush could miss these changes.
	pointer.ReleaseExclusiveLock()
	entry.ReleaseEntry()

	if storeErr != nil {
		return common.NewPageIOError("store", entry.FileID(), int64(entry.PageIndex()), storeErr)
	}
	return nil
}

// --- Allocation ---

// AllocateNewPage appends a page to the file and returns it pinned and
// exclusively locked.
func (c *ReadCache) AllocateNewPage(fileID uint64, wc WriteCache, startLSN pagemanager.LSN) (*CacheEntry, error) {
	fileID, err := pagemanager.CheckFileIDCompatibility(wc.ID(), fileID)
	if err != nil {
		return nil, err
	}
	pageIndex, err := wc.AllocateNewPage(fileID)
	if err != nil {
		return nil, common.NewPageIOError("allocate", fileID, -1, err)
	}

	entry, err := c.addNewPagePointerToTheCache(fileID, pageIndex)
	if err != nil {
		return nil, err
	}
	entry.AcquireExclusiveLock()
	entry.MarkAllocated()
	if err := wc.UpdateDirtyPagesTable(entry.CachePointer(), startLSN); err != nil {
		// The page is still marked allocated, so the release stores it and
		// the write cache keeps a consistent file length.
		err = common.NewPageIOError("update dirty pages table", fileID, int64(pageIndex), err)
		return nil, multierr.Append(err, c.ReleaseFromWrite(entry, wc, true))
	}
	c.logger.Debug("Allocated new page", zap.Uint64("fileID", fileID), zap.Uint32("pageIndex", pageIndex))
	return entry, nil
}

func (c *ReadCache) addNewPagePointerToTheCache(fileID uint64, pageIndex uint32) (*CacheEntry, error) {
	buffer := c.bufferPool.AcquireDirect(true, pagemanager.IntentionAddNewPage)
	pointer := pagemanager.NewCachePointer(buffer, c.bufferPool, fileID, pageIndex)
	pointer.IncrementReadersReferrer()

	entry := newCacheEntry(fileID, pageIndex, pointer, true)
	entry.AcquireEntry()

	if existing := c.data.putIfAbsent(entry.Key(), entry); existing != nil {
		entry.ReleaseEntry()
		pointer.DecrementReadersReferrer()
		return nil, fmt.Errorf("%w: page %s was allocated by a concurrent call", common.ErrConcurrentModification, entry.Key())
	}
	c.cacheSize.Add(1)
	c.afterAdd(entry)
	return entry, nil
}

// --- Buffer draining ---

func (c *ReadCache) afterRead(entry *CacheEntry) {
	overflow := c.readBuffer.Offer(entry) == readbuffer.Full
	if c.drainStatus.Load().shouldBeDrained(overflow) {
		c.tryToDrainBuffers()
	}
}

func (c *ReadCache) afterAdd(entry *CacheEntry) {
	c.writeBuffer.Offer(entry)
	c.drainStatus.Store(drainRequired)

	if int64(c.cacheSize.Load())*100 > int64(c.maxCacheSize.Load())*forcedDrainThresholdPercent {
		c.forceDrainBuffers()
	} else {
		c.tryToDrainBuffers()
	}
}

func (c *ReadCache) checkWriteBuffer() {
	if !c.writeBuffer.IsEmpty() {
		c.drainStatus.Store(drainRequired)
		c.tryToDrainBuffers()
	}
}

// tryToDrainBuffers drains only if the eviction lock is free.
func (c *ReadCache) tryToDrainBuffers() {
	if c.drainStatus.Load() == drainInProgress {
		return
	}
	if !c.evictionLock.TryLock() {
		return
	}
	defer c.evictionLock.Unlock()

	c.drainStatus.Store(drainInProgress)
	c.drainBuffers()
	c.drainStatus.CompareAndSwap(drainInProgress, drainIdle)
	c.metrics.RecordDrain(false)
}

// forceDrainBuffers waits for the eviction lock and empties both buffers.
func (c *ReadCache) forceDrainBuffers() {
	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()

	c.drainStatus.Store(drainInProgress)
	c.emptyBuffers()
	c.drainStatus.CompareAndSwap(drainInProgress, drainIdle)
	c.metrics.RecordDrain(true)
}

func (c *ReadCache) drainBuffers() {
	c.drainWriteBuffer()
	c.drainReadBuffers()
}

func (c *ReadCache) drainWriteBuffer() {
	for i := 0; i < writeBufferMaxBatch; i++ {
		entry := c.writeBuffer.Poll()
		if entry == nil {
			return
		}
		c.policy.OnAdd(entry)
	}
}

func (c *ReadCache) drainReadBuffers() {
	c.readBuffer.DrainTo(c.policy.OnAccess)
}

// emptyBuffers must be called with the eviction lock held.
func (c *ReadCache) emptyBuffers() {
	for entry := c.writeBuffer.Poll(); entry != nil; entry = c.writeBuffer.Poll() {
		c.policy.OnAdd(entry)
	}
	c.drainReadBuffers()
}

// --- Sizing ---

// ChangeMaximumAmountOfMemory resizes the cache. Shrinking below the number of
// pinned pages is rejected.
func (c *ReadCache) ChangeMaximumAmountOfMemory(maxMemory int64) error {
	newSize := maxMemory / int64(c.pageSize)
	if err := checkCachePages(maxMemory, newSize, c.pageSize); err != nil {
		return err
	}

	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()

	c.emptyBuffers()
	if pinned := c.policy.pinnedEntries(); int64(pinned) > newSize {
		c.logger.Warn("Rejected read cache resize",
			zap.Int64("requestedPages", newSize), zap.Int("pinnedPages", pinned))
		return fmt.Errorf("%w: requested %d pages, %d pages are in use", ErrCacheTooSmall, newSize, pinned)
	}

	oldSize := c.maxCacheSize.Swap(int32(newSize))
	c.policy.SetMaxSize(int(newSize))
	if int64(oldSize) > newSize {
		c.policy.Shrink()
	}
	c.logger.Info("Read cache resized", zap.Int32("oldPages", oldSize), zap.Int64("newPages", newSize))
	return nil
}

func checkCachePages(maxMemory, pages int64, pageSize int) error {
	if pages < 1 {
		return fmt.Errorf("%w: max memory %d is below one page of %d bytes", ErrInvalidCacheConfig, maxMemory, pageSize)
	}
	if pages > maxCachePages {
		return fmt.Errorf("%w: max memory %d holds %d pages of %d bytes, limit is %d", ErrInvalidCacheConfig, maxMemory, pages, pageSize, maxCachePages)
	}
	return nil
}

// MaxSize returns the maximum number of resident pages.
func (c *ReadCache) MaxSize() int { return int(c.maxCacheSize.Load()) }

// Size returns the number of resident pages.
func (c *ReadCache) Size() int { return int(c.cacheSize.Load()) }

// UsedMemory returns the bytes held by resident pages.
func (c *ReadCache) UsedMemory() int64 { return int64(c.cacheSize.Load()) * int64(c.pageSize) }

// HitRate returns the percentage of requests served from memory, or -1 when hit
// tracking is disabled or nothing was requested yet.
func (c *ReadCache) HitRate() int {
	if !c.trackHitRate {
		return -1
	}
	requests := c.requests.Load()
	if requests == 0 {
		return -1
	}
	return int(c.hits.Load() * 100 / requests)
}

func (c *ReadCache) recordRequest(hit bool) {
	c.metrics.RecordRequest(hit)
	if !c.trackHitRate {
		return
	}
	c.requests.Add(1)
	if hit {
		c.hits.Add(1)
	}
}

// --- Files ---

func (c *ReadCache) AddFile(name string, wc WriteCache) (uint64, error) {
	return wc.AddFile(name)
}

func (c *ReadCache) AddFileWithID(name string, fileID uint64, wc WriteCache) (uint64, error) {
	fileID, err := pagemanager.CheckFileIDCompatibility(wc.ID(), fileID)
	if err != nil {
		return 0, err
	}
	return wc.AddFileWithID(name, fileID)
}

// Clear drops every resident page. All of them must be released.
func (c *ReadCache) Clear() error {
	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()

	c.emptyBuffers()
	for _, entry := range c.data.values() {
		if err := c.removeEntry(entry); err != nil {
			return err
		}
	}
	return nil
}

func (c *ReadCache) TruncateFile(fileID uint64, wc WriteCache) error {
	fileID, filledUpTo, err := c.fileBounds(fileID, wc)
	if err != nil {
		return err
	}
	if err := c.clearFile(fileID, filledUpTo, wc); err != nil {
		return err
	}
	if err := wc.TruncateFile(fileID); err != nil {
		return common.NewPageIOError("truncate", fileID, -1, err)
	}
	return nil
}

func (c *ReadCache) CloseFile(fileID uint64, flush bool, wc WriteCache) error {
	fileID, filledUpTo, err := c.fileBounds(fileID, wc)
	if err != nil {
		return err
	}
	if err := c.clearFile(fileID, filledUpTo, wc); err != nil {
		return err
	}
	if err := wc.CloseFile(fileID, flush); err != nil {
		return common.NewPageIOError("close", fileID, -1, err)
	}
	return nil
}

func (c *ReadCache) DeleteFile(fileID uint64, wc WriteCache) error {
	fileID, filledUpTo, err := c.fileBounds(fileID, wc)
	if err != nil {
		return err
	}
	if err := c.clearFile(fileID, filledUpTo, wc); err != nil {
		return err
	}
	if err := wc.DeleteFile(fileID); err != nil {
		return common.NewPageIOError("delete", fileID, -1, err)
	}
	return nil
}

// CloseStorage drops the pages of every file of wc and closes it.
func (c *ReadCache) CloseStorage(wc WriteCache) error {
	if err := c.clearStorage(wc); err != nil {
		return err
	}
	return wc.Close()
}

// DeleteStorage drops the pages of every file of wc and deletes it.
func (c *ReadCache) DeleteStorage(wc WriteCache) error {
	if err := c.clearStorage(wc); err != nil {
		return err
	}
	return wc.Delete()
}

func (c *ReadCache) clearStorage(wc WriteCache) error {
	for _, fileID := range wc.Files() {
		fileID, filledUpTo, err := c.fileBounds(fileID, wc)
		if err != nil {
			return err
		}
		if err := c.clearFile(fileID, filledUpTo, wc); err != nil {
			return err
		}
	}
	return nil
}

func (c *ReadCache) fileBounds(fileID uint64, wc WriteCache) (uint64, int64, error) {
	fileID, err := pagemanager.CheckFileIDCompatibility(wc.ID(), fileID)
	if err != nil {
		return 0, 0, err
	}
	filledUpTo, err := wc.FilledUpTo(fileID)
	if err != nil {
		return 0, 0, common.NewPageIOError("filled up to", fileID, -1, err)
	}
	return fileID, filledUpTo, nil
}

func (c *ReadCache) clearFile(fileID uint64, filledUpTo int64, wc WriteCache) error {
	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()

	c.emptyBuffers()
	for pageIndex := int64(0); pageIndex < filledUpTo; pageIndex++ {
		entry := c.data.get(pagemanager.PageKey{FileID: fileID, PageIndex: uint32(pageIndex)})
		if entry == nil {
			continue
		}
		if err := c.removeEntry(entry); err != nil {
			return err
		}
		if err := wc.CheckCacheOverflow(); err != nil {
			return fmt.Errorf("check cache overflow while clearing file %d: %w", fileID, err)
		}
	}
	return nil
}

// removeEntry must be called with the eviction lock held.
func (c *ReadCache) removeEntry(entry *CacheEntry) error {
	if !entry.Freeze() {
		return fmt.Errorf("%w: page %s has %d usages", common.ErrPageInUse, entry.Key(), entry.Usages())
	}
	if c.data.removeIfSame(entry.Key(), entry) {
		c.cacheSize.Add(-1)
	}
	c.policy.OnRemove(entry)
	return nil
}

// Validate drains pending events and checks the policy invariants.
func (c *ReadCache) Validate() error {
	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()
	c.emptyBuffers()
	return c.policy.Validate()
}
