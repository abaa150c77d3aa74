package flushmanager

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// frameHeaderSize is the on-disk header of every page: checksum, LSN segment
// and LSN position.
const frameHeaderSize = 8 + 8 + 8

const (
	DefaultFlushInterval = time.Second
	DefaultMaxDirtyPages = 4096
)

// ChecksumMode controls page checksums.
type ChecksumMode string

const (
	// ChecksumOff neither stores nor verifies checksums.
	ChecksumOff ChecksumMode = "off"
	// ChecksumStore stores checksums but never verifies them on load.
	ChecksumStore ChecksumMode = "store"
	// ChecksumVerify stores checksums and verifies them when asked to.
	ChecksumVerify ChecksumMode = "verify"
)

// DurableLog is the part of the write-ahead log the write cache needs to honour
// the log-before-data rule.
type DurableLog interface {
	FlushedLSN() pagemanager.LSN
	Flush() error
}

// Config holds the write cache settings.
type Config struct {
	Dir           string        `yaml:"dir"`
	StorageID     uint32        `yaml:"storage_id"`
	ChecksumMode  ChecksumMode  `yaml:"checksum_mode"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxDirtyPages int           `yaml:"max_dirty_pages"`
}

type pageFile struct {
	name       string
	id         uint32
	path       string
	mu         sync.Mutex
	handle     *os.File
	filledUpTo atomic.Int64
}

// DiskWriteCache keeps modified pages in memory and writes them back to one
// file per data file in the background. Pages are shared with the read cache
// through their CachePointer; the write cache holds a writers referrer on each
// page it keeps.
type DiskWriteCache struct {
	logger    *zap.Logger
	cfg       Config
	pool      *pagemanager.BufferPool
	pageSize  int
	frameSize int64
	wal       DurableLog

	mu       sync.RWMutex
	registry *fileRegistry
	files    map[uint32]*pageFile
	names    map[string]uint32

	dirtyMu         sync.Mutex
	writeCachePages map[pagemanager.PageKey]*pagemanager.CachePointer
	dirtyPages      map[pagemanager.PageKey]pagemanager.LSN

	flushMu  sync.Mutex
	closed   atomic.Bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewDiskWriteCache opens or creates the write cache in cfg.Dir. wal may be nil,
// in which case pages are written without waiting for the log.
func NewDiskWriteCache(cfg Config, pool *pagemanager.BufferPool, wal DurableLog, logger *zap.Logger) (*DiskWriteCache, error) {
	if pool == nil || pool.PageSize() <= 0 {
		return nil, ErrInvalidPageSize
	}
	if cfg.ChecksumMode == "" {
		cfg.ChecksumMode = ChecksumVerify
	}
	if cfg.MaxDirtyPages <= 0 {
		cfg.MaxDirtyPages = DefaultMaxDirtyPages
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create write cache directory %s: %w", cfg.Dir, err)
	}
	registry, err := loadRegistry(cfg.Dir, cfg.StorageID)
	if err != nil {
		return nil, err
	}

	w := &DiskWriteCache{
		logger:          logger.Named("write_cache"),
		cfg:             cfg,
		pool:            pool,
		pageSize:        pool.PageSize(),
		frameSize:       int64(frameHeaderSize + pool.PageSize()),
		wal:             wal,
		registry:        registry,
		files:           make(map[uint32]*pageFile),
		names:           make(map[string]uint32),
		writeCachePages: make(map[pagemanager.PageKey]*pagemanager.CachePointer),
		dirtyPages:      make(map[pagemanager.PageKey]pagemanager.LSN),
		stopChan:        make(chan struct{}),
	}
	for _, entry := range registry.Files {
		pf := &pageFile{name: entry.Name, id: entry.ID, path: filepath.Join(cfg.Dir, entry.Name)}
		info, err := os.Stat(pf.path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to stat data file %s: %w", pf.path, err)
		default:
			pf.filledUpTo.Store(info.Size() / w.frameSize)
		}
		w.files[entry.ID] = pf
		w.names[entry.Name] = entry.ID
	}

	if cfg.FlushInterval > 0 {
		w.wg.Add(1)
		go w.flusher()
	}
	w.logger.Info("Write cache opened",
		zap.String("dir", cfg.Dir),
		zap.Uint32("storageID", cfg.StorageID),
		zap.Int("files", len(w.files)),
		zap.String("checksumMode", string(cfg.ChecksumMode)))
	return w, nil
}

func (w *DiskWriteCache) ID() uint32    { return w.cfg.StorageID }
func (w *DiskWriteCache) PageSize() int { return w.pageSize }
func (w *DiskWriteCache) Dir() string   { return w.cfg.Dir }

// RegistryPath is the file that persists the name to id mapping.
func (w *DiskWriteCache) RegistryPath() string { return filepath.Join(w.cfg.Dir, registryFileName) }

// FilePath returns the on-disk path of a data file.
func (w *DiskWriteCache) FilePath(fileID uint64) (string, error) {
	pf, err := w.lookup(fileID)
	if err != nil {
		return "", err
	}
	return pf.path, nil
}

// --- Files ---

func (w *DiskWriteCache) lookup(fileID uint64) (*pageFile, error) {
	if pagemanager.ExtractStorageID(fileID) != w.cfg.StorageID {
		return nil, fmt.Errorf("%w: file id %d belongs to storage %d", ErrFileNotFound, fileID, pagemanager.ExtractStorageID(fileID))
	}
	w.mu.RLock()
	pf, ok := w.files[pagemanager.InternalFileID(fileID)]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrFileNotFound, fileID)
	}
	return pf, nil
}

// file returns an open handle, reopening files closed by CloseFile.
func (pf *pageFile) file() (*os.File, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.handle == nil {
		f, err := os.OpenFile(pf.path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open data file %s: %w", pf.path, err)
		}
		pf.handle = f
	}
	return pf.handle, nil
}

func (pf *pageFile) close() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.handle == nil {
		return nil
	}
	err := pf.handle.Close()
	pf.handle = nil
	return err
}

func validateFileName(name string) error {
	if name == "" || name == registryFileName || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	return nil
}

// AddFile registers and creates a new data file.
func (w *DiskWriteCache) AddFile(name string) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.registry.NextFileID
	for w.files[id] != nil {
		id++
	}
	return w.addFileLocked(name, id)
}

// AddFileWithID registers a data file under a given id.
func (w *DiskWriteCache) AddFileWithID(name string, fileID uint64) (uint64, error) {
	fileID, err := pagemanager.CheckFileIDCompatibility(w.cfg.StorageID, fileID)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addFileLocked(name, pagemanager.InternalFileID(fileID))
}

func (w *DiskWriteCache) addFileLocked(name string, id uint32) (uint64, error) {
	if w.closed.Load() {
		return 0, ErrWriteCacheClosed
	}
	if err := validateFileName(name); err != nil {
		return 0, err
	}
	if _, ok := w.names[name]; ok {
		return 0, fmt.Errorf("%w: %s", ErrFileExists, name)
	}
	if _, ok := w.files[id]; ok {
		return 0, fmt.Errorf("%w: id %d", ErrFileExists, id)
	}

	pf := &pageFile{name: name, id: id, path: filepath.Join(w.cfg.Dir, name)}
	if _, err := pf.file(); err != nil {
		return 0, err
	}
	w.files[id] = pf
	w.names[name] = id
	w.registry.Files = append(w.registry.Files, registryEntry{Name: name, ID: id})
	if id >= w.registry.NextFileID {
		w.registry.NextFileID = id + 1
	}
	if err := w.registry.save(w.cfg.Dir); err != nil {
		return 0, err
	}
	fileID := pagemanager.ComposeFileID(w.cfg.StorageID, uint64(id))
	w.logger.Info("Data file added", zap.String("name", name), zap.Uint64("fileID", fileID))
	return fileID, nil
}

// FileID resolves a file name.
func (w *DiskWriteCache) FileID(name string) (uint64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	id, ok := w.names[name]
	if !ok {
		return 0, false
	}
	return pagemanager.ComposeFileID(w.cfg.StorageID, uint64(id)), true
}

// FileName is the reverse of FileID.
func (w *DiskWriteCache) FileName(fileID uint64) (string, bool) {
	pf, err := w.lookup(fileID)
	if err != nil {
		return "", false
	}
	return pf.name, true
}

// BookFileID reserves an id for a file that will be added later with
// AddFileWithID. Reservations are not persisted.
func (w *DiskWriteCache) BookFileID(name string) (uint64, error) {
	if err := validateFileName(name); err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.names[name]; ok {
		return 0, fmt.Errorf("%w: %s", ErrFileExists, name)
	}
	id := w.registry.NextFileID
	for w.files[id] != nil {
		id++
	}
	w.registry.NextFileID = id + 1
	return pagemanager.ComposeFileID(w.cfg.StorageID, uint64(id)), nil
}

// Files maps every file name to its external id.
func (w *DiskWriteCache) Files() map[string]uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]uint64, len(w.names))
	for name, id := range w.names {
		out[name] = pagemanager.ComposeFileID(w.cfg.StorageID, uint64(id))
	}
	return out
}

func (w *DiskWriteCache) FilledUpTo(fileID uint64) (int64, error) {
	pf, err := w.lookup(fileID)
	if err != nil {
		return 0, err
	}
	return pf.filledUpTo.Load(), nil
}

// AllocateNewPage reserves the next page index of the file.
func (w *DiskWriteCache) AllocateNewPage(fileID uint64) (uint32, error) {
	if w.closed.Load() {
		return 0, ErrWriteCacheClosed
	}
	pf, err := w.lookup(fileID)
	if err != nil {
		return 0, err
	}
	return uint32(pf.filledUpTo.Add(1) - 1), nil
}

// TruncateFile drops every page of the file.
func (w *DiskWriteCache) TruncateFile(fileID uint64) error {
	pf, err := w.lookup(fileID)
	if err != nil {
		return err
	}
	w.dropPages(pf.id)
	f, err := pf.file()
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate data file %s: %w", pf.path, err)
	}
	pf.filledUpTo.Store(0)
	return nil
}

// CloseFile optionally flushes the file, then drops its pages from memory and
// closes its handle. The file stays registered.
func (w *DiskWriteCache) CloseFile(fileID uint64, flush bool) error {
	pf, err := w.lookup(fileID)
	if err != nil {
		return err
	}
	if flush {
		if err := w.flushPages(func(key pagemanager.PageKey) bool {
			return pagemanager.InternalFileID(key.FileID) == pf.id
		}); err != nil {
			return err
		}
	}
	w.dropPages(pf.id)
	return pf.close()
}

// DeleteFile removes the file from disk and from the registry.
func (w *DiskWriteCache) DeleteFile(fileID uint64) error {
	pf, err := w.lookup(fileID)
	if err != nil {
		return err
	}
	w.dropPages(pf.id)

	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.files, pf.id)
	delete(w.names, pf.name)
	kept := w.registry.Files[:0]
	for _, e := range w.registry.Files {
		if e.ID != pf.id {
			kept = append(kept, e)
		}
	}
	w.registry.Files = kept

	err = pf.close()
	if rmErr := os.Remove(pf.path); rmErr != nil && !os.IsNotExist(rmErr) {
		err = multierr.Append(err, fmt.Errorf("failed to remove data file %s: %w", pf.path, rmErr))
	}
	err = multierr.Append(err, w.registry.save(w.cfg.Dir))
	w.logger.Info("Data file deleted", zap.String("name", pf.name), zap.Uint64("fileID", fileID))
	return err
}

// dropPages forgets the in-memory pages of a file without writing them.
func (w *DiskWriteCache) dropPages(id uint32) {
	w.dirtyMu.Lock()
	defer w.dirtyMu.Unlock()
	for key, ptr := range w.writeCachePages {
		if pagemanager.InternalFileID(key.FileID) == id {
			delete(w.writeCachePages, key)
			ptr.DecrementWritersReferrer()
		}
	}
	for key := range w.dirtyPages {
		if pagemanager.InternalFileID(key.FileID) == id {
			delete(w.dirtyPages, key)
		}
	}
}

// --- Pages ---

// Load returns the page with a readers referrer taken for the caller, or nil if
// the page lies beyond the end of the file.
func (w *DiskWriteCache) Load(fileID uint64, pageIndex uint32, verifyChecksums bool) (*pagemanager.CachePointer, error) {
	pf, err := w.lookup(fileID)
	if err != nil {
		return nil, err
	}
	if int64(pageIndex) >= pf.filledUpTo.Load() {
		return nil, nil
	}

	key := pagemanager.PageKey{FileID: fileID, PageIndex: pageIndex}
	w.dirtyMu.Lock()
	if ptr, ok := w.writeCachePages[key]; ok {
		ptr.IncrementReadersReferrer()
		w.dirtyMu.Unlock()
		return ptr, nil
	}
	w.dirtyMu.Unlock()

	buf := w.pool.AcquireDirect(false, pagemanager.IntentionLoadPage)
	lsn, err := w.readFrame(pf, pageIndex, buf, verifyChecksums && w.cfg.ChecksumMode == ChecksumVerify)
	if err != nil {
		w.pool.Release(buf)
		return nil, err
	}
	ptr := pagemanager.NewCachePointer(buf, w.pool, fileID, pageIndex)
	ptr.SetLSN(lsn)
	ptr.IncrementReadersReferrer()
	return ptr, nil
}

// readFrame fills buf with the page data. Pages that were allocated but never
// written read as zeroes.
func (w *DiskWriteCache) readFrame(pf *pageFile, pageIndex uint32, buf []byte, verify bool) (pagemanager.LSN, error) {
	f, err := pf.file()
	if err != nil {
		return pagemanager.InvalidLSN, err
	}
	frame := make([]byte, w.frameSize)
	n, err := f.ReadAt(frame, int64(pageIndex)*w.frameSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return pagemanager.InvalidLSN, fmt.Errorf("failed to read page %d of %s: %w", pageIndex, pf.name, err)
	}
	if n < len(frame) {
		clear(buf)
		return pagemanager.InvalidLSN, nil
	}
	checksum := binary.LittleEndian.Uint64(frame[0:8])
	if verify && checksum != 0 && checksum != xxhash.Sum64(frame[8:]) {
		w.logger.Warn("Page checksum mismatch", zap.String("file", pf.name), zap.Uint32("pageIndex", pageIndex))
		return pagemanager.InvalidLSN, fmt.Errorf("%w: page %d of %s", ErrChecksumMismatch, pageIndex, pf.name)
	}
	copy(buf, frame[frameHeaderSize:])
	lsn := pagemanager.LSN{
		Segment:  int64(binary.LittleEndian.Uint64(frame[8:16])),
		Position: int64(binary.LittleEndian.Uint64(frame[16:24])),
	}
	if checksum == 0 && lsn == (pagemanager.LSN{}) {
		lsn = pagemanager.InvalidLSN
	}
	return lsn, nil
}

func (w *DiskWriteCache) encodeFrame(data []byte, lsn pagemanager.LSN) []byte {
	frame := make([]byte, w.frameSize)
	binary.LittleEndian.PutUint64(frame[8:16], uint64(lsn.Segment))
	binary.LittleEndian.PutUint64(frame[16:24], uint64(lsn.Position))
	copy(frame[frameHeaderSize:], data)
	if w.cfg.ChecksumMode != ChecksumOff {
		binary.LittleEndian.PutUint64(frame[0:8], xxhash.Sum64(frame[8:]))
	}
	return frame
}

// Store keeps the page in memory until it is flushed. The caller still holds
// the page exclusive lock.
func (w *DiskWriteCache) Store(fileID uint64, pageIndex uint32, pointer *pagemanager.CachePointer) error {
	if w.closed.Load() {
		return ErrWriteCacheClosed
	}
	if _, err := w.lookup(fileID); err != nil {
		return err
	}
	key := pagemanager.PageKey{FileID: fileID, PageIndex: pageIndex}

	w.dirtyMu.Lock()
	existing := w.writeCachePages[key]
	if existing != pointer {
		pointer.IncrementWritersReferrer()
		w.writeCachePages[key] = pointer
		if existing != nil {
			existing.DecrementWritersReferrer()
		}
	}
	if _, ok := w.dirtyPages[key]; !ok {
		w.dirtyPages[key] = pointer.LSN()
	}
	w.dirtyMu.Unlock()
	return nil
}

// UpdateDirtyPagesTable records the first LSN that modified the page since it
// was last written.
func (w *DiskWriteCache) UpdateDirtyPagesTable(pointer *pagemanager.CachePointer, startLSN pagemanager.LSN) error {
	if w.closed.Load() {
		return ErrWriteCacheClosed
	}
	w.dirtyMu.Lock()
	defer w.dirtyMu.Unlock()
	if _, ok := w.dirtyPages[pointer.Key()]; !ok {
		w.dirtyPages[pointer.Key()] = startLSN
	}
	return nil
}

// CheckCacheOverflow writes pages back when too many are held in memory.
func (w *DiskWriteCache) CheckCacheOverflow() error {
	if w.closed.Load() {
		return fmt.Errorf("%w: %w", common.ErrInterrupted, ErrWriteCacheClosed)
	}
	if w.DirtyPages() <= w.cfg.MaxDirtyPages {
		return nil
	}
	return w.Flush()
}

// DirtyPages returns the number of pages held in memory.
func (w *DiskWriteCache) DirtyPages() int {
	w.dirtyMu.Lock()
	defer w.dirtyMu.Unlock()
	return len(w.writeCachePages)
}

// MinimalNotFlushedSegment returns the oldest log segment that still holds
// changes of an unwritten page, or -1.
func (w *DiskWriteCache) MinimalNotFlushedSegment() int64 {
	w.dirtyMu.Lock()
	defer w.dirtyMu.Unlock()
	minimal := int64(-1)
	for _, lsn := range w.dirtyPages {
		if lsn.IsValid() && (minimal < 0 || lsn.Segment < minimal) {
			minimal = lsn.Segment
		}
	}
	return minimal
}

// --- Flushing ---

// Flush writes every page held in memory.
func (w *DiskWriteCache) Flush() error {
	return w.flushPages(func(pagemanager.PageKey) bool { return true })
}

type flushCandidate struct {
	key     pagemanager.PageKey
	ptr     *pagemanager.CachePointer
	version uint64
	frame   []byte
	lsn     pagemanager.LSN
}

// flushPages writes the selected pages. Pages that are exclusively locked at
// the moment are skipped and picked up by a later flush.
func (w *DiskWriteCache) flushPages(selected func(pagemanager.PageKey) bool) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.dirtyMu.Lock()
	candidates := make([]*flushCandidate, 0, len(w.writeCachePages))
	for key, ptr := range w.writeCachePages {
		if selected(key) {
			candidates = append(candidates, &flushCandidate{key: key, ptr: ptr})
		}
	}
	w.dirtyMu.Unlock()
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].key, candidates[j].key
		if a.FileID != b.FileID {
			return a.FileID < b.FileID
		}
		return a.PageIndex < b.PageIndex
	})

	copied := candidates[:0]
	maxLSN := pagemanager.InvalidLSN
	for _, c := range candidates {
		if !c.ptr.TryAcquireSharedLock() {
			continue
		}
		c.version = c.ptr.Version()
		c.lsn = c.ptr.LSN()
		c.frame = w.encodeFrame(c.ptr.Buffer(), c.lsn)
		c.ptr.ReleaseSharedLock()
		if c.lsn.Compare(maxLSN) > 0 {
			maxLSN = c.lsn
		}
		copied = append(copied, c)
	}

	// Data pages never reach the disk before the log records describing them.
	if w.wal != nil && maxLSN.IsValid() && maxLSN.Compare(w.wal.FlushedLSN()) > 0 {
		if err := w.wal.Flush(); err != nil {
			return fmt.Errorf("failed to flush log before pages: %w", err)
		}
	}

	touched := make(map[*pageFile]struct{})
	for _, c := range copied {
		pf, err := w.lookup(c.key.FileID)
		if err != nil {
			// Deleted while flushing.
			continue
		}
		f, err := pf.file()
		if err != nil {
			return err
		}
		if _, err := f.WriteAt(c.frame, int64(c.key.PageIndex)*w.frameSize); err != nil {
			return common.NewPageIOError("flush", c.key.FileID, int64(c.key.PageIndex), err)
		}
		touched[pf] = struct{}{}
	}
	var syncErr error
	for pf := range touched {
		f, err := pf.file()
		if err == nil {
			err = f.Sync()
		}
		syncErr = multierr.Append(syncErr, err)
	}
	if syncErr != nil {
		return fmt.Errorf("failed to sync data files: %w", syncErr)
	}

	w.dirtyMu.Lock()
	flushed := 0
	for _, c := range copied {
		if w.writeCachePages[c.key] != c.ptr || c.ptr.Version() != c.version {
			continue
		}
		delete(w.writeCachePages, c.key)
		delete(w.dirtyPages, c.key)
		c.ptr.DecrementWritersReferrer()
		flushed++
	}
	w.dirtyMu.Unlock()
	w.logger.Debug("Flushed pages", zap.Int("pages", flushed), zap.Int("candidates", len(candidates)))
	return nil
}

func (w *DiskWriteCache) flusher() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				w.logger.Error("Background page flush failed", zap.Error(err))
			}
		case <-w.stopChan:
			return
		}
	}
}

// --- Recovery and verification ---

// RestorePage writes a page image straight to disk, extending the file when
// needed. It is used by recovery before any page is cached.
func (w *DiskWriteCache) RestorePage(fileID uint64, pageIndex uint32, data []byte, lsn pagemanager.LSN) error {
	pf, err := w.lookup(fileID)
	if err != nil {
		return err
	}
	f, err := pf.file()
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(w.encodeFrame(data, lsn), int64(pageIndex)*w.frameSize); err != nil {
		return common.NewPageIOError("restore", fileID, int64(pageIndex), err)
	}
	for {
		filled := pf.filledUpTo.Load()
		if int64(pageIndex) < filled || pf.filledUpTo.CompareAndSwap(filled, int64(pageIndex)+1) {
			return nil
		}
	}
}

// PageLSN returns the LSN stored with the page on disk.
func (w *DiskWriteCache) PageLSN(fileID uint64, pageIndex uint32) (pagemanager.LSN, error) {
	pf, err := w.lookup(fileID)
	if err != nil {
		return pagemanager.InvalidLSN, err
	}
	buf := make([]byte, w.pageSize)
	return w.readFrame(pf, pageIndex, buf, false)
}

// CheckStoredPages verifies the checksum of every page on disk and returns the
// pages that failed. Files are checked in parallel.
func (w *DiskWriteCache) CheckStoredPages(ctx context.Context) ([]pagemanager.PageKey, error) {
	if w.cfg.ChecksumMode == ChecksumOff {
		return nil, nil
	}
	w.mu.RLock()
	files := make([]*pageFile, 0, len(w.files))
	for _, pf := range w.files {
		files = append(files, pf)
	}
	w.mu.RUnlock()

	var mu sync.Mutex
	var broken []pagemanager.PageKey
	g, ctx := errgroup.WithContext(ctx)
	for _, pf := range files {
		g.Go(func() error {
			fileID := pagemanager.ComposeFileID(w.cfg.StorageID, uint64(pf.id))
			buf := make([]byte, w.pageSize)
			for i := int64(0); i < pf.filledUpTo.Load(); i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				_, err := w.readFrame(pf, uint32(i), buf, true)
				if errors.Is(err, ErrChecksumMismatch) {
					mu.Lock()
					broken = append(broken, pagemanager.PageKey{FileID: fileID, PageIndex: uint32(i)})
					mu.Unlock()
					continue
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(broken, func(i, j int) bool {
		if broken[i].FileID != broken[j].FileID {
			return broken[i].FileID < broken[j].FileID
		}
		return broken[i].PageIndex < broken[j].PageIndex
	})
	return broken, nil
}

// --- Shutdown ---

// Close writes back every page and closes all files.
func (w *DiskWriteCache) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	close(w.stopChan)
	w.wg.Wait()

	err := w.Flush()
	w.mu.Lock()
	for _, pf := range w.files {
		err = multierr.Append(err, pf.close())
	}
	err = multierr.Append(err, w.registry.save(w.cfg.Dir))
	w.mu.Unlock()
	w.logger.Info("Write cache closed", zap.String("dir", w.cfg.Dir))
	return err
}

// Delete closes the write cache without flushing and removes its directory.
func (w *DiskWriteCache) Delete() error {
	var err error
	if !w.closed.Swap(true) {
		close(w.stopChan)
		w.wg.Wait()
	}
	w.mu.Lock()
	for id, pf := range w.files {
		w.dropPages(id)
		err = multierr.Append(err, pf.close())
	}
	w.mu.Unlock()
	return multierr.Append(err, os.RemoveAll(w.cfg.Dir))
}
