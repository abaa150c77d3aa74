package atomicops

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/sushant-115/gojostore/core/write_engine/cache"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Page is a page handle returned by an atomic operation.
//
// Pages loaded for write and pages added by the operation are private copies;
// their content reaches the read cache only when the operation commits. Pages
// loaded for read outside of any change are a snapshot of the cached page.
type Page struct {
	fileID    uint64
	pageIndex uint32
	data      []byte
	changes   *pageChanges
	entry     *cache.CacheEntry
	writable  bool
	released  bool
}

var (
	_ io.ReaderAt = (*Page)(nil)
	_ io.WriterAt = (*Page)(nil)
)

func (p *Page) FileID() uint64    { return p.fileID }
func (p *Page) PageIndex() uint32 { return p.pageIndex }
func (p *Page) Size() int         { return len(p.data) }

// Bytes returns the page content. It must not be modified.
func (p *Page) Bytes() []byte { return p.data }

func (p *Page) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(p.data)) {
		return 0, fmt.Errorf("%w: offset %d", ErrOutOfPage, off)
	}
	n := copy(b, p.data[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (p *Page) WriteAt(b []byte, off int64) (int, error) {
	if !p.writable {
		return 0, ErrReadOnlyPage
	}
	if p.released {
		return 0, ErrPageReleased
	}
	if off < 0 || off+int64(len(b)) > int64(len(p.data)) {
		return 0, fmt.Errorf("%w: %d bytes at offset %d", ErrOutOfPage, len(b), off)
	}
	copy(p.data[off:], b)
	p.changes.changed = true
	return len(b), nil
}

type pageChanges struct {
	data      []byte
	isNew     bool
	changed   bool
	changeLSN pagemanager.LSN
}

type fileChanges struct {
	pages map[uint32]*pageChanges
	// -2 while no page was appended, -1 once the file is new or truncated
	// and still empty.
	maxNewPageIndex int64
	isNew           bool
	truncate        bool
	fileName        string
}

func newFileChanges() *fileChanges {
	return &fileChanges{pages: make(map[uint32]*pageChanges), maxNewPageIndex: -2}
}

func (fc *fileChanges) appended() bool { return fc.isNew || fc.maxNewPageIndex > -2 }

// holds reports whether pageIndex is still addressable after the changes
// made to the file by the operation.
func (fc *fileChanges) holds(pageIndex uint32) bool {
	if fc == nil {
		return true
	}
	if fc.appended() {
		return int64(pageIndex) < fc.maxNewPageIndex+1
	}
	return !fc.truncate
}

// AtomicOperation tracks every page and file change of one unit of work. It is
// owned by a single goroutine and is not safe for concurrent use.
type AtomicOperation struct {
	id        int64
	startLSN  pagemanager.LSN
	storageID uint32
	started   time.Time

	readCache  *cache.ReadCache
	writeCache WriteCache
	logger     *zap.Logger
	span       trace.Span

	fileChanges       map[uint64]*fileChanges
	newFileNamesID    map[string]uint64
	deletedFiles      map[uint64]struct{}
	deletedFileNameID map[string]uint64

	// pinned holds every handle that pins a read cache entry.
	pinned []*Page

	metadata      map[string][]byte
	lockedObjects []string
	lockedSet     map[string]struct{}

	componentOperations int
	rollback            bool
	ended               bool
}

func newAtomicOperation(id int64, startLSN pagemanager.LSN, readCache *cache.ReadCache, writeCache WriteCache, logger *zap.Logger) *AtomicOperation {
	return &AtomicOperation{
		id:                id,
		startLSN:          startLSN,
		storageID:         writeCache.ID(),
		started:           time.Now(),
		readCache:         readCache,
		writeCache:        writeCache,
		logger:            logger,
		fileChanges:       make(map[uint64]*fileChanges),
		newFileNamesID:    make(map[string]uint64),
		deletedFiles:      make(map[uint64]struct{}),
		deletedFileNameID: make(map[string]uint64),
		metadata:          make(map[string][]byte),
		lockedSet:         make(map[string]struct{}),
	}
}

func (op *AtomicOperation) ID() int64                 { return op.id }
func (op *AtomicOperation) StartLSN() pagemanager.LSN { return op.startLSN }

func (op *AtomicOperation) checkFile(fileID uint64) (uint64, error) {
	fileID, err := pagemanager.CheckFileIDCompatibility(op.storageID, fileID)
	if err != nil {
		return 0, err
	}
	if _, ok := op.deletedFiles[fileID]; ok {
		return 0, fmt.Errorf("%w: id %d", ErrFileDeleted, fileID)
	}
	return fileID, nil
}

func (op *AtomicOperation) changesOf(fileID uint64) *fileChanges {
	fc, ok := op.fileChanges[fileID]
	if !ok {
		fc = newFileChanges()
		op.fileChanges[fileID] = fc
	}
	return fc
}

// snapshot copies the cached page under its shared lock.
func snapshot(entry *cache.CacheEntry) []byte {
	entry.AcquireSharedLock()
	defer entry.ReleaseSharedLock()
	return slices.Clone(entry.Data())
}

// --- Pages ---

// LoadPageForWrite returns a writable copy of the page, or nil if the page does
// not exist as seen by this operation.
func (op *AtomicOperation) LoadPageForWrite(fileID uint64, pageIndex uint32, verifyChecksum bool) (*Page, error) {
	fileID, err := op.checkFile(fileID)
	if err != nil {
		return nil, err
	}
	fc := op.changesOf(fileID)

	if fc.isNew {
		if int64(pageIndex) <= fc.maxNewPageIndex {
			return op.writablePage(fileID, pageIndex, fc.pages[pageIndex], nil), nil
		}
		return nil, nil
	}
	if !fc.holds(pageIndex) {
		return nil, nil
	}

	pc := fc.pages[pageIndex]
	if pc != nil && pc.isNew {
		return op.writablePage(fileID, pageIndex, pc, nil), nil
	}

	// Existing pages stay pinned in the read cache while the handle is held.
	entry, err := op.readCache.LoadForRead(fileID, pageIndex, op.writeCache, verifyChecksum)
	if err != nil {
		return nil, err
	}
	if pc == nil {
		if entry == nil {
			return nil, nil
		}
		pc = &pageChanges{data: snapshot(entry)}
		fc.pages[pageIndex] = pc
	}
	return op.pin(op.writablePage(fileID, pageIndex, pc, entry)), nil
}

func (op *AtomicOperation) pin(page *Page) *Page {
	if page.entry != nil {
		op.pinned = append(op.pinned, page)
	}
	return page
}

// releasePinnedPages unpins the handles the caller did not release and
// returns how many there were.
func (op *AtomicOperation) releasePinnedPages() int {
	n := 0
	for _, page := range op.pinned {
		if !page.released {
			op.ReleasePageFromRead(page)
			n++
		}
	}
	op.pinned = nil
	return n
}

func (op *AtomicOperation) writablePage(fileID uint64, pageIndex uint32, pc *pageChanges, entry *cache.CacheEntry) *Page {
	return &Page{fileID: fileID, pageIndex: pageIndex, data: pc.data, changes: pc, entry: entry, writable: true}
}

// LoadPageForRead returns the page as seen by this operation, or nil if it does
// not exist.
func (op *AtomicOperation) LoadPageForRead(fileID uint64, pageIndex uint32) (*Page, error) {
	fileID, err := op.checkFile(fileID)
	if err != nil {
		return nil, err
	}
	fc := op.fileChanges[fileID]

	if fc != nil && fc.isNew {
		if int64(pageIndex) <= fc.maxNewPageIndex {
			return op.readablePage(fileID, pageIndex, fc.pages[pageIndex]), nil
		}
		return nil, nil
	}
	if !fc.holds(pageIndex) {
		return nil, nil
	}
	if fc != nil {
		if pc := fc.pages[pageIndex]; pc != nil {
			return op.readablePage(fileID, pageIndex, pc), nil
		}
	}

	entry, err := op.readCache.LoadForRead(fileID, pageIndex, op.writeCache, true)
	if err != nil || entry == nil {
		return nil, err
	}
	return op.pin(&Page{fileID: fileID, pageIndex: pageIndex, data: snapshot(entry), entry: entry}), nil
}

func (op *AtomicOperation) readablePage(fileID uint64, pageIndex uint32, pc *pageChanges) *Page {
	return &Page{fileID: fileID, pageIndex: pageIndex, data: pc.data, changes: pc}
}

// AddPage appends a zeroed page to the file.
func (op *AtomicOperation) AddPage(fileID uint64) (*Page, error) {
	fileID, err := op.checkFile(fileID)
	if err != nil {
		return nil, err
	}
	fc := op.changesOf(fileID)
	filledUpTo, err := op.internalFilledUpTo(fileID, fc)
	if err != nil {
		return nil, err
	}
	pageIndex := uint32(filledUpTo)
	if _, ok := fc.pages[pageIndex]; ok {
		return nil, fmt.Errorf("page %d of file %d is already tracked as new", pageIndex, fileID)
	}

	pc := &pageChanges{data: make([]byte, op.readCache.PageSize()), isNew: true, changed: true}
	fc.pages[pageIndex] = pc
	fc.maxNewPageIndex = filledUpTo
	return op.writablePage(fileID, pageIndex, pc, nil), nil
}

// ReleasePageFromRead unpins the page. Releasing twice is a no-op.
func (op *AtomicOperation) ReleasePageFromRead(page *Page) {
	if page.released {
		return
	}
	page.released = true
	if page.entry != nil {
		op.readCache.ReleaseFromRead(page.entry)
		page.entry = nil
	}
}

// ReleasePageFromWrite unpins a page loaded for write. Its changes stay with
// the operation.
func (op *AtomicOperation) ReleasePageFromWrite(page *Page) error {
	if _, ok := op.deletedFiles[page.fileID]; ok {
		return fmt.Errorf("%w: id %d", ErrFileDeleted, page.fileID)
	}
	op.ReleasePageFromRead(page)
	return nil
}

// FilledUpTo is the number of pages of the file as seen by this operation.
func (op *AtomicOperation) FilledUpTo(fileID uint64) (int64, error) {
	fileID, err := op.checkFile(fileID)
	if err != nil {
		return 0, err
	}
	return op.internalFilledUpTo(fileID, op.fileChanges[fileID])
}

func (op *AtomicOperation) internalFilledUpTo(fileID uint64, fc *fileChanges) (int64, error) {
	switch {
	case fc == nil:
		op.fileChanges[fileID] = newFileChanges()
	case fc.appended():
		return fc.maxNewPageIndex + 1, nil
	case fc.truncate:
		return 0, nil
	}
	return op.writeCache.FilledUpTo(fileID)
}

// --- Files ---

// AddFile registers a new file. A file deleted earlier in the same operation
// gets its id back and is committed as truncated.
func (op *AtomicOperation) AddFile(name string) (uint64, error) {
	if _, ok := op.newFileNamesID[name]; ok {
		return 0, fmt.Errorf("%w: %s", ErrFileExists, name)
	}

	fc := newFileChanges()
	fc.fileName = name
	fc.maxNewPageIndex = -1

	var fileID uint64
	if id, ok := op.deletedFileNameID[name]; ok {
		fileID = id
		delete(op.deletedFileNameID, name)
		delete(op.deletedFiles, id)
		fc.truncate = true
	} else {
		if _, ok := op.writeCache.FileID(name); ok {
			return 0, fmt.Errorf("%w: %s", ErrFileExists, name)
		}
		id, err := op.writeCache.BookFileID(name)
		if err != nil {
			return 0, err
		}
		fileID = id
		fc.isNew = true
	}

	op.newFileNamesID[name] = fileID
	op.fileChanges[fileID] = fc
	op.logger.Debug("File added", zap.Int64("operationID", op.id), zap.String("name", name), zap.Uint64("fileID", fileID))
	return fileID, nil
}

// LoadFile resolves the id of an existing file.
func (op *AtomicOperation) LoadFile(name string) (uint64, error) {
	fileID, ok := op.FileIDByName(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	op.changesOf(fileID)
	return fileID, nil
}

// DeleteFile drops the file at commit. A file added by this operation is
// simply forgotten.
func (op *AtomicOperation) DeleteFile(fileID uint64) error {
	fileID, err := op.checkFile(fileID)
	if err != nil {
		return err
	}

	fc := op.fileChanges[fileID]
	delete(op.fileChanges, fileID)
	name := ""
	if fc != nil && fc.fileName != "" {
		name = fc.fileName
		delete(op.newFileNamesID, name)
		if fc.isNew {
			return nil
		}
	}
	if name == "" {
		name, _ = op.writeCache.FileName(fileID)
	}

	op.deletedFiles[fileID] = struct{}{}
	if name != "" {
		op.deletedFileNameID[name] = fileID
	}
	return nil
}

// TruncateFile drops every page of the file, including pages changed so far.
func (op *AtomicOperation) TruncateFile(fileID uint64) error {
	fileID, err := op.checkFile(fileID)
	if err != nil {
		return err
	}
	fc := op.changesOf(fileID)
	clear(fc.pages)
	fc.maxNewPageIndex = -1
	if !fc.isNew {
		fc.truncate = true
	}
	return nil
}

func (op *AtomicOperation) FileExists(name string) bool {
	_, ok := op.FileIDByName(name)
	return ok
}

func (op *AtomicOperation) FileIDByName(name string) (uint64, bool) {
	if id, ok := op.newFileNamesID[name]; ok {
		return id, true
	}
	if _, ok := op.deletedFileNameID[name]; ok {
		return 0, false
	}
	return op.writeCache.FileID(name)
}

func (op *AtomicOperation) FileNameByID(fileID uint64) (string, error) {
	fileID, err := pagemanager.CheckFileIDCompatibility(op.storageID, fileID)
	if err != nil {
		return "", err
	}
	if fc := op.fileChanges[fileID]; fc != nil && fc.fileName != "" {
		return fc.fileName, nil
	}
	if _, ok := op.deletedFiles[fileID]; ok {
		return "", fmt.Errorf("%w: id %d", ErrFileDeleted, fileID)
	}
	name, ok := op.writeCache.FileName(fileID)
	if !ok {
		return "", fmt.Errorf("%w: id %d", ErrFileNotFound, fileID)
	}
	return name, nil
}

// --- Metadata and locks ---

// AddMetadata stores a value that is written with the commit record. An
// existing key is overwritten.
func (op *AtomicOperation) AddMetadata(key string, value []byte) {
	op.metadata[key] = slices.Clone(value)
}

func (op *AtomicOperation) Metadata(key string) ([]byte, bool) {
	v, ok := op.metadata[key]
	return v, ok
}

func (op *AtomicOperation) addLockedObject(name string) {
	op.lockedSet[name] = struct{}{}
	op.lockedObjects = append(op.lockedObjects, name)
}

func (op *AtomicOperation) containsLockedObject(name string) bool {
	_, ok := op.lockedSet[name]
	return ok
}

// LockedObjects lists the locks held till the end of the operation in
// acquisition order.
func (op *AtomicOperation) LockedObjects() []string { return slices.Clone(op.lockedObjects) }

func (op *AtomicOperation) ComponentOperations() int { return op.componentOperations }

// MarkRollback makes the operation roll back when it ends, even without an
// error.
func (op *AtomicOperation) MarkRollback() { op.rollback = true }

func (op *AtomicOperation) IsRollbackInProgress() bool { return op.rollback }

// --- Commit ---

// commitChanges writes the operation to the log and then applies it to the
// caches. It returns the LSN of the commit record.
func (op *AtomicOperation) commitChanges(log WriteAheadLog) (pagemanager.LSN, error) {
	// Dirty pages are registered at the start record so checkpoints keep
	// every record of the operation.
	startLSN := op.startLSN
	deleted := slices.Sorted(maps.Keys(op.deletedFiles))
	changed := slices.Sorted(maps.Keys(op.fileChanges))

	for _, fileID := range deleted {
		if _, err := log.LogFileDeleted(op.id, fileID); err != nil {
			return pagemanager.InvalidLSN, err
		}
	}
	for _, fileID := range changed {
		fc := op.fileChanges[fileID]
		switch {
		case fc.isNew:
			if _, err := log.LogFileCreated(op.id, fileID, fc.fileName); err != nil {
				return pagemanager.InvalidLSN, err
			}
		case fc.truncate:
			op.logger.Warn("Truncate can not be rolled back and may be restored incorrectly after a crash",
				zap.Int64("operationID", op.id), zap.Uint64("fileID", fileID))
			if _, err := log.LogFileTruncated(op.id, fileID); err != nil {
				return pagemanager.InvalidLSN, err
			}
		}
		for _, pageIndex := range slices.Sorted(maps.Keys(fc.pages)) {
			pc := fc.pages[pageIndex]
			if !pc.changed {
				continue
			}
			lsn, err := log.LogUpdatePage(op.id, fileID, pageIndex, pc.data)
			if err != nil {
				return pagemanager.InvalidLSN, err
			}
			pc.changeLSN = lsn
		}
	}

	endLSN, err := log.LogAtomicOperationEnd(op.id, false, op.metadata)
	if err != nil {
		return pagemanager.InvalidLSN, err
	}

	for _, fileID := range deleted {
		if err := op.readCache.DeleteFile(fileID, op.writeCache); err != nil {
			return endLSN, err
		}
	}
	for _, fileID := range changed {
		fc := op.fileChanges[fileID]
		switch {
		case fc.isNew:
			if _, err := op.readCache.AddFileWithID(fc.fileName, fileID, op.writeCache); err != nil {
				return endLSN, err
			}
		case fc.truncate:
			if err := op.readCache.TruncateFile(fileID, op.writeCache); err != nil {
				return endLSN, err
			}
		}
		for _, pageIndex := range slices.Sorted(maps.Keys(fc.pages)) {
			pc := fc.pages[pageIndex]
			if !pc.changed {
				continue
			}
			if err := op.applyPage(fileID, pageIndex, pc, startLSN, endLSN); err != nil {
				return endLSN, err
			}
		}
	}
	return endLSN, nil
}

func (op *AtomicOperation) applyPage(fileID uint64, pageIndex uint32, pc *pageChanges, startLSN, endLSN pagemanager.LSN) error {
	entry, err := op.readCache.LoadForWrite(fileID, pageIndex, op.writeCache, true, startLSN)
	if err != nil {
		return err
	}
	if entry == nil {
		if !pc.isNew {
			return fmt.Errorf("%w: page %d of file %d", ErrPageNotFound, pageIndex, fileID)
		}
		for {
			entry, err = op.readCache.AllocateNewPage(fileID, op.writeCache, startLSN)
			if err != nil {
				return err
			}
			if entry.PageIndex() >= pageIndex {
				break
			}
			if err := op.readCache.ReleaseFromWrite(entry, op.writeCache, true); err != nil {
				return err
			}
		}
		if entry.PageIndex() != pageIndex {
			err := fmt.Errorf("%w: allocated page %d while applying page %d of file %d",
				ErrPageNotFound, entry.PageIndex(), pageIndex, fileID)
			return multierr.Append(err, op.readCache.ReleaseFromWrite(entry, op.writeCache, true))
		}
	}

	copy(entry.Data(), pc.data)
	entry.SetEndLSN(endLSN)
	entry.CachePointer().SetLSN(pc.changeLSN)
	return op.readCache.ReleaseFromWrite(entry, op.writeCache, true)
}
