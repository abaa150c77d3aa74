package atomicops

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"github.com/sushant-115/gojostore/core/transaction"
	"github.com/sushant-115/gojostore/core/transaction/lockmanager"
	"github.com/sushant-115/gojostore/core/write_engine/cache"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

const testPageSize = 64

var errBoom = errors.New("boom")

// --- Test Helpers ---

// fakeWAL keeps records in memory. Durability callbacks fire on flush.
type fakeWAL struct {
	mu      sync.Mutex
	records []*wal.LogRecord
	events  []func()
	failEnd bool
}

func (w *fakeWAL) append(r *wal.LogRecord) (pagemanager.LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r.LSN = pagemanager.LSN{Segment: 0, Position: int64(len(w.records))}
	w.records = append(w.records, r)
	return r.LSN, nil
}

func (w *fakeWAL) ActiveSegment() int64 { return 0 }

func (w *fakeWAL) LogAtomicOperationStart(isNew bool, id int64) (pagemanager.LSN, error) {
	return w.append(&wal.LogRecord{Type: wal.RecordTypeAtomicUnitStart, OperationID: id, NewOperation: isNew})
}

func (w *fakeWAL) LogAtomicOperationEnd(id int64, rollback bool, metadata map[string][]byte) (pagemanager.LSN, error) {
	if w.failEnd {
		return pagemanager.InvalidLSN, errBoom
	}
	return w.append(&wal.LogRecord{Type: wal.RecordTypeAtomicUnitEnd, OperationID: id, Rollback: rollback, Metadata: metadata})
}

func (w *fakeWAL) LogUpdatePage(id int64, fileID uint64, pageIndex uint32, image []byte) (pagemanager.LSN, error) {
	return w.append(&wal.LogRecord{Type: wal.RecordTypeUpdatePage, OperationID: id, FileID: fileID, PageIndex: pageIndex, Data: append([]byte(nil), image...)})
}

func (w *fakeWAL) LogFileCreated(id int64, fileID uint64, name string) (pagemanager.LSN, error) {
	return w.append(&wal.LogRecord{Type: wal.RecordTypeFileCreated, OperationID: id, FileID: fileID, FileName: name})
}

func (w *fakeWAL) LogFileDeleted(id int64, fileID uint64) (pagemanager.LSN, error) {
	return w.append(&wal.LogRecord{Type: wal.RecordTypeFileDeleted, OperationID: id, FileID: fileID})
}

func (w *fakeWAL) LogFileTruncated(id int64, fileID uint64) (pagemanager.LSN, error) {
	return w.append(&wal.LogRecord{Type: wal.RecordTypeFileTruncated, OperationID: id, FileID: fileID})
}

func (w *fakeWAL) AddEventAt(_ pagemanager.LSN, callback func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, callback)
}

func (w *fakeWAL) flush() {
	w.mu.Lock()
	events := w.events
	w.events = nil
	w.mu.Unlock()
	for _, e := range events {
		e()
	}
}

func (w *fakeWAL) types(operationID int64) []wal.RecordType {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []wal.RecordType
	for _, r := range w.records {
		if r.OperationID == operationID {
			out = append(out, r.Type)
		}
	}
	return out
}

func (w *fakeWAL) last() *wal.LogRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records[len(w.records)-1]
}

type fakeStorage struct {
	mu     sync.Mutex
	err    error
	errors []error
}

func (s *fakeStorage) Name() string { return "test" }

func (s *fakeStorage) CheckErrorState() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStorage) MoveToErrorStateIfNeeded(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, err)
}

type testEnv struct {
	m       *Manager
	rc      *cache.ReadCache
	wc      *flushmanager.DiskWriteCache
	wal     *fakeWAL
	table   *transaction.AtomicOperationsTable
	storage *fakeStorage
	locks   *lockmanager.LockManager
}

func newTestEnv(t *testing.T, configure ...func(*Config, *Dependencies)) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	pool := pagemanager.NewBufferPool(testPageSize)
	rc, err := cache.NewReadCache(cache.Config{MaxMemory: 64 * testPageSize}, pool, logger, nil)
	require.NoError(t, err)
	wc, err := flushmanager.NewDiskWriteCache(flushmanager.Config{Dir: t.TempDir(), StorageID: 3}, pool, nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = wc.Close() })

	env := &testEnv{
		rc:      rc,
		wc:      wc,
		wal:     &fakeWAL{},
		table:   transaction.NewAtomicOperationsTable(16, 0, 1000),
		storage: &fakeStorage{},
		locks:   lockmanager.New(),
	}
	cfg := Config{}
	deps := Dependencies{
		Storage:     env.storage,
		WAL:         env.wal,
		ReadCache:   rc,
		WriteCache:  wc,
		Table:       env.table,
		LockManager: env.locks,
		Logger:      logger,
	}
	for _, c := range configure {
		c(&cfg, &deps)
	}
	env.m, err = NewManager(cfg, deps)
	require.NoError(t, err)
	return env
}

// createFile commits a file holding one page per fill byte.
func (env *testEnv) createFile(t *testing.T, name string, fills ...byte) uint64 {
	t.Helper()
	fileID, err := CalculateInsideAtomicOperation(context.Background(), env.m, nil, func(_ context.Context, op *AtomicOperation) (uint64, error) {
		fileID, err := op.AddFile(name)
		if err != nil {
			return 0, err
		}
		for _, fill := range fills {
			page, err := op.AddPage(fileID)
			if err != nil {
				return 0, err
			}
			if _, err := page.WriteAt(filled(fill), 0); err != nil {
				return 0, err
			}
			if err := op.ReleasePageFromWrite(page); err != nil {
				return 0, err
			}
		}
		return fileID, nil
	})
	require.NoError(t, err)
	return fileID
}

func filled(b byte) []byte {
	out := make([]byte, testPageSize)
	for i := range out {
		out[i] = b
	}
	return out
}

// cachedPage reads a page straight from the read cache.
func (env *testEnv) cachedPage(t *testing.T, fileID uint64, pageIndex uint32) []byte {
	t.Helper()
	entry, err := env.rc.LoadForRead(fileID, pageIndex, env.wc, true)
	require.NoError(t, err)
	if entry == nil {
		return nil
	}
	defer env.rc.ReleaseFromRead(entry)
	return append([]byte(nil), entry.Data()...)
}

func (env *testEnv) status(t *testing.T, id int64) transaction.OperationStatus {
	t.Helper()
	s, err := env.table.Status(id)
	require.NoError(t, err)
	return s
}

// --- Test Cases ---

func TestManager_CommitPublishesPages(t *testing.T) {
	env := newTestEnv(t)
	fileID := env.createFile(t, "tree.pcl", 0x11, 0x22)

	require.Equal(t, filled(0x11), env.cachedPage(t, fileID, 0))
	require.Equal(t, filled(0x22), env.cachedPage(t, fileID, 1))
	filledUpTo, err := env.wc.FilledUpTo(fileID)
	require.NoError(t, err)
	require.Equal(t, int64(2), filledUpTo)

	require.Equal(t, []wal.RecordType{
		wal.RecordTypeAtomicUnitStart,
		wal.RecordTypeFileCreated,
		wal.RecordTypeUpdatePage,
		wal.RecordTypeUpdatePage,
		wal.RecordTypeAtomicUnitEnd,
	}, env.wal.types(0))

	require.Equal(t, transaction.StatusCommitted, env.status(t, 0))
	env.wal.flush()
	require.Equal(t, transaction.StatusPersisted, env.status(t, 0))
}

func TestManager_CommitStampsPageLSN(t *testing.T) {
	env := newTestEnv(t)
	fileID := env.createFile(t, "tree.pcl", 0x01)

	var updateLSN pagemanager.LSN
	for _, r := range env.wal.records {
		if r.Type == wal.RecordTypeUpdatePage {
			updateLSN = r.LSN
		}
	}
	entry, err := env.rc.LoadForRead(fileID, 0, env.wc, true)
	require.NoError(t, err)
	defer env.rc.ReleaseFromRead(entry)
	require.Equal(t, updateLSN, entry.CachePointer().LSN())
	require.Equal(t, env.wal.last().LSN, entry.EndLSN())
}

func TestManager_UpdateExistingPage(t *testing.T) {
	env := newTestEnv(t)
	fileID := env.createFile(t, "tree.pcl", 0x01, 0x02)

	err := env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(_ context.Context, op *AtomicOperation) error {
		page, err := op.LoadPageForWrite(fileID, 1, true)
		require.NoError(t, err)
		require.NotNil(t, page)
		_, err = page.WriteAt([]byte("hello"), 4)
		require.NoError(t, err)
		require.NoError(t, op.ReleasePageFromWrite(page))

		// The operation sees its own change, the cache does not yet.
		again, err := op.LoadPageForRead(fileID, 1)
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), again.Bytes()[4:9])
		op.ReleasePageFromRead(again)
		require.Equal(t, filled(0x02), env.cachedPage(t, fileID, 1))

		// Pages loaded for write but left untouched are not logged.
		untouched, err := op.LoadPageForWrite(fileID, 0, true)
		require.NoError(t, err)
		return op.ReleasePageFromWrite(untouched)
	})
	require.NoError(t, err)

	want := filled(0x02)
	copy(want[4:], "hello")
	require.Equal(t, want, env.cachedPage(t, fileID, 1))
	require.Equal(t, filled(0x01), env.cachedPage(t, fileID, 0))
	require.Equal(t, []wal.RecordType{
		wal.RecordTypeAtomicUnitStart,
		wal.RecordTypeUpdatePage,
		wal.RecordTypeAtomicUnitEnd,
	}, env.wal.types(1))
}

func TestManager_RollbackDiscardsChanges(t *testing.T) {
	env := newTestEnv(t)
	fileID := env.createFile(t, "tree.pcl", 0x01)

	err := env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(_ context.Context, op *AtomicOperation) error {
		page, err := op.LoadPageForWrite(fileID, 0, true)
		require.NoError(t, err)
		_, err = page.WriteAt(filled(0xEE), 0)
		require.NoError(t, err)
		require.NoError(t, op.ReleasePageFromWrite(page))

		added, err := op.AddPage(fileID)
		require.NoError(t, err)
		require.Equal(t, uint32(1), added.PageIndex())
		_, err = added.WriteAt(filled(0xEE), 0)
		require.NoError(t, err)
		require.NoError(t, op.ReleasePageFromWrite(added))
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, int64(1), opErr.OperationID)

	require.Equal(t, filled(0x01), env.cachedPage(t, fileID, 0))
	require.Nil(t, env.cachedPage(t, fileID, 1))
	filledUpTo, err := env.wc.FilledUpTo(fileID)
	require.NoError(t, err)
	require.Equal(t, int64(1), filledUpTo)

	require.Equal(t, transaction.StatusRolledBack, env.status(t, 1))
	end := env.wal.last()
	require.Equal(t, wal.RecordTypeAtomicUnitEnd, end.Type)
	require.True(t, end.Rollback)
}

func TestManager_EndReleasesPinnedPages(t *testing.T) {
	env := newTestEnv(t)
	fileID := env.createFile(t, "tree.pcl", 0x01, 0x02)

	err := env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(_ context.Context, op *AtomicOperation) error {
		_, err := op.LoadPageForWrite(fileID, 0, true)
		require.NoError(t, err)
		_, err = op.LoadPageForRead(fileID, 1)
		require.NoError(t, err)
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	require.NoError(t, env.rc.Clear())

	// The truncate applied at commit needs the page unpinned as well.
	err = env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(_ context.Context, op *AtomicOperation) error {
		if _, err := op.LoadPageForRead(fileID, 0); err != nil {
			return err
		}
		return op.TruncateFile(fileID)
	})
	require.NoError(t, err)
	filledUpTo, err := env.wc.FilledUpTo(fileID)
	require.NoError(t, err)
	require.Zero(t, filledUpTo)
	require.NoError(t, env.rc.Validate())
}

func TestManager_MarkRollbackWithoutError(t *testing.T) {
	env := newTestEnv(t)
	err := env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(_ context.Context, op *AtomicOperation) error {
		_, err := op.AddFile("never.pcl")
		require.NoError(t, err)
		op.MarkRollback()
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, transaction.StatusRolledBack, env.status(t, 0))
	_, ok := env.wc.FileID("never.pcl")
	require.False(t, ok)
}

func TestManager_NestedStartIsRejected(t *testing.T) {
	env := newTestEnv(t)

	var outer context.Context
	err := env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(ctx context.Context, op *AtomicOperation) error {
		outer = ctx
		current, ok := OperationFromContext(ctx)
		require.True(t, ok)
		require.Same(t, op, current)

		_, _, err := env.m.StartAtomicOperation(ctx, nil)
		require.ErrorIs(t, err, ErrAtomicOperationAlreadyStarted)
		return nil
	})
	require.NoError(t, err)

	// The finished operation no longer blocks its context.
	_, ok := OperationFromContext(outer)
	require.False(t, ok)
	ctx, op, err := env.m.StartAtomicOperation(outer, nil)
	require.NoError(t, err)
	require.NoError(t, env.m.EndAtomicOperation(ctx, op, nil))
	require.ErrorIs(t, env.m.EndAtomicOperation(ctx, op, nil), ErrAtomicOperationEnded)
}

func TestManager_PanicRollsBackAndReleasesLocks(t *testing.T) {
	env := newTestEnv(t)

	require.PanicsWithValue(t, "kaboom", func() {
		_ = env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(ctx context.Context, op *AtomicOperation) error {
			return env.m.ExecuteInsideComponentOperation(ctx, op, "tree", func(context.Context) error {
				panic("kaboom")
			})
		})
	})
	require.Equal(t, transaction.StatusRolledBack, env.status(t, 0))
	require.Zero(t, env.locks.Size())
	require.Zero(t, env.m.ActiveOperations())

	// A fresh operation gets the component lock without blocking.
	err := env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(ctx context.Context, op *AtomicOperation) error {
		return env.m.ExecuteInsideComponentOperation(ctx, op, "tree", func(context.Context) error { return nil })
	})
	require.NoError(t, err)
}

func TestManager_ComponentErrorCarriesIdentity(t *testing.T) {
	env := newTestEnv(t)

	err := env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(ctx context.Context, op *AtomicOperation) error {
		return env.m.ExecuteInsideComponentOperation(ctx, op, "tree", func(ctx context.Context) error {
			return env.m.ExecuteInsideComponentOperation(ctx, op, "index", func(context.Context) error {
				return errBoom
			})
		})
	})
	require.ErrorIs(t, err, errBoom)
	var ce *ComponentError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "index", ce.Component)
	require.Equal(t, "test", ce.Storage)
	require.Zero(t, env.locks.Size())

	require.True(t, env.locks.TryAcquireExclusiveLock("tree"))
	env.locks.ReleaseExclusiveLock("tree")
}

func TestManager_ComponentLockIsReentrantPerOperation(t *testing.T) {
	env := newTestEnv(t)

	err := env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(ctx context.Context, op *AtomicOperation) error {
		return env.m.ExecuteInsideComponentOperation(ctx, op, "tree", func(ctx context.Context) error {
			require.Equal(t, 1, op.ComponentOperations())
			err := env.m.ExecuteInsideComponentOperation(ctx, op, "tree", func(ctx context.Context) error {
				require.Equal(t, 2, op.ComponentOperations())
				// Reading a component the operation holds exclusively does not block.
				env.m.AcquireReadLock(ctx, "tree")
				env.m.ReleaseReadLock(ctx, "tree")
				return nil
			})
			require.Equal(t, []string{"tree"}, op.LockedObjects())
			return err
		})
	})
	require.NoError(t, err)
	require.Zero(t, env.locks.Size())
}

func TestManager_ComponentLockHeldTillOperationEnds(t *testing.T) {
	env := newTestEnv(t)

	locked := make(chan struct{})
	proceed := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		return env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(ctx context.Context, op *AtomicOperation) error {
			if err := env.m.ExecuteInsideComponentOperation(ctx, op, "tree", func(context.Context) error { return nil }); err != nil {
				return err
			}
			// The component call returned but the lock stays with the operation.
			close(locked)
			<-proceed
			return nil
		})
	})

	<-locked
	done := make(chan error, 1)
	go func() {
		done <- env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(ctx context.Context, op *AtomicOperation) error {
			return env.m.ExecuteInsideComponentOperation(ctx, op, "tree", func(context.Context) error { return nil })
		})
	}()

	select {
	case <-done:
		t.Fatal("second operation entered a locked component")
	case <-time.After(50 * time.Millisecond):
	}
	close(proceed)
	require.NoError(t, g.Wait())
	require.NoError(t, <-done)
}

func TestManager_CalculateInsideAtomicOperation(t *testing.T) {
	env := newTestEnv(t)

	v, err := CalculateInsideAtomicOperation(context.Background(), env.m, nil, func(context.Context, *AtomicOperation) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)

	v, err = CalculateInsideAtomicOperation(context.Background(), env.m, nil, func(context.Context, *AtomicOperation) (int, error) {
		return 7, errBoom
	})
	require.ErrorIs(t, err, errBoom)
	require.Zero(t, v)
}

func TestManager_MetadataReachesCommitRecord(t *testing.T) {
	env := newTestEnv(t)

	err := env.m.ExecuteInsideAtomicOperation(context.Background(), map[string][]byte{"origin": []byte("test")}, func(_ context.Context, op *AtomicOperation) error {
		op.AddMetadata("tx", []byte{1, 2})
		op.AddMetadata("tx", []byte{3})
		v, ok := op.Metadata("origin")
		require.True(t, ok)
		require.Equal(t, []byte("test"), v)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"origin": []byte("test"), "tx": {3}}, env.wal.last().Metadata)
}

func TestManager_StorageErrorStateRejectsStart(t *testing.T) {
	env := newTestEnv(t)
	env.storage.err = common.ErrStorageInErrorState

	_, _, err := env.m.StartAtomicOperation(context.Background(), nil)
	require.ErrorIs(t, err, common.ErrStorageInErrorState)
	require.Zero(t, env.m.ActiveOperations())
}

func TestManager_FailedEndMovesStorageToErrorState(t *testing.T) {
	env := newTestEnv(t)
	env.wal.failEnd = true

	err := env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(context.Context, *AtomicOperation) error {
		return nil
	})
	require.ErrorIs(t, err, errBoom)
	require.NotEmpty(t, env.storage.errors)
	require.Equal(t, transaction.StatusRolledBack, env.status(t, 0))
}

func TestManager_FileLifecycle(t *testing.T) {
	env := newTestEnv(t)
	fileID := env.createFile(t, "old.pcl", 0x01, 0x02)

	err := env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(_ context.Context, op *AtomicOperation) error {
		loaded, err := op.LoadFile("old.pcl")
		require.NoError(t, err)
		require.Equal(t, fileID, loaded)
		name, err := op.FileNameByID(fileID)
		require.NoError(t, err)
		require.Equal(t, "old.pcl", name)

		require.NoError(t, op.DeleteFile(fileID))
		require.False(t, op.FileExists("old.pcl"))
		_, err = op.LoadPageForRead(fileID, 0)
		require.ErrorIs(t, err, ErrFileDeleted)
		_, err = op.LoadFile("old.pcl")
		require.ErrorIs(t, err, ErrFileNotFound)

		// Adding the name back reuses the id and empties the file.
		again, err := op.AddFile("old.pcl")
		require.NoError(t, err)
		require.Equal(t, fileID, again)
		filledUpTo, err := op.FilledUpTo(again)
		require.NoError(t, err)
		require.Zero(t, filledUpTo)
		page, err := op.AddPage(again)
		require.NoError(t, err)
		_, err = page.WriteAt(filled(0x09), 0)
		require.NoError(t, err)

		_, err = op.AddFile("old.pcl")
		require.ErrorIs(t, err, ErrFileExists)
		return op.ReleasePageFromWrite(page)
	})
	require.NoError(t, err)

	require.Equal(t, filled(0x09), env.cachedPage(t, fileID, 0))
	require.Nil(t, env.cachedPage(t, fileID, 1))
	require.Contains(t, env.wal.types(1), wal.RecordTypeFileTruncated)
}

func TestManager_DeleteAndTruncate(t *testing.T) {
	env := newTestEnv(t)
	doomed := env.createFile(t, "doomed.pcl", 0x01)
	shrunk := env.createFile(t, "shrunk.pcl", 0x01, 0x02)

	err := env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(_ context.Context, op *AtomicOperation) error {
		require.NoError(t, op.DeleteFile(doomed))
		require.NoError(t, op.TruncateFile(shrunk))
		page, err := op.LoadPageForWrite(shrunk, 0, true)
		require.NoError(t, err)
		require.Nil(t, page)

		// A file added and deleted by the same operation leaves no trace.
		temp, err := op.AddFile("temp.pcl")
		require.NoError(t, err)
		return op.DeleteFile(temp)
	})
	require.NoError(t, err)

	_, ok := env.wc.FileID("doomed.pcl")
	require.False(t, ok)
	_, ok = env.wc.FileID("temp.pcl")
	require.False(t, ok)
	filledUpTo, err := env.wc.FilledUpTo(shrunk)
	require.NoError(t, err)
	require.Zero(t, filledUpTo)
	require.Equal(t, []wal.RecordType{
		wal.RecordTypeAtomicUnitStart,
		wal.RecordTypeFileDeleted,
		wal.RecordTypeFileTruncated,
		wal.RecordTypeAtomicUnitEnd,
	}, env.wal.types(2))
}

func TestManager_ReadOnlyPages(t *testing.T) {
	env := newTestEnv(t)
	fileID := env.createFile(t, "tree.pcl", 0x05)

	err := env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(_ context.Context, op *AtomicOperation) error {
		page, err := op.LoadPageForRead(fileID, 0)
		require.NoError(t, err)
		_, err = page.WriteAt([]byte{1}, 0)
		require.ErrorIs(t, err, ErrReadOnlyPage)
		buf := make([]byte, 4)
		n, err := page.ReadAt(buf, 2)
		require.NoError(t, err)
		require.Equal(t, 4, n)
		require.Equal(t, []byte{5, 5, 5, 5}, buf)
		op.ReleasePageFromRead(page)
		op.ReleasePageFromRead(page)

		missing, err := op.LoadPageForRead(fileID, 9)
		require.NoError(t, err)
		require.Nil(t, missing)
		return nil
	})
	require.NoError(t, err)
}

func TestManager_FreezeBlocksNewOperations(t *testing.T) {
	env := newTestEnv(t)

	id := env.m.FreezeAtomicOperations(nil)
	require.True(t, env.m.Frozen())

	started := make(chan error, 1)
	go func() {
		started <- env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(context.Context, *AtomicOperation) error { return nil })
	}()
	select {
	case <-started:
		t.Fatal("operation started while frozen")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, env.m.ReleaseAtomicOperations(id))
	require.NoError(t, <-started)
	require.ErrorIs(t, env.m.ReleaseAtomicOperations(id), ErrUnknownFreezeID)

	// A blocked start gives up with its context.
	id = env.m.FreezeAtomicOperations(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := env.m.StartAtomicOperation(ctx, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, env.m.ReleaseAtomicOperations(id))
}

func TestManager_FreezeFailMode(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *Dependencies) { cfg.FreezeMode = FreezeModeFail })
	reason := errors.New("backup in progress")

	id := env.m.FreezeAtomicOperations(reason)
	_, _, err := env.m.StartAtomicOperation(context.Background(), nil)
	require.ErrorIs(t, err, ErrOperationsFrozen)
	require.ErrorIs(t, err, reason)
	require.NoError(t, env.m.ReleaseAtomicOperations(id))

	_, err = NewManager(Config{FreezeMode: "maybe"}, Dependencies{})
	require.Error(t, err)
}

func TestManager_FreezeWaitsForRunningOperations(t *testing.T) {
	env := newTestEnv(t)

	ctx, op, err := env.m.StartAtomicOperation(context.Background(), nil)
	require.NoError(t, err)

	frozen := make(chan int64, 1)
	go func() { frozen <- env.m.FreezeAtomicOperations(nil) }()
	select {
	case <-frozen:
		t.Fatal("freeze returned while an operation was running")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, env.m.EndAtomicOperation(ctx, op, nil))
	require.NoError(t, env.m.ReleaseAtomicOperations(<-frozen))
}

func TestManager_FreezeComponentOperations(t *testing.T) {
	env := newTestEnv(t)

	id := env.m.FreezeComponentOperations()
	done := make(chan error, 1)
	go func() {
		done <- env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(ctx context.Context, op *AtomicOperation) error {
			return env.m.ExecuteInsideComponentOperation(ctx, op, "tree", func(context.Context) error { return nil })
		})
	}()
	select {
	case <-done:
		t.Fatal("component operation ran while frozen")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, env.m.ReleaseComponentOperations(id))
	require.NoError(t, <-done)
}

func TestManager_ConcurrentOperations(t *testing.T) {
	env := newTestEnv(t)
	fileID := env.createFile(t, "counter.pcl", 0x00)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 25; j++ {
				err := env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(ctx context.Context, op *AtomicOperation) error {
					return env.m.ExecuteInsideComponentOperation(ctx, op, "counter", func(context.Context) error {
						page, err := op.LoadPageForWrite(fileID, 0, true)
						if err != nil {
							return err
						}
						counter := page.Bytes()[0]
						if _, err := page.WriteAt([]byte{counter + 1}, 0); err != nil {
							return err
						}
						return op.ReleasePageFromWrite(page)
					})
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, byte(200), env.cachedPage(t, fileID, 0)[0])
	require.Zero(t, env.m.ActiveOperations())
}

func TestManager_RecordsSpansAndMetrics(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := internaltelemetry.NewAtomicOperationMetrics(mp.Meter("test"))
	require.NoError(t, err)

	env := newTestEnv(t, func(_ *Config, deps *Dependencies) {
		deps.Tracer = tp.Tracer("test")
		deps.Metrics = metrics
	})

	require.NoError(t, env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(ctx context.Context, op *AtomicOperation) error {
		return env.m.ExecuteInsideComponentOperation(ctx, op, "tree", func(context.Context) error { return nil })
	}))
	require.Error(t, env.m.ExecuteInsideAtomicOperation(context.Background(), nil, func(context.Context, *AtomicOperation) error {
		return errBoom
	}))

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	require.Equal(t, "tree", spans[0].Name())
	require.Equal(t, "atomic_operation", spans[1].Name())
	require.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	require.Contains(t, spans[1].Attributes(), attribute.String("operation.status", "committed"))
	require.Contains(t, spans[2].Attributes(), attribute.String("operation.status", "rolled_back"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	require.Equal(t, int64(2), sums["gojostore.atomic_operations.started_total"])
	require.Equal(t, int64(1), sums["gojostore.atomic_operations.committed_total"])
	require.Equal(t, int64(1), sums["gojostore.atomic_operations.rolled_back_total"])
	require.Equal(t, int64(0), sums["gojostore.atomic_operations.active"])
}
