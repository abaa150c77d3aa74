// Package atomicops groups page and file changes into atomic operations that
// reach the write-ahead log and the page caches all at once or not at all.
package atomicops

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sushant-115/gojostore/core/transaction"
	"github.com/sushant-115/gojostore/core/transaction/lockmanager"
	"github.com/sushant-115/gojostore/core/write_engine/cache"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Storage is the owner of the manager. Fatal failures are reported to it.
type Storage interface {
	Name() string
	CheckErrorState() error
	MoveToErrorStateIfNeeded(err error)
}

// WriteAheadLog is the part of the log the manager writes to.
type WriteAheadLog interface {
	ActiveSegment() int64
	LogAtomicOperationStart(isNew bool, operationID int64) (pagemanager.LSN, error)
	LogAtomicOperationEnd(operationID int64, rollback bool, metadata map[string][]byte) (pagemanager.LSN, error)
	LogUpdatePage(operationID int64, fileID uint64, pageIndex uint32, image []byte) (pagemanager.LSN, error)
	LogFileCreated(operationID int64, fileID uint64, name string) (pagemanager.LSN, error)
	LogFileDeleted(operationID int64, fileID uint64) (pagemanager.LSN, error)
	LogFileTruncated(operationID int64, fileID uint64) (pagemanager.LSN, error)
	AddEventAt(lsn pagemanager.LSN, callback func())
}

// WriteCache is the write cache plus the file name bookkeeping atomic
// operations need before a new file is created.
type WriteCache interface {
	cache.WriteCache
	BookFileID(name string) (uint64, error)
	FileID(name string) (uint64, bool)
	FileName(fileID uint64) (string, bool)
}

type Config struct {
	FreezeMode FreezeMode `yaml:"freeze_mode"`
	// FirstOperationID must match the id offset of the operations table.
	FirstOperationID int64 `yaml:"-"`
}

type Dependencies struct {
	Storage     Storage
	WAL         WriteAheadLog
	ReadCache   *cache.ReadCache
	WriteCache  WriteCache
	Table       *transaction.AtomicOperationsTable
	LockManager *lockmanager.LockManager
	Logger      *zap.Logger
	Metrics     *internaltelemetry.AtomicOperationMetrics
	Tracer      trace.Tracer
}

// Manager starts and ends atomic operations of one storage.
type Manager struct {
	storage    Storage
	wal        WriteAheadLog
	readCache  *cache.ReadCache
	writeCache WriteCache
	table      *transaction.AtomicOperationsTable
	locks      *lockmanager.LockManager
	logger     *zap.Logger
	metrics    *internaltelemetry.AtomicOperationMetrics
	tracer     trace.Tracer

	idGen                      atomic.Int64
	atomicOperationsFreezer    *operationsFreezer
	componentOperationsFreezer *operationsFreezer
}

type operationKey struct{}

// OperationFromContext returns the running atomic operation started on ctx.
func OperationFromContext(ctx context.Context) (*AtomicOperation, bool) {
	op, ok := ctx.Value(operationKey{}).(*AtomicOperation)
	if !ok || op == nil || op.ended {
		return nil, false
	}
	return op, true
}

func NewManager(cfg Config, deps Dependencies) (*Manager, error) {
	if deps.Storage == nil || deps.WAL == nil || deps.ReadCache == nil || deps.WriteCache == nil || deps.Table == nil {
		return nil, errors.New("atomic operations manager requires storage, wal, read cache, write cache and table")
	}
	switch cfg.FreezeMode {
	case "":
		cfg.FreezeMode = FreezeModeBlock
	case FreezeModeBlock, FreezeModeFail:
	default:
		return nil, fmt.Errorf("unknown freeze mode %q", cfg.FreezeMode)
	}
	if deps.LockManager == nil {
		deps.LockManager = lockmanager.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/sushant-115/gojostore/core/transaction/atomicops")
	}

	m := &Manager{
		storage:                    deps.Storage,
		wal:                        deps.WAL,
		readCache:                  deps.ReadCache,
		writeCache:                 deps.WriteCache,
		table:                      deps.Table,
		locks:                      deps.LockManager,
		logger:                     deps.Logger.Named("atomic_operations"),
		metrics:                    deps.Metrics,
		tracer:                     deps.Tracer,
		atomicOperationsFreezer:    newOperationsFreezer(cfg.FreezeMode),
		componentOperationsFreezer: newOperationsFreezer(FreezeModeBlock),
	}
	m.idGen.Store(cfg.FirstOperationID)
	return m, nil
}

// --- Lifecycle ---

// StartAtomicOperation begins a new operation and returns a context carrying
// it. Starting a second operation on that context fails with
// ErrAtomicOperationAlreadyStarted.
func (m *Manager) StartAtomicOperation(ctx context.Context, metadata map[string][]byte) (context.Context, *AtomicOperation, error) {
	if _, ok := OperationFromContext(ctx); ok {
		return ctx, nil, ErrAtomicOperationAlreadyStarted
	}
	if err := m.storage.CheckErrorState(); err != nil {
		return ctx, nil, err
	}
	if err := m.atomicOperationsFreezer.startOperation(ctx); err != nil {
		return ctx, nil, err
	}

	id := m.idGen.Add(1) - 1
	if err := m.table.StartOperation(id, m.wal.ActiveSegment()); err != nil {
		m.atomicOperationsFreezer.endOperation()
		return ctx, nil, err
	}
	startLSN, err := m.wal.LogAtomicOperationStart(true, id)
	if err != nil {
		m.atomicOperationsFreezer.endOperation()
		if rbErr := m.table.RollbackOperation(id); rbErr != nil {
			err = multierr.Append(err, rbErr)
		}
		m.storage.MoveToErrorStateIfNeeded(err)
		return ctx, nil, &OperationError{Storage: m.storage.Name(), OperationID: id, Err: err}
	}

	op := newAtomicOperation(id, startLSN, m.readCache, m.writeCache, m.logger)
	for k, v := range metadata {
		op.AddMetadata(k, v)
	}
	ctx, op.span = m.tracer.Start(ctx, "atomic_operation",
		trace.WithAttributes(attribute.Int64("operation.id", id), attribute.String("storage", m.storage.Name())))
	m.metrics.RecordStart()
	m.logger.Debug("Atomic operation started", zap.Int64("operationID", id), zap.Stringer("startLSN", startLSN))
	return context.WithValue(ctx, operationKey{}, op), op, nil
}

// EndAtomicOperation commits the operation, or rolls it back when cause is not
// nil. Every lock taken by the operation is released on all paths. A returned
// error means the storage could not reach a consistent state.
func (m *Manager) EndAtomicOperation(ctx context.Context, op *AtomicOperation, cause error) (err error) {
	if op == nil {
		return ErrNoAtomicOperation
	}
	if op.ended {
		return fmt.Errorf("%w: %d", ErrAtomicOperationEnded, op.id)
	}
	op.ended = true
	if n := op.releasePinnedPages(); n > 0 {
		m.logger.Warn("Released pages left pinned by atomic operation",
			zap.Int64("operationID", op.id), zap.Int("pages", n))
	}

	defer func() {
		m.releaseLocks(op)
		m.atomicOperationsFreezer.endOperation()
		m.finishSpan(op, cause, err)
		m.metrics.RecordEnd(op.rollback, time.Since(op.started))
	}()

	if cause != nil || op.rollback {
		op.rollback = true
		return m.rollback(op, cause)
	}

	endLSN, err := op.commitChanges(m.wal)
	if err != nil {
		op.rollback = true
		m.storage.MoveToErrorStateIfNeeded(err)
		if rbErr := m.table.RollbackOperation(op.id); rbErr != nil {
			err = multierr.Append(err, rbErr)
		}
		m.logger.Error("Atomic operation commit failed", zap.Int64("operationID", op.id), zap.Error(err))
		return err
	}
	if err := m.table.CommitOperation(op.id); err != nil {
		m.storage.MoveToErrorStateIfNeeded(err)
		return err
	}

	id := op.id
	m.wal.AddEventAt(endLSN, func() {
		if err := m.table.PersistOperation(id); err != nil {
			m.logger.Error("Failed to mark atomic operation persisted", zap.Int64("operationID", id), zap.Error(err))
			m.storage.MoveToErrorStateIfNeeded(err)
		}
	})
	m.logger.Debug("Atomic operation committed", zap.Int64("operationID", id), zap.Stringer("endLSN", endLSN))
	return nil
}

func (m *Manager) rollback(op *AtomicOperation, cause error) error {
	var err error
	if _, logErr := m.wal.LogAtomicOperationEnd(op.id, true, nil); logErr != nil {
		err = logErr
	}
	if tErr := m.table.RollbackOperation(op.id); tErr != nil {
		err = multierr.Append(err, tErr)
	}
	if err != nil {
		m.storage.MoveToErrorStateIfNeeded(err)
		m.logger.Error("Atomic operation rollback failed", zap.Int64("operationID", op.id), zap.Error(err))
		return err
	}
	m.logger.Debug("Atomic operation rolled back", zap.Int64("operationID", op.id), zap.NamedError("cause", cause))
	return nil
}

func (m *Manager) releaseLocks(op *AtomicOperation) {
	for i := len(op.lockedObjects) - 1; i >= 0; i-- {
		m.locks.ReleaseExclusiveLock(op.lockedObjects[i])
	}
	op.lockedObjects = nil
	clear(op.lockedSet)
}

func (m *Manager) finishSpan(op *AtomicOperation, cause, err error) {
	if op.span == nil {
		return
	}
	status := "committed"
	if op.rollback {
		status = "rolled_back"
	}
	op.span.SetAttributes(attribute.String("operation.status", status))
	if failure := multierr.Append(cause, err); failure != nil {
		op.span.RecordError(failure)
		op.span.SetStatus(codes.Error, failure.Error())
	}
	op.span.End()
}

// ExecuteInsideAtomicOperation runs fn inside a new atomic operation. The
// operation commits if fn returns nil and rolls back otherwise. A panic in fn
// rolls the operation back and is re-raised.
func (m *Manager) ExecuteInsideAtomicOperation(ctx context.Context, metadata map[string][]byte, fn func(ctx context.Context, op *AtomicOperation) error) error {
	ctx, op, err := m.StartAtomicOperation(ctx, metadata)
	if err != nil {
		return err
	}

	ended := false
	defer func() {
		if ended {
			return
		}
		// fn either panicked or called runtime.Goexit.
		r := recover()
		cause := fmt.Errorf("%w: %v", ErrOperationPanicked, r)
		if endErr := m.EndAtomicOperation(ctx, op, cause); endErr != nil {
			m.logger.Error("Failed to end atomic operation after abnormal exit", zap.Int64("operationID", op.id), zap.Error(endErr))
		}
		if r != nil {
			panic(r)
		}
	}()

	fnErr := fn(ctx, op)
	ended = true
	endErr := m.EndAtomicOperation(ctx, op, fnErr)
	if fnErr == nil && endErr == nil {
		return nil
	}
	return &OperationError{Storage: m.storage.Name(), OperationID: op.id, Err: multierr.Append(fnErr, endErr)}
}

// CalculateInsideAtomicOperation is ExecuteInsideAtomicOperation for bodies
// that produce a value.
func CalculateInsideAtomicOperation[T any](ctx context.Context, m *Manager, metadata map[string][]byte, fn func(ctx context.Context, op *AtomicOperation) (T, error)) (T, error) {
	var result T
	err := m.ExecuteInsideAtomicOperation(ctx, metadata, func(ctx context.Context, op *AtomicOperation) error {
		var err error
		result, err = fn(ctx, op)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// --- Components ---

// ExecuteInsideComponentOperation runs fn with the component locked till the
// end of op. Errors from fn are wrapped in a ComponentError.
func (m *Manager) ExecuteInsideComponentOperation(ctx context.Context, op *AtomicOperation, component string, fn func(ctx context.Context) error) error {
	if op == nil {
		return ErrNoAtomicOperation
	}
	if op.ended {
		return fmt.Errorf("%w: %d", ErrAtomicOperationEnded, op.id)
	}
	m.AcquireExclusiveLockTillOperationComplete(op, component)

	if err := m.startComponentOperation(ctx, op); err != nil {
		return err
	}
	defer m.endComponentOperation(op)

	ctx, span := m.tracer.Start(ctx, component)
	defer span.End()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	var ce *ComponentError
	if errors.As(err, &ce) {
		return err
	}
	return &ComponentError{Component: component, Storage: m.storage.Name(), Err: err}
}

// Only the outermost component operation of an atomic operation is counted by
// the component freezer.
func (m *Manager) startComponentOperation(ctx context.Context, op *AtomicOperation) error {
	if op.componentOperations == 0 {
		if err := m.componentOperationsFreezer.startOperation(ctx); err != nil {
			return err
		}
	}
	op.componentOperations++
	return nil
}

func (m *Manager) endComponentOperation(op *AtomicOperation) {
	op.componentOperations--
	if op.componentOperations == 0 {
		m.componentOperationsFreezer.endOperation()
	}
}

// AcquireExclusiveLockTillOperationComplete locks lockName until op ends.
// Locks already held by op are not taken again.
func (m *Manager) AcquireExclusiveLockTillOperationComplete(op *AtomicOperation, lockName string) {
	if op.containsLockedObject(lockName) {
		return
	}
	m.locks.AcquireExclusiveLock(lockName)
	op.addLockedObject(lockName)
}

// AcquireReadLock takes the shared side of lockName. It is a no-op when the
// operation carried by ctx already holds the lock exclusively.
func (m *Manager) AcquireReadLock(ctx context.Context, lockName string) {
	if op, ok := OperationFromContext(ctx); ok && op.containsLockedObject(lockName) {
		return
	}
	m.locks.AcquireSharedLock(lockName)
}

func (m *Manager) ReleaseReadLock(ctx context.Context, lockName string) {
	if op, ok := OperationFromContext(ctx); ok && op.containsLockedObject(lockName) {
		return
	}
	m.locks.ReleaseSharedLock(lockName)
}

// --- Freezing ---

// FreezeAtomicOperations holds back new atomic operations and waits for the
// running ones to end. reason is reported to callers rejected in fail mode.
func (m *Manager) FreezeAtomicOperations(reason error) int64 {
	id := m.atomicOperationsFreezer.freeze(reason)
	m.logger.Info("Atomic operations frozen", zap.Int64("freezeID", id), zap.NamedError("reason", reason))
	return id
}

func (m *Manager) ReleaseAtomicOperations(id int64) error {
	if err := m.atomicOperationsFreezer.release(id); err != nil {
		return err
	}
	m.logger.Info("Atomic operations released", zap.Int64("freezeID", id))
	return nil
}

// FreezeComponentOperations holds back new top level component operations and
// waits for the running ones to end.
func (m *Manager) FreezeComponentOperations() int64 {
	return m.componentOperationsFreezer.freeze(nil)
}

func (m *Manager) ReleaseComponentOperations(id int64) error {
	return m.componentOperationsFreezer.release(id)
}

// ActiveOperations is the number of atomic operations currently running.
func (m *Manager) ActiveOperations() int64 {
	return m.atomicOperationsFreezer.activeOperations()
}

func (m *Manager) Frozen() bool { return m.atomicOperationsFreezer.frozen() }

// NextOperationID is the id the next started operation will get.
func (m *Manager) NextOperationID() int64 { return m.idGen.Load() }
