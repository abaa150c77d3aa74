// Package storageengine ties the page caches, the write-ahead log and the
// atomic operations manager into one storage living in a single directory.
package storageengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"github.com/sushant-115/gojostore/core/transaction"
	"github.com/sushant-115/gojostore/core/transaction/atomicops"
	"github.com/sushant-115/gojostore/core/write_engine/cache"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPageSize           = 8 << 10
	DefaultTableSize          = 1024
	DefaultCompactionInterval = 10_000
	DefaultReadCacheMaxMemory = 64 << 20

	identityFileName = "storage.yaml"
	dataDirName      = "data"
	walDirName       = "wal"
)

// AtomicOperationsConfig holds the settings of the operations table and the
// manager.
type AtomicOperationsConfig struct {
	TableSize               int                  `yaml:"table_size"`
	TableCompactionInterval int64                `yaml:"table_compaction_interval"`
	FreezeMode              atomicops.FreezeMode `yaml:"freeze_mode"`
}

// BackupConfig tunes Backup.
type BackupConfig struct {
	// RateLimit caps the copy throughput in bytes per second. Zero disables it.
	RateLimit     int64 `yaml:"rate_limit"`
	Compress      bool  `yaml:"compress"`
	LowerPriority bool  `yaml:"lower_priority"`
}

// Config holds the settings of one storage.
type Config struct {
	Name         string                    `yaml:"name"`
	Path         string                    `yaml:"path"`
	StorageID    uint32                    `yaml:"storage_id"`
	PageSize     int                       `yaml:"page_size"`
	ChecksumMode flushmanager.ChecksumMode `yaml:"checksum_mode"`
	// CheckpointInterval is the period of background fuzzy checkpoints. Zero
	// disables them.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	ReadCache        cache.Config           `yaml:"read_cache"`
	WriteCache       flushmanager.Config    `yaml:"write_cache"`
	WAL              wal.Config             `yaml:"wal"`
	AtomicOperations AtomicOperationsConfig `yaml:"atomic_operations"`
	Backup           BackupConfig           `yaml:"backup"`
}

func (c *Config) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.ReadCache.MaxMemory <= 0 {
		c.ReadCache.MaxMemory = DefaultReadCacheMaxMemory
	}
	if c.AtomicOperations.TableSize <= 0 {
		c.AtomicOperations.TableSize = DefaultTableSize
	}
	if c.AtomicOperations.TableCompactionInterval <= 0 {
		c.AtomicOperations.TableCompactionInterval = DefaultCompactionInterval
	}
	c.WriteCache.Dir = filepath.Join(c.Path, dataDirName)
	c.WriteCache.StorageID = c.StorageID
	c.WriteCache.ChecksumMode = c.ChecksumMode
	c.WAL.Dir = filepath.Join(c.Path, walDirName)
}

func (c *Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if c.Path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidConfig)
	}
	switch c.ChecksumMode {
	case "", flushmanager.ChecksumOff, flushmanager.ChecksumStore, flushmanager.ChecksumVerify:
	default:
		return fmt.Errorf("%w: unknown checksum mode %q", ErrInvalidConfig, c.ChecksumMode)
	}
	return nil
}

// Options carry the collaborators a storage may share with others.
type Options struct {
	Logger *zap.Logger
	// ReadCache is shared between storages when set. Its page size must match.
	ReadCache *cache.ReadCache
	Meter     metric.Meter
	Tracer    trace.Tracer
}

// identity is persisted in the storage root and guards against opening a
// directory with the wrong settings.
type identity struct {
	ID              string    `yaml:"id"`
	Name            string    `yaml:"name"`
	StorageID       uint32    `yaml:"storage_id"`
	PageSize        int       `yaml:"page_size"`
	NextOperationID int64     `yaml:"next_operation_id"`
	CreatedAt       time.Time `yaml:"created_at"`
}

// Storage owns one write cache and one write-ahead log and runs atomic
// operations over them. Pages are served by a read cache that may be shared.
type Storage struct {
	cfg    Config
	logger *zap.Logger
	id     identity

	bufferPool    *pagemanager.BufferPool
	readCache     *cache.ReadCache
	ownsReadCache bool
	writeCache    *flushmanager.DiskWriteCache
	wal           *wal.LogManager
	table         *transaction.AtomicOperationsTable
	atomicOps     *atomicops.Manager

	errState     atomic.Pointer[error]
	closed       atomic.Bool
	checkpointMu sync.Mutex

	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the storage in cfg.Path and replays the committed
// operations found in its log.
func Open(ctx context.Context, cfg Config, opts Options) (s *Storage, err error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReadCache != nil && opts.ReadCache.PageSize() != cfg.PageSize {
		return nil, fmt.Errorf("%w: shared read cache page size %d differs from %d",
			ErrInvalidConfig, opts.ReadCache.PageSize(), cfg.PageSize)
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", cfg.Path, err)
	}

	s = &Storage{
		cfg:        cfg,
		logger:     opts.Logger.Named("storage").With(zap.String("storage", cfg.Name)),
		bufferPool: pagemanager.NewBufferPool(cfg.PageSize),
		stopChan:   make(chan struct{}),
	}
	if s.id, err = loadIdentity(cfg); err != nil {
		return nil, err
	}

	metrics, err := newStorageMetrics(opts.Meter, opts.ReadCache == nil)
	if err != nil {
		return nil, err
	}

	if s.wal, err = wal.NewLogManager(cfg.WAL, opts.Logger, metrics.wal); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.wal.Close())
		}
	}()
	if s.writeCache, err = flushmanager.NewDiskWriteCache(cfg.WriteCache, s.bufferPool, s.wal, opts.Logger); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.writeCache.Close())
		}
	}()

	s.readCache = opts.ReadCache
	if s.readCache == nil {
		if s.readCache, err = cache.NewReadCache(cfg.ReadCache, s.bufferPool, opts.Logger, metrics.readCache); err != nil {
			return nil, err
		}
		s.ownsReadCache = true
		if opts.Meter != nil {
			readCache := s.readCache
			if err = internaltelemetry.RegisterSizeGauge(opts.Meter, func() int64 { return int64(readCache.Size()) }); err != nil {
				return nil, err
			}
		}
	}

	stats, err := s.recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery of storage %s failed: %w", cfg.Name, err)
	}
	firstID := max(s.id.NextOperationID, stats.maxOperationID+1)

	s.table = transaction.NewAtomicOperationsTable(cfg.AtomicOperations.TableSize, firstID, cfg.AtomicOperations.TableCompactionInterval)
	s.atomicOps, err = atomicops.NewManager(atomicops.Config{
		FreezeMode:       cfg.AtomicOperations.FreezeMode,
		FirstOperationID: firstID,
	}, atomicops.Dependencies{
		Storage:    s,
		WAL:        s.wal,
		ReadCache:  s.readCache,
		WriteCache: s.writeCache,
		Table:      s.table,
		Logger:     opts.Logger,
		Metrics:    metrics.atomicOps,
		Tracer:     opts.Tracer,
	})
	if err != nil {
		return nil, err
	}

	if cfg.CheckpointInterval > 0 {
		s.wg.Add(1)
		go s.checkpointLoop()
	}

	s.logger.Info("Storage opened",
		zap.String("id", s.id.ID),
		zap.String("path", cfg.Path),
		zap.Uint32("storageID", cfg.StorageID),
		zap.Int("pageSize", cfg.PageSize),
		zap.Int("files", len(s.writeCache.Files())),
		zap.Int("replayedOperations", stats.applied),
		zap.Int64("firstOperationID", firstID))
	return s, nil
}

type storageMetrics struct {
	readCache *internaltelemetry.ReadCacheMetrics
	wal       *internaltelemetry.WALMetrics
	atomicOps *internaltelemetry.AtomicOperationMetrics
}

func newStorageMetrics(meter metric.Meter, withReadCache bool) (storageMetrics, error) {
	var m storageMetrics
	if meter == nil {
		return m, nil
	}
	var err error
	if withReadCache {
		if m.readCache, err = internaltelemetry.NewReadCacheMetrics(meter); err != nil {
			return m, err
		}
	}
	if m.wal, err = internaltelemetry.NewWALMetrics(meter); err != nil {
		return m, err
	}
	if m.atomicOps, err = internaltelemetry.NewAtomicOperationMetrics(meter); err != nil {
		return m, err
	}
	return m, nil
}

func loadIdentity(cfg Config) (identity, error) {
	path := filepath.Join(cfg.Path, identityFileName)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id := identity{
			ID:        uuid.NewString(),
			Name:      cfg.Name,
			StorageID: cfg.StorageID,
			PageSize:  cfg.PageSize,
			CreatedAt: time.Now().UTC(),
		}
		return id, saveIdentity(cfg.Path, id)
	}
	if err != nil {
		return identity{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var id identity
	if err := yaml.Unmarshal(raw, &id); err != nil {
		return identity{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if id.PageSize != cfg.PageSize {
		return identity{}, fmt.Errorf("%w: page size is %d, configured %d", ErrIdentityMismatch, id.PageSize, cfg.PageSize)
	}
	if id.StorageID != cfg.StorageID {
		return identity{}, fmt.Errorf("%w: storage id is %d, configured %d", ErrIdentityMismatch, id.StorageID, cfg.StorageID)
	}
	return id, nil
}

func saveIdentity(dir string, id identity) error {
	raw, err := yaml.Marshal(id)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, identityFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// --- Accessors ---

func (s *Storage) Name() string { return s.cfg.Name }

// ID is the unique id generated when the storage was created.
func (s *Storage) ID() string                               { return s.id.ID }
func (s *Storage) Path() string                             { return s.cfg.Path }
func (s *Storage) PageSize() int                            { return s.cfg.PageSize }
func (s *Storage) AtomicOperations() *atomicops.Manager     { return s.atomicOps }
func (s *Storage) ReadCache() *cache.ReadCache              { return s.readCache }
func (s *Storage) WriteCache() *flushmanager.DiskWriteCache { return s.writeCache }
func (s *Storage) WAL() *wal.LogManager                     { return s.wal }

// --- Error state ---

// CheckErrorState fails once the storage hit a fatal error or was closed.
func (s *Storage) CheckErrorState() error {
	if cause := s.errState.Load(); cause != nil {
		return fmt.Errorf("%w: %s: %w", common.ErrStorageInErrorState, s.cfg.Name, *cause)
	}
	if s.closed.Load() {
		return fmt.Errorf("%w: %s", ErrStorageClosed, s.cfg.Name)
	}
	return nil
}

// MoveToErrorStateIfNeeded records the first fatal error. Later errors are
// ignored.
func (s *Storage) MoveToErrorStateIfNeeded(err error) {
	if err == nil {
		return
	}
	if s.errState.CompareAndSwap(nil, &err) {
		s.logger.Error("Storage moved to error state", zap.Error(err))
	}
}

// --- Shutdown ---

// Close waits for running operations, checkpoints and closes the storage.
// Operations started afterwards fail.
func (s *Storage) Close() error {
	s.shutdown(false)
	return s.closeErr
}

// Delete closes the storage without flushing and removes its directory.
func (s *Storage) Delete() error {
	s.shutdown(true)
	return multierr.Append(s.closeErr, os.RemoveAll(s.cfg.Path))
}

func (s *Storage) shutdown(deleteFiles bool) {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()

		freezeID := s.atomicOps.FreezeAtomicOperations(ErrStorageClosed)
		var err error
		if !deleteFiles && s.errState.Load() == nil {
			err = s.FullCheckpoint(context.Background())
		}
		s.closed.Store(true)

		if deleteFiles {
			err = multierr.Append(err, s.readCache.DeleteStorage(s.writeCache))
			err = multierr.Append(err, s.wal.Delete())
		} else {
			s.id.NextOperationID = s.atomicOps.NextOperationID()
			err = multierr.Append(err, saveIdentity(s.cfg.Path, s.id))
			err = multierr.Append(err, s.readCache.CloseStorage(s.writeCache))
			err = multierr.Append(err, s.wal.Close())
		}
		if s.ownsReadCache {
			err = multierr.Append(err, s.readCache.Clear())
		}
		// Operations held back by the freeze now fail on the closed storage.
		err = multierr.Append(err, s.atomicOps.ReleaseAtomicOperations(freezeID))

		s.closeErr = err
		s.logger.Info("Storage closed", zap.Bool("deleted", deleteFiles), zap.Error(err))
	})
}
