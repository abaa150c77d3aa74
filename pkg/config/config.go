// Package config loads the gojostore YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"github.com/sushant-115/gojostore/core/transaction/atomicops"
	"github.com/sushant-115/gojostore/core/write_engine/cache"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// ByteSize is a size written either as a plain integer or as a human string
// such as "256MiB" or "4 kB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	n, err := humanize.ParseBytes(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML writes the exact byte count; IBytes rounds.
func (b ByteSize) MarshalYAML() (any, error) {
	return int64(b), nil
}

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

type StorageConfig struct {
	Name         string                    `yaml:"name"`
	Path         string                    `yaml:"path"`
	StorageID    uint32                    `yaml:"storage_id"`
	PageSize     ByteSize                  `yaml:"page_size"`
	ChecksumMode flushmanager.ChecksumMode `yaml:"checksum_mode"`
	// CheckpointInterval of zero disables background checkpoints.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

type ReadCacheConfig struct {
	MaxMemory    ByteSize `yaml:"max_memory"`
	TrackHitRate bool     `yaml:"track_hit_rate"`
}

type WriteCacheConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxDirtyPages int           `yaml:"max_dirty_pages"`
}

type WALConfig struct {
	SegmentSize   ByteSize      `yaml:"segment_size"`
	BufferSize    ByteSize      `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type AtomicOperationsConfig struct {
	TableSize               int                  `yaml:"table_size"`
	TableCompactionInterval int64                `yaml:"table_compaction_interval"`
	FreezeMode              atomicops.FreezeMode `yaml:"freeze_mode"`
}

type BackupConfig struct {
	// RateLimit is in bytes per second. Zero copies at full speed.
	RateLimit     ByteSize `yaml:"rate_limit"`
	Compress      bool     `yaml:"compress"`
	LowerPriority bool     `yaml:"lower_priority"`
}

// Config is the root of the configuration file.
type Config struct {
	Storage          StorageConfig          `yaml:"storage"`
	ReadCache        ReadCacheConfig        `yaml:"read_cache"`
	WriteCache       WriteCacheConfig       `yaml:"write_cache"`
	WAL              WALConfig              `yaml:"wal"`
	AtomicOperations AtomicOperationsConfig `yaml:"atomic_operations"`
	Backup           BackupConfig           `yaml:"backup"`
	Logger           logger.Config          `yaml:"logger"`
	Telemetry        telemetry.Config       `yaml:"telemetry"`
}

// Default returns a configuration that opens a storage under ./data.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Name:               "default",
			Path:               "./data",
			StorageID:          1,
			PageSize:           storageengine.DefaultPageSize,
			ChecksumMode:       flushmanager.ChecksumVerify,
			CheckpointInterval: time.Minute,
		},
		ReadCache:  ReadCacheConfig{MaxMemory: storageengine.DefaultReadCacheMaxMemory},
		WriteCache: WriteCacheConfig{FlushInterval: time.Second, MaxDirtyPages: 16 << 10},
		WAL: WALConfig{
			SegmentSize:   64 << 20,
			BufferSize:    1 << 20,
			FlushInterval: 100 * time.Millisecond,
		},
		AtomicOperations: AtomicOperationsConfig{
			TableSize:               storageengine.DefaultTableSize,
			TableCompactionInterval: storageengine.DefaultCompactionInterval,
			FreezeMode:              atomicops.FreezeModeBlock,
		},
		Logger:    logger.Config{Level: "info", Format: "json", OutputFile: "stderr"},
		Telemetry: telemetry.Config{ServiceName: "gojostore", PrometheusPort: 9464, TraceSampleRatio: 1},
	}
}

// Load reads the file at path. Fields left out of the file keep the values of
// Default.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Storage.Name == "":
		return fmt.Errorf("%w: storage.name is required", ErrInvalidConfig)
	case c.Storage.Path == "":
		return fmt.Errorf("%w: storage.path is required", ErrInvalidConfig)
	case c.Storage.PageSize <= 0 || c.Storage.PageSize&(c.Storage.PageSize-1) != 0:
		return fmt.Errorf("%w: storage.page_size %s is not a power of two", ErrInvalidConfig, c.Storage.PageSize)
	case c.ReadCache.MaxMemory < c.Storage.PageSize:
		return fmt.Errorf("%w: read_cache.max_memory %s holds no page", ErrInvalidConfig, c.ReadCache.MaxMemory)
	case c.WAL.SegmentSize < 0 || c.WAL.BufferSize < 0 || c.Backup.RateLimit < 0:
		return fmt.Errorf("%w: sizes must not be negative", ErrInvalidConfig)
	}
	switch c.Storage.ChecksumMode {
	case flushmanager.ChecksumOff, flushmanager.ChecksumStore, flushmanager.ChecksumVerify:
	default:
		return fmt.Errorf("%w: unknown storage.checksum_mode %q", ErrInvalidConfig, c.Storage.ChecksumMode)
	}
	switch c.AtomicOperations.FreezeMode {
	case "", atomicops.FreezeModeBlock, atomicops.FreezeModeFail:
	default:
		return fmt.Errorf("%w: unknown atomic_operations.freeze_mode %q", ErrInvalidConfig, c.AtomicOperations.FreezeMode)
	}
	return nil
}

// StorageEngine converts the file layout into the settings of one storage.
func (c *Config) StorageEngine() storageengine.Config {
	return storageengine.Config{
		Name:               c.Storage.Name,
		Path:               c.Storage.Path,
		StorageID:          c.Storage.StorageID,
		PageSize:           int(c.Storage.PageSize),
		ChecksumMode:       c.Storage.ChecksumMode,
		CheckpointInterval: c.Storage.CheckpointInterval,
		ReadCache:          cache.Config{MaxMemory: int64(c.ReadCache.MaxMemory), TrackHitRate: c.ReadCache.TrackHitRate},
		WriteCache: flushmanager.Config{
			FlushInterval: c.WriteCache.FlushInterval,
			MaxDirtyPages: c.WriteCache.MaxDirtyPages,
		},
		WAL: wal.Config{
			SegmentSize:   int64(c.WAL.SegmentSize),
			BufferSize:    int(c.WAL.BufferSize),
			FlushInterval: c.WAL.FlushInterval,
		},
		AtomicOperations: storageengine.AtomicOperationsConfig{
			TableSize:               c.AtomicOperations.TableSize,
			TableCompactionInterval: c.AtomicOperations.TableCompactionInterval,
			FreezeMode:              c.AtomicOperations.FreezeMode,
		},
		Backup: storageengine.BackupConfig{
			RateLimit:     int64(c.Backup.RateLimit),
			Compress:      c.Backup.Compress,
			LowerPriority: c.Backup.LowerPriority,
		},
	}
}

// ReadCacheMaxMemory returns the read cache budget in bytes.
func (c *Config) ReadCacheMaxMemory() int64 { return int64(c.ReadCache.MaxMemory) }
func (c *Config) WALSegmentSize() int64     { return int64(c.WAL.SegmentSize) }
func (c *Config) BackupRateLimit() int64    { return int64(c.Backup.RateLimit) }
