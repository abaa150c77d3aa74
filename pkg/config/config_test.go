package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojostore/core/transaction/atomicops"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gojostore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadParsesHumanSizes(t *testing.T) {
	path := writeConfig(t, `
storage:
  name: pages
  path: /var/lib/gojostore
  storage_id: 3
  page_size: 4KiB
  checksum_mode: store
read_cache:
  max_memory: 256MiB
  track_hit_rate: true
wal:
  segment_size: 16 MiB
  flush_interval: 250ms
atomic_operations:
  freeze_mode: fail
backup:
  rate_limit: 10MB
  compress: true
logger:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "pages", cfg.Storage.Name)
	require.EqualValues(t, 4096, cfg.Storage.PageSize)
	require.Equal(t, flushmanager.ChecksumStore, cfg.Storage.ChecksumMode)
	require.Equal(t, int64(256<<20), cfg.ReadCacheMaxMemory())
	require.Equal(t, int64(16<<20), cfg.WALSegmentSize())
	require.Equal(t, int64(10_000_000), cfg.BackupRateLimit())
	require.Equal(t, 250*time.Millisecond, cfg.WAL.FlushInterval)
	require.Equal(t, atomicops.FreezeModeFail, cfg.AtomicOperations.FreezeMode)
	require.Equal(t, "debug", cfg.Logger.Level)
	// Untouched sections keep their defaults.
	require.Equal(t, Default().WriteCache, cfg.WriteCache)

	engine := cfg.StorageEngine()
	require.Equal(t, "/var/lib/gojostore", engine.Path)
	require.Equal(t, uint32(3), engine.StorageID)
	require.Equal(t, 4096, engine.PageSize)
	require.Equal(t, int64(256<<20), engine.ReadCache.MaxMemory)
	require.True(t, engine.ReadCache.TrackHitRate)
	require.True(t, engine.Backup.Compress)
	require.Equal(t, atomicops.FreezeModeFail, engine.AtomicOperations.FreezeMode)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"page size":     "storage:\n  page_size: 3000\n",
		"checksum mode": "storage:\n  checksum_mode: sometimes\n",
		"freeze mode":   "atomic_operations:\n  freeze_mode: maybe\n",
		"tiny cache":    "read_cache:\n  max_memory: 1KiB\n",
		"empty name":    "storage:\n  name: \"\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadReportsSyntaxErrors(t *testing.T) {
	_, err := Load(writeConfig(t, "read_cache:\n  max_memory: lots\n"))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrInvalidConfig)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestByteSizeMarshalsExactly(t *testing.T) {
	out, err := yaml.Marshal(struct {
		Size ByteSize `yaml:"size"`
	}{Size: 1500})
	require.NoError(t, err)
	require.Equal(t, "size: 1500\n", string(out))
	require.Equal(t, "1.5 KiB", ByteSize(1536).String())
}
