package storageengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	commonutils "github.com/sushant-115/gojostore/internal/common_utils"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const (
	manifestFileName = "manifest.yaml"
	compressedSuffix = ".xz"
)

// BackupFile is one copied file. Digest is the blake3 sum of the original
// content.
type BackupFile struct {
	Path       string `yaml:"path"`
	Size       int64  `yaml:"size"`
	Digest     string `yaml:"blake3"`
	Compressed bool   `yaml:"compressed"`
}

// BackupManifest describes a backup directory.
type BackupManifest struct {
	ID          string       `yaml:"id"`
	StorageID   string       `yaml:"storage_id"`
	StorageName string       `yaml:"storage_name"`
	PageSize    int          `yaml:"page_size"`
	CreatedAt   time.Time    `yaml:"created_at"`
	Files       []BackupFile `yaml:"files"`
}

// TotalSize is the uncompressed size of the backup.
func (m *BackupManifest) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

// Backup copies the storage into dir while atomic operations are frozen. Data
// files are throttled and optionally xz compressed; a manifest with a digest
// per file is written last.
func (s *Storage) Backup(ctx context.Context, dir string) (*BackupManifest, error) {
	if err := s.CheckErrorState(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, manifestFileName)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrBackupExists, dir)
	}
	if err := os.MkdirAll(filepath.Join(dir, dataDirName), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory %s: %w", dir, err)
	}

	started := time.Now()
	freezeID, err := s.Freeze(ctx, ErrBackupInProgress)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.Release(freezeID); err != nil {
			s.logger.Error("Failed to release backup freeze", zap.Error(err))
		}
	}()

	manifest := &BackupManifest{
		ID:          uuid.NewString(),
		StorageID:   s.id.ID,
		StorageName: s.cfg.Name,
		PageSize:    s.cfg.PageSize,
		CreatedAt:   started.UTC(),
	}

	type source struct {
		src      string
		rel      string
		compress bool
	}
	sources := []source{
		{src: filepath.Join(s.cfg.Path, identityFileName), rel: identityFileName},
		{src: s.writeCache.RegistryPath(), rel: filepath.Join(dataDirName, filepath.Base(s.writeCache.RegistryPath()))},
	}
	files := s.writeCache.Files()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		path, err := s.writeCache.FilePath(files[name])
		if err != nil {
			return nil, err
		}
		rel := filepath.Join(dataDirName, name)
		if s.cfg.Backup.Compress {
			rel += compressedSuffix
		}
		sources = append(sources, source{src: path, rel: rel, compress: s.cfg.Backup.Compress})
	}

	for _, src := range sources {
		if _, err := os.Stat(src.src); errors.Is(err, os.ErrNotExist) {
			continue
		}
		res, err := common.CopyThrottled(ctx, src.src, filepath.Join(dir, src.rel), common.CopyOptions{
			RateBytesPerSec: s.cfg.Backup.RateLimit,
			Compress:        src.compress,
			LowerPriority:   s.cfg.Backup.LowerPriority,
		}, s.logger)
		if err != nil {
			return nil, fmt.Errorf("backup of %s: %w", src.src, err)
		}
		manifest.Files = append(manifest.Files, BackupFile{
			Path:       filepath.ToSlash(src.rel),
			Size:       res.Bytes,
			Digest:     res.Digest,
			Compressed: src.compress,
		})
	}

	raw, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFileName), raw, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write backup manifest: %w", err)
	}

	s.logger.Info("Backup finished",
		zap.String("backupID", manifest.ID),
		zap.String("dir", dir),
		zap.Int("files", len(manifest.Files)),
		zap.String("size", humanize.IBytes(uint64(manifest.TotalSize()))),
		zap.Bool("compressed", s.cfg.Backup.Compress),
		zap.Duration("elapsed", time.Since(started)))
	return manifest, nil
}

// ReadBackupManifest loads the manifest of a backup directory.
func ReadBackupManifest(dir string) (*BackupManifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, dir)
	}
	if err != nil {
		return nil, err
	}
	var manifest BackupManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse backup manifest in %s: %w", dir, err)
	}
	return &manifest, nil
}

// VerifyBackup recomputes the digest of every file listed in the manifest.
// Every mismatch is reported, wrapped in ErrBackupCorrupted.
func VerifyBackup(ctx context.Context, dir string) (*BackupManifest, error) {
	manifest, err := ReadBackupManifest(dir)
	if err != nil {
		return nil, err
	}

	mismatches := make([]error, len(manifest.Files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(commonutils.NumCPU())
	for i, file := range manifest.Files {
		g.Go(func() error {
			res, err := common.DigestFile(gctx, filepath.Join(dir, filepath.FromSlash(file.Path)), file.Compressed)
			switch {
			case gctx.Err() != nil:
				return gctx.Err()
			case err != nil:
				mismatches[i] = fmt.Errorf("%s: %w", file.Path, err)
			case res.Digest != file.Digest || res.Bytes != file.Size:
				mismatches[i] = fmt.Errorf("%s: expected %d bytes with digest %s, found %d bytes with digest %s",
					file.Path, file.Size, file.Digest, res.Bytes, res.Digest)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := multierr.Combine(mismatches...); err != nil {
		return manifest, fmt.Errorf("%w: %w", ErrBackupCorrupted, err)
	}
	return manifest, nil
}

// RestoreBackup verifies the backup in dir and unpacks it into target, which
// must not hold a storage yet. The restored storage is opened with Open.
func RestoreBackup(ctx context.Context, dir, target string, logger *zap.Logger) (*BackupManifest, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	manifest, err := VerifyBackup(ctx, dir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(target, identityFileName)); err == nil {
		return nil, fmt.Errorf("%w: %s already holds a storage", ErrInvalidConfig, target)
	}
	if err := os.MkdirAll(filepath.Join(target, dataDirName), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create restore directory %s: %w", target, err)
	}

	for _, file := range manifest.Files {
		rel := filepath.FromSlash(file.Path)
		if file.Compressed {
			rel = strings.TrimSuffix(rel, compressedSuffix)
		}
		if _, err := common.CopyThrottled(ctx, filepath.Join(dir, filepath.FromSlash(file.Path)), filepath.Join(target, rel),
			common.CopyOptions{Decompress: file.Compressed}, logger); err != nil {
			return nil, fmt.Errorf("restore of %s: %w", file.Path, err)
		}
	}
	logger.Info("Backup restored",
		zap.String("backupID", manifest.ID),
		zap.String("storage", manifest.StorageName),
		zap.String("target", target),
		zap.String("size", humanize.IBytes(uint64(manifest.TotalSize()))))
	return manifest, nil
}
