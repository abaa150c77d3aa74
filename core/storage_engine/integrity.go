package storageengine

import (
	"context"
	"sort"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// IntegrityReport is the outcome of CheckIntegrity.
type IntegrityReport struct {
	Files  int
	Pages  int64
	Broken []pagemanager.PageKey
}

// OK reports whether every page could be read back intact.
func (r IntegrityReport) OK() bool { return len(r.Broken) == 0 }

// CheckIntegrity writes back every dirty page, verifies the stored checksums
// and reads every page through the read cache without admitting it.
func (s *Storage) CheckIntegrity(ctx context.Context) (IntegrityReport, error) {
	var report IntegrityReport
	if err := s.Synch(ctx); err != nil {
		return report, err
	}
	broken, err := s.writeCache.CheckStoredPages(ctx)
	if err != nil {
		return report, err
	}
	seen := make(map[pagemanager.PageKey]struct{}, len(broken))
	for _, key := range broken {
		seen[key] = struct{}{}
	}

	verify := s.cfg.ChecksumMode == flushmanager.ChecksumVerify
	files := s.writeCache.Files()
	report.Files = len(files)
	for name, fileID := range files {
		filled, err := s.writeCache.FilledUpTo(fileID)
		if err != nil {
			return report, err
		}
		for index := int64(0); index < filled; index++ {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Pages++
			key := pagemanager.PageKey{FileID: fileID, PageIndex: uint32(index)}
			if _, ok := seen[key]; ok {
				continue
			}
			entry, err := s.readCache.SilentLoadForRead(fileID, uint32(index), s.writeCache, verify)
			if err != nil {
				s.logger.Warn("Page failed to load", zap.String("file", name), zap.Int64("pageIndex", index), zap.Error(err))
				seen[key] = struct{}{}
				continue
			}
			if entry != nil {
				s.readCache.ReleaseFromRead(entry)
			}
		}
	}

	for key := range seen {
		report.Broken = append(report.Broken, key)
	}
	sort.Slice(report.Broken, func(i, j int) bool {
		if report.Broken[i].FileID != report.Broken[j].FileID {
			return report.Broken[i].FileID < report.Broken[j].FileID
		}
		return report.Broken[i].PageIndex < report.Broken[j].PageIndex
	})

	logFn := s.logger.Info
	if !report.OK() {
		logFn = s.logger.Warn
	}
	logFn("Integrity check finished",
		zap.Int("files", report.Files),
		zap.Int64("pages", report.Pages),
		zap.Int("brokenPages", len(report.Broken)))
	return report, nil
}
