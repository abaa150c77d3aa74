package storageengine

import (
	"context"
	"fmt"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"go.uber.org/zap"
)

type recoveryStats struct {
	maxOperationID int64
	records        int
	applied        int
	rolledBack     int
	unfinished     int
	restoredPages  int
}

// recover replays the log into the data files. Records of an operation are
// buffered until its end record; only committed operations are redone.
// Operations without an end record never reached the caches and are dropped.
func (s *Storage) recover(ctx context.Context) (recoveryStats, error) {
	stats := recoveryStats{maxOperationID: -1}
	pending := make(map[int64][]*wal.LogRecord)

	err := s.wal.Iterate(pagemanager.InvalidLSN, func(record *wal.LogRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.records++
		if record.Type == wal.RecordTypeCheckpoint {
			return nil
		}
		stats.maxOperationID = max(stats.maxOperationID, record.OperationID)

		switch record.Type {
		case wal.RecordTypeAtomicUnitStart:
			pending[record.OperationID] = pending[record.OperationID][:0]
		case wal.RecordTypeAtomicUnitEnd:
			records := pending[record.OperationID]
			delete(pending, record.OperationID)
			if record.Rollback {
				stats.rolledBack++
				return nil
			}
			for _, r := range records {
				restored, err := s.redo(r)
				if err != nil {
					return fmt.Errorf("redo of %s record at %s: %w", r.Type, r.LSN, err)
				}
				if restored {
					stats.restoredPages++
				}
			}
			stats.applied++
		default:
			pending[record.OperationID] = append(pending[record.OperationID], record)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	stats.unfinished = len(pending)

	if err := s.writeCache.Flush(); err != nil {
		return stats, err
	}
	s.logger.Info("Recovery finished",
		zap.Int("records", stats.records),
		zap.Int("committedOperations", stats.applied),
		zap.Int("rolledBackOperations", stats.rolledBack),
		zap.Int("unfinishedOperations", stats.unfinished),
		zap.Int("restoredPages", stats.restoredPages),
		zap.Int64("maxOperationID", stats.maxOperationID))
	return stats, nil
}

// redo applies one record of a committed operation. Every record is checked
// against the current state so that replaying it twice is harmless.
func (s *Storage) redo(record *wal.LogRecord) (bool, error) {
	wc := s.writeCache
	_, exists := wc.FileName(record.FileID)

	switch record.Type {
	case wal.RecordTypeFileCreated:
		if exists {
			return false, nil
		}
		if _, ok := wc.FileID(record.FileName); ok {
			// The name now belongs to a newer file, so this one is deleted
			// later in the log and its records are skipped.
			return false, nil
		}
		_, err := wc.AddFileWithID(record.FileName, record.FileID)
		return false, err

	case wal.RecordTypeFileDeleted:
		if !exists {
			return false, nil
		}
		return false, wc.DeleteFile(record.FileID)

	case wal.RecordTypeFileTruncated:
		if !exists {
			return false, nil
		}
		s.logger.Warn("Replaying file truncation", zap.Uint64("fileID", record.FileID), zap.Stringer("lsn", record.LSN))
		return false, wc.TruncateFile(record.FileID)

	case wal.RecordTypeUpdatePage:
		if !exists {
			// Deleted by a later operation.
			return false, nil
		}
		filled, err := wc.FilledUpTo(record.FileID)
		if err != nil {
			return false, err
		}
		if int64(record.PageIndex) < filled {
			lsn, err := wc.PageLSN(record.FileID, record.PageIndex)
			if err != nil {
				return false, err
			}
			if lsn.Compare(record.LSN) >= 0 {
				return false, nil
			}
		}
		if err := wc.RestorePage(record.FileID, record.PageIndex, record.Data, record.LSN); err != nil {
			return false, err
		}
		s.logger.Debug("Page restored",
			zap.Uint64("fileID", record.FileID),
			zap.Uint32("pageIndex", record.PageIndex),
			zap.Stringer("lsn", record.LSN))
		return true, nil
	}
	return false, nil
}
