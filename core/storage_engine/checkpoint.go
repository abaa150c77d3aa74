package storageengine

import (
	"context"
	"fmt"
	"time"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// retentionSegment is the oldest log segment recovery may still need: the
// segment of the oldest page not yet written back or of the oldest operation
// not yet durable, whichever comes first.
func (s *Storage) retentionSegment() int64 {
	segment := s.wal.ActiveSegment()
	for _, candidate := range []int64{
		s.writeCache.MinimalNotFlushedSegment(),
		s.table.SegmentEarliestNotPersistedOperation(),
	} {
		if candidate >= 0 && candidate < segment {
			segment = candidate
		}
	}
	return segment
}

// Checkpoint writes a checkpoint record and drops the log segments that are no
// longer needed. Dirty pages stay in the write cache.
func (s *Storage) Checkpoint(ctx context.Context) error {
	if err := s.CheckErrorState(); err != nil {
		return err
	}
	return s.checkpoint(ctx)
}

func (s *Storage) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()

	// Durable records turn committed operations into persisted ones.
	if err := s.wal.Flush(); err != nil {
		return err
	}
	retain := s.retentionSegment()
	lsn, err := s.wal.LogCheckpoint(pagemanager.LSN{Segment: retain, Position: 0})
	if err != nil {
		return err
	}
	if err := s.wal.Flush(); err != nil {
		return err
	}
	if err := s.wal.CutTill(retain); err != nil {
		return err
	}
	s.table.CompactTable()

	s.logger.Info("Checkpoint written",
		zap.Stringer("lsn", lsn),
		zap.Int64("retainedFromSegment", retain),
		zap.Int("segments", len(s.wal.Segments())),
		zap.Int("dirtyPages", s.writeCache.DirtyPages()))
	return nil
}

// Synch makes every committed change durable in the log and the data files.
func (s *Storage) Synch(ctx context.Context) error {
	if err := s.CheckErrorState(); err != nil {
		return err
	}
	return s.synch(ctx)
}

func (s *Storage) synch(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.wal.Flush(); err != nil {
		return err
	}
	if err := s.writeCache.Flush(); err != nil {
		s.MoveToErrorStateIfNeeded(err)
		return err
	}
	return nil
}

// FullCheckpoint writes back every page, starts a new log segment and drops
// all older ones.
func (s *Storage) FullCheckpoint(ctx context.Context) error {
	if err := s.Synch(ctx); err != nil {
		return err
	}
	if _, err := s.wal.AppendNewSegment(); err != nil {
		return err
	}
	if err := s.checkpoint(ctx); err != nil {
		return err
	}
	s.id.NextOperationID = s.atomicOps.NextOperationID()
	return saveIdentity(s.cfg.Path, s.id)
}

// Freeze waits for running atomic operations, holds back new ones and makes
// the storage durable. The returned id is passed to Release.
func (s *Storage) Freeze(ctx context.Context, reason error) (int64, error) {
	id := s.atomicOps.FreezeAtomicOperations(reason)
	if err := s.Synch(ctx); err != nil {
		return 0, multierr.Append(err, s.atomicOps.ReleaseAtomicOperations(id))
	}
	s.logger.Info("Storage frozen", zap.Int64("freezeID", id), zap.NamedError("reason", reason))
	return id, nil
}

// Release lifts a freeze taken with Freeze.
func (s *Storage) Release(id int64) error {
	if err := s.atomicOps.ReleaseAtomicOperations(id); err != nil {
		return fmt.Errorf("release freeze of storage %s: %w", s.cfg.Name, err)
	}
	s.logger.Info("Storage released", zap.Int64("freezeID", id))
	return nil
}

func (s *Storage) checkpointLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			s.logger.Debug("Checkpoint loop stopping")
			return
		case <-ticker.C:
			if s.CheckErrorState() != nil {
				continue
			}
			if err := s.checkpoint(context.Background()); err != nil {
				s.logger.Error("Periodic checkpoint failed", zap.Error(err))
			}
		}
	}
}
