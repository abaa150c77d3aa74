package transaction

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"golang.org/x/sync/errgroup"
)

func TestAtomicOperationsTable_Lifecycle(t *testing.T) {
	table := NewAtomicOperationsTable(4, 1, 1000)

	require.NoError(t, table.StartOperation(1, 3))
	status, err := table.Status(1)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, status)

	require.NoError(t, table.CommitOperation(1))
	require.NoError(t, table.PersistOperation(1))
	status, err = table.Status(1)
	require.NoError(t, err)
	require.Equal(t, StatusPersisted, status)

	require.NoError(t, table.StartOperation(2, 3))
	require.NoError(t, table.RollbackOperation(2))
}

func TestAtomicOperationsTable_InvalidTransitionsLeaveStateUnchanged(t *testing.T) {
	table := NewAtomicOperationsTable(4, 1, 1000)
	require.NoError(t, table.StartOperation(1, 5))

	require.ErrorIs(t, table.PersistOperation(1), common.ErrInvalidOperationStatus)
	require.ErrorIs(t, table.StartOperation(1, 9), common.ErrInvalidOperationStatus)
	require.Equal(t, int64(5), table.SegmentEarliestOperationInProgress())

	require.NoError(t, table.RollbackOperation(1))
	require.ErrorIs(t, table.CommitOperation(1), common.ErrInvalidOperationStatus)
	require.ErrorIs(t, table.RollbackOperation(1), common.ErrInvalidOperationStatus)
	status, err := table.Status(1)
	require.NoError(t, err)
	require.Equal(t, StatusRolledBack, status)

	require.ErrorIs(t, table.CommitOperation(100), common.ErrInvalidOperationStatus)
	require.ErrorIs(t, table.StartOperation(0, 1), common.ErrOperationIDOutOfRange)
}

func TestAtomicOperationsTable_RacingStartsKeepWinnerSegment(t *testing.T) {
	for round := 0; round < 50; round++ {
		table := NewAtomicOperationsTable(4, 1, 1000)
		winners := make(chan int64, 8)

		var g errgroup.Group
		for segment := int64(1); segment <= 8; segment++ {
			g.Go(func() error {
				if table.StartOperation(1, segment*10) == nil {
					winners <- segment * 10
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		close(winners)

		require.Len(t, winners, 1)
		require.Equal(t, <-winners, table.SegmentEarliestOperationInProgress())
	}
}

func TestAtomicOperationsTable_GrowsAcrossTables(t *testing.T) {
	table := NewAtomicOperationsTable(4, 1, 1000)
	for id := int64(1); id <= 10; id++ {
		require.NoError(t, table.StartOperation(id, id))
	}
	require.Equal(t, 12, table.Size())
	require.Equal(t, int64(1), table.SegmentEarliestOperationInProgress())
}

func TestAtomicOperationsTable_SegmentScans(t *testing.T) {
	table := NewAtomicOperationsTable(8, 1, 1000)
	require.Equal(t, int64(-1), table.SegmentEarliestOperationInProgress())
	require.Equal(t, int64(-1), table.SegmentEarliestNotPersistedOperation())

	require.NoError(t, table.StartOperation(1, 2))
	require.NoError(t, table.StartOperation(2, 3))
	require.NoError(t, table.StartOperation(3, 4))
	require.NoError(t, table.CommitOperation(1))

	require.Equal(t, int64(3), table.SegmentEarliestOperationInProgress())
	require.Equal(t, int64(2), table.SegmentEarliestNotPersistedOperation())

	require.NoError(t, table.PersistOperation(1))
	require.NoError(t, table.RollbackOperation(2))
	require.Equal(t, int64(4), table.SegmentEarliestNotPersistedOperation())
}

func TestAtomicOperationsTable_CompactionKeepsRelevantOperations(t *testing.T) {
	table := NewAtomicOperationsTable(16, 1, 1_000_000)
	rng := rand.New(rand.NewPCG(1, 2))

	expected := make(map[int64]OperationStatus)
	for id := int64(1); id <= 200; id++ {
		require.NoError(t, table.StartOperation(id, id/10))
		switch rng.IntN(4) {
		case 0:
			expected[id] = StatusInProgress
		case 1:
			require.NoError(t, table.CommitOperation(id))
			expected[id] = StatusCommitted
		case 2:
			require.NoError(t, table.RollbackOperation(id))
			expected[id] = StatusRolledBack
		default:
			require.NoError(t, table.CommitOperation(id))
			require.NoError(t, table.PersistOperation(id))
			expected[id] = StatusPersisted
		}
	}

	before := table.SegmentEarliestNotPersistedOperation()
	inProgress := table.SegmentEarliestOperationInProgress()
	sizeBefore := table.Size()
	table.CompactTable()

	require.LessOrEqual(t, table.Size(), sizeBefore)
	require.Equal(t, before, table.SegmentEarliestNotPersistedOperation())
	require.Equal(t, inProgress, table.SegmentEarliestOperationInProgress())
	for id, status := range expected {
		if !status.relevant() {
			continue
		}
		got, err := table.Status(id)
		require.NoError(t, err)
		require.Equal(t, status, got, "operation %d", id)
	}

	// Operations keep working after compaction, including new ones.
	require.NoError(t, table.StartOperation(201, 30))
	require.NoError(t, table.CommitOperation(201))
}

func TestAtomicOperationsTable_CompactionDropsFinishedTables(t *testing.T) {
	table := NewAtomicOperationsTable(4, 1, 1_000_000)
	for id := int64(1); id <= 8; id++ {
		require.NoError(t, table.StartOperation(id, 1))
		require.NoError(t, table.RollbackOperation(id))
	}
	require.NoError(t, table.StartOperation(9, 2))

	table.CompactTable()
	require.Equal(t, 4, table.Size())
	_, err := table.Status(3)
	require.ErrorIs(t, err, common.ErrOperationIDOutOfRange)
	require.Equal(t, int64(2), table.SegmentEarliestOperationInProgress())

	require.NoError(t, table.CommitOperation(9))
	require.NoError(t, table.PersistOperation(9))
	table.CompactTable()
	// Only the ids that were never handed out remain.
	require.Equal(t, 3, table.Size())

	require.NoError(t, table.StartOperation(13, 3))
	require.Equal(t, int64(3), table.SegmentEarliestOperationInProgress())
}

func TestAtomicOperationsTable_ConcurrentOperations(t *testing.T) {
	table := NewAtomicOperationsTable(32, 1, 64)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 250; i++ {
				id := int64(w*250 + i + 1)
				if err := table.StartOperation(id, id/100); err != nil {
					return err
				}
				if i%2 == 0 {
					if err := table.RollbackOperation(id); err != nil {
						return err
					}
					continue
				}
				if err := table.CommitOperation(id); err != nil {
					return err
				}
				if err := table.PersistOperation(id); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int64(-1), table.SegmentEarliestNotPersistedOperation())
}
