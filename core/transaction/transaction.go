package transaction

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sushant-115/gojostore/core/storage_engine/common"
)

// OperationStatus is the lifecycle state of an atomic operation.
type OperationStatus int32

const (
	StatusNotStarted OperationStatus = iota
	StatusInProgress
	StatusCommitted
	StatusRolledBack
	StatusPersisted
)

// statusStarting is held while a start records the segment of the operation.
// It is never reported by Status.
const statusStarting OperationStatus = -1

func (s OperationStatus) String() string {
	switch s {
	case StatusNotStarted:
		return "NOT_STARTED"
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusCommitted:
		return "COMMITTED"
	case StatusRolledBack:
		return "ROLLED_BACK"
	case StatusPersisted:
		return "PERSISTED"
	case statusStarting:
		return "STARTING"
	}
	return fmt.Sprintf("OperationStatus(%d)", int32(s))
}

// relevant reports whether an operation in this state still pins its WAL
// segment or may still change.
func (s OperationStatus) relevant() bool {
	return s == StatusNotStarted || s == statusStarting || s == StatusInProgress || s == StatusCommitted
}

const (
	DefaultTableSize          = 1024
	DefaultCompactionInterval = 4096
)

type operationInformation struct {
	status  atomic.Int32
	segment atomic.Int64
}

// operationTable covers the ids [idOffset, idOffset+len(slots)).
type operationTable struct {
	idOffset int64
	slots    []*operationInformation
}

func newOperationTable(idOffset int64, size int) *operationTable {
	t := &operationTable{idOffset: idOffset, slots: make([]*operationInformation, size)}
	for i := range t.slots {
		t.slots[i] = &operationInformation{}
		t.slots[i].segment.Store(-1)
	}
	return t
}

func (t *operationTable) end() int64 { return t.idOffset + int64(len(t.slots)) }

// AtomicOperationsTable tracks the status and start segment of every atomic
// operation so the log can tell which segments are still needed.
//
// Status transitions take the shared side of the lock and are single
// compare-and-swap steps; compaction takes the exclusive side.
type AtomicOperationsTable struct {
	mu        sync.RWMutex
	tables    []*operationTable
	end       int64
	tableSize int

	compactionInterval int64
	started            atomic.Int64
}

// NewAtomicOperationsTable creates a table whose first operation id is
// idOffset. A compaction runs every compactionInterval started operations.
func NewAtomicOperationsTable(tableSize int, idOffset int64, compactionInterval int64) *AtomicOperationsTable {
	if tableSize <= 0 {
		tableSize = DefaultTableSize
	}
	if compactionInterval <= 0 {
		compactionInterval = DefaultCompactionInterval
	}
	first := newOperationTable(idOffset, tableSize)
	return &AtomicOperationsTable{
		tables:             []*operationTable{first},
		end:                first.end(),
		tableSize:          tableSize,
		compactionInterval: compactionInterval,
	}
}

// slot must be called with the shared lock held. It returns nil if the id is
// beyond the last table.
func (t *AtomicOperationsTable) slot(operationID int64) (*operationInformation, error) {
	if len(t.tables) > 0 && operationID < t.tables[0].idOffset {
		return nil, fmt.Errorf("%w: id %d is below %d", common.ErrOperationIDOutOfRange, operationID, t.tables[0].idOffset)
	}
	if len(t.tables) == 0 && operationID < t.end {
		return nil, fmt.Errorf("%w: id %d is below %d", common.ErrOperationIDOutOfRange, operationID, t.end)
	}
	for _, table := range t.tables {
		if operationID < table.end() {
			if operationID < table.idOffset {
				// Falls into a table dropped by compaction.
				return nil, fmt.Errorf("%w: id %d was compacted away", common.ErrOperationIDOutOfRange, operationID)
			}
			return table.slots[operationID-table.idOffset], nil
		}
	}
	return nil, nil
}

func (t *AtomicOperationsTable) grow(operationID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.end <= operationID {
		table := newOperationTable(t.end, t.tableSize)
		t.tables = append(t.tables, table)
		t.end = table.end()
	}
}

func (t *AtomicOperationsTable) transition(operationID int64, from, to OperationStatus, segment int64) error {
	for {
		t.mu.RLock()
		info, err := t.slot(operationID)
		if err != nil {
			t.mu.RUnlock()
			return err
		}
		if info == nil {
			t.mu.RUnlock()
			if from != StatusNotStarted {
				return fmt.Errorf("%w: operation %d was never started", common.ErrInvalidOperationStatus, operationID)
			}
			t.grow(operationID)
			continue
		}
		ok := false
		if to == StatusInProgress {
			// Only the caller that claimed the slot writes the segment, and it
			// does so before scans can see the operation in progress.
			if ok = info.status.CompareAndSwap(int32(from), int32(statusStarting)); ok {
				info.segment.Store(segment)
				info.status.Store(int32(to))
			}
		} else {
			ok = info.status.CompareAndSwap(int32(from), int32(to))
		}
		current := OperationStatus(info.status.Load())
		t.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: operation %d is %s, expected %s before moving to %s",
				common.ErrInvalidOperationStatus, operationID, current, from, to)
		}
		return nil
	}
}

// StartOperation marks the operation in progress, recording the log segment
// that holds its start record.
func (t *AtomicOperationsTable) StartOperation(operationID int64, segment int64) error {
	if err := t.transition(operationID, StatusNotStarted, StatusInProgress, segment); err != nil {
		return err
	}
	if t.started.Add(1)%t.compactionInterval == 0 {
		t.CompactTable()
	}
	return nil
}

func (t *AtomicOperationsTable) CommitOperation(operationID int64) error {
	return t.transition(operationID, StatusInProgress, StatusCommitted, -1)
}

func (t *AtomicOperationsTable) RollbackOperation(operationID int64) error {
	return t.transition(operationID, StatusInProgress, StatusRolledBack, -1)
}

// PersistOperation is called once the commit record of the operation is durable.
func (t *AtomicOperationsTable) PersistOperation(operationID int64) error {
	return t.transition(operationID, StatusCommitted, StatusPersisted, -1)
}

// Status returns the current status of an operation.
func (t *AtomicOperationsTable) Status(operationID int64) (OperationStatus, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, err := t.slot(operationID)
	if err != nil {
		return 0, err
	}
	if info == nil {
		return StatusNotStarted, nil
	}
	if status := OperationStatus(info.status.Load()); status != statusStarting {
		return status, nil
	}
	return StatusNotStarted, nil
}

// SegmentEarliestOperationInProgress returns the smallest start segment of the
// operations in progress, or -1.
func (t *AtomicOperationsTable) SegmentEarliestOperationInProgress() int64 {
	return t.earliestSegment(func(s OperationStatus) bool { return s == StatusInProgress })
}

// SegmentEarliestNotPersistedOperation returns the smallest start segment of the
// operations that are in progress or committed but not yet persisted, or -1.
func (t *AtomicOperationsTable) SegmentEarliestNotPersistedOperation() int64 {
	return t.earliestSegment(func(s OperationStatus) bool { return s == StatusInProgress || s == StatusCommitted })
}

func (t *AtomicOperationsTable) earliestSegment(match func(OperationStatus) bool) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	earliest := int64(-1)
	for _, table := range t.tables {
		for _, info := range table.slots {
			if !match(OperationStatus(info.status.Load())) {
				continue
			}
			if segment := info.segment.Load(); segment >= 0 && (earliest < 0 || segment < earliest) {
				earliest = segment
			}
		}
	}
	return earliest
}

// CompactTable drops the leading run of finished operations from every table
// and removes tables that hold nothing relevant.
func (t *AtomicOperationsTable) CompactTable() {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := make([]*operationTable, 0, len(t.tables))
	for _, table := range t.tables {
		first := -1
		for i, info := range table.slots {
			if OperationStatus(info.status.Load()).relevant() {
				first = i
				break
			}
		}
		switch {
		case first < 0:
			// Nothing left to track.
		case first == 0:
			kept = append(kept, table)
		default:
			kept = append(kept, &operationTable{
				idOffset: table.idOffset + int64(first),
				slots:    append([]*operationInformation(nil), table.slots[first:]...),
			})
		}
	}
	t.tables = kept
}

// Size returns the number of tracked slots.
func (t *AtomicOperationsTable) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, table := range t.tables {
		n += len(table.slots)
	}
	return n
}
