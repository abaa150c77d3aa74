package common

import (
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	// ErrPageInUse is returned when a destructive cache operation meets a pinned
	// page. It signals a consistency violation and must not be retried.
	ErrPageInUse = errors.New("page is used and cannot be removed")
	// ErrInterrupted wraps failures of blocking overflow checks that were cut
	// short, for example by shutdown.
	ErrInterrupted = errors.New("operation was interrupted")
	// ErrConcurrentModification is surfaced when the page map observed a
	// conflicting update. Callers decide whether to retry.
	ErrConcurrentModification = errors.New("page was concurrently modified")
	// ErrInvalidOperationStatus is returned when an atomic operation status
	// transition does not start from the expected state.
	ErrInvalidOperationStatus = errors.New("invalid atomic operation status transition")
	// ErrOperationIDOutOfRange is returned for ids outside every table.
	ErrOperationIDOutOfRange = errors.New("atomic operation id is out of range")
	// ErrStorageInErrorState is returned once the storage hit a fatal error.
	ErrStorageInErrorState = errors.New("storage is in error state")
	// ErrStorageIO is the cause of every PageIOError produced below the cache.
	ErrStorageIO = errors.New("storage i/o error")
)

// PageIOError carries the identity of the page whose I/O failed.
type PageIOError struct {
	Op        string
	FileID    uint64
	PageIndex int64
	Err       error
}

func (e *PageIOError) Error() string {
	if e.PageIndex < 0 {
		return fmt.Sprintf("%s of file %d failed: %v", e.Op, e.FileID, e.Err)
	}
	return fmt.Sprintf("%s of page %d in file %d failed: %v", e.Op, e.PageIndex, e.FileID, e.Err)
}

func (e *PageIOError) Unwrap() error { return e.Err }

// NewPageIOError wraps err unless it already is a PageIOError.
func NewPageIOError(op string, fileID uint64, pageIndex int64, err error) error {
	if err == nil {
		return nil
	}
	var pe *PageIOError
	if errors.As(err, &pe) {
		return err
	}
	return &PageIOError{Op: op, FileID: fileID, PageIndex: pageIndex, Err: err}
}
