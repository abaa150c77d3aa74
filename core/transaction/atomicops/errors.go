package atomicops

import (
	"errors"
	"fmt"
)

var (
	ErrAtomicOperationAlreadyStarted = errors.New("atomic operation already started for this call chain")
	ErrNoAtomicOperation             = errors.New("no atomic operation is active")
	ErrAtomicOperationEnded          = errors.New("atomic operation has already ended")
	ErrOperationsFrozen              = errors.New("atomic operations are frozen")
	ErrUnknownFreezeID               = errors.New("unknown freeze id")
	ErrOperationPanicked             = errors.New("atomic operation body panicked")

	ErrFileDeleted  = errors.New("file was deleted inside the atomic operation")
	ErrFileExists   = errors.New("file already exists")
	ErrFileNotFound = errors.New("file not found")
	ErrPageNotFound = errors.New("page not found")
	ErrReadOnlyPage = errors.New("page was loaded for read")
	ErrPageReleased = errors.New("page was already released")
	ErrOutOfPage    = errors.New("access outside of page bounds")
)

// ComponentError attaches the failing component and its storage to an error
// raised inside a component operation.
type ComponentError struct {
	Component string
	Storage   string
	Err       error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("error in component %q of storage %q: %v", e.Component, e.Storage, e.Err)
}

func (e *ComponentError) Unwrap() error { return e.Err }

// OperationError is returned for every failure escaping an atomic operation.
type OperationError struct {
	Storage     string
	OperationID int64
	Err         error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("atomic operation %d of storage %q failed: %v", e.OperationID, e.Storage, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }
