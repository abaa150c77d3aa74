package atomicops

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// FreezeMode selects what a new operation does while operations are frozen.
type FreezeMode string

const (
	FreezeModeBlock FreezeMode = "block"
	FreezeModeFail  FreezeMode = "fail"
)

// operationsFreezer counts running operations and holds new ones back while at
// least one freeze request is registered. A freeze request waits for the
// running operations to drain.
type operationsFreezer struct {
	mode FreezeMode

	mu       sync.Mutex
	active   int64
	nextID   int64
	requests map[int64]error
	// closed when the last freeze request is released
	unfrozen chan struct{}
	// closed when no operation is running
	idle chan struct{}
}

func newOperationsFreezer(mode FreezeMode) *operationsFreezer {
	idle := make(chan struct{})
	close(idle)
	return &operationsFreezer{
		mode:     mode,
		requests: make(map[int64]error),
		idle:     idle,
	}
}

func (f *operationsFreezer) startOperation(ctx context.Context) error {
	for {
		f.mu.Lock()
		if len(f.requests) == 0 {
			f.active++
			if f.active == 1 {
				f.idle = make(chan struct{})
			}
			f.mu.Unlock()
			return nil
		}
		if f.mode == FreezeModeFail {
			reason := f.firstReason()
			f.mu.Unlock()
			if reason == nil {
				return ErrOperationsFrozen
			}
			return fmt.Errorf("%w: %w", ErrOperationsFrozen, reason)
		}
		wait := f.unfrozen
		f.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *operationsFreezer) endOperation() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
	if f.active == 0 {
		close(f.idle)
	}
}

func (f *operationsFreezer) firstReason() error {
	first := int64(math.MaxInt64)
	for id := range f.requests {
		first = min(first, id)
	}
	return f.requests[first]
}

// freeze registers a request and waits until no operation is running.
func (f *operationsFreezer) freeze(reason error) int64 {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	if len(f.requests) == 0 {
		f.unfrozen = make(chan struct{})
	}
	f.requests[id] = reason
	idle := f.idle
	f.mu.Unlock()

	<-idle
	return id
}

func (f *operationsFreezer) release(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.requests[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownFreezeID, id)
	}
	delete(f.requests, id)
	if len(f.requests) == 0 {
		close(f.unfrozen)
	}
	return nil
}

func (f *operationsFreezer) frozen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests) > 0
}

func (f *operationsFreezer) activeOperations() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}
