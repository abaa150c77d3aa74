package cache

import "sync/atomic"

// drainStatus tracks whether the read and write buffers need to be applied to
// the eviction policy.
type drainStatus int32

const (
	drainIdle drainStatus = iota
	drainRequired
	drainInProgress
)

func (s drainStatus) String() string {
	switch s {
	case drainIdle:
		return "IDLE"
	case drainRequired:
		return "REQUIRED"
	case drainInProgress:
		return "IN_PROGRESS"
	}
	return "UNKNOWN"
}

// shouldBeDrained decides whether a caller should attempt a drain.
func (s drainStatus) shouldBeDrained(readBufferOverflow bool) bool {
	switch s {
	case drainIdle:
		return readBufferOverflow
	case drainRequired:
		return true
	default:
		return false
	}
}

type atomicDrainStatus struct{ v atomic.Int32 }

func (a *atomicDrainStatus) Load() drainStatus   { return drainStatus(a.v.Load()) }
func (a *atomicDrainStatus) Store(s drainStatus) { a.v.Store(int32(s)) }
func (a *atomicDrainStatus) CompareAndSwap(old, new drainStatus) bool {
	return a.v.CompareAndSwap(int32(old), int32(new))
}
