package cache

import (
	"fmt"
	"sync/atomic"

	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
)

const (
	edenSizePercent      = 20
	probationSizePercent = 20
)

// WTinyLFUPolicy is the Window-TinyLFU eviction policy. New pages enter the
// eden window; pages leaving eden compete with the probation LRU page for a
// place in the main area, and pages accessed while in probation are promoted to
// protection.
//
// All methods must be called with the eviction lock held.
type WTinyLFUPolicy struct {
	data      *pageMap
	admittor  Admittor
	cacheSize *atomic.Int32
	metrics   *internaltelemetry.ReadCacheMetrics

	arena      *entryArena
	eden       *LRUList
	probation  *LRUList
	protection *LRUList

	maxSize            int
	maxEdenSize        int
	maxProtectedSize   int
	maxSecondLevelSize int
}

// NewWTinyLFUPolicy creates a policy over data. cacheSize is the shared counter
// of resident entries; the policy decrements it on eviction.
func NewWTinyLFUPolicy(data *pageMap, admittor Admittor, cacheSize *atomic.Int32) *WTinyLFUPolicy {
	arena := newEntryArena(64)
	return &WTinyLFUPolicy{
		data:       data,
		admittor:   admittor,
		cacheSize:  cacheSize,
		arena:      arena,
		eden:       newLRUList(arena),
		probation:  newLRUList(arena),
		protection: newLRUList(arena),
	}
}

func (p *WTinyLFUPolicy) setMetrics(m *internaltelemetry.ReadCacheMetrics) { p.metrics = m }

// SetMaxSize recomputes the segment targets. It does not evict by itself, see
// Shrink.
func (p *WTinyLFUPolicy) SetMaxSize(maxSize int) {
	if maxSize < 1 {
		maxSize = 1
	}
	p.maxSize = maxSize
	p.maxEdenSize = max(1, maxSize*edenSizePercent/100)
	p.maxSecondLevelSize = maxSize - p.maxEdenSize
	p.maxProtectedSize = p.maxSecondLevelSize - p.maxSecondLevelSize*probationSizePercent/100
	p.admittor.EnsureCapacity(maxSize)
}

func (p *WTinyLFUPolicy) MaxSize() int { return p.maxSize }

// OnAccess records a read of an entry that is already tracked.
func (p *WTinyLFUPolicy) OnAccess(e *CacheEntry) {
	p.admittor.Increment(e.Key().Hash())
	if e.IsDead() {
		return
	}
	switch {
	case p.probation.Contains(e):
		p.probation.Remove(e)
		p.protection.MoveToTheTail(e)
		if p.protection.Size() > p.maxProtectedSize {
			p.probation.MoveToTheTail(p.protection.Poll())
		}
	case p.protection.Contains(e):
		p.protection.MoveToTheTail(e)
	case p.eden.Contains(e):
		p.eden.MoveToTheTail(e)
	}
}

// OnAdd starts tracking a newly inserted entry.
func (p *WTinyLFUPolicy) OnAdd(e *CacheEntry) {
	p.admittor.Increment(e.Key().Hash())
	if e.IsAlive() && !p.isTracked(e) {
		p.eden.MoveToTheTail(e)
		p.purgeEden()
	}
}

// OnRemove stops tracking a frozen entry and finishes its removal.
func (p *WTinyLFUPolicy) OnRemove(e *CacheEntry) {
	if !e.IsFrozen() {
		panic(fmt.Sprintf("removing %s which is not frozen", e))
	}
	p.detach(e)
	p.makeDead(e)
}

func (p *WTinyLFUPolicy) isTracked(e *CacheEntry) bool {
	return p.eden.Contains(e) || p.probation.Contains(e) || p.protection.Contains(e)
}

func (p *WTinyLFUPolicy) detach(e *CacheEntry) {
	switch {
	case p.probation.Contains(e):
		p.probation.Remove(e)
	case p.protection.Contains(e):
		p.protection.Remove(e)
	case p.eden.Contains(e):
		p.eden.Remove(e)
	}
}

func (p *WTinyLFUPolicy) makeDead(e *CacheEntry) {
	e.MakeDead()
	if ptr := e.CachePointer(); ptr != nil {
		ptr.DecrementReadersReferrer()
	}
	e.clearCachePointer()
}

// purgeEden moves entries out of the window while it is over its target.
// Entries that are pinned cannot be evicted and are cycled back into eden, so
// the number of rounds is bounded to avoid spinning on a fully pinned cache.
func (p *WTinyLFUPolicy) purgeEden() {
	rounds := p.eden.Size() + p.probation.Size() + p.protection.Size()
	for p.eden.Size() > p.maxEdenSize && rounds > 0 {
		rounds--
		candidate := p.eden.Poll()

		if p.probation.Size()+p.protection.Size() < p.maxSecondLevelSize {
			p.probation.MoveToTheTail(candidate)
			continue
		}

		victim := p.probation.Peek()
		if victim == nil {
			// The main area is entirely protected; demote its LRU entry so
			// there is something to compete with.
			if demoted := p.protection.Poll(); demoted != nil {
				p.probation.MoveToTheTail(demoted)
				victim = p.probation.Peek()
			}
		}
		if victim == nil {
			if !p.tryEvict(candidate) {
				p.eden.MoveToTheTail(candidate)
			}
			continue
		}

		candidateFrequency := p.admittor.Frequency(candidate.Key().Hash())
		victimFrequency := p.admittor.Frequency(victim.Key().Hash())

		if candidateFrequency >= victimFrequency {
			p.probation.Poll()
			p.probation.MoveToTheTail(candidate)
			if !p.tryEvict(victim) {
				p.eden.MoveToTheTail(victim)
			}
		} else if !p.tryEvict(candidate) {
			p.eden.MoveToTheTail(candidate)
		}
	}
}

// tryEvict removes an untracked entry from the map if nobody holds it.
func (p *WTinyLFUPolicy) tryEvict(e *CacheEntry) bool {
	if !e.Freeze() {
		return false
	}
	if p.data.removeIfSame(e.Key(), e) {
		p.cacheSize.Add(-1)
	}
	p.makeDead(e)
	p.metrics.RecordEviction()
	return true
}

// Shrink evicts until every segment fits its target. It is used after the
// maximum size was lowered.
func (p *WTinyLFUPolicy) Shrink() {
	for p.protection.Size() > p.maxProtectedSize {
		p.probation.MoveToTheTail(p.protection.Poll())
	}
	p.purgeEden()

	rounds := p.probation.Size() + p.protection.Size()
	for p.probation.Size()+p.protection.Size() > p.maxSecondLevelSize && rounds > 0 {
		rounds--
		victim := p.probation.Poll()
		if victim == nil {
			victim = p.protection.Poll()
		}
		if !p.tryEvict(victim) {
			p.probation.MoveToTheTail(victim)
		}
	}
}

// pinnedEntries counts tracked entries that are currently held.
func (p *WTinyLFUPolicy) pinnedEntries() int {
	pinned := 0
	for _, l := range []*LRUList{p.eden, p.probation, p.protection} {
		for e := range l.All() {
			if e.Usages() > 0 {
				pinned++
			}
		}
	}
	return pinned
}

// Eden, Probation and Protection expose the segments, most recently used first.
func (p *WTinyLFUPolicy) Eden() *LRUList       { return p.eden }
func (p *WTinyLFUPolicy) Probation() *LRUList  { return p.probation }
func (p *WTinyLFUPolicy) Protection() *LRUList { return p.protection }

// Validate checks the size and membership invariants.
func (p *WTinyLFUPolicy) Validate() error {
	if p.eden.Size() > p.maxEdenSize {
		return fmt.Errorf("eden size %d exceeds maximum %d", p.eden.Size(), p.maxEdenSize)
	}
	if p.protection.Size() > p.maxProtectedSize {
		return fmt.Errorf("protection size %d exceeds maximum %d", p.protection.Size(), p.maxProtectedSize)
	}
	if second := p.probation.Size() + p.protection.Size(); second > p.maxSecondLevelSize {
		return fmt.Errorf("second level size %d exceeds maximum %d", second, p.maxSecondLevelSize)
	}
	total := p.eden.Size() + p.probation.Size() + p.protection.Size()
	if cs := int(p.cacheSize.Load()); total != cs {
		return fmt.Errorf("segments hold %d entries but cache size is %d", total, cs)
	}
	if ms := p.data.size(); total != ms {
		return fmt.Errorf("segments hold %d entries but map holds %d", total, ms)
	}
	if used := p.arena.inUse(); used != total {
		return fmt.Errorf("arena holds %d slots but segments hold %d entries", used, total)
	}
	for _, l := range []*LRUList{p.eden, p.probation, p.protection} {
		for e := range l.All() {
			if !e.IsAlive() {
				return fmt.Errorf("tracked entry %s is not alive", e)
			}
			if p.data.get(e.Key()) != e {
				return fmt.Errorf("tracked entry %s is not in the map", e)
			}
		}
	}
	return nil
}
