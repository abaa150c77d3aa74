package cache

import "iter"

// entryArena owns the link data of every entry that is linked into one of the
// policy segments. Entries only carry their slot index, so the lists never
// alias entry memory.
type entryArena struct {
	slots []arenaSlot
	free  []int32
}

type arenaSlot struct {
	entry      *CacheEntry
	prev, next int32
	list       *LRUList
}

func newEntryArena(capacity int) *entryArena {
	return &entryArena{slots: make([]arenaSlot, 0, capacity)}
}

func (a *entryArena) alloc(e *CacheEntry) int32 {
	var idx int32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, arenaSlot{})
		idx = int32(len(a.slots) - 1)
	}
	a.slots[idx] = arenaSlot{entry: e, prev: noSlot, next: noSlot}
	return idx
}

func (a *entryArena) release(idx int32) {
	a.slots[idx] = arenaSlot{prev: noSlot, next: noSlot}
	a.free = append(a.free, idx)
}

// inUse returns the number of occupied slots.
func (a *entryArena) inUse() int { return len(a.slots) - len(a.free) }

// LRUList is a doubly linked list of cache entries ordered from least (head) to
// most (tail) recently used. All operations are O(1). It is not safe for
// concurrent use; the policy serializes access with the eviction lock.
type LRUList struct {
	arena      *entryArena
	head, tail int32
	size       int
}

func newLRUList(arena *entryArena) *LRUList {
	return &LRUList{arena: arena, head: noSlot, tail: noSlot}
}

func (l *LRUList) Size() int { return l.size }

func (l *LRUList) Contains(e *CacheEntry) bool {
	return e.slot != noSlot && l.arena.slots[e.slot].list == l
}

// Remove unlinks e if it belongs to this list.
func (l *LRUList) Remove(e *CacheEntry) {
	if !l.Contains(e) {
		return
	}
	l.unlink(e.slot)
	l.arena.release(e.slot)
	e.slot = noSlot
}

// MoveToTheTail makes e the most recently used entry of this list, taking it out
// of whatever list held it before.
func (l *LRUList) MoveToTheTail(e *CacheEntry) {
	if e.slot == noSlot {
		e.slot = l.arena.alloc(e)
	} else {
		owner := l.arena.slots[e.slot].list
		if owner == l && l.tail == e.slot {
			return
		}
		if owner != nil {
			owner.unlink(e.slot)
		}
	}
	l.linkLast(e.slot)
}

// Poll removes and returns the least recently used entry.
func (l *LRUList) Poll() *CacheEntry {
	if l.head == noSlot {
		return nil
	}
	e := l.arena.slots[l.head].entry
	l.Remove(e)
	return e
}

// Peek returns the least recently used entry without removing it.
func (l *LRUList) Peek() *CacheEntry {
	if l.head == noSlot {
		return nil
	}
	return l.arena.slots[l.head].entry
}

// All iterates from the most recently used entry to the least recently used one.
func (l *LRUList) All() iter.Seq[*CacheEntry] {
	return func(yield func(*CacheEntry) bool) {
		for idx := l.tail; idx != noSlot; {
			s := l.arena.slots[idx]
			if !yield(s.entry) {
				return
			}
			idx = s.prev
		}
	}
}

func (l *LRUList) unlink(idx int32) {
	slots := l.arena.slots
	s := &slots[idx]
	if s.prev != noSlot {
		slots[s.prev].next = s.next
	} else {
		l.head = s.next
	}
	if s.next != noSlot {
		slots[s.next].prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.prev, s.next, s.list = noSlot, noSlot, nil
	l.size--
}

func (l *LRUList) linkLast(idx int32) {
	slots := l.arena.slots
	s := &slots[idx]
	s.prev = l.tail
	s.next = noSlot
	if l.tail != noSlot {
		slots[l.tail].next = idx
	} else {
		l.head = idx
	}
	l.tail = idx
	s.list = l
	l.size++
}
