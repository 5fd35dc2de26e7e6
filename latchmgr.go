package blink_tree

import "sync/atomic"

// LatchMgr owns the fixed-size table of Latchs (C3): a hash-indexed pool
// of per-page latch sets, sized at open time, with LRU-style clock
// eviction of latch slots once the table is full. A LatchSet with
// pin > 0 is never reassigned to a different page id.
type LatchMgr struct {
	hash        uint        // number of hash buckets
	total       uint        // number of latch table entries
	deployed    uint32      // highest number of entries deployed so far
	victim      uint32      // next entry examined by the clock sweep
	table       []HashEntry // hash buckets
	latchs      []Latchs    // the latch set table itself
	nLatchPages uint        // reserved file pages backing this table
}

// NewLatchMgr sizes the latch table for up to total concurrently-tracked
// pages, with hash buckets chained LatchHashChainLen entries deep.
func NewLatchMgr(total uint) *LatchMgr {
	if total < LatchHashChainLen {
		total = LatchHashChainLen
	}
	hash := total / LatchHashChainLen
	if hash == 0 {
		hash = 1
	}
	return &LatchMgr{
		hash:  hash,
		total: total,
		table: make([]HashEntry, hash),
		latchs: make([]Latchs, total),
	}
}

// link installs a freshly claimed slot at the head of hashIdx's chain.
func (mgr *LatchMgr) link(hashIdx, slot uint, pageNo Uid) {
	latch := &mgr.latchs[slot]
	latch.next = mgr.table[hashIdx].slot
	if latch.next > 0 {
		mgr.latchs[latch.next].prev = slot
	}
	mgr.table[hashIdx].slot = slot
	latch.pageNo = pageNo
	latch.entry = slot
	latch.split = 0
	latch.prev = 0
	latch.pin = 1
}

// PinLatch finds (or installs) the Latchs tracking pageNo and increments
// its pin count. It never fails: once the table is full it recycles the
// first unpinned entry found by the rotating clock cursor, per spec.md
// §4.3.
func (mgr *LatchMgr) PinLatch(pageNo Uid) *Latchs {
	hashIdx := uint(pageNo) % mgr.hash

	mgr.table[hashIdx].latch.SpinWriteLock()
	defer mgr.table[hashIdx].latch.SpinReleaseWrite()

	slot := mgr.table[hashIdx].slot
	for slot > 0 {
		latch := &mgr.latchs[slot]
		if latch.pageNo == pageNo {
			atomic.AddUint32(&latch.pin, 1)
			return latch
		}
		slot = latch.next
	}

	// not tracked yet: claim the next undeployed slot if any remain
	slot = uint(atomic.AddUint32(&mgr.deployed, 1))
	if slot < mgr.total {
		mgr.link(hashIdx, slot, pageNo)
		return &mgr.latchs[slot]
	}
	atomic.AddUint32(&mgr.deployed, decrement)

	// table full: rotate the clock cursor looking for an unpinned victim
	for {
		slot = uint(atomic.AddUint32(&mgr.victim, 1) - 1)
		slot %= mgr.total
		if slot == 0 {
			continue
		}

		latch := &mgr.latchs[slot]
		idx := uint(latch.pageNo) % mgr.hash
		// a victim on the requested chain is already covered by the
		// write latch this call holds
		release := func() {}
		if idx != hashIdx {
			if !mgr.table[idx].latch.SpinWriteTry() {
				continue
			}
			release = mgr.table[idx].latch.SpinReleaseWrite
		}

		if latch.pin > 0 {
			if latch.pin&ClockBit > 0 {
				FetchAndAndUint32(&latch.pin, ^ClockBit)
			}
			release()
			continue
		}

		// unlink from its old chain
		if latch.prev > 0 {
			mgr.latchs[latch.prev].next = latch.next
		} else {
			mgr.table[idx].slot = latch.next
		}
		if latch.next > 0 {
			mgr.latchs[latch.next].prev = latch.prev
		}

		mgr.link(hashIdx, slot, pageNo)
		release()
		return &mgr.latchs[slot]
	}
}

// UnpinLatch decrements a latch set's pin count and sets its clock bit,
// so the next eviction sweep passes over it once (clearing the bit)
// before it can be recycled.
func (mgr *LatchMgr) UnpinLatch(latch *Latchs) {
	if ^latch.pin&ClockBit > 0 {
		FetchAndOrUint32(&latch.pin, ClockBit)
	}
	atomic.AddUint32(&latch.pin, decrement)
}

// PageLock acquires one of the per-page lock modes (each mode maps onto
// one of the three independent lock sets).
func (mgr *LatchMgr) PageLock(mode BLTLockMode, latch *Latchs) {
	switch mode {
	case LockRead:
		latch.readWr.ReadLock()
	case LockWrite:
		latch.readWr.WriteLock()
	case LockAccess:
		latch.access.ReadLock()
	case LockDelete:
		latch.access.WriteLock()
	case LockParent:
		latch.parent.WriteLock()
	}
}

// PageUnlock releases a lock previously taken with PageLock.
func (mgr *LatchMgr) PageUnlock(mode BLTLockMode, latch *Latchs) {
	switch mode {
	case LockRead:
		latch.readWr.ReadRelease()
	case LockWrite:
		latch.readWr.WriteRelease()
	case LockAccess:
		latch.access.ReadRelease()
	case LockDelete:
		latch.access.WriteRelease()
	case LockParent:
		latch.parent.WriteRelease()
	}
}

// Audit verifies that no Latchs is left locked or pinned; used by tests
// checking P8 (latch safety) after a sequence of operations completes.
func (mgr *LatchMgr) Audit() []string {
	var problems []string
	var slot uint32
	for slot = 0; slot <= mgr.deployed && slot < uint32(mgr.total); slot++ {
		latch := &mgr.latchs[slot]
		if latch.readWr.rin&mask > 0 || latch.readWr.rin&^mask != latch.readWr.rout {
			problems = append(problems, "latch: readwr still locked")
		}
		if latch.access.rin&mask > 0 || latch.access.rin&^mask != latch.access.rout {
			problems = append(problems, "latch: access still locked")
		}
		if latch.parent.rin&mask > 0 || latch.parent.rin&^mask != latch.parent.rout {
			problems = append(problems, "latch: parent still locked")
		}
		if latch.pin&^ClockBit > 0 {
			problems = append(problems, "latch: still pinned")
		}
	}
	return problems
}
