package blink_tree

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// BLTLockMode names the per-page lock a caller wants from a Latchs.
//
// There are three independent lock sets on every page:
//  1. Access (shared) / Delete (exclusive) — "intend to read" vs.
//     "about to free this page", mutually exclusive with each other.
//  2. Read (shared) / Write (exclusive) — ordinary page-byte locking.
//  3. Parent (exclusive) — serializes posting/changing the fence key
//     this page contributes to its parent.
//
// Holding one set never restricts holding another: a reader of Read may
// coexist with a writer of Parent.
type BLTLockMode int

const (
	LockNone   BLTLockMode = 0
	LockAccess BLTLockMode = 1
	LockDelete BLTLockMode = 2
	LockRead   BLTLockMode = 4
	LockWrite  BLTLockMode = 8
	LockParent BLTLockMode = 16
)

const (
	phID = 0x1
	pres = 0x2
	mask = 0x3
	rInc = 0x4
)

type (
	// PhaseFairRWLock is a phase-fair reader/writer spin latch: writers
	// take a ticket, so a waiting writer is never overtaken by a stream
	// of new readers (no writer starvation), while readers never block
	// one another. All waiting is spin+runtime.Gosched; nothing parks.
	PhaseFairRWLock struct {
		rin     uint32
		rout    uint32
		ticket  uint32
		serving uint32
	}

	// SpinLatch is a best-effort mutex-backed latch used to protect the
	// latch-table and pool-table hash chains. try_write never blocks.
	SpinLatch struct {
		mu        sync.Mutex
		exclusive bool
		pending   bool
		share     uint16
	}

	// HashEntry is one bucket of a hash table of Latchs/PoolEntry
	// chains: a head slot index plus the SpinLatch guarding the chain.
	HashEntry struct {
		slot  uint
		latch SpinLatch
	}

	// Latchs is the in-memory latch set tracked for one page id: the
	// three independent locks from BLTLockMode, a pin count, and the
	// hash-chain links used by the latch manager (C3).
	Latchs struct {
		pageNo Uid
		readWr PhaseFairRWLock
		access PhaseFairRWLock
		parent PhaseFairRWLock
		split  uint // right split page in progress
		entry  uint // slot in the pool this latch set maps to
		next   uint // next entry in its hash-table chain
		prev   uint // prev entry in its hash-table chain
		pin    uint32
		dirty  bool
	}
)

func (l *PhaseFairRWLock) WriteLock() {
	tix := atomic.AddUint32(&l.ticket, 1) - 1
	for tix != l.serving {
		runtime.Gosched()
	}
	w := pres | (tix & phID)
	r := atomic.AddUint32(&l.rin, w) - w
	for r != l.rout {
		runtime.Gosched()
	}
}

func (l *PhaseFairRWLock) WriteRelease() {
	FetchAndAndUint32(&l.rin, ^uint32(mask))
	l.serving++
}

func (l *PhaseFairRWLock) ReadLock() {
	w := (atomic.AddUint32(&l.rin, rInc) - rInc) & mask
	if w > 0 {
		for w == l.rin&mask {
			runtime.Gosched()
		}
	}
}

func (l *PhaseFairRWLock) ReadRelease() {
	atomic.AddUint32(&l.rout, rInc)
}

// SpinReadLock blocks (spinning) until no writer holds or is pending,
// then registers a reader.
func (l *SpinLatch) SpinReadLock() {
	for {
		l.mu.Lock()
		ok := !(l.exclusive || l.pending)
		if ok {
			l.share++
		}
		l.mu.Unlock()
		if ok {
			return
		}
		runtime.Gosched()
	}
}

func (l *SpinLatch) SpinReleaseRead() {
	l.mu.Lock()
	l.share--
	l.mu.Unlock()
}

// SpinWriteLock blocks (spinning) until all readers and any writer have
// released, setting the pending bit in the meantime to block new readers.
func (l *SpinLatch) SpinWriteLock() {
	for {
		l.mu.Lock()
		ok := !(l.share > 0 || l.exclusive)
		if ok {
			l.exclusive = true
			l.pending = false
		} else {
			l.pending = true
		}
		l.mu.Unlock()
		if ok {
			return
		}
		runtime.Gosched()
	}
}

// SpinWriteTry never blocks: it returns whether the write lock was free
// at the moment of the attempt.
func (l *SpinLatch) SpinWriteTry() bool {
	if !l.mu.TryLock() {
		return false
	}
	defer l.mu.Unlock()
	ok := !(l.share > 0 || l.exclusive)
	if ok {
		l.exclusive = true
	}
	return ok
}

func (l *SpinLatch) SpinReleaseWrite() {
	l.mu.Lock()
	l.exclusive = false
	l.mu.Unlock()
}
