package blink_tree

import (
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// PoolEntry is one currently-mapped segment: a base page id, the mmap'd
// region backing it, a pin count (with ClockBit packed into it), and
// hash-chain links.
// A segment is 1<<SegBits contiguous pages, always aligned on that
// boundary, mapped and unmapped as one unit.
type PoolEntry struct {
	base   Uid
	region []byte
	pin    uint32
	next   uint
	prev   uint
}

// SegmentPool is the segment-granularity mmap pool from spec.md §4.4: a
// hash table of PoolEntry keyed by segment base, with clock eviction
// when the pool is full. It is independent of LatchMgr — many pages
// (and therefore many Latchs) can share one mapped segment.
type SegmentPool struct {
	file     *os.File
	pageSize uint32
	segBits  uint8
	segPages uint32 // 1 << segBits

	max      uint
	hash     uint
	table    []HashEntry
	entries  []PoolEntry
	deployed uint32
	victim   uint32
}

// NewSegmentPool opens (creating if needed) the backing file and sizes
// the mapped-segment table for up to maxSegments concurrently mapped
// segments.
func NewSegmentPool(file *os.File, pageSize uint32, segBits uint8, maxSegments uint) *SegmentPool {
	if maxSegments < 1 {
		maxSegments = 1
	}
	hash := maxSegments / LatchHashChainLen
	if hash == 0 {
		hash = 1
	}
	return &SegmentPool{
		file:     file,
		pageSize: pageSize,
		segBits:  segBits,
		segPages: 1 << segBits,
		max:      maxSegments,
		hash:     hash,
		table:    make([]HashEntry, hash),
		entries:  make([]PoolEntry, maxSegments),
	}
}

func (p *SegmentPool) segmentBase(pageNo Uid) Uid {
	return (pageNo / Uid(p.segPages)) * Uid(p.segPages)
}

// mmapSegment grows the backing file as needed and maps the segment
// starting at base.
func (p *SegmentPool) mmapSegment(base Uid) ([]byte, error) {
	segBytes := int64(p.segPages) * int64(p.pageSize)
	offset := int64(base) * int64(p.pageSize)

	fi, err := p.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("bltree: stat backing file: %w", err)
	}
	if fi.Size() < offset+segBytes {
		if err := p.file.Truncate(offset + segBytes); err != nil {
			return nil, fmt.Errorf("bltree: grow backing file: %w", err)
		}
	}

	region, err := unix.Mmap(int(p.file.Fd()), offset, int(segBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("bltree: mmap segment at %d: %w", base, err)
	}
	return region, nil
}

func (p *SegmentPool) link(hashIdx, slot uint, base Uid, region []byte) {
	e := &p.entries[slot]
	e.next = p.table[hashIdx].slot
	if e.next > 0 {
		p.entries[e.next].prev = slot
	}
	p.table[hashIdx].slot = slot
	e.base = base
	e.region = region
	e.prev = 0
	e.pin = 1
}

// Pin maps (if necessary) the segment containing pageNo and returns the
// PoolEntry backing it, with its pin count incremented. Eviction of a
// mapped segment under pool pressure munmaps the LRU-clock victim with
// pin == 0, exactly as spec.md §4.4 describes.
func (p *SegmentPool) Pin(pageNo Uid) (*PoolEntry, error) {
	base := p.segmentBase(pageNo)
	hashIdx := uint(base/Uid(p.segPages)) % p.hash

	p.table[hashIdx].latch.SpinWriteLock()
	defer p.table[hashIdx].latch.SpinReleaseWrite()

	slot := p.table[hashIdx].slot
	for slot > 0 {
		e := &p.entries[slot]
		if e.base == base {
			atomic.AddUint32(&e.pin, 1)
			FetchAndOrUint32(&e.pin, ClockBit)
			return e, nil
		}
		slot = e.next
	}

	slot = uint(atomic.AddUint32(&p.deployed, 1))
	if slot < p.max {
		region, err := p.mmapSegment(base)
		if err != nil {
			atomic.AddUint32(&p.deployed, decrement)
			return nil, err
		}
		p.link(hashIdx, slot, base, region)
		return &p.entries[slot], nil
	}
	atomic.AddUint32(&p.deployed, decrement)

	for {
		slot = uint(atomic.AddUint32(&p.victim, 1) - 1)
		slot %= p.max
		if slot == 0 {
			continue
		}
		e := &p.entries[slot]
		if e.region == nil {
			region, err := p.mmapSegment(base)
			if err != nil {
				return nil, err
			}
			p.link(hashIdx, slot, base, region)
			return &p.entries[slot], nil
		}

		idx := uint(e.base/Uid(p.segPages)) % p.hash
		// a victim on the requested chain is already covered by the
		// write latch this call holds
		release := func() {}
		if idx != hashIdx {
			if !p.table[idx].latch.SpinWriteTry() {
				continue
			}
			release = p.table[idx].latch.SpinReleaseWrite
		}
		if e.pin > 0 {
			if e.pin&ClockBit > 0 {
				FetchAndAndUint32(&e.pin, ^ClockBit)
			}
			release()
			continue
		}

		if err := unix.Munmap(e.region); err != nil {
			release()
			return nil, fmt.Errorf("bltree: munmap segment at %d: %w", e.base, err)
		}

		if e.prev > 0 {
			p.entries[e.prev].next = e.next
		} else {
			p.table[idx].slot = e.next
		}
		if e.next > 0 {
			p.entries[e.next].prev = e.prev
		}

		region, err := p.mmapSegment(base)
		if err != nil {
			release()
			return nil, err
		}
		p.link(hashIdx, slot, base, region)
		release()
		return &p.entries[slot], nil
	}
}

// Unpin decrements a PoolEntry's pin count.
func (p *SegmentPool) Unpin(e *PoolEntry) {
	atomic.AddUint32(&e.pin, decrement)
}

// PageBytes returns the slice of the mapped segment backing pageNo —
// exactly pageSize bytes starting at the page's offset within the
// segment, per spec.md §4.4 ("page(pool_entry, page_id) returns a
// pointer into the mapped region at the page's offset").
func (e *PoolEntry) PageBytes(pageNo Uid, pageSize uint32) []byte {
	off := (uint64(pageNo) - uint64(e.base)) * uint64(pageSize)
	return e.region[off : off+uint64(pageSize)]
}

// Close unmaps every still-mapped segment.
func (p *SegmentPool) Close() error {
	var firstErr error
	for i := range p.entries {
		if p.entries[i].region != nil {
			if err := unix.Munmap(p.entries[i].region); err != nil && firstErr == nil {
				firstErr = err
			}
			p.entries[i].region = nil
		}
	}
	return firstErr
}
