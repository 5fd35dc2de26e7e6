package blink_tree

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
)

// BufMgr is the engine's storage layer: it composes the latch manager
// (C3, pure in-memory per-page locking) with a segment-granularity mmap
// pool (C4, the actual bytes) and the allocation bookkeeping that hands
// out fresh page ids or recycles freed ones. bltree.go reaches every
// page through it.
type BufMgr struct {
	file         *os.File
	pageBits     uint8
	pageSize     uint32
	pageDataSize uint32
	nLatchPages  uint

	latchMgr *LatchMgr
	pool     *SegmentPool

	// pageFrames holds one decoded Page per latch-table slot, keyed by
	// Latchs.entry. Several pages can live in the same mapped segment;
	// this cache is what gives each currently-latched page its own
	// typed, GC-friendly view instead of raw segment bytes.
	pageFrames []Page

	// zeroLatch guards highWater/freeHead, which mirror the allocation
	// page's header Right field (high-water mark) and the free-list
	// head kept at the same field offset one header further into its
	// Data, as if a second PageHeader were embedded there.
	zeroLatch SpinLatch
	highWater Uid
	freeHead  Uid

	// dupSeq hands out the uniquifier suffix Duplicate slots append to
	// their key, so non-unique index values still sort and compare
	// uniquely on the page.
	dupSeq uint64

	log *zap.Logger
}

// NextDup returns the next uniquifier for a Duplicate-type key insert.
func (mgr *BufMgr) NextDup() Uid {
	return Uid(atomic.AddUint64(&mgr.dupSeq, 1))
}

// estimatedLatchSetBytes is a nominal per-entry footprint used only to
// size how many PageIds are reserved for the latch table in the file's
// id space, matching the file-format's "3..(3+N-1) reserved" contract
// even though this port keeps the latch table itself in process memory
// rather than mapping it.
const estimatedLatchSetBytes = 64

// OpenBufMgr opens (creating if necessary) the file at path and wires up
// the latch manager and segment pool described by opts.
func OpenBufMgr(path string, opts Options, log *zap.Logger) (*BufMgr, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("bltree: open %s: %w", path, err)
	}

	pageSize := uint32(1) << opts.PageBits
	pageDataSize := pageSize - PageHeaderSize
	nLatchPages := uint(1)
	if perPage := pageSize / estimatedLatchSetBytes; perPage > 0 {
		nLatchPages = (opts.LatchTotal + uint(perPage) - 1) / uint(perPage)
		if nLatchPages == 0 {
			nLatchPages = 1
		}
	}

	mgr := &BufMgr{
		file:         file,
		pageBits:     opts.PageBits,
		pageSize:     pageSize,
		pageDataSize: pageDataSize,
		nLatchPages:  nLatchPages,
		latchMgr:     NewLatchMgr(opts.LatchTotal),
		pool:         NewSegmentPool(file, pageSize, opts.SegBits, opts.PoolSegments),
		pageFrames:   make([]Page, opts.LatchTotal),
		log:          log,
	}
	for i := range mgr.pageFrames {
		mgr.pageFrames[i].Data = make([]byte, pageDataSize)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("bltree: stat %s: %w", path, err)
	}

	if fi.Size() == 0 {
		if err := mgr.bootstrap(); err != nil {
			file.Close()
			return nil, err
		}
		log.Info("bltree: initialized new store", zap.String("path", path), zap.Uint32("page_size", pageSize))
	} else {
		if err := mgr.loadZero(); err != nil {
			file.Close()
			return nil, err
		}
		if gotBits := mgr.pageFrames[0].Bits; gotBits != 0 && gotBits != opts.PageBits {
			file.Close()
			return nil, fmt.Errorf("bltree: %s has page bits %d, opened with %d", path, gotBits, opts.PageBits)
		}
		log.Info("bltree: opened existing store", zap.String("path", path), zap.Uint64("high_water", uint64(mgr.highWater)))
	}

	return mgr, nil
}

// bootstrap lays down the allocation page, an empty root and an empty
// leaf for a brand-new file, per spec.md's file-format section.
func (mgr *BufMgr) bootstrap() error {
	mgr.highWater = LatchPage + Uid(mgr.nLatchPages)
	mgr.freeHead = 0

	zero := NewPage(mgr.pageDataSize)
	zero.Bits = mgr.pageBits
	if err := mgr.writeRawPage(AllocPage, zero); err != nil {
		return err
	}
	if err := mgr.persistZero(); err != nil {
		return err
	}

	leaf := NewPage(mgr.pageDataSize)
	leaf.Lvl = 0
	leaf.Min = mgr.pageDataSize
	installStopper(leaf, nil)
	if err := mgr.writeRawPage(LeafPage, leaf); err != nil {
		return err
	}

	root := NewPage(mgr.pageDataSize)
	root.Lvl = MinLvl - 1
	root.Min = mgr.pageDataSize
	var leafID [BtId]uint8
	PutID(&leafID, LeafPage)
	installStopper(root, leafID[:])
	if err := mgr.writeRawPage(RootPage, root); err != nil {
		return err
	}

	return nil
}

// installStopper inserts the single +infinity fence slot a fresh page
// needs before it holds any real keys.
func installStopper(p *Page, value []byte) {
	keyLen := 2
	valLen := len(value)
	off := p.Min - uint32(1+keyLen+1+valLen)
	p.Min = off
	p.Data[off] = byte(keyLen)
	p.Data[off+1] = 0xFF
	p.Data[off+2] = 0xFF
	p.Data[off+3+uint32(keyLen)-2] = byte(valLen)
	copy(p.Data[off+uint32(1+keyLen)+1:], value)
	p.Cnt = 1
	p.Act = 1
	p.SetKeyOffset(1, off)
}

func (mgr *BufMgr) writeRawPage(pageNo Uid, p *Page) error {
	entry, err := mgr.pool.Pin(pageNo)
	if err != nil {
		return err
	}
	defer mgr.pool.Unpin(entry)
	EncodePage(entry.PageBytes(pageNo, mgr.pageSize), p)
	return nil
}

func (mgr *BufMgr) persistZero() error {
	entry, err := mgr.pool.Pin(AllocPage)
	if err != nil {
		return err
	}
	defer mgr.pool.Unpin(entry)
	buf := entry.PageBytes(AllocPage, mgr.pageSize)

	var right [BtId]uint8
	PutID(&right, mgr.highWater)
	copy(buf[RightFieldOffset:RightFieldOffset+BtId], right[:])

	var head [BtId]uint8
	PutID(&head, mgr.freeHead)
	off := PageHeaderSize + RightFieldOffset
	copy(buf[off:off+BtId], head[:])
	return nil
}

func (mgr *BufMgr) loadZero() error {
	entry, err := mgr.pool.Pin(AllocPage)
	if err != nil {
		return err
	}
	defer mgr.pool.Unpin(entry)
	buf := entry.PageBytes(AllocPage, mgr.pageSize)

	var right [BtId]uint8
	copy(right[:], buf[RightFieldOffset:RightFieldOffset+BtId])
	mgr.highWater = GetID(&right)

	var head [BtId]uint8
	off := PageHeaderSize + RightFieldOffset
	copy(head[:], buf[off:off+BtId])
	mgr.freeHead = GetID(&head)

	mgr.pageFrames[0].Bits = buf[16]
	return nil
}

// PinLatch finds or installs the Latchs tracking pageNo. When loadIt is
// set the page's current bytes are decoded into its frame; callers that
// are about to overwrite the whole page (NewPage) can skip that read.
func (mgr *BufMgr) PinLatch(pageNo Uid, loadIt bool) (*Latchs, error) {
	latch := mgr.latchMgr.PinLatch(pageNo)
	frame := &mgr.pageFrames[latch.entry]
	if uint32(len(frame.Data)) != mgr.pageDataSize {
		frame.Data = make([]byte, mgr.pageDataSize)
	}
	if loadIt {
		if err := mgr.PageIn(frame, pageNo); err != nil {
			mgr.latchMgr.UnpinLatch(latch)
			return nil, err
		}
	}
	return latch, nil
}

// UnpinLatch writes the latch's frame back to its mapped segment if it
// was left dirty, then releases the pin. Keeping the flush here (rather
// than in a separate release step) means every call site that sets
// latch.dirty and then unpins — however it got there — is durable
// without having to remember a second step.
func (mgr *BufMgr) UnpinLatch(latch *Latchs) {
	if latch.dirty {
		frame := mgr.GetRefOfPageAtPool(latch)
		if err := mgr.PageOut(frame, latch.pageNo, true); err != nil {
			mgr.log.Error("bltree: flush on unpin failed", zap.Uint64("page", uint64(latch.pageNo)), zap.Error(err))
		}
		latch.dirty = false
	}
	mgr.latchMgr.UnpinLatch(latch)
}

func (mgr *BufMgr) GetRefOfPageAtPool(latch *Latchs) *Page {
	return &mgr.pageFrames[latch.entry]
}

// PageIn decodes pageNo's current on-disk bytes into page.
func (mgr *BufMgr) PageIn(page *Page, pageNo Uid) error {
	entry, err := mgr.pool.Pin(pageNo)
	if err != nil {
		return err
	}
	defer mgr.pool.Unpin(entry)
	DecodePage(page, entry.PageBytes(pageNo, mgr.pageSize))
	return nil
}

// PageOut encodes page back into pageNo's mapped segment bytes when
// dirty is set. Because the segment is MAP_SHARED, the write is visible
// to the kernel's page cache immediately — there is no separate flush
// step beyond this call.
func (mgr *BufMgr) PageOut(page *Page, pageNo Uid, dirty bool) error {
	if !dirty {
		return nil
	}
	entry, err := mgr.pool.Pin(pageNo)
	if err != nil {
		return err
	}
	defer mgr.pool.Unpin(entry)
	EncodePage(entry.PageBytes(pageNo, mgr.pageSize), page)
	return nil
}

func (mgr *BufMgr) PageLock(mode BLTLockMode, latch *Latchs) {
	mgr.latchMgr.PageLock(mode, latch)
}

func (mgr *BufMgr) PageUnlock(mode BLTLockMode, latch *Latchs) {
	mgr.latchMgr.PageUnlock(mode, latch)
}

// NewPage claims a PageId — popping the free list if it is non-empty,
// otherwise bumping the high-water mark — copies contents into its
// frame, and returns it pinned and marked dirty. The caller releases it
// with UnpinLatch once finished.
func (mgr *BufMgr) NewPage(set *PageSet, contents *Page) error {
	mgr.zeroLatch.SpinWriteLock()

	var pageNo Uid
	if mgr.freeHead != 0 {
		pageNo = mgr.freeHead
		entry, err := mgr.pool.Pin(pageNo)
		if err != nil {
			mgr.zeroLatch.SpinReleaseWrite()
			return err
		}
		hdr := DecodeHeader(entry.PageBytes(pageNo, mgr.pageSize))
		mgr.pool.Unpin(entry)
		mgr.freeHead = GetID(&hdr.Right)
	} else {
		pageNo = mgr.highWater
		mgr.highWater++
	}

	err := mgr.persistZero()
	mgr.zeroLatch.SpinReleaseWrite()
	if err != nil {
		return err
	}

	latch, err := mgr.PinLatch(pageNo, false)
	if err != nil {
		return err
	}
	frame := mgr.GetRefOfPageAtPool(latch)
	MemCpyPage(frame, contents)
	latch.dirty = true
	set.latch = latch
	set.page = frame
	return nil
}

// PageFree threads set's page onto the allocation free list (chained
// through its own Right field, the way a freed page's fence pointer is
// repurposed once Kill/Free retire it), releases its Write and Delete
// locks, and unpins it. Callers always reach PageFree with exactly
// those two locks held, per spec.md's page-deletion procedure.
func (mgr *BufMgr) PageFree(set *PageSet) error {
	set.page.Free = true

	mgr.zeroLatch.SpinWriteLock()
	PutID(&set.page.Right, mgr.freeHead)
	mgr.freeHead = set.latch.pageNo
	err := mgr.persistZero()
	mgr.zeroLatch.SpinReleaseWrite()
	if err != nil {
		return err
	}

	mgr.PageUnlock(LockWrite, set.latch)
	mgr.PageUnlock(LockDelete, set.latch)
	set.latch.dirty = true
	mgr.UnpinLatch(set.latch)
	return nil
}

// PoolAudit reports any latch left locked or pinned after a sequence of
// operations — used by tests checking P8 (latch-pin safety).
func (mgr *BufMgr) PoolAudit() []string {
	return mgr.latchMgr.Audit()
}

// Close unmaps every mapped segment and closes the backing file. The
// allocation bookkeeping is already durable because every mutation was
// written through to mapped memory as it happened.
func (mgr *BufMgr) Close() error {
	if err := mgr.pool.Close(); err != nil {
		mgr.log.Warn("bltree: error unmapping segments on close", zap.Error(err))
	}
	if err := mgr.file.Close(); err != nil {
		return fmt.Errorf("bltree: close backing file: %w", err)
	}
	return nil
}
