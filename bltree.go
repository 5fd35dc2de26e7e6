package blink_tree

import (
	"bytes"
	"fmt"
	"time"
)

// BLTreeItr walks the key/value pairs collected by a RangeScan.
type BLTreeItr struct {
	keys   [][]byte
	vals   [][]byte
	curIdx uint32
	elems  uint32
}

func (itr *BLTreeItr) Next() (ok bool, key []byte, value []byte) {
	if itr.curIdx >= itr.elems {
		return false, nil, nil
	}
	key = itr.keys[itr.curIdx]
	value = itr.vals[itr.curIdx]
	itr.curIdx++
	return true, key, value
}

// BLTree is the concurrent B-link tree (C5): the splitting, deleting
// and searching algorithms that turn a BufMgr's pages into an ordered
// index. A BLTree is meant for one goroutine at a time — callers that
// want concurrent access share a BufMgr and open one BLTree per
// goroutine, the way Engine does.
type BLTree struct {
	mgr    *BufMgr
	cursor *Page // cached frame for start/next, never mapped
	cursorPage Uid
	err    BLTErr
}

/*
 * Pages are allocated from low and high ends. Slot entries (key
 * offsets) are allocated from low addresses, while key and value bytes
 * come from high addresses. When the two areas meet, the page splits with a 50%
 * rule.
 *
 * The root is always page 1. The first leaf is always page 2. Pages
 * are linked with right pointers to let a reader walk past a
 * concurrent split without retaking the root.
 *
 * Deleted keys are marked with a dead bit until the next page cleanup.
 * A page's fence key — its highest key, copied up into the parent — is
 * always present, even on an otherwise empty page.
 *
 * One page is latched at a time during descent; the access lock on a
 * child is taken before the parent's lock is released, so a concurrent
 * split can never make a reader miss the child it is heading for.
 *
 * The Parent lock on a node serializes posting or changing the fence
 * key it contributes to its own parent.
 */

// NewBLTree opens a B-link tree access method on top of an already open
// buffer manager.
func NewBLTree(bufMgr *BufMgr) *BLTree {
	tree := &BLTree{mgr: bufMgr}
	tree.cursor = NewPage(bufMgr.pageDataSize)
	return tree
}

// pinLatch adapts BufMgr.PinLatch's error return to the tree's
// out-of-band tree.err convention: a nil Latchs means failure, with
// tree.err already set to why.
func (tree *BLTree) pinLatch(pageNo Uid, loadIt bool) *Latchs {
	latch, err := tree.mgr.PinLatch(pageNo, loadIt)
	if err != nil {
		tree.err = BLTErrRead
		return nil
	}
	return latch
}

// now stamps internally generated slots (fence-key propagation, which
// has no caller-supplied tod of its own) the same way the tree's own
// insertKey recursion does for every level above the one a caller
// actually touched.
func (tree *BLTree) now() uint32 {
	return uint32(time.Now().Unix())
}

func (tree *BLTree) newPage(set *PageSet, contents *Page) BLTErr {
	if err := tree.mgr.NewPage(set, contents); err != nil {
		tree.err = BLTErrOverflow
		return tree.err
	}
	return BLTErrOk
}

// loadPage performs the hand-over-hand descent from the root to level
// lvl for key, taking lockMode on the page it stops at. Every step down
// takes the target's Access lock before releasing the parent's real
// lock — readers can never be misdirected by a split that completes
// mid-descent, because the right-link walk below re-checks the fence
// on every page it visits, including the one just reached.
func (tree *BLTree) loadPage(set *PageSet, key []byte, lvl uint8, lockMode BLTLockMode) uint32 {
	pageNo := RootPage
	var prevLatch *Latchs
	var mode BLTLockMode

	for {
		set.latch = tree.pinLatch(pageNo, true)
		if set.latch == nil {
			return 0
		}
		set.page = tree.mgr.GetRefOfPageAtPool(set.latch)

		if pageNo > RootPage {
			tree.mgr.PageLock(LockAccess, set.latch)
		}

		if prevLatch != nil {
			if mode != LockNone {
				tree.mgr.PageUnlock(mode, prevLatch)
			}
			tree.mgr.UnpinLatch(prevLatch)
			prevLatch = nil
		}

		if set.page.Lvl == lvl {
			mode = lockMode
		} else {
			mode = LockRead
		}
		if mode != LockNone {
			tree.mgr.PageLock(mode, set.latch)
		}
		if pageNo > RootPage {
			tree.mgr.PageUnlock(LockAccess, set.latch)
		}

		// walk right while the key does not fit under this page's fence
		for GetID(&set.page.Right) != 0 && set.page.FindSlot(key) == 0 {
			rightNo := GetID(&set.page.Right)
			rightLatch := tree.pinLatch(rightNo, true)
			if rightLatch == nil {
				return 0
			}
			tree.mgr.PageLock(LockAccess, rightLatch)
			if mode != LockNone {
				tree.mgr.PageUnlock(mode, set.latch)
			}
			tree.mgr.UnpinLatch(set.latch)

			set.latch = rightLatch
			set.page = tree.mgr.GetRefOfPageAtPool(set.latch)
			if mode != LockNone {
				tree.mgr.PageLock(mode, set.latch)
			}
			tree.mgr.PageUnlock(LockAccess, set.latch)
		}

		slot := set.page.FindSlot(key)
		if set.page.Lvl == lvl {
			return slot
		}
		if slot == 0 {
			tree.err = BLTErrStruct
			return 0
		}

		for slot > 0 && (set.page.Dead(slot) || set.page.Typ(slot) == Librarian) {
			slot++
		}
		if slot > set.page.Cnt {
			tree.err = BLTErrStruct
			return 0
		}

		pageNo = GetIDFromValue(set.page.Value(slot))
		prevLatch = set.latch
	}
}

// fixFence pushes a new fence value upward after the old fence key was
// deleted from set's page.
func (tree *BLTree) fixFence(set *PageSet, lvl uint8) BLTErr {
	rightKey := set.page.Key(set.page.Cnt)
	set.page.ClearSlot(set.page.Cnt)
	set.page.Cnt--
	set.latch.dirty = true

	leftKey := set.page.Key(set.page.Cnt)

	var value [BtId]byte
	PutID(&value, set.latch.pageNo)

	tree.mgr.PageLock(LockParent, set.latch)
	tree.mgr.PageUnlock(LockWrite, set.latch)

	// insert new (now smaller) fence key
	if err := tree.InsertKey(leftKey, lvl+1, value, true, tree.now()); err != BLTErrOk {
		return err
	}

	// delete old fence key
	if err := tree.DeleteKey(rightKey, lvl+1); err != BLTErrOk {
		return err
	}

	tree.mgr.PageUnlock(LockParent, set.latch)
	tree.mgr.UnpinLatch(set.latch)
	return BLTErrOk
}

// collapseRoot drops a level from the tree when the root has only one
// live child left.
func (tree *BLTree) collapseRoot(root *PageSet) BLTErr {
	var child PageSet
	var pageNo Uid
	var idx uint32

	for {
		idx = 1
		for idx <= root.page.Cnt {
			if !root.page.Dead(idx) {
				break
			}
			idx++
		}

		pageNo = GetIDFromValue(root.page.Value(idx))
		child.latch = tree.pinLatch(pageNo, true)
		if child.latch == nil {
			return tree.err
		}
		child.page = tree.mgr.GetRefOfPageAtPool(child.latch)

		tree.mgr.PageLock(LockDelete, child.latch)
		tree.mgr.PageLock(LockWrite, child.latch)

		MemCpyPage(root.page, child.page)
		root.latch.dirty = true
		if err := tree.mgr.PageFree(&child); err != nil {
			tree.err = BLTErrStruct
			return tree.err
		}

		if !(root.page.Lvl > 1 && root.page.Act == 1) {
			break
		}
	}

	tree.mgr.PageUnlock(LockWrite, root.latch)
	tree.mgr.UnpinLatch(root.latch)
	return BLTErrOk
}

// deletePage merges an emptied page with its right sibling: the
// sibling's contents are copied into set's page, which keeps its page
// id, and the sibling's page is freed. Called with set write-locked;
// returns with set unpinned.
func (tree *BLTree) deletePage(set *PageSet, mode BLTLockMode) BLTErr {
	var right PageSet
	lowerFence := set.page.Key(set.page.Cnt)

	pageNo := GetID(&set.page.Right)
	right.latch = tree.pinLatch(pageNo, true)
	if right.latch == nil {
		return BLTErrOk
	}
	right.page = tree.mgr.GetRefOfPageAtPool(right.latch)

	tree.mgr.PageLock(LockWrite, right.latch)
	tree.mgr.PageLock(mode, right.latch)

	higherFence := right.page.Key(right.page.Cnt)

	if right.page.Kill {
		tree.err = BLTErrStruct
		return tree.err
	}

	// pull the right sibling's contents into our now-empty page
	MemCpyPage(set.page, right.page)
	set.latch.dirty = true

	// mark the right page dead and redirect it to ours until the
	// parent no longer points at it
	PutID(&right.page.Right, set.latch.pageNo)
	right.latch.dirty = true
	right.page.Kill = true

	var value [BtId]byte
	PutID(&value, set.latch.pageNo)

	tree.mgr.PageLock(LockParent, right.latch)
	tree.mgr.PageUnlock(LockWrite, right.latch)
	tree.mgr.PageUnlock(mode, right.latch)
	tree.mgr.PageLock(LockParent, set.latch)
	tree.mgr.PageUnlock(LockWrite, set.latch)

	if err := tree.InsertKey(higherFence, set.page.Lvl+1, value, true, tree.now()); err != BLTErrOk {
		return err
	}
	if err := tree.DeleteKey(lowerFence, set.page.Lvl+1); err != BLTErrOk {
		return err
	}

	tree.mgr.PageUnlock(LockParent, right.latch)
	tree.mgr.PageLock(LockDelete, right.latch)
	tree.mgr.PageLock(LockWrite, right.latch)
	if err := tree.mgr.PageFree(&right); err != nil {
		tree.err = BLTErrStruct
		return tree.err
	}
	tree.mgr.PageUnlock(LockParent, set.latch)
	tree.mgr.UnpinLatch(set.latch)
	return BLTErrOk
}

// skipLibrarianSlot steps past a librarian filler slot to the real
// data slot it precedes; any other slot is returned unchanged.
func skipLibrarianSlot(page *Page, slot uint32) uint32 {
	if page.Typ(slot) == Librarian {
		return slot + 1
	}
	return slot
}

// tombstoneIfMatching marks slot dead and accounts its key/value bytes
// as reclaimable garbage, provided its key actually matches key and it
// is not already dead. It reports whether it tombstoned anything.
func tombstoneIfMatching(page *Page, slot uint32, key []byte) bool {
	ptr := page.Key(slot)
	if KeyCmp(ptr, key) != 0 || page.Dead(slot) {
		return false
	}
	val := *page.Value(slot)
	page.SetDead(slot, true)
	page.Garbage += uint32(1+len(ptr)) + uint32(1+len(val))
	page.Act--
	return true
}

// trimTrailingDeadSlots drops the dead slots lying directly beneath the
// page's last (fence) slot, moving the fence slot down over them, so
// the array shrinks without waiting for a full cleanPage compaction.
// The fence slot itself stays last, dead or not.
func trimTrailingDeadSlots(page *Page) {
	for idx := page.Cnt - 1; idx > 0 && page.Dead(idx); idx = page.Cnt - 1 {
		copy(page.slotBytes(idx), page.slotBytes(idx+1))
		page.ClearSlot(page.Cnt)
		page.Cnt--
	}
}

// afterDelete decides what set's page needs once a delete attempt has
// been applied to it: push a replacement fence upward when the deleted
// slot was the page's own fence key, collapse the root by a level when
// it now has only one live child, merge an emptied page into its right
// sibling, or simply release the page.
func (tree *BLTree) afterDelete(set *PageSet, lvl uint8, deleted, wasFence bool) BLTErr {
	if deleted && lvl > 0 && set.page.Act > 0 && wasFence {
		return tree.fixFence(set, lvl)
	}
	if lvl > 1 && set.latch.pageNo == RootPage && set.page.Act == 1 {
		return tree.collapseRoot(set)
	}
	if set.page.Act == 0 {
		return tree.deletePage(set, LockNone)
	}

	set.latch.dirty = true
	tree.mgr.PageUnlock(LockWrite, set.latch)
	tree.mgr.UnpinLatch(set.latch)
	return BLTErrOk
}

// DeleteKey finds key at lvl and marks its slot dead. An emptied page
// is merged away; a page whose fence key was the one deleted pushes a
// replacement fence upward.
func (tree *BLTree) DeleteKey(key []byte, lvl uint8) BLTErr {
	var set PageSet

	slot := tree.loadPage(&set, key, lvl, LockWrite)
	if slot == 0 {
		return tree.err
	}
	slot = skipLibrarianSlot(set.page, slot)
	wasFence := slot == set.page.Cnt

	deleted := tombstoneIfMatching(set.page, slot, key)
	if deleted {
		trimTrailingDeadSlots(set.page)
	}

	return tree.afterDelete(&set, lvl, deleted, wasFence)
}

// findNext advances to the next slot on set's page, sliding the cursor
// right into the next page when set.page is exhausted.
func (tree *BLTree) findNext(set *PageSet, slot uint32) uint32 {
	if slot < set.page.Cnt {
		return slot + 1
	}
	prevLatch := set.latch
	pageNo := GetID(&set.page.Right)
	if pageNo == 0 {
		tree.err = BLTErrStruct
		return 0
	}

	set.latch = tree.pinLatch(pageNo, true)
	if set.latch == nil {
		return 0
	}
	set.page = tree.mgr.GetRefOfPageAtPool(set.latch)

	tree.mgr.PageLock(LockAccess, set.latch)
	tree.mgr.PageUnlock(LockRead, prevLatch)
	tree.mgr.UnpinLatch(prevLatch)
	tree.mgr.PageLock(LockRead, set.latch)
	tree.mgr.PageUnlock(LockAccess, set.latch)
	return 1
}

// FindKey looks up key at the leaf level and copies up to valMax bytes
// of its value, or returns -1 if the key is absent or dead.
func (tree *BLTree) FindKey(key []byte, valMax int) (ret int, foundKey []byte, foundValue []byte) {
	var set PageSet
	ret = -1

	slot := tree.loadPage(&set, key, 0, LockRead)
	for ; slot > 0; slot = tree.findNext(&set, slot) {
		ptr := set.page.Key(slot)

		if set.page.Typ(slot) == Librarian {
			slot++
			ptr = set.page.Key(slot)
		}

		foundKey = make([]byte, len(ptr))
		copy(foundKey, ptr)

		keyLen := len(ptr)
		if set.page.Typ(slot) == Duplicate {
			keyLen -= BtId
		}

		if slot == set.page.Cnt {
			if GetID(&set.page.Right) == 0 {
				break
			}
		}

		if set.page.Dead(slot) {
			continue
		}

		if keyLen == len(key) {
			if KeyCmp(ptr[:keyLen], key) == 0 {
				val := *set.page.Value(slot)
				if valMax > len(val) {
					valMax = len(val)
				}
				foundValue = make([]byte, valMax)
				copy(foundValue, val[:])
				ret = valMax
			}
		}
		break
	}

	tree.mgr.PageUnlock(LockRead, set.latch)
	tree.mgr.UnpinLatch(set.latch)
	return ret, foundKey, foundValue
}

// cleanPage checks whether set's page has room for a keyLen/valLen
// insert at slot, compacting dead slots out first if that alone would
// free enough space. Returns 0 when the page must be split instead.
//
// The repack itself walks a snapshot of the page's current slots once,
// writing each live one (plus a Librarian filler ahead of it, to leave
// a gap a later inline insert can claim without forcing another
// compaction) into a freshly zeroed frame. The page's last slot is its
// fence key and is always kept even if it were somehow marked dead.
func (tree *BLTree) cleanPage(set *PageSet, keyLen uint8, slot uint32, valLen uint8) uint32 {
	page := set.page
	pageSize := tree.mgr.pageDataSize
	liveCount := page.Cnt

	footprint := page.CompactionFootprint(keyLen, valLen)
	if int(pageSize)-int(footprint) < int(pageSize/5) || footprint > pageSize {
		return 0
	}
	if page.RoomFor(keyLen, valLen) {
		return slot
	}

	before := NewPage(pageSize)
	MemCpyPage(before, page)

	page.Data = make([]byte, pageSize)
	set.latch.dirty = true
	page.Garbage = 0
	page.Act = 0

	nxt := pageSize
	idx := uint32(0)
	insertionSlot := liveCount

	for src := uint32(1); src <= liveCount; src++ {
		if src == slot {
			if idx == 0 {
				insertionSlot = 1
			} else {
				insertionSlot = idx + 2
			}
		}

		if src < liveCount && before.Dead(src) {
			continue
		}

		val := *before.Value(src)
		nxt -= uint32(len(val) + 1)
		copy(page.Data[nxt:], append([]byte{byte(len(val))}, val...))

		key := before.Key(src)
		nxt -= uint32(len(key) + 1)
		copy(page.Data[nxt:], append([]byte{byte(len(key))}, key...))

		if idx > 0 {
			idx++
			page.SetKeyOffset(idx, nxt)
			page.SetTyp(idx, Librarian)
			page.SetDead(idx, true)
		}

		idx++
		page.SetKeyOffset(idx, nxt)
		page.SetTyp(idx, before.Typ(src))
		page.SetTod(idx, before.Tod(src))

		if nxt <= idx*SlotSize {
			panic(fmt.Sprintf("bltree: cleanPage overran the slot area at page %d", set.latch.pageNo))
		}

		page.SetDead(idx, before.Dead(src))
		if !page.Dead(idx) {
			page.Act++
		}
	}

	page.Min = nxt
	page.Cnt = idx

	switch {
	case page.Min < pageSize/5:
		return 0
	case page.Min > (idx+2)*SlotSize+uint32(keyLen)+1+uint32(valLen)+1:
		return insertionSlot
	default:
		panic(fmt.Sprintf("bltree: cleanPage left page %d without enough room", set.latch.pageNo))
	}
}

// splitRoot splits the root page and raises the tree's height by one.
func (tree *BLTree) splitRoot(root *PageSet, right *Latchs) BLTErr {
	var left PageSet
	nxt := tree.mgr.pageDataSize
	var value [BtId]byte
	leftKey := root.page.Key(root.page.Cnt)

	if err := tree.newPage(&left, root.page); err != BLTErrOk {
		return err
	}
	leftPageNo := left.latch.pageNo
	tree.mgr.UnpinLatch(left.latch)

	root.page.Data = make([]byte, tree.mgr.pageDataSize)

	nxt -= BtId + 1
	PutID(&value, right.pageNo)
	copy(root.page.Data[nxt:], append([]byte{byte(BtId)}, value[:]...))

	nxt -= 2 + 1
	root.page.SetKeyOffset(2, nxt)
	copy(root.page.Data[nxt:], append([]byte{byte(2)}, 0xff, 0xff))

	nxt -= BtId + 1
	PutID(&value, leftPageNo)
	copy(root.page.Data[nxt:], append([]byte{byte(BtId)}, value[:]...))

	nxt -= uint32(len(leftKey)) + 1
	root.page.SetKeyOffset(1, nxt)
	copy(root.page.Data[nxt:], append([]byte{byte(len(leftKey))}, leftKey[:]...))

	PutID(&root.page.Right, 0)
	root.page.Min = nxt
	root.page.Cnt = 2
	root.page.Act = 2
	root.page.Lvl++

	tree.mgr.PageUnlock(LockWrite, root.latch)
	tree.mgr.UnpinLatch(root.latch)
	tree.mgr.UnpinLatch(right)
	return BLTErrOk
}

// splitPage splits an already write-locked, full page in half, leaving
// it locked, and returns the latch-table entry for the new right half
// (unlocked).
func (tree *BLTree) splitPage(set *PageSet) uint {
	nxt := tree.mgr.pageDataSize
	lvl := set.page.Lvl
	var right PageSet

	frame := NewPage(tree.mgr.pageDataSize)
	max := set.page.Cnt
	if max <= 1 {
		panic("bltree: splitPage called on a page with <= 1 slot")
	}
	cnt := max / 2
	idx := uint32(0)

	for cnt < max {
		cnt++
		if cnt < max || set.page.Lvl > 0 {
			if set.page.Dead(cnt) {
				continue
			}
		}
		value := *set.page.Value(cnt)
		valLen := uint32(len(value))
		nxt -= valLen + 1
		copy(frame.Data[nxt:], append([]byte{byte(valLen)}, value...))

		key := set.page.Key(cnt)
		nxt -= uint32(len(key)) + 1
		copy(frame.Data[nxt:], append([]byte{byte(len(key))}, key[:]...))

		if idx > 0 {
			idx++
			frame.SetKeyOffset(idx, nxt)
			frame.SetTyp(idx, Librarian)
			frame.SetDead(idx, true)
		}

		idx++
		frame.SetKeyOffset(idx, nxt)
		frame.SetTyp(idx, set.page.Typ(cnt))
		frame.SetTod(idx, set.page.Tod(cnt))
		frame.SetDead(idx, set.page.Dead(cnt))
		if !frame.Dead(idx) {
			frame.Act++
		}
	}

	frame.Bits = tree.mgr.pageBits
	frame.Min = nxt
	frame.Cnt = idx
	frame.Lvl = lvl

	if set.latch.pageNo > RootPage {
		PutID(&frame.Right, GetID(&set.page.Right))
	}

	if err := tree.mgr.NewPage(&right, frame); err != nil {
		tree.err = BLTErrOverflow
		return 0
	}

	MemCpyPage(frame, set.page)
	set.page.Data = make([]byte, tree.mgr.pageDataSize)
	set.latch.dirty = true

	nxt = tree.mgr.pageDataSize
	set.page.Garbage = 0
	set.page.Act = 0

	max /= 2
	cnt = 0
	idx = 0

	if frame.Typ(max) == Librarian {
		max--
	}

	for cnt < max {
		cnt++
		if frame.Dead(cnt) {
			continue
		}
		value := *frame.Value(cnt)
		valLen := uint32(len(value))
		nxt -= valLen + 1
		copy(set.page.Data[nxt:], append([]byte{byte(valLen)}, value...))

		key := frame.Key(cnt)
		nxt -= uint32(len(key)) + 1
		copy(set.page.Data[nxt:], append([]byte{byte(len(key))}, key[:]...))

		if idx > 0 {
			idx++
			set.page.SetKeyOffset(idx, nxt)
			set.page.SetTyp(idx, Librarian)
			set.page.SetDead(idx, true)
		}

		idx++
		set.page.SetKeyOffset(idx, nxt)
		set.page.SetTyp(idx, frame.Typ(cnt))
		set.page.SetTod(idx, frame.Tod(cnt))
		set.page.Act++
	}

	PutID(&set.page.Right, right.latch.pageNo)
	set.page.Min = nxt
	set.page.Cnt = idx

	if set.page.Cnt == 0 {
		panic(fmt.Sprintf("bltree: splitPage emptied page %d", set.latch.pageNo))
	}

	return right.latch.entry
}

// splitKeys posts the fence keys a just-split page needs in its
// parent. Called with set write-locked; returns with both set and
// right unlocked and unpinned.
func (tree *BLTree) splitKeys(set *PageSet, right *Latchs) BLTErr {
	lvl := set.page.Lvl

	if RootPage == set.latch.pageNo {
		return tree.splitRoot(set, right)
	}

	leftKey := set.page.Key(set.page.Cnt)
	page := tree.mgr.GetRefOfPageAtPool(right)
	rightKey := page.Key(page.Cnt)

	tree.mgr.PageLock(LockParent, right)
	tree.mgr.PageLock(LockParent, set.latch)
	tree.mgr.PageUnlock(LockWrite, set.latch)

	var value [BtId]byte
	PutID(&value, set.latch.pageNo)
	if err := tree.InsertKey(leftKey, lvl+1, value, true, tree.now()); err != BLTErrOk {
		return err
	}

	PutID(&value, right.pageNo)
	if err := tree.InsertKey(rightKey, lvl+1, value, true, tree.now()); err != BLTErrOk {
		return err
	}

	tree.mgr.PageUnlock(LockParent, set.latch)
	tree.mgr.UnpinLatch(set.latch)
	tree.mgr.PageUnlock(LockParent, right)
	tree.mgr.UnpinLatch(right)
	return BLTErrOk
}

// insertSlot installs key/value into set's page at slot, which must
// already have been checked for adequate space, stamping it with tod.
func (tree *BLTree) insertSlot(set *PageSet, slot uint32, key []byte, value [BtId]byte, typ SlotType, tod uint32, release bool) BLTErr {
	if slot > 1 {
		if set.page.Typ(slot-1) == Librarian {
			slot--
		}
	}

	set.page.Min -= uint32(len(value)) + 1
	copy(set.page.Data[set.page.Min:], append([]byte{byte(len(value))}, value[:]...))

	set.page.Min -= uint32(len(key) + 1)
	copy(set.page.Data[set.page.Min:], append([]byte{byte(len(key))}, key[:]...))

	idx := slot
	for ; idx < set.page.Cnt; idx++ {
		if set.page.Dead(idx) {
			break
		}
	}

	var librarian uint32
	if idx == set.page.Cnt {
		idx += 2
		set.page.Cnt += 2
		librarian = 2
	} else {
		librarian = 1
	}
	set.latch.dirty = true
	set.page.Act++

	for idx > slot+librarian-1 {
		set.page.SetDead(idx, set.page.Dead(idx-librarian))
		set.page.SetTyp(idx, set.page.Typ(idx-librarian))
		set.page.SetTod(idx, set.page.Tod(idx-librarian))
		set.page.SetKeyOffset(idx, set.page.KeyOffset(idx-librarian))
		idx--
	}

	if librarian > 1 {
		set.page.SetKeyOffset(slot, set.page.Min)
		set.page.SetTyp(slot, Librarian)
		set.page.SetDead(slot, true)
		slot++
	}

	set.page.SetKeyOffset(slot, set.page.Min)
	set.page.SetTyp(slot, typ)
	set.page.SetTod(slot, tod)
	set.page.SetDead(slot, false)

	if release {
		tree.mgr.PageUnlock(LockWrite, set.latch)
		tree.mgr.UnpinLatch(set.latch)
	}
	return BLTErrOk
}

func (tree *BLTree) newDup() Uid {
	return tree.mgr.NextDup()
}

// InsertKey inserts or updates key at lvl, stamping its slot with tod
// (the insertion timestamp a caller supplies, per spec.md §3/§6 — the
// tree never invents one itself for a caller-driven insert). uniq
// selects a Unique slot; when false a Duplicate slot is used and a
// uniquifier suffix is appended so non-unique values still compare
// distinctly.
func (tree *BLTree) InsertKey(key []byte, lvl uint8, value [BtId]byte, uniq bool, tod uint32) BLTErr {
	var slot uint32
	var keyLen uint8
	var set PageSet
	ins := key
	var ptr []byte
	var sequence Uid
	var typ SlotType

	if uniq {
		typ = Unique
	} else {
		typ = Duplicate
		sequence = tree.newDup()
		var seqBytes [BtId]byte
		PutID(&seqBytes, sequence)
		ins = append(append([]byte{}, ins...), seqBytes[:]...)
	}

	for {
		slot = tree.loadPage(&set, key, lvl, LockWrite)
		if slot > 0 {
			ptr = set.page.Key(slot)
		} else {
			if tree.err == BLTErrOk {
				tree.err = BLTErrOverflow
			}
			return tree.err
		}

		if set.page.Typ(slot) == Librarian {
			if KeyCmp(ptr, key) == 0 {
				slot++
				ptr = set.page.Key(slot)
			}
		}

		keyLen = uint8(len(ptr))
		if set.page.Typ(slot) == Duplicate {
			keyLen -= BtId
		}

		if (uniq && (keyLen != uint8(len(ins)) || KeyCmp(ptr, ins) != 0)) || !uniq {
			slot = tree.cleanPage(&set, uint8(len(ins)), slot, BtId)
			if slot == 0 {
				entry := tree.splitPage(&set)
				if entry == 0 {
					return tree.err
				}
				if err := tree.splitKeys(&set, &tree.mgr.latchMgr.latchs[entry]); err != BLTErrOk {
					return err
				}
				continue
			}
			return tree.insertSlot(&set, slot, ins, value, typ, tod, true)
		}

		if set.page.Dead(slot) {
			set.page.Act++
		}
		set.latch.dirty = true
		set.page.SetDead(slot, false)
		set.page.SetTod(slot, tod)
		set.page.SetValue(value[:], slot)

		tree.mgr.PageUnlock(LockWrite, set.latch)
		tree.mgr.UnpinLatch(set.latch)
		return BLTErrOk
	}
}

// nextKey returns the next live slot on the cursor page, sliding right
// into the next page (re-fetching its own snapshot copy) as needed.
func (tree *BLTree) nextKey(slot uint32) uint32 {
	var set PageSet

	for {
		right := GetID(&tree.cursor.Right)

		for slot < tree.cursor.Cnt {
			slot++
			if tree.cursor.Dead(slot) {
				continue
			} else if right > 0 || slot < tree.cursor.Cnt {
				return slot
			} else {
				break
			}
		}

		if right == 0 {
			break
		}

		tree.cursorPage = right
		set.latch = tree.pinLatch(right, true)
		if set.latch == nil {
			return 0
		}
		set.page = tree.mgr.GetRefOfPageAtPool(set.latch)

		tree.mgr.PageLock(LockRead, set.latch)
		MemCpyPage(tree.cursor, set.page)
		tree.mgr.PageUnlock(LockRead, set.latch)
		tree.mgr.UnpinLatch(set.latch)
		slot = 0
	}

	tree.err = BLTErrOk
	return 0
}

// GetTod returns the insertion timestamp stamped on the cursor's
// current slot.
func (tree *BLTree) GetTod(slot uint32) uint32 {
	return tree.cursor.Tod(slot)
}

// startKey snapshots the leaf page holding key into the cursor and
// returns the starting slot (past a Librarian filler, onto the slot it
// precedes).
func (tree *BLTree) startKey(key []byte) uint32 {
	var set PageSet

	slot := tree.loadPage(&set, key, 0, LockRead)
	if slot == 0 {
		return 0
	}
	MemCpyPage(tree.cursor, set.page)
	slot = skipLibrarianSlot(tree.cursor, slot)

	tree.cursorPage = set.latch.pageNo
	tree.mgr.PageUnlock(LockRead, set.latch)
	tree.mgr.UnpinLatch(set.latch)
	return slot
}

// RangeScan walks [lowerKey, upperKey] in order (nil bounds are open).
// It is not atomic with concurrent writers — like any Lehman-Yao scan,
// it sees a consistent view of each page it visits, not of the whole
// tree at one instant.
func (tree *BLTree) RangeScan(lowerKey []byte, upperKey []byte) (num int, retKeyArr [][]byte, retValArr [][]byte) {
	retKeyArr = make([][]byte, 0)
	retValArr = make([][]byte, 0)
	itrCnt := 0
	var right Uid

	freePinLatchs := func(latch *Latchs) {
		tree.mgr.PageUnlock(LockRead, latch)
		tree.mgr.UnpinLatch(latch)
	}

	tmpSet := new(PageSet)
	curSet := new(PageSet)
	curSet.page = NewPage(tree.mgr.pageDataSize)

	slot := tree.loadPage(tmpSet, lowerKey, 0, LockRead)
	if slot > 0 {
		MemCpyPage(curSet.page, tmpSet.page)
		freePinLatchs(tmpSet.latch)
	} else {
		return 0, retKeyArr, retValArr
	}

	getKV := func() bool {
		key := curSet.page.Key(slot)
		val := curSet.page.Value(slot)

		isBelowUpper := upperKey == nil || bytes.Compare(key, upperKey) <= 0
		isAboveLower := lowerKey == nil || bytes.Compare(key, lowerKey) >= 0
		isStopper := len(key) == 2 && key[0] == 0xff && key[1] == 0xff

		if !isAboveLower || !isBelowUpper || isStopper {
			return false
		}

		retKeyArr = append(retKeyArr, key)
		retValArr = append(retValArr, *val)
		itrCnt++
		return true
	}

	readEntriesOfCurSet := func() bool {
		for slot <= curSet.page.Cnt {
			if slot == 0 {
				slot++
			}
			if curSet.page.Dead(slot) {
				slot++
				continue
			} else if curSet.page.Typ(slot) != Unique {
				slot++
				continue
			} else if right > 0 || slot <= curSet.page.Cnt {
				if ok := getKV(); !ok {
					return false
				}
			} else {
				break
			}
			slot++
		}
		return true
	}

	for {
		right = GetID(&curSet.page.Right)

		if right == 0 {
			readEntriesOfCurSet()
			break
		}
		if ok := readEntriesOfCurSet(); !ok {
			break
		}

		tmpSet.latch = tree.pinLatch(right, true)
		if tmpSet.latch == nil {
			return 0, retKeyArr, retValArr
		}
		tmpSet.page = tree.mgr.GetRefOfPageAtPool(tmpSet.latch)
		slot = 0

		tree.mgr.PageLock(LockRead, tmpSet.latch)
		MemCpyPage(curSet.page, tmpSet.page)
		freePinLatchs(tmpSet.latch)
	}

	return itrCnt, retKeyArr, retValArr
}

// GetRangeItr wraps RangeScan's result as a BLTreeItr.
func (tree *BLTree) GetRangeItr(lowerKey []byte, upperKey []byte) *BLTreeItr {
	elems, keys, vals := tree.RangeScan(lowerKey, upperKey)
	return &BLTreeItr{keys: keys, vals: vals, curIdx: 0, elems: uint32(elems)}
}
