package blink_tree

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// walkReachablePages walks every page reachable from the root: every
// right-sibling at a level, and every child pointer down into the next
// level, the same set of pages a compacting GC would have to preserve.
func walkReachablePages(t *testing.T, mgr *BufMgr) map[Uid]bool {
	t.Helper()
	reachable := make(map[Uid]bool)
	queue := []Uid{RootPage}

	for len(queue) > 0 {
		pageNo := queue[0]
		queue = queue[1:]
		if reachable[pageNo] {
			continue
		}
		page := NewPage(mgr.pageDataSize)
		if err := mgr.PageIn(page, pageNo); err != nil {
			t.Fatalf("PageIn(%v) error = %v", pageNo, err)
		}
		reachable[pageNo] = true

		if right := GetID(&page.Right); right != 0 {
			queue = append(queue, right)
		}
		if page.Lvl > 0 {
			for slot := uint32(1); slot <= page.Cnt; slot++ {
				if page.Dead(slot) || page.Typ(slot) == Librarian {
					continue
				}
				queue = append(queue, GetIDFromValue(page.Value(slot)))
			}
		}
	}
	return reachable
}

// walkFreeList walks the allocation page's free-list chain, threaded
// through each freed page's own Right field.
func walkFreeList(t *testing.T, mgr *BufMgr) map[Uid]bool {
	t.Helper()
	free := make(map[Uid]bool)
	cur := mgr.freeHead
	for cur != 0 {
		if free[cur] {
			t.Fatalf("free list cycles back to %v", cur)
		}
		free[cur] = true
		page := NewPage(mgr.pageDataSize)
		if err := mgr.PageIn(page, cur); err != nil {
			t.Fatalf("PageIn(%v) error = %v", cur, err)
		}
		cur = GetID(&page.Right)
	}
	return free
}

// TestProperties_reachableAndFreeListAreDisjoint checks P4/P5: after a
// mix of inserts, deletes (which merge and free pages) and more inserts
// (which recycle freed ids), no page id is simultaneously reachable from
// the root and sitting on the free list.
func TestProperties_reachableAndFreeListAreDisjoint(t *testing.T) {
	mgr := openTestMgr(t, smallTestOptions())
	bltree := NewBLTree(mgr)

	const num = 4000
	for i := uint64(0); i < num; i++ {
		bs := make([]byte, 8)
		binary.BigEndian.PutUint64(bs, i)
		require.Equal(t, BLTErrOk, bltree.InsertKey(bs, 0, [BtId]byte{}, true, 0))
	}
	for i := uint64(0); i < num; i += 2 {
		bs := make([]byte, 8)
		binary.BigEndian.PutUint64(bs, i)
		require.Equal(t, BLTErrOk, bltree.DeleteKey(bs, 0))
	}
	for i := uint64(num); i < num+num/4; i++ {
		bs := make([]byte, 8)
		binary.BigEndian.PutUint64(bs, i)
		require.Equal(t, BLTErrOk, bltree.InsertKey(bs, 0, [BtId]byte{}, true, 0))
	}

	reachable := walkReachablePages(t, mgr)
	free := walkFreeList(t, mgr)

	for pageNo := range free {
		if reachable[pageNo] {
			t.Errorf("page %v is both reachable from root and on the free list", pageNo)
		}
	}
}

// TestProperties_latchesCleanAfterStress runs P9 (scaled down): many
// goroutines inserting, finding and deleting concurrently, then asserts
// every latch was returned to an unpinned, unlocked state.
func TestProperties_latchesCleanAfterStress(t *testing.T) {
	e := openTestEngine(t, smallTestOptions())

	const workers = 8
	const perWorker = 500

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		worker := w
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				bs := make([]byte, 8)
				binary.BigEndian.PutUint64(bs, uint64(worker*perWorker+i))
				if err := e.Insert(bs, bs, uint32(worker*perWorker+i)); err != nil {
					return err
				}
				if _, found, err := e.Find(bs); err != nil {
					return err
				} else if !found {
					return fmt.Errorf("key %v not found immediately after insert", bs)
				}
				if i%3 == 0 {
					if err := e.Delete(bs); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	problems := e.mgr.PoolAudit()
	require.Empty(t, problems, "latches left in a dirty state after concurrent stress: %v", problems)
}
