package blink_tree

import (
	"bytes"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

// smallTestOptions sizes a store small enough for fast tests while
// still forcing splits and segment-pool eviction quickly: 512-byte
// pages, 2-page segments, and small latch/pool tables.
func smallTestOptions() Options {
	return Options{
		PageBits:     9,
		SegBits:      1,
		LatchTotal:   LatchHashChainLen * 4,
		PoolSegments: 8,
	}
}

// openTestMgr opens a fresh BufMgr backed by a file in t.TempDir(), which
// is removed automatically once the test completes.
func openTestMgr(t *testing.T, opts Options) *BufMgr {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	mgr, err := OpenBufMgr(path, opts, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("OpenBufMgr() error = %v", err)
	}
	t.Cleanup(func() {
		_ = mgr.Close()
	})
	return mgr
}

// openTestEngine opens a fresh Engine the same way.
func openTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	e, err := Open(path, opts, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		_ = e.Close()
	})
	return e
}

// insertAndFindConcurrently spreads keys across routineNum goroutines,
// each opening its own BLTree on the shared mgr (a BLTree's cursor frame
// is not safe for concurrent reuse, but many BLTrees may share one
// BufMgr), inserts its share, then has every goroutine re-find every key
// it is responsible for. errgroup surfaces the first goroutine's failure
// instead of letting later ones run past a broken invariant silently.
func insertAndFindConcurrently(t *testing.T, routineNum int, mgr *BufMgr, keys [][]byte) {
	t.Helper()

	var g errgroup.Group
	for r := 0; r < routineNum; r++ {
		n := r
		g.Go(func() error {
			bltree := NewBLTree(mgr)
			for i := 0; i < len(keys); i++ {
				if i%routineNum != n {
					continue
				}
				if err := bltree.InsertKey(keys[i], 0, [BtId]byte{}, true, 0); err != BLTErrOk {
					return err
				}
				if _, foundKey, _ := bltree.FindKey(keys[i], BtId); !bytes.Equal(foundKey, keys[i]) {
					t.Errorf("goroutine %d: FindKey(%v) = %v, want %v", n, keys[i], foundKey, keys[i])
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("insertAndFindConcurrently: %v", err)
	}

	g = errgroup.Group{}
	for r := 0; r < routineNum; r++ {
		n := r
		g.Go(func() error {
			bltree := NewBLTree(mgr)
			for i := 0; i < len(keys); i++ {
				if i%routineNum != n {
					continue
				}
				if _, foundKey, _ := bltree.FindKey(keys[i], BtId); !bytes.Equal(foundKey, keys[i]) {
					t.Errorf("goroutine %d: FindKey(%v) = %v, want %v, i = %d", n, keys[i], foundKey, keys[i], i)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}
