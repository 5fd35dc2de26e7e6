package blink_tree

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestOpenBufMgr_bootstrapsFreshStore(t *testing.T) {
	mgr := openTestMgr(t, smallTestOptions())

	if mgr.highWater <= LeafPage {
		t.Errorf("highWater = %v, want > %v", mgr.highWater, LeafPage)
	}
	if mgr.freeHead != 0 {
		t.Errorf("freeHead = %v, want 0 on a fresh store", mgr.freeHead)
	}

	leaf := NewPage(mgr.pageDataSize)
	if err := mgr.PageIn(leaf, LeafPage); err != nil {
		t.Fatalf("PageIn(leaf) error = %v", err)
	}
	if leaf.Lvl != 0 {
		t.Errorf("leaf.Lvl = %v, want 0", leaf.Lvl)
	}
	if leaf.Cnt != 1 {
		t.Errorf("leaf.Cnt = %v, want 1 (just the stopper)", leaf.Cnt)
	}

	root := NewPage(mgr.pageDataSize)
	if err := mgr.PageIn(root, RootPage); err != nil {
		t.Fatalf("PageIn(root) error = %v", err)
	}
	if root.Lvl != MinLvl-1 {
		t.Errorf("root.Lvl = %v, want %v", root.Lvl, MinLvl-1)
	}
}

func TestBufMgr_pageOutAndIn_roundTrip(t *testing.T) {
	mgr := openTestMgr(t, smallTestOptions())

	var set PageSet
	contents := NewPage(mgr.pageDataSize)
	contents.Lvl = 0
	contents.Cnt = 1
	contents.Act = 1
	contents.Min = mgr.pageDataSize
	installStopper(contents, nil)

	if err := mgr.NewPage(&set, contents); err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}
	pageNo := set.latch.pageNo

	mgr.UnpinLatch(set.latch)

	readBack := NewPage(mgr.pageDataSize)
	if err := mgr.PageIn(readBack, pageNo); err != nil {
		t.Fatalf("PageIn() error = %v", err)
	}
	if readBack.Cnt != 1 || readBack.Act != 1 {
		t.Errorf("readBack = %+v, want Cnt=1 Act=1", readBack.PageHeader)
	}
	if !bytes.Equal(readBack.Key(1), []byte{0xFF, 0xFF}) {
		t.Errorf("readBack stopper key = %v, want 0xFFFF", readBack.Key(1))
	}
}

func TestBufMgr_newPageRecyclesFreedId(t *testing.T) {
	mgr := openTestMgr(t, smallTestOptions())

	contents := NewPage(mgr.pageDataSize)
	contents.Min = mgr.pageDataSize
	installStopper(contents, nil)

	var set PageSet
	if err := mgr.NewPage(&set, contents); err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}
	freedID := set.latch.pageNo
	mgr.PageLock(LockWrite, set.latch)
	mgr.PageLock(LockDelete, set.latch)
	if err := mgr.PageFree(&set); err != nil {
		t.Fatalf("PageFree() error = %v", err)
	}
	if mgr.freeHead != freedID {
		t.Errorf("freeHead = %v, want %v", mgr.freeHead, freedID)
	}

	var set2 PageSet
	if err := mgr.NewPage(&set2, contents); err != nil {
		t.Fatalf("NewPage() (recycle) error = %v", err)
	}
	if set2.latch.pageNo != freedID {
		t.Errorf("NewPage() after free reused pageNo = %v, want %v", set2.latch.pageNo, freedID)
	}
	mgr.UnpinLatch(set2.latch)
}

func TestBufMgr_persistsAcrossReopen(t *testing.T) {
	opts := smallTestOptions()
	path := filepath.Join(t.TempDir(), "persist.db")

	mgr, err := OpenBufMgr(path, opts, nil)
	if err != nil {
		t.Fatalf("OpenBufMgr() error = %v", err)
	}
	highWaterBefore := mgr.highWater
	if err := mgr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := OpenBufMgr(path, opts, nil)
	if err != nil {
		t.Fatalf("re-OpenBufMgr() error = %v", err)
	}
	defer func() { _ = reopened.Close() }()

	if reopened.highWater != highWaterBefore {
		t.Errorf("highWater after reopen = %v, want %v", reopened.highWater, highWaterBefore)
	}
}

func TestBufMgr_pageBitsMismatchRejected(t *testing.T) {
	opts := smallTestOptions()
	path := filepath.Join(t.TempDir(), "mismatch.db")

	mgr, err := OpenBufMgr(path, opts, nil)
	if err != nil {
		t.Fatalf("OpenBufMgr() error = %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	other := opts
	other.PageBits++
	if _, err := OpenBufMgr(path, other, nil); err == nil {
		t.Errorf("OpenBufMgr() with mismatched page bits = nil error, want an error")
	}
}

func TestBufMgr_poolAuditCleanAfterUnpin(t *testing.T) {
	mgr := openTestMgr(t, smallTestOptions())

	latch, err := mgr.PinLatch(LeafPage, true)
	if err != nil {
		t.Fatalf("PinLatch() error = %v", err)
	}
	mgr.PageLock(LockRead, latch)
	mgr.PageUnlock(LockRead, latch)
	mgr.UnpinLatch(latch)

	if problems := mgr.PoolAudit(); len(problems) != 0 {
		t.Errorf("PoolAudit() = %v, want no problems", problems)
	}
}
