package blink_tree

import (
	"bytes"
	"encoding/binary"
	"sort"
	"testing"
)

// TestBLTree_rangeScanIsOrdered checks P3: RangeScan returns keys across
// right-linked pages in ascending order, matching a plain sort of every
// key inserted.
func TestBLTree_rangeScanIsOrdered(t *testing.T) {
	mgr := openTestMgr(t, smallTestOptions())
	bltree := NewBLTree(mgr)

	const num = 4096 // power of 2, so xor-shuffling below stays a bijection
	var keys [][]byte
	for i := uint64(0); i < num; i++ {
		bs := make([]byte, 8)
		binary.BigEndian.PutUint64(bs, i^0xaaa) // shuffle insertion order, keep keys distinct
		keys = append(keys, bs)
	}
	for _, k := range keys {
		if err := bltree.InsertKey(k, 0, [BtId]byte{}, true, 0); err != BLTErrOk {
			t.Fatalf("InsertKey(%v) = %v, want %v", k, err, BLTErrOk)
		}
	}

	_, gotKeys, _ := bltree.RangeScan(nil, nil)

	sorted := make([][]byte, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	if len(gotKeys) != len(sorted) {
		t.Fatalf("RangeScan returned %d keys, want %d", len(gotKeys), len(sorted))
	}
	for i := range sorted {
		if !bytes.Equal(gotKeys[i], sorted[i]) {
			t.Fatalf("RangeScan()[%d] = %v, want %v", i, gotKeys[i], sorted[i])
		}
	}
}

func TestBLTree_rangeScanRespectsBounds(t *testing.T) {
	mgr := openTestMgr(t, smallTestOptions())
	bltree := NewBLTree(mgr)

	for i := uint64(0); i < 500; i++ {
		bs := make([]byte, 8)
		binary.BigEndian.PutUint64(bs, i)
		if err := bltree.InsertKey(bs, 0, [BtId]byte{}, true, 0); err != BLTErrOk {
			t.Fatalf("InsertKey(%d) = %v, want %v", i, err, BLTErrOk)
		}
	}

	lower := make([]byte, 8)
	binary.BigEndian.PutUint64(lower, 100)
	upper := make([]byte, 8)
	binary.BigEndian.PutUint64(upper, 200)

	num, gotKeys, _ := bltree.RangeScan(lower, upper)
	if num != len(gotKeys) {
		t.Errorf("RangeScan() num = %v, len(keys) = %v", num, len(gotKeys))
	}
	for _, k := range gotKeys {
		if bytes.Compare(k, lower) < 0 || bytes.Compare(k, upper) > 0 {
			t.Errorf("RangeScan(%v, %v) returned out-of-bounds key %v", lower, upper, k)
		}
	}
}

// TestEngine_scanMatchesInsertOrder exercises the public Cursor API end
// to end against the same ordering property.
func TestEngine_scanMatchesInsertOrder(t *testing.T) {
	e := openTestEngine(t, smallTestOptions())

	var keys [][]byte
	for i := uint64(0); i < 1024; i++ {
		bs := make([]byte, 8)
		binary.BigEndian.PutUint64(bs, i^0x155) // shuffle insertion order, keep keys distinct
		keys = append(keys, bs)
		if err := e.Insert(bs, bs, uint32(i)); err != nil {
			t.Fatalf("Insert(%v) error = %v", bs, err)
		}
	}

	cur, err := e.StartScan(nil)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}

	var prev []byte
	count := 0
	for {
		key, _, ok := cur.NextScan()
		if !ok {
			break
		}
		if prev != nil && bytes.Compare(prev, key) > 0 {
			t.Fatalf("scan out of order: %v then %v", prev, key)
		}
		prev = key
		count++
	}
	if count != len(keys) {
		t.Errorf("scanned %d keys, want %d (duplicates collapse to distinct keys only)", count, len(keys))
	}
}
