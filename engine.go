package blink_tree

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Engine is the package's public entry point: it owns a BufMgr and
// hands out a BLTree per call, since a BLTree's cursor frame is not
// safe for concurrent reuse across goroutines the way the pages it
// points at are. Concurrent callers share one Engine freely.
type Engine struct {
	mgr  *BufMgr
	log  *zap.Logger
	pool sync.Pool
}

// Cursor streams keys in order starting from a StartScan call.
type Cursor struct {
	tree *BLTree
	slot uint32
	done bool
}

// Open creates (if necessary) and opens the store at path.
func Open(path string, opts Options, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	mgr, err := OpenBufMgr(path, opts, log)
	if err != nil {
		return nil, err
	}
	e := &Engine{mgr: mgr, log: log}
	e.pool.New = func() any { return NewBLTree(mgr) }
	return e, nil
}

func (e *Engine) tree() *BLTree {
	t := e.pool.Get().(*BLTree)
	t.err = BLTErrOk
	return t
}

func (e *Engine) putTree(t *BLTree) {
	e.pool.Put(t)
}

// Close unmaps every mapped segment and closes the file. Page writes
// already reached the mapped segments when their latches were unpinned.
func (e *Engine) Close() error {
	return e.mgr.Close()
}

// Insert adds or updates key with value at the leaf level, stamping
// its slot with tod (an insertion timestamp the caller supplies, per
// spec.md §6's `insert(key[], key_len, level=0, id, tod)`).
func (e *Engine) Insert(key, value []byte, tod uint32) error {
	if len(key) == 0 || len(key) > MaxKey {
		return fmt.Errorf("bltree: key length %d out of range", len(key))
	}
	t := e.tree()
	defer e.putTree(t)

	var v [BtId]byte
	n := copy(v[:], value)
	if n < len(value) {
		e.log.Warn("bltree: value truncated to fit a leaf slot", zap.Int("value_len", len(value)))
	}
	if err := t.InsertKey(key, 0, v, true, tod); err != BLTErrOk {
		e.log.Error("bltree: insert failed", zap.String("err", err.String()))
		return err
	}
	return nil
}

// Delete removes key from the leaf level, if present.
func (e *Engine) Delete(key []byte) error {
	t := e.tree()
	defer e.putTree(t)

	if err := t.DeleteKey(key, 0); err != BLTErrOk {
		e.log.Error("bltree: delete failed", zap.String("err", err.String()))
		return err
	}
	return nil
}

// Find looks up key and returns its value.
func (e *Engine) Find(key []byte) (value []byte, found bool, err error) {
	t := e.tree()
	defer e.putTree(t)

	n, _, val := t.FindKey(key, BtId)
	if n < 0 {
		return nil, false, nil
	}
	return val, true, nil
}

// StartScan opens a Cursor positioned at the first key >= lowerKey (or
// the first key in the tree when lowerKey is nil).
func (e *Engine) StartScan(lowerKey []byte) (*Cursor, error) {
	t := NewBLTree(e.mgr)
	if lowerKey == nil {
		lowerKey = []byte{}
	}
	slot := t.startKey(lowerKey)
	if slot == 0 && t.err != BLTErrOk {
		return nil, t.err
	}
	if slot > 0 && (t.cursor.Dead(slot) || (slot == t.cursor.Cnt && GetID(&t.cursor.Right) == 0)) {
		slot = t.nextKey(slot)
	}
	return &Cursor{tree: t, slot: slot, done: slot == 0}, nil
}

// NextScan returns the key/value at the cursor's current position and
// then advances the cursor, or returns ok=false once the scan is
// exhausted.
func (c *Cursor) NextScan() (key, value []byte, ok bool) {
	if c.done {
		return nil, nil, false
	}
	key = c.tree.cursor.Key(c.slot)
	val := c.tree.cursor.Value(c.slot)
	value = *val

	c.slot = c.tree.nextKey(c.slot)
	if c.slot == 0 {
		c.done = true
	}
	return key, value, true
}
