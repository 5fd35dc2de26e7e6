package blink_tree

import (
	"bytes"
	"encoding/binary"
)

// SlotType distinguishes the three kinds of slot that can occupy a
// page's slot array.
//
// In addition to the Unique keys that occupy slots there are Librarian
// and Duplicate key slots. Librarian slots are dead filler left behind
// by a compaction so a later insert can claim the gap without forcing
// another compaction. Duplicate slots have their key bytes extended by
// BtId bytes holding a uniquifier, allowing non-unique index values.
type SlotType uint8

const (
	Unique SlotType = iota
	Librarian
	Duplicate
)

const (
	MaxKey = 255 // one length byte, so a key is at most 255 bytes

	PageHeaderSize = 26 // size of PageHeader in bytes
	SlotSize       = 10 // size of one slot in bytes: offset(4)+typ(1)+dead(1)+tod(4)

	// TodOffset is the byte offset of a slot's insertion timestamp
	// within its SlotSize-byte entry.
	TodOffset = 6

	// RightFieldOffset is the byte offset of the Right field within an
	// encoded PageHeader. The allocation page's free-list head is kept
	// at this same offset one header-length further into its Data, as
	// if a second PageHeader were embedded right after the first.
	RightFieldOffset = 20
)

type (
	// PageHeader is the fixed-size leading part of every on-disk page.
	PageHeader struct {
		Cnt     uint32      // slots currently present
		Act     uint32      // active (non-dead) slots
		Min     uint32      // lowest byte offset of the heap
		Garbage uint32      // bytes reclaimable by compaction
		Bits    uint8       // page-size exponent
		Free    bool        // page is on the free list
		Lvl     uint8       // 0 = leaf, increases toward the root
		Kill    bool        // logically deleted, right has been repurposed
		Right   [BtId]uint8 // page id of the right sibling, 0 if rightmost
	}

	// Page is a page's header plus its slot array / key-value heap.
	Page struct {
		PageHeader
		Data []byte
	}

	// PageSet pairs a mapped page with the latch guarding it; it is the
	// unit descent passes from one level to the next.
	PageSet struct {
		page  *Page
		latch *Latchs
	}
)

// NewPage allocates an empty page frame of the given data size (page
// size minus PageHeaderSize). It is never itself mapped into the pool;
// it is used as a spare frame for splits, compaction and the cursor.
func NewPage(pageDataSize uint32) *Page {
	return &Page{Data: make([]byte, pageDataSize)}
}

func (p *Page) slotBytes(i uint32) []byte {
	off := SlotSize * (i - 1)
	return p.Data[off : off+SlotSize]
}

func (p *Page) ClearSlot(slot uint32) {
	copy(p.slotBytes(slot), make([]byte, SlotSize))
}

func (p *Page) SetKeyOffset(slot uint32, offset uint32) {
	if offset >= BtMaxPage {
		panic("bltree: key offset exceeds the maximum page size")
	}
	binary.LittleEndian.PutUint32(p.slotBytes(slot), offset)
}

func (p *Page) KeyOffset(slot uint32) uint32 {
	return binary.LittleEndian.Uint32(p.slotBytes(slot))
}

func (p *Page) SetTyp(slot uint32, typ SlotType) {
	p.slotBytes(slot)[4] = byte(typ)
}

func (p *Page) Typ(slot uint32) SlotType {
	return SlotType(p.slotBytes(slot)[4])
}

func (p *Page) SetDead(slot uint32, dead bool) {
	b := p.slotBytes(slot)
	if dead {
		b[5] = 1
	} else {
		b[5] = 0
	}
}

func (p *Page) Dead(slot uint32) bool {
	return p.slotBytes(slot)[5] == 1
}

// SetTod stamps a slot with its insertion timestamp, spec.md §3's `tod`
// field — the only piece of a slot's identity a caller supplies rather
// than the tree computing it.
func (p *Page) SetTod(slot uint32, tod uint32) {
	binary.LittleEndian.PutUint32(p.slotBytes(slot)[TodOffset:TodOffset+4], tod)
}

func (p *Page) Tod(slot uint32) uint32 {
	return binary.LittleEndian.Uint32(p.slotBytes(slot)[TodOffset : TodOffset+4])
}

// SetKey writes a length-prefixed key at the slot's current key offset.
func (p *Page) SetKey(key []byte, slot uint32) {
	off := p.KeyOffset(slot)
	copy(p.Data[off:], append([]byte{byte(len(key))}, key...))
}

// Key returns the full key stored at slot, including any Duplicate
// uniquifier suffix — callers that care trim it themselves via Typ.
func (p *Page) Key(slot uint32) []byte {
	off := p.KeyOffset(slot)
	keyLen := uint32(p.Data[off])
	res := make([]byte, keyLen)
	copy(res, p.Data[off+1:off+1+keyLen])
	return res
}

func (p *Page) ValueOffset(slot uint32) uint32 {
	off := p.KeyOffset(slot)
	keyLen := p.Data[off]
	return off + uint32(1+keyLen)
}

func (p *Page) SetValue(value []byte, slot uint32) {
	off := p.ValueOffset(slot)
	copy(p.Data[off:], append([]byte{byte(len(value))}, value...))
}

func (p *Page) Value(slot uint32) *[]byte {
	off := p.ValueOffset(slot)
	valLen := uint32(p.Data[off])
	res := make([]byte, valLen)
	copy(res, p.Data[off+1:off+1+valLen])
	return &res
}

// FindSlot performs the page-local binary search from spec.md §4.1: it
// returns the least slot index s with Key(s) >= key, or 0 if the key
// belongs on the right-linked sibling (the page is not rightmost and the
// key exceeds its fence).
func (p *Page) FindSlot(key []byte) uint32 {
	higher := p.Cnt
	low := uint32(1)
	var slot uint32
	good := uint32(0)

	if GetID(&p.Right) > 0 {
		higher++
	} else {
		good++
	}

	diff := higher - low
	for diff > 0 {
		slot = low + diff>>1
		if KeyCmp(p.Key(slot), key) < 0 {
			low = slot + 1
		} else {
			higher = slot
			good++
		}
		diff = higher - low
	}

	if good > 0 {
		return higher
	}
	return 0
}

// PutID packs a Uid as BtId big-endian bytes.
func PutID(dst *[BtId]uint8, id Uid) {
	for i := range dst {
		dst[BtId-i-1] = uint8(id >> (8 * i))
	}
}

// GetID unpacks BtId big-endian bytes into a Uid.
func GetID(src *[BtId]uint8) Uid {
	var id Uid
	for i := range src {
		id <<= 8
		id |= Uid(src[i])
	}
	return id
}

// GetIDFromValue unpacks the leading BtId bytes of a leaf value as a Uid.
func GetIDFromValue(src *[]uint8) Uid {
	if len(*src) < BtId {
		return 0
	}
	var buf [BtId]uint8
	copy(buf[:], (*src)[:BtId])
	return GetID(&buf)
}

// KeyCmp is lexicographic byte comparison, shorter-is-less on an equal
// prefix (bytes.Compare already has this semantics).
func KeyCmp(a, b []byte) int {
	return bytes.Compare(a, b)
}

// ValidatePage runs the cheap structural checks worth asserting in
// tests after a split, merge or cleanup: active-slot bookkeeping and
// the free-heap/slot-array boundary never having crossed.
func ValidatePage(page *Page) bool {
	actKeys := uint32(0)
	for slot := uint32(1); slot <= page.Cnt; slot++ {
		switch page.Typ(slot) {
		case Librarian:
			if !page.Dead(slot) {
				return false
			}
		default:
			if !page.Dead(slot) {
				actKeys++
			}
		}
	}
	if actKeys != page.Act {
		return false
	}
	if page.Min < page.Cnt*SlotSize {
		return false
	}
	return true
}

// RoomFor reports whether the page already has enough headroom between
// its slot array and key/value heap to insert a keyLen/valLen entry
// without first compacting dead slots out.
func (p *Page) RoomFor(keyLen, valLen uint8) bool {
	return p.Min >= (p.Cnt+2)*SlotSize+uint32(keyLen)+1+uint32(valLen)+1
}

// CompactionFootprint estimates the live-data-plus-slot-array size a
// full repack would leave behind to fit one more keyLen/valLen entry,
// used to decide whether compacting is even worth attempting before a
// split becomes unavoidable.
func (p *Page) CompactionFootprint(keyLen, valLen uint8) uint32 {
	liveData := uint32(1+keyLen+1+valLen) * (p.Act + 1)
	return liveData + (p.Act*2+1)*SlotSize
}

// MemCpyPage copies header and data from src into dst.
func MemCpyPage(dst, src *Page) {
	dst.PageHeader = src.PageHeader
	copy(dst.Data, src.Data)
}

// EncodeHeader serializes a PageHeader to its on-disk byte layout.
func EncodeHeader(h *PageHeader) []byte {
	buf := make([]byte, PageHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Cnt)
	binary.LittleEndian.PutUint32(buf[4:8], h.Act)
	binary.LittleEndian.PutUint32(buf[8:12], h.Min)
	binary.LittleEndian.PutUint32(buf[12:16], h.Garbage)
	buf[16] = h.Bits
	if h.Free {
		buf[17] = 1
	}
	buf[18] = h.Lvl
	if h.Kill {
		buf[19] = 1
	}
	copy(buf[RightFieldOffset:RightFieldOffset+BtId], h.Right[:])
	return buf
}

// DecodeHeader parses a PageHeader from its on-disk byte layout.
func DecodeHeader(buf []byte) PageHeader {
	var h PageHeader
	h.Cnt = binary.LittleEndian.Uint32(buf[0:4])
	h.Act = binary.LittleEndian.Uint32(buf[4:8])
	h.Min = binary.LittleEndian.Uint32(buf[8:12])
	h.Garbage = binary.LittleEndian.Uint32(buf[12:16])
	h.Bits = buf[16]
	h.Free = buf[17] != 0
	h.Lvl = buf[18]
	h.Kill = buf[19] != 0
	copy(h.Right[:], buf[RightFieldOffset:RightFieldOffset+BtId])
	return h
}

// EncodePage serializes p's header and data into dst, which must be at
// least PageHeaderSize+len(p.Data) bytes.
func EncodePage(dst []byte, p *Page) {
	copy(dst, EncodeHeader(&p.PageHeader))
	copy(dst[PageHeaderSize:], p.Data)
}

// DecodePage parses a page's header and data out of src, reusing p.Data's
// storage when it is already large enough.
func DecodePage(p *Page, src []byte) {
	p.PageHeader = DecodeHeader(src)
	want := len(src) - PageHeaderSize
	if cap(p.Data) < want {
		p.Data = make([]byte, want)
	} else {
		p.Data = p.Data[:want]
	}
	copy(p.Data, src[PageHeaderSize:])
}
