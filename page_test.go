package blink_tree

import (
	"bytes"
	"testing"
)

// TestPage_FindSlotOrdering checks P1: FindSlot returns the least slot
// whose key is >= the search key, for a page with ordered unique keys
// and no right sibling (so every key is coverable on the page itself).
func TestPage_FindSlotOrdering(t *testing.T) {
	p := NewPage(4096)
	p.Min = uint32(len(p.Data))

	keys := [][]byte{{1}, {3}, {5}, {7}}
	for i := len(keys) - 1; i >= 0; i-- {
		off := p.Min - uint32(1+len(keys[i])+1+1)
		p.Min = off
		p.Data[off] = byte(len(keys[i]))
		copy(p.Data[off+1:], keys[i])
		p.Data[off+1+uint32(len(keys[i]))] = 0
		p.SetKeyOffset(uint32(i+1), off)
	}
	p.Cnt = uint32(len(keys))
	p.Act = uint32(len(keys))

	tests := []struct {
		search []byte
		want   uint32
	}{
		{[]byte{0}, 1},
		{[]byte{1}, 1},
		{[]byte{2}, 2},
		{[]byte{3}, 2},
		{[]byte{4}, 3},
		{[]byte{7}, 4},
	}
	for _, tt := range tests {
		if got := p.FindSlot(tt.search); got != tt.want {
			t.Errorf("FindSlot(%v) = %v, want %v", tt.search, got, tt.want)
		}
	}
}

// TestPage_FindSlotFenceRedirect checks P2: when the page has a right
// sibling, a key past the page's own fence returns 0 (redirect right).
func TestPage_FindSlotFenceRedirect(t *testing.T) {
	p := NewPage(4096)
	p.Min = uint32(len(p.Data))
	off := p.Min - uint32(1+1+1+1)
	p.Min = off
	p.Data[off] = 1
	p.Data[off+1] = 5
	p.Data[off+2] = 0
	p.SetKeyOffset(1, off)
	p.Cnt = 1
	p.Act = 1
	PutID(&p.Right, 99)

	if got := p.FindSlot([]byte{10}); got != 0 {
		t.Errorf("FindSlot() past fence with right sibling = %v, want 0", got)
	}
	if got := p.FindSlot([]byte{3}); got != 1 {
		t.Errorf("FindSlot() within fence = %v, want 1", got)
	}
}

func TestPage_EncodeDecodeRoundTrip(t *testing.T) {
	p := NewPage(64)
	p.Cnt = 3
	p.Act = 2
	p.Min = 40
	p.Garbage = 7
	p.Bits = 12
	p.Free = false
	p.Lvl = 1
	p.Kill = false
	PutID(&p.Right, 12345)
	for i := range p.Data {
		p.Data[i] = byte(i)
	}

	buf := make([]byte, PageHeaderSize+len(p.Data))
	EncodePage(buf, p)

	got := NewPage(0)
	DecodePage(got, buf)

	if got.Cnt != p.Cnt || got.Act != p.Act || got.Min != p.Min || got.Garbage != p.Garbage {
		t.Errorf("DecodePage() header = %+v, want %+v", got.PageHeader, p.PageHeader)
	}
	if got.Bits != p.Bits || got.Lvl != p.Lvl {
		t.Errorf("DecodePage() bits/lvl = %v/%v, want %v/%v", got.Bits, got.Lvl, p.Bits, p.Lvl)
	}
	if GetID(&got.Right) != GetID(&p.Right) {
		t.Errorf("DecodePage() Right = %v, want %v", GetID(&got.Right), GetID(&p.Right))
	}
	if !bytes.Equal(got.Data, p.Data) {
		t.Errorf("DecodePage() Data mismatch")
	}
}

func TestPage_SetTodGetTodRoundTrip(t *testing.T) {
	p := NewPage(64)
	p.Cnt = 1

	if got := p.Tod(1); got != 0 {
		t.Errorf("Tod() on a fresh slot = %v, want 0", got)
	}
	p.SetTod(1, 1700000000)
	if got := p.Tod(1); got != 1700000000 {
		t.Errorf("Tod() = %v, want 1700000000", got)
	}
	// SetTod must not disturb the adjacent offset/typ/dead fields.
	p.SetKeyOffset(1, 123)
	p.SetTyp(1, Duplicate)
	p.SetDead(1, true)
	if got := p.Tod(1); got != 1700000000 {
		t.Errorf("Tod() after sibling field writes = %v, want 1700000000", got)
	}
}

func TestPage_PutIDGetIDRoundTrip(t *testing.T) {
	ids := []Uid{0, 1, 255, 256, 1 << 20, 1<<48 - 1}
	for _, id := range ids {
		var buf [BtId]uint8
		PutID(&buf, id)
		if got := GetID(&buf); got != id {
			t.Errorf("GetID(PutID(%v)) = %v, want %v", id, got, id)
		}
	}
}

func TestPage_ValidatePage(t *testing.T) {
	p := NewPage(256)
	p.Min = uint32(len(p.Data))
	installStopper(p, nil)

	if !ValidatePage(p) {
		t.Errorf("ValidatePage() = false on a freshly stopped page, want true")
	}

	p.Act = 99
	if ValidatePage(p) {
		t.Errorf("ValidatePage() = true with a corrupted Act count, want false")
	}
}

func TestPage_DeadLibrarianSlotsDontCountAsActive(t *testing.T) {
	p := NewPage(256)
	p.Min = uint32(len(p.Data))
	installStopper(p, nil)

	off := p.Min - uint32(1+1+1+1)
	p.Min = off
	p.Data[off] = 1
	p.Data[off+1] = 2
	p.Data[off+2] = 0
	p.SetKeyOffset(2, off)
	p.SetTyp(2, Librarian)
	p.SetDead(2, true)
	p.Cnt = 2

	if !ValidatePage(p) {
		t.Errorf("ValidatePage() = false with a dead librarian filler slot, want true")
	}
}
