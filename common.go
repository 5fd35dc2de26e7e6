package blink_tree

// Uid is a page identifier: a fixed-width 6-byte big-endian unsigned
// integer on disk (BtId bytes), kept as a 64 bit value in memory.
type Uid uint64

const (
	// BtLatchTable is a latch hash-table size constant. The latch
	// manager does not read it: its table is sized from
	// Options.LatchTotal (see DefaultOptions).
	BtLatchTable = 128

	BtMaxBits = 24             // maximum page size in bits
	BtMinBits = 9              // minimum page size in bits
	BtMinPage = 1 << BtMinBits // minimum page size
	BtMaxPage = 1 << BtMaxBits // maximum page size

	BtId = 6 // length in bytes of a page id / row id value

	ClockBit = uint32(0x8000) // clock-sweep bit packed into the pin count

	AllocPage = Uid(0) // allocation & free-list metadata page
	RootPage  = Uid(1) // root of the btree
	LeafPage  = Uid(2) // first page of leaves
	LatchPage = Uid(3) // first of the reserved latch backing pages

	MinLvl = 2 // number of levels created in a fresh tree (root + leaf)

	// LatchHashChainLen is the number of latch-table entries per hash
	// bucket targeted when sizing the hash table from the pool capacity.
	LatchHashChainLen = 16

	decrement = ^uint32(0) // used with atomic.AddUint32 to subtract one
)
