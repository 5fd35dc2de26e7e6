package blink_tree

import "fmt"

// Options configures a newly opened Engine. There is no configuration
// file format here — like calvinalkan's tk tooling, a plain validated
// struct with a constructor that fills in defaults is the whole of it.
type Options struct {
	// PageBits is the page-size exponent: page size is 1<<PageBits
	// bytes. Must be between BtMinBits and BtMaxBits.
	PageBits uint8

	// SegBits is the segment-size exponent: each mmap call covers
	// 1<<SegBits consecutive pages.
	SegBits uint8

	// LatchTotal bounds how many distinct pages can have a Latchs
	// tracked at once (C3). Must be at least LatchHashChainLen.
	LatchTotal uint

	// PoolSegments bounds how many segments can be mapped at once (C4).
	PoolSegments uint
}

// DefaultOptions returns the configuration the package uses when the
// caller supplies a zero Options: 16KB pages, 16-page (256KB) segments,
// a latch table of 4096 entries and a pool of 256 mapped segments.
func DefaultOptions() Options {
	return Options{
		PageBits:     14,
		SegBits:      4,
		LatchTotal:   4096,
		PoolSegments: 256,
	}
}

// withDefaults fills any zero field of opts from DefaultOptions.
func (opts Options) withDefaults() Options {
	def := DefaultOptions()
	if opts.PageBits == 0 {
		opts.PageBits = def.PageBits
	}
	if opts.SegBits == 0 {
		opts.SegBits = def.SegBits
	}
	if opts.LatchTotal == 0 {
		opts.LatchTotal = def.LatchTotal
	}
	if opts.PoolSegments == 0 {
		opts.PoolSegments = def.PoolSegments
	}
	return opts
}

// Validate rejects an Options combination the engine cannot open with.
func (opts Options) Validate() error {
	if opts.PageBits < BtMinBits || opts.PageBits > BtMaxBits {
		return fmt.Errorf("bltree: page bits %d out of range [%d,%d]", opts.PageBits, BtMinBits, BtMaxBits)
	}
	if opts.SegBits == 0 {
		return fmt.Errorf("bltree: seg bits must be positive")
	}
	if opts.LatchTotal < LatchHashChainLen {
		return fmt.Errorf("bltree: latch total %d below minimum %d", opts.LatchTotal, LatchHashChainLen)
	}
	if opts.PoolSegments < 1 {
		return fmt.Errorf("bltree: pool segments must be positive")
	}
	return nil
}
