package blink_tree

import "sync/atomic"

// FetchAndOrUint32 atomically ORs mask into *addr and returns the prior value.
func FetchAndOrUint32(addr *uint32, mask uint32) uint32 {
	for {
		old := *addr
		if atomic.CompareAndSwapUint32(addr, old, old|mask) {
			return old
		}
	}
}

// FetchAndAndUint32 atomically ANDs mask into *addr and returns the prior value.
func FetchAndAndUint32(addr *uint32, mask uint32) uint32 {
	for {
		old := *addr
		if atomic.CompareAndSwapUint32(addr, old, old&mask) {
			return old
		}
	}
}
