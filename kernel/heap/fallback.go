package heap

import "unsafe"

// fallbackHeap is a first-fit linked-list allocator over a single
// contiguous region: every free hole is itself a node of the free list,
// stored in its own first bytes (so the allocator needs no separate
// bookkeeping memory). Allocation walks the list for the first hole large
// enough to satisfy the requested size/alignment (splitting off any
// leftover space on either side back into the list); deallocation simply
// reinserts the freed range as a new hole. Holes are not coalesced on free,
// keeping Free O(1).
type fallbackHeap struct {
	head *freeRegion
}

// freeRegion is written in-place at the start of every free hole.
type freeRegion struct {
	size uintptr
	next *freeRegion
}

const freeRegionHeaderSize = unsafe.Sizeof(freeRegion{})

// init resets the allocator to a single free region covering [base, base+size).
func (h *fallbackHeap) init(base uintptr, size uintptr) {
	h.head = nil
	h.addRegion(base, size)
}

// addRegion inserts [addr, addr+size) as a new hole at the head of the free
// list. Regions too small to hold a freeRegion header are dropped silently;
// they are unusable fragments.
func (h *fallbackHeap) addRegion(addr, size uintptr) {
	if size < freeRegionHeaderSize {
		return
	}

	region := (*freeRegion)(unsafe.Pointer(addr))
	region.size = size
	region.next = h.head
	h.head = region
}

func alignUp(addr, alignment uintptr) uintptr {
	if alignment == 0 {
		return addr
	}
	return (addr + alignment - 1) &^ (alignment - 1)
}

// alloc returns the address of a size-byte region aligned to alignment, or
// 0 if no hole is large enough.
func (h *fallbackHeap) alloc(size, alignment uintptr) uintptr {
	if size < freeRegionHeaderSize {
		size = freeRegionHeaderSize
	}

	var prev *freeRegion
	cur := h.head

	for cur != nil {
		regionStart := uintptr(unsafe.Pointer(cur))
		regionEnd := regionStart + cur.size

		allocStart := alignUp(regionStart, alignment)
		allocEnd := allocStart + size

		if allocEnd <= regionEnd {
			// Unlink this hole from the free list; any leftover space
			// before/after the allocation is re-added as a (possibly
			// smaller) hole of its own.
			next := cur.next
			if prev == nil {
				h.head = next
			} else {
				prev.next = next
			}

			if before := allocStart - regionStart; before > 0 {
				h.addRegion(regionStart, before)
			}
			if after := regionEnd - allocEnd; after > 0 {
				h.addRegion(allocEnd, after)
			}

			return allocStart
		}

		prev = cur
		cur = cur.next
	}

	return 0
}

// free reinserts [ptr, ptr+size) as a new hole.
func (h *fallbackHeap) free(ptr, size uintptr) {
	h.addRegion(ptr, size)
}
