// Package heap implements the kernel's general-purpose allocator: a
// fixed-size-block allocator for the nine power-of-two classes from 8 to
// 2048 bytes, backed by a first-fit linked-list fallback for anything
// larger or with an oversized alignment requirement. The
// shape mirrors runtime/malloc.go's size-class-over-page-heap tiering,
// collapsed to two tiers since this kernel has no SMP and therefore no need
// for a per-P cache between the free lists and the fallback.
package heap

import (
	"novakern/kernel"
	"novakern/kernel/mem"
	"novakern/kernel/mem/vmm"
	"unsafe"
)

// HeapBase and HeapSize are the fixed virtual address and size of the
// kernel heap region.
const (
	HeapBase uintptr  = 0x0000_4444_4444_0000
	HeapSize mem.Size = 100 * mem.Kb
)

// blockSizes are the nine fixed-size-block classes. Each size is also its
// own alignment: a block of class c is always aligned to blockSizes[c]
// bytes.
var blockSizes = [...]mem.Size{8, 16, 32, 64, 128, 256, 512, 1024, 2048}

// listNode is written in-place over a freed block's own memory; the block
// isn't "owned" by anything else while sitting on a free list, so there is
// nowhere else to keep the link.
type listNode struct {
	next *listNode
}

var (
	freeListHeads [len(blockSizes)]*listNode
	fallback      fallbackHeap

	initialized bool

	// mapRangeFn is mocked by tests so Init doesn't need a live page table.
	mapRangeFn = func(base uintptr, size mem.Size) *kernel.Error {
		return vmm.AllocatePages(vmm.KernelL4, base, size, vmm.FlagPresent|vmm.FlagRW)
	}
)

// Init maps the fixed kernel heap region and initializes the fallback
// linked-list allocator over it. It must run after kernel/mem/vmm.Init.
func Init() *kernel.Error {
	if err := mapRangeFn(HeapBase, HeapSize); err != nil {
		return err
	}

	fallback.init(HeapBase, uintptr(HeapSize))
	initialized = true
	return nil
}

// classFor returns the index of the smallest block class that can satisfy
// both the requested size and alignment, or -1 if no class is large enough
// (the request must go to the fallback).
func classFor(size, align mem.Size) int {
	need := size
	if align > need {
		need = align
	}

	for i, s := range blockSizes {
		if s >= need {
			return i
		}
	}
	return -1
}

// Alloc reserves a block of at least size bytes aligned to align bytes.
// Requests that fit one of the nine fixed classes are served from that
// class's free list (or, if empty, as a single fresh block-sized chunk from
// the fallback); larger or oddly-aligned requests go straight to the
// fallback. Returns 0 if no memory is available.
func Alloc(size, align mem.Size) uintptr {
	if !initialized {
		return 0
	}

	class := classFor(size, align)
	if class < 0 {
		return fallback.alloc(uintptr(size), uintptr(align))
	}

	if head := freeListHeads[class]; head != nil {
		freeListHeads[class] = head.next
		return uintptr(unsafe.Pointer(head))
	}

	blockSize := blockSizes[class]
	return fallback.alloc(uintptr(blockSize), uintptr(blockSize))
}

// Free releases a block previously returned by Alloc for the same (size,
// align) pair. A block is never split and never migrates between classes:
// if the class that would have served this layout is known, the block is
// simply pushed back onto that class's free list; otherwise the request is
// forwarded to the fallback.
func Free(ptr uintptr, size, align mem.Size) {
	if ptr == 0 {
		return
	}

	class := classFor(size, align)
	if class < 0 {
		fallback.free(ptr, uintptr(size))
		return
	}

	node := (*listNode)(unsafe.Pointer(ptr))
	node.next = freeListHeads[class]
	freeListHeads[class] = node
}
