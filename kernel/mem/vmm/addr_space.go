package vmm

import (
	"novakern/kernel"
	"novakern/kernel/mem"
	"novakern/kernel/mem/pmm"
	"unsafe"
)

var (
	// earlyReserveLastUsed tracks the last reserved page address and is
	// decreased after each allocation request. Initially, it points to
	// earlyReserveRegionEnd.
	earlyReserveLastUsed = earlyReserveRegionEnd

	errEarlyReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}
	errNoFreeUserStackSlot = &kernel.Error{Module: "vmm", Message: "no free user stack slot available"}
)

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size in the kernel address space and returns its virtual
// address. If size is not a multiple of mem.PageSize it will be automatically
// rounded up.
//
// This function allocates regions starting at the end of the kernel's early
// reservation window. It should only be used during the early stages of
// kernel initialization, before the heap allocator takes over.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) & ^(mem.PageSize - 1)

	// reserving a region of the requested size will cause an underflow
	if uintptr(size) > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}

// CreateNewUserAddressSpace allocates a fresh L4 table and recursively
// copies the kernel template (KernelL4) into it: at level 1 (and for
// huge-page entries at higher levels) the entry is copied verbatim, sharing
// the underlying frame so that every user address space observes identical
// kernel mappings; above level 1 a new table frame is allocated and the copy
// recurses into it, so user-private mappings can later be added without
// mutating the kernel template.
func CreateNewUserAddressSpace() (pmm.Frame, *kernel.Error) {
	newL4, err := frameAllocator()
	if err != nil {
		return pmm.InvalidFrame, err
	}

	mem.Memset(physMemOffsetFn()+newL4.Address(), 0, mem.PageSize)

	if err := cloneSubtree(KernelL4, newL4, 0); err != nil {
		return pmm.InvalidFrame, err
	}

	return newL4, nil
}

// cloneSubtree copies every entry of the table in srcFrame into the table in
// dstFrame. Leaf entries (level == pageLevels-1) and huge-page entries are
// copied verbatim, sharing the backing frame with the source tree. All other
// entries are cloned by allocating a fresh table frame and recursing.
func cloneSubtree(srcFrame, dstFrame pmm.Frame, level uint8) *kernel.Error {
	srcTableAddr := physMemOffsetFn() + srcFrame.Address()
	dstTableAddr := physMemOffsetFn() + dstFrame.Address()

	entryCount := uintptr(1) << pageLevelBits[level]
	entrySize := unsafe.Sizeof(pageTableEntry(0))

	for i := uintptr(0); i < entryCount; i++ {
		srcPte := (*pageTableEntry)(ptePtrFn(srcTableAddr + i*entrySize))
		dstPte := (*pageTableEntry)(ptePtrFn(dstTableAddr + i*entrySize))

		if !srcPte.HasFlags(FlagPresent) {
			*dstPte = 0
			continue
		}

		if level == pageLevels-1 || srcPte.HasFlags(FlagHugePage) {
			*dstPte = *srcPte
			continue
		}

		childFrame, err := frameAllocator()
		if err != nil {
			return err
		}
		mem.Memset(physMemOffsetFn()+childFrame.Address(), 0, mem.PageSize)

		*dstPte = *srcPte
		dstPte.SetFrame(childFrame)

		if err := cloneSubtree(srcPte.Frame(), childFrame, level+1); err != nil {
			return err
		}
	}

	return nil
}

// ensureTable returns the frame of the table reached by walking the entry at
// the given index inside the table addressed by parentTableAddr, allocating
// and installing a fresh zeroed table if that entry is not yet present.
func ensureTable(parentTableAddr uintptr, index uintptr) (pmm.Frame, *kernel.Error) {
	entrySize := unsafe.Sizeof(pageTableEntry(0))
	pte := (*pageTableEntry)(ptePtrFn(parentTableAddr + index*entrySize))

	if pte.HasFlags(FlagPresent) {
		return pte.Frame(), nil
	}

	newFrame, err := frameAllocator()
	if err != nil {
		return pmm.InvalidFrame, err
	}

	mem.Memset(physMemOffsetFn()+newFrame.Address(), 0, mem.PageSize)

	*pte = 0
	pte.SetFrame(newFrame)
	pte.SetFlags(intermediateTableFlags)

	return newFrame, nil
}

// AllocateUserStack walks the fixed L4/L3/L2 index sequence that pins down
// the user-stack slot region, creating any missing intermediate tables, then
// scans the 64 slots of the L1 table it finds for the first one whose "page
// 1" entry is unused. Tie-breaking starts at a pseudo-random index derived
// from threadID modulo 64 and scans forward circularly.
//
// Pages 1-6 of the chosen slot are mapped read-only+user to a single shared
// frame, page 7 is mapped read-write+user to the same frame, and page 0 is
// left unmapped as a guard. AllocateUserStack returns the virtual address of
// the top of page 7 (the stack's initial top-of-stack value).
func AllocateUserStack(root pmm.Frame, threadID uint64) (uintptr, *kernel.Error) {
	l4TableAddr := physMemOffsetFn() + root.Address()

	l3Frame, err := ensureTable(l4TableAddr, userStackL4Index)
	if err != nil {
		return 0, err
	}

	l3TableAddr := physMemOffsetFn() + l3Frame.Address()
	l2Frame, err := ensureTable(l3TableAddr, userStackL3Index)
	if err != nil {
		return 0, err
	}

	l2TableAddr := physMemOffsetFn() + l2Frame.Address()
	l1Frame, err := ensureTable(l2TableAddr, userStackL2Index)
	if err != nil {
		return 0, err
	}

	l1TableAddr := physMemOffsetFn() + l1Frame.Address()
	entrySize := unsafe.Sizeof(pageTableEntry(0))

	start := int(threadID % userStackSlotCount)
	for i := 0; i < userStackSlotCount; i++ {
		slot := (start + i) % userStackSlotCount
		slotBase := slot * userStackPagesPerSlot

		// Page 1 is the first mapped page of a slot; page 0 stays unmapped
		// as the guard, so its entry can't be used to probe occupancy.
		firstStackPte := (*pageTableEntry)(ptePtrFn(l1TableAddr + uintptr(slotBase+1)*entrySize))
		if firstStackPte.HasFlags(FlagPresent) {
			continue
		}

		stackFrame, ferr := frameAllocator()
		if ferr != nil {
			return 0, ferr
		}
		mem.Memset(physMemOffsetFn()+stackFrame.Address(), 0, mem.PageSize)

		for page := 1; page <= 6; page++ {
			pte := (*pageTableEntry)(ptePtrFn(l1TableAddr + uintptr(slotBase+page)*entrySize))
			*pte = 0
			pte.SetFrame(stackFrame)
			pte.SetFlags(FlagPresent | FlagUser)
		}

		rwPte := (*pageTableEntry)(ptePtrFn(l1TableAddr + uintptr(slotBase+7)*entrySize))
		*rwPte = 0
		rwPte.SetFrame(stackFrame)
		rwPte.SetFlags(FlagPresent | FlagRW | FlagUser)

		slotBaseAddr := (userStackL4Index << pageLevelShifts[0]) |
			(userStackL3Index << pageLevelShifts[1]) |
			(userStackL2Index << pageLevelShifts[2]) |
			(uintptr(slotBase) << mem.PageShift)

		stackTop := slotBaseAddr + uintptr(userStackPagesPerSlot)*uintptr(mem.PageSize)
		return stackTop, nil
	}

	return 0, errNoFreeUserStackSlot
}
