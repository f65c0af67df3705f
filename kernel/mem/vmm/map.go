package vmm

import (
	"novakern/kernel"
	"novakern/kernel/cpu"
	"novakern/kernel/mem"
	"novakern/kernel/mem/pmm"
)

// ReservedZeroedFrame is a special zero-cleared frame allocated by the
// vmm package's Init function. The purpose of this frame is to assist
// in implementing on-demand memory allocation when mapping it in
// conjunction with the CopyOnWrite flag. Here is an example of how it
// can be used:
//
//  func ReserveOnDemand(start vmm.Page, pageCount int) *kernel.Error {
//    var err *kernel.Error
//    mapFlags := vmm.FlagPresent|vmm.FlagCopyOnWrite
//    for page := start; pageCount > 0; pageCount, page = pageCount-1, page+1 {
//       if err = vmm.Map(page, vmm.ReservedZeroedFrame, mapFlags); err != nil {
//         return err
//       }
//    }
//    return nil
//  }
//
// In the above example, page mappings are set up for the requested number of
// pages but no physical memory is reserved for their contents. A write to any
// of the above pages will trigger a page-fault causing a new frame to be
// allocated, cleared (the blank frame is copied to the new frame) and
// installed in-place with RW permissions.
var ReservedZeroedFrame pmm.Frame

var (
	// protectReservedZeroedPage is set to true to prevent mapping to
	protectReservedZeroedPage bool

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	earlyReserveRegionFn = EarlyReserveRegion

	errNoHugePageSupport           = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}
	errMappingConflict             = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}
)

// intermediateTableFlags are the flags installed on freshly allocated
// intermediate (non-leaf) page tables. FlagUser is always set on
// intermediates since the CPU ANDs the user bit down the walk; the leaf
// entry's own flags are what actually restricts access.
const intermediateTableFlags = FlagPresent | FlagRW | FlagUser

// MapInto establishes a mapping between a virtual page and a physical memory
// frame inside the address space rooted at root. Calls to MapInto will use
// the registered frame allocator to initialize missing intermediate page
// tables at each paging level supported by the MMU.
//
// Attempts to map ReservedZeroedFrame with a RW flag will result in an error.
func MapInto(root pmm.Frame, page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame && (flags&FlagRW) != 0 {
		return errAttemptToRWMapReservedFrame
	}

	var err *kernel.Error

	walk(root, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it, map it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			newTableFrame, ferr := frameAllocator()
			if ferr != nil {
				err = ferr
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(intermediateTableFlags)

			mem.Memset(physMemOffsetFn()+newTableFrame.Address(), 0, mem.PageSize)
		}

		return true
	})

	return err
}

// Map establishes a mapping inside the kernel's own address space. It is a
// convenience wrapper around MapInto(KernelL4, ...) for code that always
// operates against the currently active kernel mapping (e.g. the Go runtime
// bootstrap shims).
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return MapInto(KernelL4, page, frame, flags)
}

// AllocatePages allocates a fresh physical frame for every 4 KiB page in the
// inclusive virtual address range [vaddr, vaddr+size) inside the address
// space rooted at root and maps each one with the supplied flags. It fails
// if frame allocation fails or if any of the target pages is already mapped.
func AllocatePages(root pmm.Frame, vaddr uintptr, size mem.Size, flags PageTableEntryFlag) *kernel.Error {
	size = (size + (mem.PageSize - 1)) & ^(mem.PageSize - 1)
	pageCount := size >> mem.PageShift

	for page := PageFromAddress(vaddr); pageCount > 0; pageCount, page = pageCount-1, page+1 {
		if _, err := TranslateIn(root, page.Address()); err == nil {
			return errMappingConflict
		}

		frame, err := frameAllocator()
		if err != nil {
			return err
		}

		if err := MapInto(root, page, frame, flags); err != nil {
			return err
		}
	}

	return nil
}

// MapRegion establishes a mapping to the physical memory region which starts
// at the given frame and ends at frame + pages(size) inside the kernel's own
// address space. The size argument is always rounded up to the nearest page
// boundary. MapRegion reserves the next available region in the kernel's
// virtual address space, establishes the mapping and returns back the Page
// that corresponds to the region start.
func MapRegion(frame pmm.Frame, size mem.Size, flags PageTableEntryFlag) (Page, *kernel.Error) {
	// Reserve next free block in the address space
	size = (size + (mem.PageSize - 1)) & ^(mem.PageSize - 1)
	startPage, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	pageCount := size >> mem.PageShift
	for page := PageFromAddress(startPage); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := Map(page, frame, flags); err != nil {
			return 0, err
		}
	}

	return PageFromAddress(startPage), nil
}

// UnmapFrom removes a mapping previously installed via MapInto inside the
// address space rooted at root.
func UnmapFrom(root pmm.Frame, page Page) *kernel.Error {
	var err *kernel.Error

	walk(root, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to set the
		// page as non-present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		// Next table is not present; this is an invalid mapping
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// Unmap removes a mapping previously installed via Map or MapRegion inside
// the kernel's own address space.
func Unmap(page Page) *kernel.Error {
	return UnmapFrom(KernelL4, page)
}
