package vmm

import (
	"novakern/kernel/mem"
	"novakern/kernel/mem/pmm"
	"unsafe"
)

var (
	// physMemOffsetFn returns the constant virtual offset at which the
	// bootloader mapped all physical memory. It is a function variable so
	// tests can substitute a value without depending on Init having run.
	physMemOffsetFn = func() uintptr { return physMemOffset }

	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to override the generated page table entry pointers so
	// walk() can be properly tested. When compiling the kernel this function
	// will be automatically inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address inside the
// address space rooted at the supplied L4 frame. It calls the supplied
// walkFn with the page table entry that corresponds to each page table
// level.
//
// Because all physical memory is mapped at a constant virtual offset, each
// table is accessed by adding that offset to its physical frame address;
// walkFn may install or replace the frame backing the *next* level (e.g. to
// allocate a missing intermediate table) and the walk will follow it.
func walk(root pmm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	var (
		tableAddr, entryAddr, entryIndex uintptr
		curFrame                         = root
	)

	for level := uint8(0); level < pageLevels; level++ {
		tableAddr = physMemOffsetFn() + curFrame.Address()

		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mem.PointerShift)

		pte := (*pageTableEntry)(ptePtrFn(entryAddr))
		if !walkFn(level, pte) {
			return
		}

		curFrame = pte.Frame()
	}
}
