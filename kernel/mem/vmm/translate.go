package vmm

import (
	"novakern/kernel"
	"novakern/kernel/mem/pmm"
)

// TranslateIn returns the physical address that corresponds to the supplied
// virtual address inside the address space rooted at root, or
// ErrInvalidMapping if the virtual address does not correspond to a mapped
// physical address.
func TranslateIn(root pmm.Frame, virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(root, virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	physAddr := pte.Frame().Address() + PageOffset(virtAddr)
	return physAddr, nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address inside the kernel's own address space.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	return TranslateIn(KernelL4, virtAddr)
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
