package vmm

import "novakern/kernel/mem"

// Page describes a virtual memory page index.
type Page uintptr

// PageFromAddress returns the Page that contains the given virtual address.
func PageFromAddress(addr uintptr) Page {
	return Page(addr >> mem.PageShift)
}

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p) << mem.PageShift
}
