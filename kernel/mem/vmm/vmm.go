// Package vmm manages the kernel's virtual address space. Physical memory is
// addressed using the offset-mapping technique: the bootloader maps all of
// physical memory at a constant virtual offset, so any frame (whether or not
// it belongs to the currently active page table) can be reached by adding
// that offset to its physical address. This removes the need for the
// recursive self-mapping trick and the temporary-mapping scaffolding it
// requires.
package vmm

import (
	"novakern/kernel"
	"novakern/kernel/cpu"
	"novakern/kernel/irq"
	"novakern/kernel/kfmt"
	"novakern/kernel/mem"
	"novakern/kernel/mem/pmm"
)

var (
	// KernelL4 holds the physical frame of the kernel's template L4 table,
	// captured from the currently active page table at Init time. Every new
	// user address space is a deep copy of this template.
	KernelL4 pmm.Frame

	// physMemOffset is the constant virtual offset at which the bootloader
	// mapped all of physical memory.
	physMemOffset uintptr

	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2
	activePDTFn               = cpu.ActivePDT

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	// Lookup entry for the page where the fault occurred using the
	// currently active page table root.
	activeRoot := pmm.FrameFromAddress(activePDTFn())
	walk(activeRoot, faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)

		if pteLevel == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}

		// Abort walk if the next page table entry is missing
		return nextIsPresent
	})

	// CoW is supported for RO pages with the CoW flag set
	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		var (
			copy pmm.Frame
			err  *kernel.Error
		)

		if copy, err = frameAllocator(); err != nil {
			nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
		} else {
			// The backing frame for copy is directly reachable at
			// physMemOffset+copy.Address(); no temporary mapping needed.
			mem.Memcopy(faultPage.Address(), physMemOffset+copy.Address(), mem.PageSize)

			// Update mapping to point to the new frame, flag it as RW and
			// remove the CoW flag
			pageEntry.ClearFlags(FlagCopyOnWrite)
			pageEntry.SetFlags(FlagPresent | FlagRW)
			pageEntry.SetFrame(copy)
			flushTLBEntryFn(faultPage.Address())

			// Fault recovered; retry the instruction that caused the fault
			return
		}
	}

	nonRecoverablePageFault(faultAddress, errorCode, frame, regs, errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case errorCode == 0:
		kfmt.Printf("read from non-present page")
	case errorCode == 1:
		kfmt.Printf("page protection violation (read)")
	case errorCode == 2:
		kfmt.Printf("write to non-present page")
	case errorCode == 3:
		kfmt.Printf("page protection violation (write)")
	case errorCode == 4:
		kfmt.Printf("page-fault in user-mode")
	case errorCode == 8:
		kfmt.Printf("page table has reserved bit set")
	case errorCode == 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()

	panic(err)
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	panic(errUnrecoverableFault)
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	var err *kernel.Error

	if ReservedZeroedFrame, err = frameAllocator(); err != nil {
		return err
	}
	mem.Memset(physMemOffset+ReservedZeroedFrame.Address(), 0, mem.PageSize)

	// From this point on, ReservedZeroedFrame cannot be mapped with a RW flag
	protectReservedZeroedPage = true
	return nil
}

// Init initializes the vmm package: it records the virtual offset at which
// the bootloader mapped all of physical memory, captures the currently
// active page table as the kernel template (KernelL4) and installs the
// paging-related exception handlers.
//
// Init must run with the bootloader-installed identity/offset mapping still
// active and after a frame allocator has been registered via
// SetFrameAllocator.
func Init(physMemOffsetAddr uintptr) *kernel.Error {
	physMemOffset = physMemOffsetAddr
	KernelL4 = pmm.FrameFromAddress(activePDTFn())

	if err := reserveZeroedFrame(); err != nil {
		return err
	}

	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
	return nil
}
