// Package gdt installs the kernel's global descriptor table and task state
// segment. In long mode the GDT no longer enforces segment limits or
// per-segment protection (that job belongs to paging) but it is still the
// only way to define the kernel/user code and data selectors that interrupt
// gates, far jumps and the SYSRET-less ring transitions used by this kernel
// rely on, and it is the vehicle through which the CPU locates the TSS.
package gdt

import (
	"novakern/kernel/sync"
	"unsafe"
)

// Selector identifies an 8-byte-aligned slot inside the GDT. The low 2 bits
// carry the requested privilege level (RPL); bit 2 is always 0 (GDT, not
// LDT).
type Selector uint16

const (
	// NullSelector occupies the mandatory first GDT slot; loading it into a
	// segment register is used to mark that register as unused.
	NullSelector Selector = 0x00

	// KernelCodeSelector addresses the ring-0 code segment.
	KernelCodeSelector Selector = 0x08

	// KernelDataSelector addresses the ring-0 data segment.
	KernelDataSelector Selector = 0x10

	// TSSSelector addresses the task state segment descriptor. It occupies
	// two consecutive 8-byte slots because, unlike code/data descriptors,
	// a TSS descriptor carries a full 64-bit base address.
	TSSSelector Selector = 0x18

	// UserCodeSelector addresses the ring-3 code segment. The low 2 bits
	// (requested privilege level 3) are set so it can be loaded directly
	// into CS on a ring transition.
	UserCodeSelector Selector = 0x28 | 3

	// UserDataSelector addresses the ring-3 data segment, RPL 3.
	UserDataSelector Selector = 0x30 | 3
)

// Descriptor access-byte and flag bits used to build the flat code/data
// descriptors installed below. The kernel never uses segment-level limits
// or base addresses for anything other than the TSS descriptor; every
// code/data descriptor below describes the entire flat address space.
const (
	accessPresent     = 1 << 7
	accessNotSystem   = 1 << 4 // code/data descriptor, not a system descriptor
	accessExecutable  = 1 << 3
	accessReadWrite   = 1 << 1
	accessRing3       = 3 << 5
	accessTSSAvail    = 0x9 // 64-bit TSS (available), system descriptor type
	flagsLongModeCode = 1 << 5
)

// istStackSize is the size of the single statically reserved buffer shared
// by both IST slots.
const istStackSize = 20 * 1024

// istStack is the backing store for both IST entries. Each entry's "top" is
// the same address: the two exception classes that use IST never nest in
// this kernel (faults halt; the timer handler never faults), so sharing the
// buffer wastes no memory.
var istStack [istStackSize]byte

// taskStateSegment mirrors the x86-64 TSS layout. Only the interrupt-stack
// table fields are used; this kernel has no ring transitions that rely on
// RSP0/RSP1/RSP2 (user threads always fault or tick into an IST stack, never
// a plain privilege-level stack switch).
type taskStateSegment struct {
	reserved0 uint32
	rsp       [3]uint64
	reserved1 uint64
	ist       [7]uint64
	reserved2 uint64
	reserved3 uint16
	ioMapBase uint16
}

var (
	tss taskStateSegment

	// tssLock guards writes to tss.ist. A mutual exclusion primitive is
	// needed here (rather than "disable interrupts", which guards every
	// other process-wide structure) because the CPU itself reads the TSS
	// asynchronously, on its own schedule, whenever an IST vector fires -
	// including from within a critical section that has interrupts
	// disabled for an unrelated reason on another exception stack frame.
	// A spinlock is still appropriate given the single-CPU assumption; it
	// just can't be "cli/sti".
	tssLock sync.Spinlock

	// gdtEntries holds the encoded descriptor table. The TSS descriptor
	// occupies two consecutive 64-bit slots, so 5 logical entries (plus the
	// mandatory null) take up 7 slots.
	gdtEntries [7]uint64
)

// istSlot maps a 0-based IST index to the hardware IST1..IST7
// fields of the TSS (the IDT gate's IST field is itself 0 meaning "no IST"
// and 1-7 meaning ist[0..6], so logical index 0 lives in ist[0]).
func istSlot(index uint8) *uint64 {
	return &tss.ist[index]
}

// SetInterruptStackTable updates IST slot index to point at stackTop. The
// scheduler calls this on every context switch so that the timer IST entry
// (index 1) always refers to the newly current thread's own kernel stack;
// the fault IST entry (index 0) is set once at Init and never changes.
func SetInterruptStackTable(index uint8, stackTop uintptr) {
	tssLock.Acquire()
	*istSlot(index) = uint64(stackTop)
	tssLock.Release()
}

// flatDescriptor builds a 64-bit flat (base=0, limit=0xfffff) code/data
// segment descriptor. In long mode the CPU ignores base/limit for code and
// data descriptors other than honoring the L-bit (64-bit code) and the
// access byte, but the fields are still populated for documentation value
// and in case the descriptor is ever read by non-long-mode code (e.g. the
// 32-bit trampoline that enables long mode during boot).
func flatDescriptor(access, flags byte) uint64 {
	var d uint64
	d |= 0xffff                  // limit[0:16)
	d |= 0xf << 48                // limit[16:20)
	d |= uint64(access) << 40
	d |= uint64(flags) << 48 // flags occupy the high nibble of byte 6
	return d
}

// tssDescriptor builds the 128-bit TSS descriptor (as two 64-bit words) for
// the given base address and limit.
func tssDescriptor(base uintptr, limit uint32) (lo, hi uint64) {
	lo = uint64(limit & 0xffff)
	lo |= (uint64(base) & 0xffffff) << 16
	lo |= uint64(accessPresent|accessTSSAvail) << 40
	lo |= uint64((limit>>16)&0xf) << 48
	lo |= (uint64(base) >> 24 & 0xff) << 56

	hi = uint64(base) >> 32
	return
}

// buildGDT populates gdtEntries with the null descriptor followed by the
// five segments the kernel uses: kernel code, kernel data, TSS, user code,
// user data.
func buildGDT() {
	gdtEntries[0] = 0 // null

	gdtEntries[1] = flatDescriptor(accessPresent|accessNotSystem|accessExecutable|accessReadWrite, flagsLongModeCode)
	gdtEntries[2] = flatDescriptor(accessPresent|accessNotSystem|accessReadWrite, 0)

	tssBase := uintptr(tssAddr())
	lo, hi := tssDescriptor(tssBase, uint32(tssSize())-1)
	gdtEntries[3] = lo
	gdtEntries[4] = hi

	gdtEntries[5] = flatDescriptor(accessPresent|accessNotSystem|accessExecutable|accessReadWrite|accessRing3, flagsLongModeCode)
	gdtEntries[6] = flatDescriptor(accessPresent|accessNotSystem|accessReadWrite|accessRing3, 0)
}

// tssAddr and tssSize are indirected through function variables so tests can
// observe buildGDT's output without depending on the real TSS's address.
var (
	tssAddr = defaultTSSAddr
	tssSize = defaultTSSSize
)

func defaultTSSAddr() uintptr { return uintptr(unsafe.Pointer(&tss)) }
func defaultTSSSize() int     { return int(unsafe.Sizeof(tss)) }

// Init installs the GDT and TSS: it wires both IST slots to the top of the
// shared 20 KiB buffer, builds the descriptor table, loads it via LGDT,
// reloads CS/SS with the kernel selectors and loads the TSS selector via
// LTR.
func Init() {
	istTop := uintptr(unsafe.Pointer(&istStack)) + istStackSize
	tss.ist[0] = uint64(istTop)
	tss.ist[1] = uint64(istTop)

	buildGDT()
	loadGDT(&gdtEntries[0], uint16(len(gdtEntries)*8-1), uint16(KernelCodeSelector), uint16(KernelDataSelector))
	loadTSS(uint16(TSSSelector))
}

// loadGDT builds a GDTR from the supplied table address/limit, issues LGDT,
// reloads every data segment register with dataSelector and performs a far
// return to reload CS with codeSelector (the only way to change CS outside
// of a ring transition or call gate).
//
//go:noescape
func loadGDT(table *uint64, limit uint16, codeSelector uint16, dataSelector uint16)

// loadTSS issues LTR with the given selector, making the CPU honor the
// referenced TSS's IST entries on the next IST-tagged interrupt/exception.
//
//go:noescape
func loadTSS(selector uint16)
