package irq

import (
	"novakern/kernel/cpu"
	"novakern/kernel/kfmt"
	"reflect"
)

// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
var cpuHaltFn = cpu.Halt

// idtEntryCount mirrors the 256 architectural interrupt/exception/IRQ
// vectors addressable by the x86-64 IDT. Only the handful of vectors this
// kernel actually services (breakpoint, double fault, page fault, GPF,
// timer, keyboard) are ever marked present; every other gate is
// left zeroed, matching the "all gate entries are initially marked as
// non-present" discipline.
const idtEntryCount = 256

// vectorsWithErrorCode lists every exception vector where the CPU pushes a
// 64-bit error code below the standard return frame. commonDispatch
// consults this to route the pushed word to the right handler table.
var vectorsWithErrorCode = map[ExceptionNum]bool{
	8:  true, // double fault
	13: true, // GPF
	14: true, // page fault
}

// idtEntry is a single x86-64 interrupt gate descriptor.
type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	istIndex   uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

const (
	gateTypeInterrupt = 0x8E // present, DPL=0, 64-bit interrupt gate
	kernelCodeSegment = 0x08 // must match gdt.KernelCodeSelector

	// The IDT gate's IST field is 1-based: 0 disables the IST mechanism
	// and 1..7 select tss.ist[0..6]. Faults share the first logical slot;
	// the timer has its own so the scheduler can repoint it at the current
	// thread's kernel stack without racing a fault.
	faultISTGateIndex = 1 // logical slot 0
	timerISTGateIndex = 2 // logical slot 1
)

var idt [idtEntryCount]idtEntry

// setGate installs a present interrupt gate for vector pointing at
// handlerAddr, using the given raw (1-based) gate IST field value; 0
// disables IST, leaving the interrupted code's stack in use.
func setGate(vector ExceptionNum, handlerAddr uintptr, istIndex uint8) {
	e := &idt[vector]
	e.offsetLow = uint16(handlerAddr)
	e.offsetMid = uint16(handlerAddr >> 16)
	e.offsetHigh = uint32(handlerAddr >> 32)
	e.selector = kernelCodeSegment
	e.istIndex = istIndex
	e.typeAttr = gateTypeInterrupt
}

// funcPC extracts the entry address of a body-less (asm-defined) Go
// function value. It is only ever applied to package-level function
// references, never to closures, so the returned address is stable.
func funcPC(f interface{}) uintptr {
	return reflect.ValueOf(f).Pointer()
}

// Init installs the IDT, remaps the PIC pair to vector 32 and
// registers the kernel's built-in diagnostic handlers for breakpoint and
// double fault (GPF/page fault are registered by kernel/mem/vmm.Init, which
// owns the recovery logic for those two) and the keyboard IRQ's
// acknowledge-only handler. The timer vector is wired directly to the
// scheduler trampoline (trampoline_amd64.s), bypassing the generic
// HandleException dispatch entirely so it can rewrite RSP in place.
func Init() {
	setGate(BreakpointException, funcPC(vector3Entry), 0)
	setGate(DoubleFault, funcPC(vector8Entry), faultISTGateIndex)
	setGate(GPFException, funcPC(vector13Entry), faultISTGateIndex)
	setGate(PageFaultException, funcPC(vector14Entry), faultISTGateIndex)
	setGate(KeyboardInterrupt, funcPC(vector33Entry), 0)
	setGate(TimerInterrupt, funcPC(timerTrampoline), timerISTGateIndex)

	loadIDT(&idt[0], uint16(len(idt)*int(unsafeSizeofIDTEntry)-1))

	remapPIC()

	HandleException(BreakpointException, breakpointHandler)
	HandleExceptionWithCode(DoubleFault, doubleFaultHandler)
	HandleException(KeyboardInterrupt, keyboardHandler)
}

const unsafeSizeofIDTEntry = 16

func breakpointHandler(frame *Frame, regs *Regs) {
	kfmt.Printf("\n[irq] breakpoint hit\n")
	frame.Print()
}

func doubleFaultHandler(errorCode uint64, frame *Frame, regs *Regs) {
	kfmt.Printf("\n*** double fault (error code: 0x%x) ***\n", errorCode)
	regs.Print()
	frame.Print()
	cpuHaltFn()
}

func keyboardHandler(frame *Frame, regs *Regs) {
	// Drain the controller's output buffer so it stops asserting the IRQ
	// line; no keyboard driver is wired in. commonDispatch sends the EOI
	// after this handler returns.
	inbFn(0x60)
}

// commonDispatch is called by each of the per-vector naked entry stubs
// below (everything except the timer). It reconstructs which handler table
// to consult from vectorsWithErrorCode and invokes dispatchException.
func commonDispatch(vector uint8, errorCode uint64, frame *Frame, regs *Regs) {
	en := ExceptionNum(vector)
	dispatchException(en, errorCode, vectorsWithErrorCode[en], frame, regs)

	if vector >= 32 {
		sendEOI(vector - 32)
	}
}

// loadIDT builds an IDTR from the supplied table and issues LIDT.
//
//go:noescape
func loadIDT(table *idtEntry, limit uint16)

// The following are naked entry points, one per serviced vector (only
// these six; every other gate is left non-present). Each
// saves Regs, builds a Frame from the CPU-pushed return address/segment/
// flags/stack words, and calls commonDispatch before unwinding and
// executing IRETQ. Vectors that don't push a CPU error code get a
// synthetic zero word so every stub shares one stack layout.
//
//go:noescape
func vector3Entry()

//go:noescape
func vector8Entry()

//go:noescape
func vector13Entry()

//go:noescape
func vector14Entry()

//go:noescape
func vector33Entry()

// timerTrampoline is declared in trampoline_amd64.s; see that file's
// header comment for the full context-saving contract.
//
//go:noescape
func timerTrampoline()
