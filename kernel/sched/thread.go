// Package sched implements the kernel's preemptive round-robin scheduler:
// a single run queue, a single "currently running" slot, and the thread
// descriptors both hold. It is the Go-visible half of the
// timer trampoline contract described in kernel/irq/trampoline_amd64.s.
package sched

import (
	"novakern/kernel"
	"novakern/kernel/gdt"
	"novakern/kernel/heap"
	"novakern/kernel/mem"
	"novakern/kernel/mem/pmm"
	"reflect"
	"sync/atomic"
	"unsafe"
)

const (
	// KernelStackSize is the size of every thread's kernel-mode stack: the
	// stack the CPU itself switches to (via the TSS's IST entries) whenever
	// a fault or timer tick interrupts this thread.
	KernelStackSize mem.Size = 4096 * 2

	// kernelThreadPlaceholderStackSize is the scratch buffer a kernel
	// thread's initial RSP points into. Kernel threads run at ring 0 and
	// never fault into user memory, so this is just ordinary heap-backed
	// scratch space, not a mapped, guarded user stack.
	kernelThreadPlaceholderStackSize mem.Size = 4096 * 5

	stackAlignment mem.Size = 16

	// rflagsInterruptsEnabled is RFLAGS with only the IF bit set.
	rflagsInterruptsEnabled uint64 = 0x200

	userHeapHintBase uintptr  = 0x0000_0280_0060_0000
	userHeapHintSize mem.Size = 4 * mem.Mb
)

var errOutOfMemory = &kernel.Error{Module: "sched", Message: "out of memory"}

// allocStackFn/freeStackFn are mocked by tests so a thread's kernel stack
// can come from a plain Go-backed buffer instead of the real kernel heap
// (which needs a live page table to map its region into).
var (
	allocStackFn = heap.Alloc
	freeStackFn  = heap.Free
)

// Thread is a schedulable unit of execution: a kernel stack, the saved
// context frame sitting at its top, and (for user threads) the address
// space it runs under.
type Thread struct {
	ID uint64

	kernelStackBase uintptr
	kernelStackSize mem.Size

	// KernelStackTop is written into the TSS's timer IST slot whenever
	// this thread becomes current.
	KernelStackTop uintptr

	// PageTableRoot is the L4 frame this thread runs under. Only
	// meaningful when HasAddressSpace is true; kernel threads run under
	// the shared kernel template.
	PageTableRoot   pmm.Frame
	HasAddressSpace bool

	// Context points at the context frame currently sitting at the top of
	// this thread's kernel stack. ScheduleNext rewrites this every time
	// the thread is swapped out.
	Context *Context
}

var nextThreadID uint64

// NextThreadID hands out a unique, monotonically increasing thread ID. It
// is exported because vmm.AllocateUserStack needs a thread's ID (as a
// slot-selection seed) before that thread's descriptor can be constructed;
// callers building a user thread must request one here and pass the same
// value into NewUserThread.
func NextThreadID() uint64 {
	return atomic.AddUint64(&nextThreadID, 1) - 1
}

// entryPC extracts the code address of a package-level (non-closure)
// function value, the same reflect-based idiom kernel/irq's funcPC uses to
// turn a Go function value into a raw address an IDT gate or context frame
// can hold.
func entryPC(f func()) uintptr {
	return reflect.ValueOf(f).Pointer()
}

func newContextFrame(stackTop uintptr) *Context {
	addr := stackTop - unsafe.Sizeof(Context{})
	ctx := (*Context)(unsafe.Pointer(addr))
	*ctx = Context{}
	return ctx
}

// NewKernelThread allocates a kernel stack and a placeholder stack for
// entry, lays a context frame at the top of the kernel stack with RIP=entry,
// RSP pointing at the top of the placeholder stack, interrupts enabled and
// the kernel code/data selectors, and enqueues the result.
func NewKernelThread(entry func()) (*Thread, *kernel.Error) {
	stackBase := allocStackFn(KernelStackSize, stackAlignment)
	if stackBase == 0 {
		return nil, errOutOfMemory
	}
	stackTop := stackBase + uintptr(KernelStackSize)

	placeholderBase := allocStackFn(kernelThreadPlaceholderStackSize, stackAlignment)
	if placeholderBase == 0 {
		freeStackFn(stackBase, KernelStackSize, stackAlignment)
		return nil, errOutOfMemory
	}
	placeholderTop := placeholderBase + uintptr(kernelThreadPlaceholderStackSize)

	ctx := newContextFrame(stackTop)
	ctx.RIP = uint64(entryPC(entry))
	ctx.RSP = uint64(placeholderTop)
	ctx.RFlags = rflagsInterruptsEnabled
	ctx.CS = uint64(gdt.KernelCodeSelector)
	ctx.SS = uint64(gdt.KernelDataSelector)

	t := &Thread{
		ID:              NextThreadID(),
		kernelStackBase: stackBase,
		kernelStackSize: KernelStackSize,
		KernelStackTop:  stackTop,
		Context:         ctx,
	}
	Enqueue(t)
	return t, nil
}

// NewUserThread builds the thread descriptor for an already validated,
// mapped and copied user program: entryPoint is the program's parsed entry
// address, pageTableRoot is the address space kernel/loader created and
// populated for it, userStackTop is the address vmm.AllocateUserStack
// returned, and id must be the same value the caller passed to
// vmm.AllocateUserStack.
func NewUserThread(id uint64, entryPoint uintptr, pageTableRoot pmm.Frame, userStackTop uintptr) (*Thread, *kernel.Error) {
	stackBase := allocStackFn(KernelStackSize, stackAlignment)
	if stackBase == 0 {
		return nil, errOutOfMemory
	}
	stackTop := stackBase + uintptr(KernelStackSize)

	ctx := newContextFrame(stackTop)
	ctx.RIP = uint64(entryPoint)
	ctx.RSP = uint64(userStackTop)
	ctx.RFlags = rflagsInterruptsEnabled
	ctx.CS = uint64(gdt.UserCodeSelector)
	ctx.SS = uint64(gdt.UserDataSelector)

	// Bootstrap heap hint for the new thread, passed in general-purpose
	// registers since the user stack has not run yet and nothing can have
	// pushed them there.
	ctx.RAX = uint64(userHeapHintBase)
	ctx.RCX = uint64(userHeapHintSize)

	t := &Thread{
		ID:              id,
		kernelStackBase: stackBase,
		kernelStackSize: KernelStackSize,
		KernelStackTop:  stackTop,
		PageTableRoot:   pageTableRoot,
		HasAddressSpace: true,
		Context:         ctx,
	}
	Enqueue(t)
	return t, nil
}
