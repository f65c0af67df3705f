// Package kmain wires every kernel subsystem into a single boot sequence:
// descriptor/TSS setup, interrupt dispatch, the frame
// and virtual-memory allocators, the kernel heap, the Go runtime bootstrap,
// hardware detection, and finally the scheduler, before handing control to
// the timer trampoline.
package kmain

import (
	"novakern/kernel/cpu"
	"novakern/kernel/gdt"
	"novakern/kernel/goruntime"
	"novakern/kernel/hal"
	"novakern/kernel/hal/multiboot"
	"novakern/kernel/heap"
	"novakern/kernel/irq"
	"novakern/kernel/kfmt"
	"novakern/kernel/loader"
	"novakern/kernel/mem/pmm/allocator"
	"novakern/kernel/mem/vmm"
	"novakern/kernel/sched"
)

// embeddedUserImage is the flat program image packaged by tools/mkimage and
// linked into the kernel binary by the build system; it is scheduled once
// boot completes. A nil/empty image (the
// default until a real build step embeds one) is simply skipped.
var embeddedUserImage []byte

// Kmain is the only Go symbol visible from the rt0 initialization code. It
// is invoked after rt0 has installed a minimal g0 struct and handed Go code
// a 4 KiB bootstrap stack; multibootInfoPtr, kernelStart and kernelEnd come
// from the bootloader via rt0's own parsing of the multiboot payload.
//
// Kmain is not expected to return. If it does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	gdt.Init()
	irq.Init()

	allocator.Init(kernelStart, kernelEnd)
	vmm.SetFrameAllocator(allocator.AllocFrame)
	if err := vmm.Init(multiboot.PhysMemOffset()); err != nil {
		kfmt.Panic(err)
	}

	if err := heap.Init(); err != nil {
		kfmt.Panic(err)
	}

	if err := goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	hal.DetectHardware()
	kfmt.Printf("novakern: boot complete\n")

	sched.Init()
	spawnInitialThreads()

	cpu.EnableInterrupts()
	for {
		cpu.Halt()
	}
}

// spawnInitialThreads seeds the run queue with the kernel's own idle
// thread and, if the build embedded one, the bundled user program. A
// thread spawn failure here is logged but
// non-fatal: the scheduler simply runs with whatever did get enqueued.
func spawnInitialThreads() {
	if _, err := sched.NewKernelThread(idleLoop); err != nil {
		kfmt.Printf("[kmain] failed to spawn idle thread: %s\n", err.Message)
	}

	if len(embeddedUserImage) == 0 {
		return
	}

	if _, err := loader.Load(embeddedUserImage); err != nil {
		kfmt.Printf("[kmain] failed to load embedded user image: %s\n", err.Message)
	}
}

// idleLoop is the default kernel thread: it simply halts until the next
// timer tick reschedules it.
func idleLoop() {
	for {
		cpu.Halt()
	}
}
