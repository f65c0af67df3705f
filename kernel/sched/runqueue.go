package sched

import (
	"novakern/kernel/cpu"
	"novakern/kernel/gdt"
	"unsafe"
)

// timerISTIndex is the logical IST slot the scheduler keeps pointed at the
// current thread's kernel stack.
const timerISTIndex = 1

var (
	queue   []*Thread
	current *Thread

	// disableInterruptsFn/enableInterruptsFn are mocked by tests; real
	// CLI/STI are privileged instructions this process can't execute
	// outside ring 0.
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// Enqueue appends a freshly built thread to the back of the run queue. It
// brackets the mutation with interrupts disabled, the single-CPU
// concurrency discipline used for every process-wide structure the
// scheduler touches.
func Enqueue(t *Thread) {
	disableInterruptsFn()
	queue = append(queue, t)
	enableInterruptsFn()
}

// ScheduleNext rotates the run queue by one quantum. It is called
// exclusively from the timer trampoline with the stack pointer of the
// context frame the trampoline just built; interrupts are already disabled
// on entry (the timer's IDT gate is an interrupt gate, not a trap gate) and
// remain disabled until the trampoline re-enables them right before IRETQ,
// so this function neither disables nor re-enables interrupts itself.
//
// Returns 0 if the same thread should resume (run queue was and remains
// empty), or the address of the new current thread's context frame.
func ScheduleNext(currentContextPtr uintptr) uintptr {
	if current != nil {
		current.Context = (*Context)(unsafe.Pointer(currentContextPtr))
		queue = append(queue, current)
	}

	if len(queue) == 0 {
		current = nil
		return 0
	}

	current, queue = queue[0], queue[1:]
	gdt.SetInterruptStackTable(timerISTIndex, current.KernelStackTop)
	return uintptr(unsafe.Pointer(current.Context))
}

// Current returns the thread presently occupying the "currently running"
// slot, or nil if the run queue has never had a thread scheduled onto it.
func Current() *Thread {
	return current
}

// QueueLen returns the number of threads waiting in the run queue,
// excluding whichever thread (if any) currently occupies the running slot.
// Exposed for the run-queue invariant tests.
func QueueLen() int {
	return len(queue)
}
