package irq

// scheduleNextFn is registered by kernel/sched.Init via SetScheduler. It is
// kept as a plain function variable (not an interface) so the naked
// trampoline in trampoline_amd64.s can call straight through to it with
// nothing between the two but a stack-argument marshal: the trampoline
// passes the stack pointer of the context frame it just built, and the
// scheduler returns either 0 (resume the same thread) or the address of a
// different thread's context frame.
var scheduleNextFn func(uintptr) uintptr

// SetScheduler registers the function the timer trampoline calls on every
// tick. It must be set before interrupts are enabled.
func SetScheduler(fn func(uintptr) uintptr) {
	scheduleNextFn = fn
}

// timerTrampolineHandler is invoked by the naked timer trampoline
// (trampoline_amd64.s) with the stack pointer of the just-saved context
// frame as its sole argument. It consults the scheduler and acknowledges
// the PIC strictly after the scheduler call and before the trampoline's
// interrupt return.
func timerTrampolineHandler(contextSP uintptr) uintptr {
	var next uintptr
	if scheduleNextFn != nil {
		next = scheduleNextFn(contextSP)
	}
	sendEOI(0)
	return next
}
