package sched

import "novakern/kernel/irq"

// Init registers ScheduleNext as the function the timer trampoline calls
// on every tick. It must run after kernel/gdt.Init and kernel/irq.Init
// have installed the TSS and IDT.
func Init() {
	irq.SetScheduler(ScheduleNext)
}
