package sched

import "novakern/kernel/irq"

// Context is the exact in-memory layout the timer trampoline builds on a
// thread's kernel stack (trampoline_amd64.s): the 15 general-purpose
// registers it pushes, immediately followed (at higher addresses, since the
// CPU pushed them first) by the interrupt-return frame. Embedding irq.Regs
// and irq.Frame in this order reproduces that layout field-for-field so a
// *Context can be read directly out of (or written directly into) a raw
// stack pointer handed back and forth across the trampoline boundary.
type Context struct {
	irq.Regs
	irq.Frame
}
