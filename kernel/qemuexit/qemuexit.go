// Package qemuexit drives QEMU's isa-debug-exit device: a single I/O port
// that lets a guest terminate the emulator with an exit code, used by the
// test harness instead of a framebuffer/serial transcript.
package qemuexit

// Code is a value written to the exit port. QEMU's own exit status is
// (value<<1)|1, but callers of this package only need the two values
// below.
type Code uint8

const (
	// Success requests a clean shutdown.
	Success Code = 0x10

	// Failure requests a shutdown indicating the test run failed.
	Failure Code = 0x11

	exitPort uint16 = 0xF4
)

// Exit writes code to the exit port. Control does not return on real
// hardware or under QEMU with isa-debug-exit configured: the device
// immediately halts the virtual machine, so callers should treat this as
// non-returning and follow it with a halt loop.
func Exit(code Code) {
	outbFn(exitPort, uint8(code))
}

// outbFn is mocked by tests; real OUT is a privileged instruction this
// process can't execute outside ring 0.
var outbFn = outb

//go:noescape
func outb(port uint16, value uint8)
