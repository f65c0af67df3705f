package irq

import "testing"

// commonDispatch and dispatchException are the Go-callable half of every
// non-timer vector stub in idt_amd64.s; they are exercised directly here
// since the stubs themselves are naked assembly that saves and restores the
// interrupted thread's GPRs on the kernel stack - something only a
// real CPU (or a QEMU boot) can drive, not `go test` on the host
// toolchain.
func TestCommonDispatchRoutesToRegisteredExceptionHandler(t *testing.T) {
	var gotFrame *Frame
	var gotRegs *Regs
	HandleException(BreakpointException, func(f *Frame, r *Regs) {
		gotFrame = f
		gotRegs = r
	})
	defer HandleException(BreakpointException, nil)

	frame := &Frame{RIP: 0x1000}
	regs := &Regs{RAX: 1}
	commonDispatch(uint8(BreakpointException), 0, frame, regs)

	if gotFrame != frame || gotRegs != regs {
		t.Fatalf("handler did not receive the frame/regs pointers passed to commonDispatch")
	}
}

func TestCommonDispatchRoutesErrorCodeToHandlerWithCode(t *testing.T) {
	var gotCode uint64
	HandleExceptionWithCode(DoubleFault, func(code uint64, f *Frame, r *Regs) {
		gotCode = code
	})
	defer HandleExceptionWithCode(DoubleFault, nil)

	commonDispatch(uint8(DoubleFault), 0xdead, &Frame{}, &Regs{})

	if gotCode != 0xdead {
		t.Fatalf("error code = %#x; want 0xdead", gotCode)
	}
}

func TestCommonDispatchSendsEOIOnlyForIRQVectors(t *testing.T) {
	orig := outbFn
	defer func() { outbFn = orig }()

	var ports []uint16
	outbFn = func(port uint16, _ uint8) { ports = append(ports, port) }

	commonDispatch(uint8(BreakpointException), 0, &Frame{}, &Regs{})
	if len(ports) != 0 {
		t.Fatalf("breakpoint (vector < 32) must not send EOI, got writes to %v", ports)
	}

	ports = nil
	commonDispatch(uint8(KeyboardInterrupt), 0, &Frame{}, &Regs{})
	if len(ports) == 0 {
		t.Fatalf("keyboard IRQ (vector >= 32) must send EOI")
	}
}
