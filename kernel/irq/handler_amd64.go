package irq

import "sync"

// ExceptionNum defines an exception number that can be
// passed to the HandleException and HandleExceptionWithCode
// functions.
type ExceptionNum uint8

const (
	// BreakpointException is raised by the INT3 instruction; used by
	// debuggers and, here, as a harmless smoke test for the IDT.
	BreakpointException = ExceptionNum(3)

	// DoubleFault occurs when an exception is unhandled
	// or when an exception occurs while the CPU is
	// trying to call an exception handler.
	DoubleFault = ExceptionNum(8)

	// GPFException is raised when a general protection fault occurs.
	GPFException = ExceptionNum(13)

	// PageFaultException is raised when a PDT or
	// PDT-entry is not present or when a privilege
	// and/or RW protection check fails.
	PageFaultException = ExceptionNum(14)

	// TimerInterrupt is the vector the PIC is remapped to deliver the
	// periodic timer tick on (base 32, line 0). It never goes through
	// HandleException/HandleExceptionWithCode: its IDT gate points
	// directly at the scheduler trampoline so the handler can rewrite the
	// interrupt-return stack pointer in place. See SetScheduler.
	TimerInterrupt = ExceptionNum(32)

	// KeyboardInterrupt is the vector the PIC is remapped to deliver
	// keyboard IRQs on (base 32, line 1). The registered handler only
	// acknowledges the controller; no keyboard driver is in scope.
	KeyboardInterrupt = ExceptionNum(33)
)

// ExceptionHandler is a function that handles an exception that does not push
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode is a function that handles an exception that pushes
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandlerWithCode func(uint64, *Frame, *Regs)

var (
	// handlerLock guards the two handler tables below. A plain stdlib
	// sync.RWMutex is appropriate here (rather than the kernel/sync
	// spinlock used on the hot dispatch path elsewhere) because
	// registration happens a handful of times during boot, never on the
	// interrupt path itself; dispatchException below only ever takes the
	// read lock, so concurrent registration never blocks delivery for
	// longer than copying a function pointer.
	handlerLock sync.RWMutex

	handlers         [256]ExceptionHandler
	handlersWithCode [256]ExceptionHandlerWithCode
)

// HandleException registers an exception handler (without an error code) for
// the given interrupt number.
func HandleException(exceptionNum ExceptionNum, handler ExceptionHandler) {
	handlerLock.Lock()
	handlers[exceptionNum] = handler
	handlerLock.Unlock()
}

// HandleExceptionWithCode registers an exception handler (with an error code)
// for the given interrupt number.
func HandleExceptionWithCode(exceptionNum ExceptionNum, handler ExceptionHandlerWithCode) {
	handlerLock.Lock()
	handlersWithCode[exceptionNum] = handler
	handlerLock.Unlock()
}

// dispatchException is called via commonDispatch by the per-vector IDT
// stubs in idt_amd64.s (every vector except the timer, which is wired
// directly to its own trampoline). It looks up and invokes whichever
// handler was registered for exceptionNum, if any.
func dispatchException(exceptionNum ExceptionNum, errorCode uint64, hasErrorCode bool, frame *Frame, regs *Regs) {
	handlerLock.RLock()
	h := handlers[exceptionNum]
	hc := handlersWithCode[exceptionNum]
	handlerLock.RUnlock()

	if hasErrorCode {
		if hc != nil {
			hc(errorCode, frame, regs)
		}
		return
	}

	if h != nil {
		h(frame, regs)
	}
}
