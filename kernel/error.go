package kernel

// Error describes a kernel error. All kernel errors must be defined as
// global variables that are pointers to the Error structure. This
// requirement stems from the fact that the Go allocator is not available
// during the earliest stages of kernel bootstrap so code running before
// kernel/goruntime has wired up the heap cannot use errors.New.
type Error struct {
	// Module is the subsystem that generated the error (e.g. "pmm", "vmm",
	// "sched", "loader").
	Module string

	// Message describes what went wrong.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
