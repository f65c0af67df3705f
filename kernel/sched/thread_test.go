package sched

import (
	"novakern/kernel/gdt"
	"novakern/kernel/mem"
	"testing"
	"unsafe"
)

// mockAlloc hands out real Go-backed buffers instead of routing through the
// kernel heap, which needs a live page table this test binary doesn't have.
// The buffers are pinned in mockAllocBuffers so the GC never reclaims a
// stack the scheduler is still writing context frames into.
var mockAllocBuffers [][]byte

func mockAlloc(size, align mem.Size) uintptr {
	raw := make([]byte, int(size)+int(align))
	mockAllocBuffers = append(mockAllocBuffers, raw)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	if align > 0 {
		addr = (addr + uintptr(align) - 1) &^ (uintptr(align) - 1)
	}
	return addr
}

func withMockAllocator(t *testing.T) {
	t.Helper()
	origAlloc, origFree := allocStackFn, freeStackFn
	allocStackFn = mockAlloc
	freeStackFn = func(uintptr, mem.Size, mem.Size) {}

	origDisable, origEnable := disableInterruptsFn, enableInterruptsFn
	disableInterruptsFn = func() {}
	enableInterruptsFn = func() {}

	t.Cleanup(func() {
		allocStackFn, freeStackFn = origAlloc, origFree
		disableInterruptsFn, enableInterruptsFn = origDisable, origEnable
		queue = nil
		current = nil
		mockAllocBuffers = nil
	})
}

func dummyEntry() {}

func TestNewKernelThreadContextLayout(t *testing.T) {
	withMockAllocator(t)

	th, err := NewKernelThread(dummyEntry)
	if err != nil {
		t.Fatalf("NewKernelThread: %v", err)
	}

	if th.Context.RIP != uint64(entryPC(dummyEntry)) {
		t.Errorf("RIP = %#x; want entry address", th.Context.RIP)
	}
	if th.Context.RFlags != rflagsInterruptsEnabled {
		t.Errorf("RFlags = %#x; want %#x", th.Context.RFlags, rflagsInterruptsEnabled)
	}
	if th.Context.CS != uint64(gdt.KernelCodeSelector) || th.Context.SS != uint64(gdt.KernelDataSelector) {
		t.Errorf("unexpected kernel selectors: CS=%#x SS=%#x", th.Context.CS, th.Context.SS)
	}
	if th.Context.RSP == 0 {
		t.Error("RSP not set")
	}
	if th.Context.RAX != 0 || th.Context.RBX != 0 {
		t.Error("expected all GPRs zeroed for a new kernel thread")
	}
}

func TestNewKernelThreadEnqueues(t *testing.T) {
	withMockAllocator(t)

	before := QueueLen()
	if _, err := NewKernelThread(dummyEntry); err != nil {
		t.Fatalf("NewKernelThread: %v", err)
	}
	if QueueLen() != before+1 {
		t.Errorf("QueueLen() = %d; want %d", QueueLen(), before+1)
	}
}

func TestNewUserThreadSetsRegisters(t *testing.T) {
	withMockAllocator(t)

	const entry uintptr = 0x0500_0000
	const userStackTop uintptr = 0x0000_5555_0000_1000

	id := NextThreadID()
	th, err := NewUserThread(id, entry, 0, userStackTop)
	if err != nil {
		t.Fatalf("NewUserThread: %v", err)
	}

	if th.Context.RIP != uint64(entry) {
		t.Errorf("RIP = %#x; want %#x", th.Context.RIP, entry)
	}
	if th.Context.RSP != uint64(userStackTop) {
		t.Errorf("RSP = %#x; want %#x", th.Context.RSP, userStackTop)
	}
	if th.Context.RFlags != rflagsInterruptsEnabled {
		t.Errorf("RFlags = %#x; want %#x", th.Context.RFlags, rflagsInterruptsEnabled)
	}
	if th.Context.CS != uint64(gdt.UserCodeSelector) || th.Context.SS != uint64(gdt.UserDataSelector) {
		t.Errorf("unexpected user selectors: CS=%#x SS=%#x", th.Context.CS, th.Context.SS)
	}
	if th.Context.RAX != uint64(userHeapHintBase) || th.Context.RCX != uint64(userHeapHintSize) {
		t.Errorf("heap hint not passed: RAX=%#x RCX=%#x", th.Context.RAX, th.Context.RCX)
	}
	if !th.HasAddressSpace {
		t.Error("expected HasAddressSpace to be true for a user thread")
	}
}

func TestThreadIDsAreUnique(t *testing.T) {
	withMockAllocator(t)

	seen := map[uint64]bool{}
	for i := 0; i < 16; i++ {
		id := NextThreadID()
		if seen[id] {
			t.Fatalf("duplicate thread ID %d", id)
		}
		seen[id] = true
	}
}
