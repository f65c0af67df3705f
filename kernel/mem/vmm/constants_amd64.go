// +build amd64

package vmm

// The x86-64 MMU defines four paging levels (L4 down to L1), each indexed by
// 9 bits of the virtual address; the remaining 12 bits select a byte inside
// the final 4 KiB page.
const (
	pageLevels = 4
)

var (
	pageLevelBits   = [pageLevels]uint8{9, 9, 9, 9}
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

	// ptePhysPageMask isolates the physical frame address bits of a page
	// table entry, excluding the flag bits at both ends.
	ptePhysPageMask uintptr = 0x000ffffffffff000

	// userStackL4Index, userStackL3Index and userStackL2Index pin down the
	// fixed location of the user-stack slot table as required by the
	// external virtual address map: L4 index 5, L3 index 0, L2 index 0.
	userStackL4Index uintptr = 5
	userStackL3Index uintptr = 0
	userStackL2Index uintptr = 0
)

const (
	// userStackSlotCount is the number of 8-page slots carved out of the
	// single L1 table reachable via userStackL4Index/L3Index/L2Index
	// (512 entries / 8 pages-per-slot).
	userStackSlotCount = 64

	// userStackPagesPerSlot is the number of pages reserved for each
	// thread's stack, including the leading guard page.
	userStackPagesPerSlot = 8

	// earlyReserveRegionEnd is the (exclusive) upper bound of the region the
	// kernel carves virtual address reservations out of during early boot,
	// e.g. for the Go allocator's arena space and driver MMIO mappings.
	// Reservations grow downward from this address.
	earlyReserveRegionEnd uintptr = 0x0000_5555_0000_0000
)
