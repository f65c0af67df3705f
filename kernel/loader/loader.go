// Package loader turns a flat program image into a thread ready to be
// handed to kernel/sched. Its obligations are deliberately thin: magic
// validation, segment bounds validation, and faithful byte-copying.
// Everything else -- address-space creation, user-stack
// allocation, context-frame initialization -- is delegated to
// kernel/mem/vmm and kernel/sched, which already own those concerns.
package loader

import (
	"novakern/kernel"
	"novakern/kernel/hal/multiboot"
	"novakern/kernel/mem"
	"novakern/kernel/mem/pmm"
	"novakern/kernel/mem/vmm"
	"novakern/kernel/sched"
	"unsafe"
)

// userCodeStart and userCodeEnd bound the only virtual address range a
// loaded program's segments may occupy.
const (
	userCodeStart uintptr = 0x0500_0000
	userCodeEnd   uintptr = 0x8000_0000
)

var magic = [4]byte{0x7F, 'E', 'L', 'F'}

// header is the fixed prefix of the image format this package consumes: a
// 4-byte magic, the program's entry point, and a count of the
// segmentHeader records immediately following it. tools/mkimage produces
// images in this layout.
type header struct {
	magic        [4]byte
	_            [4]byte // pad so entryPoint falls on an 8-byte boundary
	entryPoint   uint64
	segmentCount uint64
}

// segmentHeader precedes each segment's raw bytes in the image.
type segmentHeader struct {
	vaddr uint64
	size  uint64
}

var (
	errTruncatedImage    = &kernel.Error{Module: "loader", Message: "invalid program image: truncated"}
	errInvalidMagic      = &kernel.Error{Module: "loader", Message: "invalid program image: bad magic"}
	errSegmentOutOfRange = &kernel.Error{Module: "loader", Message: "invalid program image: segment outside permitted range"}
)

// physMemOffsetFn is mocked by tests. In the real kernel it is the same
// offset kernel/mem/vmm.Init was given: every physical frame
// is reachable at physMemOffset+frame regardless of which page table is
// currently active.
var physMemOffsetFn = multiboot.PhysMemOffset

type parsedSegment struct {
	vaddr uintptr
	data  []byte
}

// parseImage validates the header and every segment's bounds before any
// memory is mapped. Doing the full validation pass up front is what lets
// Load avoid ever allocating an address space for an image that will be
// rejected.
func parseImage(image []byte) (uint64, []parsedSegment, *kernel.Error) {
	if len(image) < int(unsafe.Sizeof(header{})) {
		return 0, nil, errTruncatedImage
	}

	hdr := (*header)(unsafe.Pointer(&image[0]))
	if hdr.magic != magic {
		return 0, nil, errInvalidMagic
	}

	segments := make([]parsedSegment, 0, hdr.segmentCount)
	offset := int(unsafe.Sizeof(header{}))

	for i := uint64(0); i < hdr.segmentCount; i++ {
		if offset+int(unsafe.Sizeof(segmentHeader{})) > len(image) {
			return 0, nil, errTruncatedImage
		}
		sh := (*segmentHeader)(unsafe.Pointer(&image[offset]))
		offset += int(unsafe.Sizeof(segmentHeader{}))

		start := uintptr(sh.vaddr)
		end := start + uintptr(sh.size)
		if start < userCodeStart || end > userCodeEnd || end < start {
			return 0, nil, errSegmentOutOfRange
		}

		if offset+int(sh.size) > len(image) {
			return 0, nil, errTruncatedImage
		}

		segments = append(segments, parsedSegment{
			vaddr: start,
			data:  image[offset : offset+int(sh.size)],
		})
		offset += int(sh.size)
	}

	return hdr.entryPoint, segments, nil
}

// Load validates, parses, maps and copies a flat program image into a
// fresh user address space, then returns a thread ready to be scheduled.
// Every error case short-circuits before kernel/mem/vmm.AllocatePages or
// kernel/mem/vmm.CreateNewUserAddressSpace is ever called, so an invalid
// image never maps a single page; once an address space has been created
// there is nothing left to release on a later failure, since the frame
// allocator underlying it never reclaims frames.
func Load(image []byte) (*sched.Thread, *kernel.Error) {
	entryPoint, segments, err := parseImage(image)
	if err != nil {
		return nil, err
	}

	root, err := vmm.CreateNewUserAddressSpace()
	if err != nil {
		return nil, err
	}

	for _, seg := range segments {
		if err := vmm.AllocatePages(root, seg.vaddr, mem.Size(len(seg.data)), vmm.FlagPresent|vmm.FlagRW|vmm.FlagUser); err != nil {
			return nil, err
		}
		if err := copyIntoAddressSpace(root, seg.vaddr, seg.data); err != nil {
			return nil, err
		}
	}

	id := sched.NextThreadID()
	stackTop, err := vmm.AllocateUserStack(root, id)
	if err != nil {
		return nil, err
	}

	return sched.NewUserThread(id, uintptr(entryPoint), root, stackTop)
}

// copyIntoAddressSpace writes data into the pages starting at vaddr inside
// root's address space. root need not be the active page table: every
// physical frame is reachable at physMemOffset+frame thanks to the
// bootloader's offset mapping, so each destination page is translated
// individually through root rather than requiring a CR3 switch.
func copyIntoAddressSpace(root pmm.Frame, vaddr uintptr, data []byte) *kernel.Error {
	offset := 0
	for offset < len(data) {
		curVAddr := vaddr + uintptr(offset)

		physAddr, err := vmm.TranslateIn(root, curVAddr)
		if err != nil {
			return err
		}

		pageRemaining := int(mem.PageSize) - int(vmm.PageOffset(curVAddr))
		chunk := len(data) - offset
		if chunk > pageRemaining {
			chunk = pageRemaining
		}

		dst := physMemOffsetFn() + physAddr
		mem.Memcopy(uintptr(unsafe.Pointer(&data[offset])), dst, mem.Size(chunk))
		offset += chunk
	}

	return nil
}
