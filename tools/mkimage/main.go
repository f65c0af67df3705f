// Command mkimage packages a flat binary blob plus a virtual-address
// segment table into the image format kernel/loader consumes: a 4-byte
// magic, the program's entry point, a segment count, and one
// (vaddr, size, data) record per segment. It runs on the host Go toolchain,
// never inside the kernel.
package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var magic = [4]byte{0x7F, 'E', 'L', 'F'}

type segment struct {
	vaddr uint64
	path  string
}

type segmentFlags []segment

func (s *segmentFlags) String() string {
	return fmt.Sprint([]segment(*s))
}

func (s *segmentFlags) Set(value string) error {
	var vaddr uint64
	var path string
	if _, err := fmt.Sscanf(value, "0x%x:%s", &vaddr, &path); err != nil {
		return fmt.Errorf("invalid -segment value %q, want 0xADDR:path", value)
	}
	*s = append(*s, segment{vaddr: vaddr, path: path})
	return nil
}

func main() {
	var (
		entry    uint64
		out      string
		segments segmentFlags
	)

	flag.Uint64Var(&entry, "entry", 0, "program entry point (virtual address)")
	flag.StringVar(&out, "out", "", "output image path")
	flag.Var(&segments, "segment", "0xADDR:path, repeatable, one per segment")
	flag.Parse()

	if out == "" || len(segments) == 0 {
		fmt.Fprintln(os.Stderr, "usage: mkimage -entry 0xADDR -segment 0xADDR:path [-segment ...] -out path")
		os.Exit(1)
	}

	img, err := build(entry, segments)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mkimage:", err)
		os.Exit(1)
	}

	if err := os.WriteFile(out, img, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "mkimage:", err)
		os.Exit(1)
	}
}

// build lays out the image exactly as kernel/loader.parseImage expects it:
// header{magic, pad, entryPoint, segmentCount} followed by, for each
// segment, segmentHeader{vaddr, size} immediately followed by that
// segment's raw bytes.
func build(entry uint64, segments segmentFlags) ([]byte, error) {
	payloads := make([][]byte, len(segments))
	for i, seg := range segments {
		data, err := mmapFile(seg.path)
		if err != nil {
			return nil, fmt.Errorf("reading segment %d (%s): %w", i, seg.path, err)
		}
		payloads[i] = data
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.Write(make([]byte, 4)) // pad so entryPoint falls on an 8-byte boundary
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, uint64(len(segments)))

	for i, seg := range segments {
		binary.Write(&buf, binary.LittleEndian, seg.vaddr)
		binary.Write(&buf, binary.LittleEndian, uint64(len(payloads[i])))
		buf.Write(payloads[i])
	}

	return buf.Bytes(), nil
}

// mmapFile reads a segment's input file via a read-only mmap rather than
// os.ReadFile: segment inputs are themselves raw flat binaries built for
// direct inclusion in the image, and mapping them avoids a second full copy
// through a read buffer for what can be a multi-megabyte kernel or program
// blob. The mapping is never unmapped; the process exits shortly after
// build returns and the kernel reclaims it then.
func mmapFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, nil
	}

	return unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
}
