package asm

import (
	"fmt"
	"unsafe"

	"github.com/protonos/ciljit/internal/platform"
)

var zero [16]byte

// CodeSegment represents a memory mapped segment where native CPU instructions
// are written.
//
// To append the code of a function, the program must call Next to obtain a
// buffer view capable of writing data at the end of the segment. Next aligns
// the next write on 16 bytes.
//
// Instances of CodeSegment hold references to memory which is NOT managed by
// the garbage collector and therefore must be released *manually* by calling
// their Unmap method to prevent memory leaks.
//
// The zero value is a valid, empty code segment.
type CodeSegment struct {
	code   []byte
	size   int
	sealed bool
}

// NewCodeSegment constructs a CodeSegment value from a byte slice.
//
// No validation is made that the byte slice is a memory mapped region which
// can be unmapped on Unmap.
func NewCodeSegment(code []byte) *CodeSegment {
	return &CodeSegment{code: code, size: len(code)}
}

// Unmap releases the underlying memory region held by the code segment,
// clearing its state back to an empty code segment.
func (seg *CodeSegment) Unmap() error {
	if seg.code != nil {
		if err := platform.MunmapCodeSegment(seg.code[:cap(seg.code)]); err != nil {
			return err
		}
		seg.code = nil
		seg.size = 0
		seg.sealed = false
	}
	return nil
}

// Addr returns the address of the beginning of the code segment as a uintptr.
func (seg *CodeSegment) Addr() uintptr {
	if len(seg.code) > 0 {
		return uintptr(unsafe.Pointer(&seg.code[0]))
	}
	return 0
}

// Size returns the number of bytes written to the code segment.
func (seg *CodeSegment) Size() int {
	return seg.size
}

// Bytes returns a byte slice to the memory mapping of the code segment.
//
// The returned slice remains valid until more bytes are written to a buffer
// of the code segment, or Unmap is called.
func (seg *CodeSegment) Bytes() []byte {
	return seg.code[:seg.size]
}

// Seal drops the write permission on the mapped pages, leaving them
// read-execute. Appending to a sealed segment is a bug.
func (seg *CodeSegment) Seal() error {
	if seg.code == nil {
		return nil
	}
	if err := platform.MprotectRX(seg.code[:cap(seg.code)]); err != nil {
		return err
	}
	seg.sealed = true
	return nil
}

// Unseal restores the write permission on a sealed segment so more code can
// be emitted.
func (seg *CodeSegment) Unseal() error {
	if !seg.sealed {
		return nil
	}
	if err := platform.MprotectRWX(seg.code[:cap(seg.code)]); err != nil {
		return err
	}
	seg.sealed = false
	return nil
}

// Next returns a buffer pointed at the end of the code segment to support
// writing more code instructions to it.
//
// Buffers are passed by value, but they hold a reference to the code segment
// that they were created from.
func (seg *CodeSegment) Next() Buffer {
	// Align 16-bytes boundary.
	seg.write(zero[:(16-seg.size&15)&15])
	return Buffer{seg: seg, off: seg.size}
}

func (seg *CodeSegment) append(n int) []byte {
	i := seg.size
	j := seg.size + n
	if j > len(seg.code) {
		seg.grow(n)
	}
	seg.size = j
	return seg.code[i:j:j]
}

func (seg *CodeSegment) write(b []byte) {
	copy(seg.append(len(b)), b)
}

func (seg *CodeSegment) grow(n int) {
	if seg.sealed {
		panic(fmt.Errorf("BUG: write to a sealed code segment"))
	}
	size := len(seg.code)
	want := seg.size + n
	if size >= want {
		return
	}
	if size == 0 {
		size = platform.CodeSegmentPageSize
	}
	for size < want {
		size *= 2
	}
	b, err := platform.RemapCodeSegment(seg.code, size)
	if err != nil {
		// The only reason for growing the buffer to error is if we run out of
		// memory, so panic for now as it greatly simplifies error handling to
		// assume writing to the buffer never fails.
		panic(err)
	}
	seg.code = b
}

// Buffer is a reference type representing a section beginning at the end of a
// code segment where new instructions can be written.
type Buffer struct {
	seg *CodeSegment
	off int
}

// Addr returns the address of the first byte of the buffer inside the segment.
func (buf Buffer) Addr() uintptr {
	return buf.seg.Addr() + uintptr(buf.off)
}

// Len returns the number of bytes written to the buffer.
func (buf Buffer) Len() int {
	return buf.seg.size - buf.off
}

// Bytes returns the bytes written to the buffer so far.
func (buf Buffer) Bytes() []byte {
	i := buf.off
	j := buf.seg.size
	return buf.seg.code[i:j:j]
}

// Write appends b to the buffer.
func (buf Buffer) Write(b []byte) (int, error) {
	buf.seg.write(b)
	return len(b), nil
}
