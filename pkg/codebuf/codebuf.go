// Package codebuf implements the executable-mappable byte buffer that
// backs all generated host code: an anonymous mmap region toggled
// between writable and executable (W^X) so that no page is ever both
// writable and executable at the same time.
package codebuf

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrAlloc is returned when the initial executable mapping cannot be
// established.
var ErrAlloc = errors.New("codebuf: mmap failed")

// ErrOutOfSpace is returned when an emission would exceed the buffer's
// capacity.
var ErrOutOfSpace = errors.New("codebuf: out of space")

// MinRemaining is the threshold below which the execution loop should
// flush the translation cache rather than risk running out of room
// mid-TB.
const MinRemaining = 4096

// CodeBuffer is a contiguous, page-backed byte buffer holding generated
// host machine code.
type CodeBuffer struct {
	mem      []byte // mmap'd region, length == cap
	cursor   int    // append offset
	writable bool   // current protection state
}

// New allocates a new code buffer of the given size (rounded up to a
// page boundary by the kernel) as a private, anonymous mapping. The
// mapping starts writable; call SetExecutable before running any
// emitted code.
func New(size int) (*CodeBuffer, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAlloc, err)
	}
	return &CodeBuffer{mem: mem, writable: true}, nil
}

// Close unmaps the underlying memory. The CodeBuffer must not be used
// afterwards.
func (b *CodeBuffer) Close() error {
	return unix.Munmap(b.mem)
}

// SetWritable makes the buffer's pages writable (and non-executable),
// for code generation.
func (b *CodeBuffer) SetWritable() error {
	if b.writable {
		return nil
	}
	if err := unix.Mprotect(b.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("codebuf: mprotect writable: %w", err)
	}
	b.writable = true
	return nil
}

// SetExecutable makes the buffer's pages executable (and non-writable),
// for dispatch.
func (b *CodeBuffer) SetExecutable() error {
	if !b.writable {
		return nil
	}
	if err := unix.Mprotect(b.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("codebuf: mprotect executable: %w", err)
	}
	b.writable = false
	return nil
}

// Offset returns the current append cursor.
func (b *CodeBuffer) Offset() int {
	return b.cursor
}

// Remaining returns the number of bytes left before the buffer is full.
func (b *CodeBuffer) Remaining() int {
	return len(b.mem) - b.cursor
}

// Reset rewinds the append cursor to off, discarding everything after
// it. Used by flush to reclaim the buffer after the prologue/epilogue.
func (b *CodeBuffer) Reset(off int) {
	b.cursor = off
}

func (b *CodeBuffer) ensure(n int) error {
	if b.cursor+n > len(b.mem) {
		return ErrOutOfSpace
	}
	return nil
}

// EmitU8 appends one byte and returns its offset.
func (b *CodeBuffer) EmitU8(v uint8) (int, error) {
	if err := b.ensure(1); err != nil {
		return 0, err
	}
	off := b.cursor
	b.mem[off] = v
	b.cursor++
	return off, nil
}

// EmitU16 appends a little-endian u16 and returns its offset.
func (b *CodeBuffer) EmitU16(v uint16) (int, error) {
	if err := b.ensure(2); err != nil {
		return 0, err
	}
	off := b.cursor
	binary.LittleEndian.PutUint16(b.mem[off:], v)
	b.cursor += 2
	return off, nil
}

// EmitU32 appends a little-endian u32 and returns its offset.
func (b *CodeBuffer) EmitU32(v uint32) (int, error) {
	if err := b.ensure(4); err != nil {
		return 0, err
	}
	off := b.cursor
	binary.LittleEndian.PutUint32(b.mem[off:], v)
	b.cursor += 4
	return off, nil
}

// EmitU64 appends a little-endian u64 and returns its offset.
func (b *CodeBuffer) EmitU64(v uint64) (int, error) {
	if err := b.ensure(8); err != nil {
		return 0, err
	}
	off := b.cursor
	binary.LittleEndian.PutUint64(b.mem[off:], v)
	b.cursor += 8
	return off, nil
}

// EmitBytes appends raw bytes and returns the offset of the first one.
func (b *CodeBuffer) EmitBytes(p []byte) (int, error) {
	if err := b.ensure(len(p)); err != nil {
		return 0, err
	}
	off := b.cursor
	copy(b.mem[off:], p)
	b.cursor += len(p)
	return off, nil
}

// PatchU8 overwrites a single byte at a prior offset.
func (b *CodeBuffer) PatchU8(offset int, v uint8) {
	b.mem[offset] = v
}

// PatchU16 overwrites a little-endian u16 at a prior offset.
func (b *CodeBuffer) PatchU16(offset int, v uint16) {
	binary.LittleEndian.PutUint16(b.mem[offset:], v)
}

// PatchU32 overwrites a little-endian u32 at a prior offset with a plain
// (non-atomic) store. This is the primitive used for label back-patching
// and for jump patches at unaligned offsets; aligned TB-chaining patches
// go through PatchU32Atomic.
func (b *CodeBuffer) PatchU32(offset int, v uint32) {
	binary.LittleEndian.PutUint32(b.mem[offset:], v)
}

// PatchU64 overwrites a little-endian u64 at a prior offset.
func (b *CodeBuffer) PatchU64(offset int, v uint64) {
	binary.LittleEndian.PutUint64(b.mem[offset:], v)
}

// ReadU32 reads a little-endian u32 at offset.
func (b *CodeBuffer) ReadU32(offset int) uint32 {
	return binary.LittleEndian.Uint32(b.mem[offset:])
}

// BasePtr returns a pointer to the start of the mapping.
func (b *CodeBuffer) BasePtr() *byte {
	return &b.mem[0]
}

// PtrAt returns a pointer to the byte at offset.
func (b *CodeBuffer) PtrAt(offset int) *byte {
	return &b.mem[offset]
}

// AsSlice exposes the full backing slice (len == cap), for inspection
// and for passing regions to Go functions called from generated code
// trampolines.
func (b *CodeBuffer) AsSlice() []byte {
	return b.mem
}
