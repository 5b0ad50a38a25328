package guestexec

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// arenaSize is the size of the single reserved guest address-space
// mapping. Guest address 0 through arenaSize-1 maps linearly onto the
// host mapping; this is enough room for the small static binaries this
// frontend targets without needing a sparse mapping scheme.
const arenaSize = 256 * 1024 * 1024

// GuestStackSize is the size reserved for the guest's initial stack.
const GuestStackSize = 8 * 1024 * 1024

// GuestStackTop is the guest address the initial stack pointer is set
// to (the stack grows down from here).
const GuestStackTop = arenaSize - 0x10000

// GuestSpace is a guest address space backed by one large anonymous
// host mapping, the same W^X-adjacent mmap/mprotect approach
// pkg/codebuf uses for generated code, applied here to guest data and
// text pages instead.
type GuestSpace struct {
	mem []byte // host mapping; guest address g lives at mem[g]
}

// NewGuestSpace reserves a fresh guest address space.
func NewGuestSpace() (*GuestSpace, error) {
	mem, err := unix.Mmap(-1, 0, arenaSize, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("guestexec: reserve guest arena: %w", err)
	}
	return &GuestSpace{mem: mem}, nil
}

// Close releases the underlying mapping.
func (s *GuestSpace) Close() error {
	return unix.Munmap(s.mem)
}

// GuestBase returns the host address guest address 0 maps to, the
// value stored into CPUState.GuestBase.
func (s *GuestSpace) GuestBase() uintptr {
	return uintptr(unsafe.Pointer(&s.mem[0]))
}

// G2H translates a guest address to a host byte slice offset.
func (s *GuestSpace) G2H(addr uint64) int { return int(addr) }

// MmapFixed commits addr..addr+size (rounded to page boundaries) of
// the guest arena with the given protection, backing it with real
// pages (the arena starts out PROT_NONE everywhere).
func (s *GuestSpace) MmapFixed(addr uint64, size int, prot int) error {
	lo := PageAlignDown(addr)
	hi := PageAlignUp(addr + uint64(size))
	if hi > uint64(len(s.mem)) {
		return fmt.Errorf("guestexec: mmap_fixed: [%#x, %#x) exceeds guest arena", lo, hi)
	}
	if err := unix.Mprotect(s.mem[lo:hi], prot); err != nil {
		return fmt.Errorf("guestexec: mprotect guest region: %w", err)
	}
	return nil
}

// WriteBytes copies data into the guest arena starting at addr. The
// destination region must already be writable via MmapFixed.
func (s *GuestSpace) WriteBytes(addr uint64, data []byte) {
	copy(s.mem[addr:], data)
}

// ReadBytes returns a view of n bytes starting at guest address addr.
// The slice aliases the arena; callers must not retain it past the
// next mapping change.
func (s *GuestSpace) ReadBytes(addr uint64, n int) []byte {
	return s.mem[addr : addr+uint64(n)]
}

// ReadU32 implements riscv.InsnReader, fetching one instruction word
// directly out of the arena for the Go-side decoder (generated code
// never calls this — it addresses guest memory through GuestBase).
func (s *GuestSpace) ReadU32(addr uint64) uint32 {
	b := s.mem[addr : addr+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// PageSize returns the host page size guest mappings are rounded to.
func PageSize() int { return unix.Getpagesize() }

// PageAlignDown rounds addr down to the nearest page boundary.
func PageAlignDown(addr uint64) uint64 {
	ps := uint64(PageSize())
	return addr &^ (ps - 1)
}

// PageAlignUp rounds addr up to the nearest page boundary.
func PageAlignUp(addr uint64) uint64 {
	ps := uint64(PageSize())
	return (addr + ps - 1) &^ (ps - 1)
}
