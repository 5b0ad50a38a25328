package guestexec

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestNewGuestSpaceAndClose(t *testing.T) {
	space, err := NewGuestSpace()
	if err != nil {
		t.Fatalf("NewGuestSpace() error: %v", err)
	}
	if space.GuestBase() == 0 {
		t.Fatalf("GuestBase() = 0")
	}
	if err := space.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
}

func TestMmapFixedAndWrite(t *testing.T) {
	space, err := NewGuestSpace()
	if err != nil {
		t.Fatalf("NewGuestSpace() error: %v", err)
	}
	t.Cleanup(func() { space.Close() })

	addr := uint64(0x10000)
	if err := space.MmapFixed(addr, PageSize(), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		t.Fatalf("MmapFixed() error: %v", err)
	}

	data := []byte("hello guest")
	space.WriteBytes(addr, data)
	got := space.ReadBytes(addr, len(data))
	if string(got) != string(data) {
		t.Fatalf("ReadBytes() = %q, want %q", got, data)
	}
}

func TestReadU32(t *testing.T) {
	space, err := NewGuestSpace()
	if err != nil {
		t.Fatalf("NewGuestSpace() error: %v", err)
	}
	t.Cleanup(func() { space.Close() })

	addr := uint64(0x20000)
	if err := space.MmapFixed(addr, PageSize(), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		t.Fatalf("MmapFixed() error: %v", err)
	}
	space.WriteBytes(addr, []byte{0xef, 0xbe, 0xad, 0xde})
	if got := space.ReadU32(addr); got != 0xdeadbeef {
		t.Fatalf("ReadU32() = %#x, want 0xdeadbeef", got)
	}
}

func TestPageAlign(t *testing.T) {
	ps := uint64(PageSize())
	if PageAlignUp(0) != 0 {
		t.Fatalf("PageAlignUp(0) != 0")
	}
	if PageAlignUp(1) != ps {
		t.Fatalf("PageAlignUp(1) != page size")
	}
	if PageAlignUp(ps) != ps {
		t.Fatalf("PageAlignUp(ps) != ps")
	}
	if PageAlignUp(ps+1) != ps*2 {
		t.Fatalf("PageAlignUp(ps+1) != 2*ps")
	}
	if PageAlignDown(ps-1) != 0 {
		t.Fatalf("PageAlignDown(ps-1) != 0")
	}
	if PageAlignDown(ps) != ps {
		t.Fatalf("PageAlignDown(ps) != ps")
	}
}
