package guestexec

import (
	"errors"
	"testing"

	"github.com/tcg-go/tcg/internal/riscv"
	"golang.org/x/sys/unix"
)

func TestDispatchSyscallExit(t *testing.T) {
	state := riscv.NewCPUState()
	state.GPR[17] = 93 // a7 = sys_exit
	state.GPR[10] = 7  // a0 = exit code

	res, err := DispatchSyscall(state, nil)
	if err != nil {
		t.Fatalf("DispatchSyscall() error: %v", err)
	}
	if !res.Exited || res.ExitCode != 7 {
		t.Fatalf("res = %+v, want Exited=true ExitCode=7", res)
	}
}

func TestDispatchSyscallUnimplemented(t *testing.T) {
	state := riscv.NewCPUState()
	state.GPR[17] = 999

	_, err := DispatchSyscall(state, nil)
	var target ErrUnimplementedSyscall
	if !errors.As(err, &target) {
		t.Fatalf("err = %v, want ErrUnimplementedSyscall", err)
	}
	if target.Number != 999 {
		t.Fatalf("Number = %d, want 999", target.Number)
	}
}

func TestDispatchSyscallWriteBadFd(t *testing.T) {
	space, err := NewGuestSpace()
	if err != nil {
		t.Fatalf("NewGuestSpace() error: %v", err)
	}
	t.Cleanup(func() { space.Close() })
	if err := space.MmapFixed(0x1000, PageSize(), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		t.Fatalf("MmapFixed() error: %v", err)
	}

	state := riscv.NewCPUState()
	state.GPR[17] = 64 // a7 = sys_write
	state.GPR[10] = 5  // a0 = fd (unsupported)
	state.GPR[11] = 0x1000
	state.GPR[12] = 0

	if _, err := DispatchSyscall(state, space); err == nil {
		t.Fatalf("DispatchSyscall(bad fd) err = nil, want error")
	}
}
