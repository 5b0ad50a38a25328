package guestexec

import (
	"fmt"
	"os"

	"github.com/tcg-go/tcg/internal/riscv"
)

// RISC-V Linux syscall numbers this emulator implements. Every other
// number is reported via ErrUnimplementedSyscall rather than guessed
// at: a silently-wrong syscall emulation is worse than a loud exit.
const (
	sysWrite     = 64
	sysExit      = 93
	sysExitGroup = 94
)

// ErrUnimplementedSyscall is returned by DispatchSyscall for any syscall
// number outside the small set this package emulates.
type ErrUnimplementedSyscall struct {
	Number uint64
}

func (e ErrUnimplementedSyscall) Error() string {
	return fmt.Sprintf("guestexec: unimplemented syscall number %d", e.Number)
}

// SyscallResult reports the outcome of one ecall dispatch.
type SyscallResult struct {
	// Exited is true if the call requested process termination.
	Exited   bool
	ExitCode int32
	// RetVal is written back to a0 when the guest is not exiting.
	RetVal uint64
}

// DispatchSyscall emulates one ecall, reading its number from a7 and
// its arguments from a0-a5 per the RISC-V Linux ABI.
func DispatchSyscall(state *riscv.CPUState, space *GuestSpace) (SyscallResult, error) {
	num := state.GPR[17] // a7
	a0 := state.GPR[10]
	a1 := state.GPR[11]
	a2 := state.GPR[12]

	switch num {
	case sysWrite:
		return dispatchWrite(space, a0, a1, a2)
	case sysExit, sysExitGroup:
		return SyscallResult{Exited: true, ExitCode: int32(uint32(a0))}, nil
	default:
		return SyscallResult{}, ErrUnimplementedSyscall{Number: num}
	}
}

// dispatchWrite implements write(2) for stdout/stderr only: the guest
// programs this frontend targets never write anywhere else.
func dispatchWrite(space *GuestSpace, fd, bufAddr, count uint64) (SyscallResult, error) {
	var f *os.File
	switch fd {
	case 1:
		f = os.Stdout
	case 2:
		f = os.Stderr
	default:
		return SyscallResult{}, fmt.Errorf("guestexec: write to unsupported fd %d", fd)
	}
	data := space.ReadBytes(bufAddr, int(count))
	n, err := f.Write(data)
	if err != nil {
		return SyscallResult{}, fmt.Errorf("guestexec: write: %w", err)
	}
	return SyscallResult{RetVal: uint64(n)}, nil
}
