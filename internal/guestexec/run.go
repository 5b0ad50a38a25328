package guestexec

import (
	"fmt"

	"github.com/tcg-go/tcg/internal/riscv"
	"github.com/tcg-go/tcg/pkg/hostasm"
	"github.com/tcg-go/tcg/pkg/tb"
	"github.com/tcg-go/tcg/pkg/tcgexec"
)

// ErrUnsupportedInsn is returned by Driver.Run when the guest executed
// an instruction this frontend does not decode.
var ErrUnsupportedInsn = fmt.Errorf("guestexec: unsupported guest instruction")

// Driver ties a translated-execution loop, a RISC-V guest CPU, and a
// guest address space together: it is the thing cmd/tcgrun actually
// calls to run one ELF image to completion.
type Driver struct {
	env   *tcgexec.ExecEnv
	cpu   *riscv.CPU
	state *riscv.CPUState
	space *GuestSpace
}

// NewDriver builds a Driver around a fresh code buffer and host
// backend, wired to read guest code and memory out of space.
func NewDriver(backend hostasm.CodeGen, space *GuestSpace) (*Driver, error) {
	env, err := tcgexec.NewExecEnv(backend, tb.NewStore(), tb.NewJumpCache(12))
	if err != nil {
		return nil, err
	}
	state := riscv.NewCPUState()
	state.GuestBase = uint64(space.GuestBase())
	cpu := riscv.NewCPU(state, space)
	return &Driver{env: env, cpu: cpu, state: state, space: space}, nil
}

// Close releases the Driver's code buffer.
func (d *Driver) Close() error { return d.env.Close() }

// Run loads an ELF image and executes it from its entry point until
// the guest calls exit/exit_group, returning its exit code.
func (d *Driver) Run(elfData []byte) (int32, error) {
	res, err := LoadELF(elfData, d.space)
	if err != nil {
		return 0, err
	}
	d.state.PC = res.Entry
	d.state.GPR[2] = res.StackTop // sp

	for {
		reason, code := d.env.Run(d.cpu)
		switch reason {
		case tcgexec.ExitException:
			switch uint64(code) {
			case riscv.ExcSyscall:
				result, err := DispatchSyscall(d.state, d.space)
				if err != nil {
					return 0, err
				}
				if result.Exited {
					return result.ExitCode, nil
				}
				d.state.GPR[10] = result.RetVal
				d.state.PC += 4
			case riscv.ExcUnsupported:
				return 0, fmt.Errorf("%w at guest pc %#x", ErrUnsupportedInsn, d.state.PC)
			default:
				return 0, fmt.Errorf("guestexec: unhandled exception code %d at guest pc %#x", code, d.state.PC)
			}
		case tcgexec.ExitHalt:
			return 0, nil
		default:
			return 0, fmt.Errorf("guestexec: unexpected exit reason %v", reason)
		}
	}
}
