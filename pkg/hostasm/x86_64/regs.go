// Package x86_64 implements the reference host backend: a CodeGen that
// emits System-V AMD64 machine code from the core IR, using RBP as the
// persistent env pointer (TCG_AREG0) across all generated TB code.
package x86_64

import "github.com/tcg-go/tcg/pkg/types"

// Reg is an x86-64 general-purpose register index, matching the
// ModR/M and REX encoding.
type Reg uint8

const (
	Rax Reg = iota
	Rcx
	Rdx
	Rbx
	Rsp
	Rbp
	Rsi
	Rdi
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// Low3 returns the low 3 bits of the encoding, for ModR/M/SIB fields.
func (r Reg) Low3() uint8 { return uint8(r) & 0x7 }

// NeedsRex reports whether r requires a REX prefix bit (R8-R15).
func (r Reg) NeedsRex() bool { return uint8(r) >= 8 }

// TCGAreg0 is the env pointer register: RBP, matching the convention
// that EBP/RBP holds CPUArchState across all generated TB code.
const TCGAreg0 = Rbp

// CalleeSaved lists the registers the prologue must save and the
// epilogue must restore, in push order.
var CalleeSaved = []Reg{Rbp, Rbx, R12, R13, R14, R15}

// CallArgRegs lists the System-V AMD64 integer argument registers, in
// order.
var CallArgRegs = []Reg{Rdi, Rsi, Rdx, Rcx, R8, R9}

// ReservedRegs excludes RSP (stack pointer) and RBP (env pointer) from
// the allocator's free pool.
var ReservedRegs = types.EmptyRegSet.Set(uint8(Rsp)).Set(uint8(Rbp))

const (
	// StackAlign is the required stack alignment in bytes.
	StackAlign = 16
	// StaticCallArgsSize reserves stack space for outgoing call
	// arguments beyond the register-passed ones.
	StaticCallArgsSize = 128
	// CPUTempBufNlongs is the number of 8-byte slots available for
	// spilling EBB/TB temps.
	CPUTempBufNlongs = 128
)

// PushSize is the implicit return address plus one push per callee-saved
// register.
var PushSize = (1 + len(CalleeSaved)) * 8

// FrameSize is the total, 16-byte-aligned stack frame allocated by the
// prologue.
var FrameSize = func() int {
	raw := PushSize + StaticCallArgsSize + CPUTempBufNlongs*8
	return (raw + StackAlign - 1) &^ (StackAlign - 1)
}()

// StackAddend is the amount the prologue subtracts from RSP after the
// callee-saved pushes.
var StackAddend = FrameSize - PushSize
