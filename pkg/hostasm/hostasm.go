// Package hostasm defines the contract a host-architecture code
// generator must satisfy: a capability set of emitters the register
// allocator drives, not a class hierarchy. Each target (x86-64 today)
// implements CodeGen against github.com/tcg-go/tcg/pkg/ir and
// github.com/tcg-go/tcg/pkg/codebuf.
package hostasm

import (
	"github.com/tcg-go/tcg/pkg/codebuf"
	"github.com/tcg-go/tcg/pkg/ir"
	"github.com/tcg-go/tcg/pkg/opcode"
	"github.com/tcg-go/tcg/pkg/types"
)

// GotoTbOffsets is a (jump-instruction offset, fallthrough-reset offset)
// pair recorded for each goto_tb emitted during a codegen pass, so that
// the TB store can chain or unchain the jump later.
type GotoTbOffsets struct {
	JmpOffset   int
	ResetOffset int
}

// CodeGen is the capability set a host backend exposes to the register
// allocator and execution loop. Implementations must be safe for
// concurrent PatchJump calls from multiple vCPU dispatch loops; all
// other methods are called only from the single-threaded codegen path.
type CodeGen interface {
	// EmitPrologue writes the TB entry trampoline: save callee-saved
	// host registers, establish the env register, allocate the stack
	// frame, and jump to the TB pointer passed at dispatch time.
	EmitPrologue(buf *codebuf.CodeBuffer)

	// EmitEpilogue writes the TB return path: restore callee-saved
	// registers and return the encoded exit value to the dispatcher.
	EmitEpilogue(buf *codebuf.CodeBuffer)

	// PatchJump rewrites the displacement of a direct jump previously
	// emitted at jumpOffset so it targets targetOffset. When jumpOffset
	// is 4-byte aligned, the patch is a single atomic store, safe to
	// call while other vCPUs execute already-emitted code concurrently
	// (the contract TB chaining/unchaining relies on). Ordinary label
	// back-patches run before any code is reachable and carry no such
	// alignment guarantee; implementations fall back to a plain store
	// for those.
	PatchJump(buf *codebuf.CodeBuffer, jumpOffset, targetOffset int)

	// EpilogueOffset returns the buffer offset of the epilogue/reset
	// path, the target an unchained goto_tb falls through to.
	EpilogueOffset() int

	// InitContext installs backend-reserved registers and frame layout
	// onto a freshly created IR context, before any temps are declared.
	InitContext(ctx *ir.Context)

	// OpConstraint returns the register-class/tie constraints for an
	// opcode's arguments.
	OpConstraint(opc opcode.Opcode) *OpConstraint

	// TcgOutMov emits a host register-to-register move.
	TcgOutMov(buf *codebuf.CodeBuffer, ty types.Type, dst, src uint8)
	// TcgOutMovi emits a host load-immediate.
	TcgOutMovi(buf *codebuf.CodeBuffer, ty types.Type, dst uint8, val uint64)
	// TcgOutLd emits a host load from [base+offset] into dst.
	TcgOutLd(buf *codebuf.CodeBuffer, ty types.Type, dst, base uint8, offset int64)
	// TcgOutSt emits a host store from src into [base+offset].
	TcgOutSt(buf *codebuf.CodeBuffer, ty types.Type, src, base uint8, offset int64)

	// TcgOutCondJump emits a compare of lhs against rhs followed by a
	// near conditional jump with a 4-byte rel32 placeholder, returning
	// the placeholder's buffer offset for Rel32 relocation bookkeeping.
	TcgOutCondJump(buf *codebuf.CodeBuffer, ty types.Type, lhs, rhs uint8, cond types.Cond) int

	// TcgOutOp emits host code for a single IR op once the allocator
	// has chosen input/output host registers. cargs carries the op's
	// raw constant-argument values (resolved from Const temps).
	TcgOutOp(buf *codebuf.CodeBuffer, ctx *ir.Context, op *ir.Op, oregs, iregs []uint8, cargs []uint64)

	// GotoTbOffsets returns the (jump, reset) pairs recorded during the
	// last codegen pass.
	GotoTbOffsets() []GotoTbOffsets
	// ClearGotoTbOffsets resets the recorded pairs before a new pass.
	ClearGotoTbOffsets()
}

// ArgKind distinguishes the shape of an argument constraint.
type ArgKind uint8

const (
	// ArgAnyReg allows any register in RegSet.
	ArgAnyReg ArgKind = iota
	// ArgSameAsOutput ties this input to share a register with the
	// output at index SameAs.
	ArgSameAsOutput
	// ArgRegOrConst allows either a register in RegSet or a materialized
	// constant operand encoded directly into the instruction.
	ArgRegOrConst
	// ArgFixedReg pins the argument to exactly one reserved-role
	// register (e.g. RCX for shift counts on x86-64).
	ArgFixedReg
)

// ArgConstraint describes where a single argument may be placed.
type ArgConstraint struct {
	Kind    ArgKind
	Regs    types.RegSet // valid register set for ArgAnyReg/ArgRegOrConst/ArgFixedReg (singleton)
	SameAs  int          // output index for ArgSameAsOutput
}

// OpConstraint bundles per-argument constraints for one opcode, in
// output-then-input order matching the opcode's arity.
type OpConstraint struct {
	Outputs []ArgConstraint
	Inputs  []ArgConstraint
}
