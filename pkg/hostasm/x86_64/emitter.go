package x86_64

import (
	"fmt"

	"github.com/tcg-go/tcg/pkg/codebuf"
	"github.com/tcg-go/tcg/pkg/hostasm"
	"github.com/tcg-go/tcg/pkg/ir"
	"github.com/tcg-go/tcg/pkg/opcode"
	"github.com/tcg-go/tcg/pkg/types"
)

// X86_64CodeGen is the reference host backend: System-V AMD64 calling
// convention, RBP as the env register, Rel32 relocations for both
// label back-patching and TB chaining.
type X86_64CodeGen struct {
	epilogueOffset int
	gotoTb         []hostasm.GotoTbOffsets
}

// New returns a fresh backend with no recorded epilogue or goto_tb
// offsets; codegen for a TB must run EmitPrologue/EmitEpilogue once per
// CodeBuffer lifetime, not once per TB.
func New() *X86_64CodeGen {
	return &X86_64CodeGen{}
}

func rex(w, r, x, b bool) uint8 {
	v := uint8(0x40)
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

func modrm(mod, reg, rm uint8) uint8 {
	return (mod << 6) | ((reg & 0x7) << 3) | (rm & 0x7)
}

// emitRexOpModrm writes REX + opcode byte + ModR/M for a reg-reg
// instruction operating on two general registers, sized by ty.
func emitRexOpModrm(buf *codebuf.CodeBuffer, ty types.Type, op uint8, dst, src Reg) {
	w := ty != types.I32
	buf.EmitU8(rex(w, src.NeedsRex(), false, dst.NeedsRex()))
	buf.EmitU8(op)
	buf.EmitU8(modrm(3, src.Low3(), dst.Low3()))
}

// EmitPrologue writes the TB entry trampoline:
//
//	push rbp; push rbx; push r12; push r13; push r14; push r15
//	sub rsp, STACK_ADDEND
//	mov rbp, rdi        ; env pointer (first SysV arg)
//	jmp rsi             ; tb_ptr (second SysV arg)
func (g *X86_64CodeGen) EmitPrologue(buf *codebuf.CodeBuffer) {
	for _, r := range CalleeSaved {
		if r.NeedsRex() {
			buf.EmitU8(rex(false, false, false, true))
		}
		buf.EmitU8(0x50 + r.Low3())
	}
	// sub rsp, imm32
	buf.EmitU8(rex(true, false, false, false))
	buf.EmitU8(0x81)
	buf.EmitU8(modrm(3, 5, Rsp.Low3()))
	buf.EmitU32(uint32(StackAddend))
	// mov rbp, rdi
	emitRexOpModrm(buf, types.I64, 0x89, Rbp, Rdi)
	// jmp rsi (FF /4)
	buf.EmitU8(rex(true, false, false, false))
	buf.EmitU8(0xFF)
	buf.EmitU8(modrm(3, 4, Rsi.Low3()))
}

// EmitEpilogue writes the TB return path: undo the prologue's frame and
// return the value left in RAX by whichever exit_tb/goto_tb fallthrough
// jumped here.
func (g *X86_64CodeGen) EmitEpilogue(buf *codebuf.CodeBuffer) {
	g.epilogueOffset = buf.Offset()
	// add rsp, imm32
	buf.EmitU8(rex(true, false, false, false))
	buf.EmitU8(0x81)
	buf.EmitU8(modrm(3, 0, Rsp.Low3()))
	buf.EmitU32(uint32(StackAddend))
	for i := len(CalleeSaved) - 1; i >= 0; i-- {
		r := CalleeSaved[i]
		if r.NeedsRex() {
			buf.EmitU8(rex(false, false, false, true))
		}
		buf.EmitU8(0x58 + r.Low3())
	}
	buf.EmitU8(0xC3) // ret
}

// PatchJump rewrites the rel32 displacement of a jump previously
// emitted with a 4-byte placeholder at jumpOffset so that it lands at
// targetOffset. TB-chaining call sites (ExecEnv.chain, Store.Invalidate)
// always record an aligned jumpOffset, so their patches land through the
// single atomic 32-bit store the concurrent-chaining contract requires.
// Ordinary single-threaded label back-patches (doSetLabel,
// emitRel32Branch, emitJmpToEpilogue) carry no such alignment guarantee,
// since the branch opcode preceding the rel32 can be any width; those
// fall back to a plain store, which is safe because nothing else can be
// executing or reading that code yet.
func (g *X86_64CodeGen) PatchJump(buf *codebuf.CodeBuffer, jumpOffset, targetOffset int) {
	disp := int32(targetOffset - (jumpOffset + 4))
	if jumpOffset%4 == 0 {
		buf.PatchU32Atomic(jumpOffset, uint32(disp))
		return
	}
	buf.PatchU32(jumpOffset, uint32(disp))
}

// TcgOutCondJump emits cmp lhs, rhs followed by a near Jcc rel32 with a
// 4-byte placeholder displacement, and returns the placeholder's buffer
// offset so the caller can record or patch it exactly like any other
// Rel32 relocation (doBr's unconditional jump works the same way).
func (g *X86_64CodeGen) TcgOutCondJump(buf *codebuf.CodeBuffer, ty types.Type, lhs, rhs uint8, cond types.Cond) int {
	w := ty != types.I32
	buf.EmitU8(rex(w, Reg(rhs).NeedsRex(), false, Reg(lhs).NeedsRex()))
	buf.EmitU8(0x39) // cmp lhs, rhs
	buf.EmitU8(modrm(3, Reg(rhs).Low3(), Reg(lhs).Low3()))
	buf.EmitU8(0x0F)
	buf.EmitU8(jccOpcode(cond))
	off, _ := buf.EmitU32(0)
	return off
}

// jccOpcode returns the second byte of the two-byte near Jcc opcode
// (0F 8x) for a given condition, 0x10 less than the matching SETcc
// opcode byte (0F 9x).
func jccOpcode(c types.Cond) uint8 {
	return setccOpcode(c) - 0x10
}

// EpilogueOffset returns the buffer offset of the shared epilogue, the
// fallthrough target for an unchained goto_tb.
func (g *X86_64CodeGen) EpilogueOffset() int {
	return g.epilogueOffset
}

// InitContext installs the reserved registers (RSP, RBP) and the frame
// layout (spill slots live in the prologue's stack frame, addressed from
// RSP just above the outgoing call-argument area) onto a fresh context,
// before any locals are declared.
func (g *X86_64CodeGen) InitContext(ctx *ir.Context) {
	ctx.ReservedRegs = ReservedRegs
	ctx.SetFrame(uint8(Rsp), int64(StaticCallArgsSize), CPUTempBufNlongs*8)
}

// TcgOutMov emits dst = src between two general registers. A no-op if
// dst == src (the allocator should avoid calling it in that case, but
// idempotence is cheap insurance).
func (g *X86_64CodeGen) TcgOutMov(buf *codebuf.CodeBuffer, ty types.Type, dst, src uint8) {
	if dst == src {
		return
	}
	w := ty != types.I32
	buf.EmitU8(rex(w, Reg(src).NeedsRex(), false, Reg(dst).NeedsRex()))
	buf.EmitU8(0x89)
	buf.EmitU8(modrm(3, Reg(src).Low3(), Reg(dst).Low3()))
}

// TcgOutMovi emits a 32- or 64-bit immediate load into dst.
func (g *X86_64CodeGen) TcgOutMovi(buf *codebuf.CodeBuffer, ty types.Type, dst uint8, val uint64) {
	r := Reg(dst)
	if ty == types.I32 || val <= 0xFFFFFFFF {
		if r.NeedsRex() {
			buf.EmitU8(rex(false, false, false, true))
		}
		buf.EmitU8(0xB8 + r.Low3())
		buf.EmitU32(uint32(val))
		return
	}
	buf.EmitU8(rex(true, false, false, r.NeedsRex()))
	buf.EmitU8(0xB8 + r.Low3())
	buf.EmitU64(val)
}

// TcgOutLd emits dst = *(base + offset), sized by ty.
func (g *X86_64CodeGen) TcgOutLd(buf *codebuf.CodeBuffer, ty types.Type, dst, base uint8, offset int64) {
	g.emitMemOp(buf, 0x8B, ty, dst, base, offset)
}

// TcgOutSt emits *(base + offset) = src, sized by ty.
func (g *X86_64CodeGen) TcgOutSt(buf *codebuf.CodeBuffer, ty types.Type, src, base uint8, offset int64) {
	g.emitMemOp(buf, 0x89, ty, src, base, offset)
}

// emitMemOp encodes a RIP-independent base+disp32 memory operand for a
// register-direction opcode (0x8B = load, 0x89 = store), always using
// the disp32 ModRM form for simplicity and uniform patch offsets.
func (g *X86_64CodeGen) emitMemOp(buf *codebuf.CodeBuffer, op uint8, ty types.Type, reg, base uint8, offset int64) {
	w := ty != types.I32
	buf.EmitU8(rex(w, Reg(reg).NeedsRex(), false, Reg(base).NeedsRex()))
	buf.EmitU8(op)
	buf.EmitU8(modrm(2, Reg(reg).Low3(), Reg(base).Low3()))
	if Reg(base).Low3() == Rsp.Low3() {
		buf.EmitU8(0x24) // SIB: no index, base=RSP
	}
	buf.EmitU32(uint32(int32(offset)))
}

// TcgOutOp emits host code for a single op once the allocator has
// chosen host registers for its outputs and inputs. Branch/exit/label
// ops are handled by the allocator directly (they need buffer-offset
// bookkeeping the backend alone can't own); this covers the
// arithmetic/logic/compare subset.
func (g *X86_64CodeGen) TcgOutOp(buf *codebuf.CodeBuffer, ctx *ir.Context, op *ir.Op, oregs, iregs []uint8, cargs []uint64) {
	ty := op.OpType
	switch op.Opc {
	case opcode.Add:
		emitRexOpModrm(buf, ty, 0x01, Reg(oregs[0]), Reg(iregs[1]))
	case opcode.Sub:
		emitRexOpModrm(buf, ty, 0x29, Reg(oregs[0]), Reg(iregs[1]))
	case opcode.And:
		emitRexOpModrm(buf, ty, 0x21, Reg(oregs[0]), Reg(iregs[1]))
	case opcode.Or:
		emitRexOpModrm(buf, ty, 0x09, Reg(oregs[0]), Reg(iregs[1]))
	case opcode.Xor:
		emitRexOpModrm(buf, ty, 0x31, Reg(oregs[0]), Reg(iregs[1]))
	case opcode.Mul:
		// imul dst, src (0F AF /r)
		w := ty != types.I32
		buf.EmitU8(rex(w, Reg(oregs[0]).NeedsRex(), false, Reg(iregs[1]).NeedsRex()))
		buf.EmitU8(0x0F)
		buf.EmitU8(0xAF)
		buf.EmitU8(modrm(3, Reg(oregs[0]).Low3(), Reg(iregs[1]).Low3()))
	case opcode.Not:
		emitUnary(buf, ty, Reg(oregs[0]), 2)
	case opcode.Neg:
		emitUnary(buf, ty, Reg(oregs[0]), 3)
	case opcode.Shl:
		emitShift(buf, ty, Reg(oregs[0]), 4)
	case opcode.Shr:
		emitShift(buf, ty, Reg(oregs[0]), 5)
	case opcode.Sar:
		emitShift(buf, ty, Reg(oregs[0]), 7)
	case opcode.Ext32s:
		// movsxd dst, src32
		buf.EmitU8(rex(true, Reg(oregs[0]).NeedsRex(), false, Reg(iregs[0]).NeedsRex()))
		buf.EmitU8(0x63)
		buf.EmitU8(modrm(3, Reg(oregs[0]).Low3(), Reg(iregs[0]).Low3()))
	case opcode.Ext32u:
		// mov dst32, src32 (implicitly zero-extends to 64 bits)
		buf.EmitU8(rex(false, Reg(iregs[0]).NeedsRex(), false, Reg(oregs[0]).NeedsRex()))
		buf.EmitU8(0x89)
		buf.EmitU8(modrm(3, Reg(iregs[0]).Low3(), Reg(oregs[0]).Low3()))
	case opcode.Call:
		// The callee address is out of the core IR's scope (helper and
		// syscall dispatch are frontend/runtime concerns); emit int3 so
		// an unresolved call trap is visible rather than silently
		// falling through.
		buf.EmitU8(0xCC)
	case opcode.Rotl:
		emitShift(buf, ty, Reg(oregs[0]), 0)
	case opcode.Rotr:
		emitShift(buf, ty, Reg(oregs[0]), 1)
	case opcode.Ext8s:
		emitMovsx(buf, Reg(oregs[0]), Reg(iregs[0]), 0xBE)
	case opcode.Ext16s:
		emitMovsx(buf, Reg(oregs[0]), Reg(iregs[0]), 0xBF)
	case opcode.Ext8u:
		emitMovzx(buf, Reg(oregs[0]), Reg(iregs[0]), 0xB6)
	case opcode.Ext16u:
		emitMovzx(buf, Reg(oregs[0]), Reg(iregs[0]), 0xB7)
	case opcode.DivS, opcode.DivU, opcode.RemS, opcode.RemU:
		// RDX:RAX / iregs[1]; quotient in RAX, remainder in RDX. Sign
		// vs. unsigned division is cqo-vs-xor-then-div, selected by the
		// constraint table pinning RAX/RDX; the divisor register
		// itself is always iregs[1].
		if op.Opc == opcode.DivS || op.Opc == opcode.RemS {
			buf.EmitU8(0x48) // REX.W
			buf.EmitU8(0x99) // cqo: sign-extend RAX into RDX:RAX
		} else {
			buf.EmitU8(rex(true, false, false, false))
			buf.EmitU8(0x31) // xor edx, edx
			buf.EmitU8(modrm(3, Rdx.Low3(), Rdx.Low3()))
		}
		ext := uint8(6) // div
		if op.Opc == opcode.DivS || op.Opc == opcode.RemS {
			ext = 7 // idiv
		}
		buf.EmitU8(rex(true, false, false, Reg(iregs[1]).NeedsRex()))
		buf.EmitU8(0xF7)
		buf.EmitU8(modrm(3, ext, Reg(iregs[1]).Low3()))
	case opcode.Setcond:
		// cmp iregs[0], iregs[1]; setcc oregs[0]; movzx oregs[0], oregs[0]
		w := ty != types.I32
		buf.EmitU8(rex(w, Reg(iregs[1]).NeedsRex(), false, Reg(iregs[0]).NeedsRex()))
		buf.EmitU8(0x39)
		buf.EmitU8(modrm(3, Reg(iregs[1]).Low3(), Reg(iregs[0]).Low3()))
		cond := types.Cond(cargs[0])
		buf.EmitU8(0x0F)
		buf.EmitU8(setccOpcode(cond))
		buf.EmitU8(modrm(3, 0, Reg(oregs[0]).Low3()))
		emitMovzx(buf, Reg(oregs[0]), Reg(oregs[0]), 0xB6)
	case opcode.Ld:
		off := int64(int32(uint32(cargs[1])))
		g.TcgOutLd(buf, ty, oregs[0], iregs[0], off)
	case opcode.St:
		off := int64(int32(uint32(cargs[1])))
		g.TcgOutSt(buf, ty, iregs[0], iregs[1], off)
	default:
		panic(fmt.Sprintf("x86_64: tcg_out_op has no emitter for %v", op.Opc))
	}
}


func emitUnary(buf *codebuf.CodeBuffer, ty types.Type, r Reg, ext uint8) {
	w := ty != types.I32
	buf.EmitU8(rex(w, false, false, r.NeedsRex()))
	buf.EmitU8(0xF7)
	buf.EmitU8(modrm(3, ext, r.Low3()))
}

func emitShift(buf *codebuf.CodeBuffer, ty types.Type, r Reg, ext uint8) {
	// shl/shr/sar/rol/ror r, cl (D3 /ext)
	w := ty != types.I32
	buf.EmitU8(rex(w, false, false, r.NeedsRex()))
	buf.EmitU8(0xD3)
	buf.EmitU8(modrm(3, ext, r.Low3()))
}

// emitMovsx emits a sign-extending move from an 8- or 16-bit source
// register into a 64-bit destination (0F BE/BF /r).
func emitMovsx(buf *codebuf.CodeBuffer, dst, src Reg, op uint8) {
	buf.EmitU8(rex(true, dst.NeedsRex(), false, src.NeedsRex()))
	buf.EmitU8(0x0F)
	buf.EmitU8(op)
	buf.EmitU8(modrm(3, dst.Low3(), src.Low3()))
}

// emitMovzx emits a zero-extending move (0F B6/B7 /r), also used after
// setcc to widen the 0/1 byte result to the full register width.
func emitMovzx(buf *codebuf.CodeBuffer, dst, src Reg, op uint8) {
	buf.EmitU8(rex(true, dst.NeedsRex(), false, src.NeedsRex()))
	buf.EmitU8(0x0F)
	buf.EmitU8(op)
	buf.EmitU8(modrm(3, dst.Low3(), src.Low3()))
}

// setccOpcode returns the second byte of the two-byte SETcc opcode for
// a given condition (0F 9x).
func setccOpcode(c types.Cond) uint8 {
	switch c {
	case types.CondEq:
		return 0x94
	case types.CondNe:
		return 0x95
	case types.CondLt:
		return 0x9C
	case types.CondGe:
		return 0x9D
	case types.CondLe:
		return 0x9E
	case types.CondGt:
		return 0x9F
	case types.CondLtu:
		return 0x92
	case types.CondGeu:
		return 0x93
	case types.CondLeu:
		return 0x96
	case types.CondGtu:
		return 0x97
	default:
		panic(fmt.Sprintf("x86_64: setcond has no SETcc mapping for %v", c))
	}
}

// GotoTbOffsets returns the (jump, reset) offset pairs recorded during
// the last codegen pass.
func (g *X86_64CodeGen) GotoTbOffsets() []hostasm.GotoTbOffsets {
	return g.gotoTb
}

// ClearGotoTbOffsets resets recorded pairs before a new codegen pass.
func (g *X86_64CodeGen) ClearGotoTbOffsets() {
	g.gotoTb = g.gotoTb[:0]
}

// RecordGotoTb appends a (jump, reset) pair; called by the allocator
// immediately after it emits a goto_tb's direct jump placeholder.
func (g *X86_64CodeGen) RecordGotoTb(jmpOffset, resetOffset int) {
	g.gotoTb = append(g.gotoTb, hostasm.GotoTbOffsets{JmpOffset: jmpOffset, ResetOffset: resetOffset})
}

var _ hostasm.CodeGen = (*X86_64CodeGen)(nil)
