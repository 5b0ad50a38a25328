package riscv

import (
	"unsafe"

	"github.com/tcg-go/tcg/pkg/hostasm/x86_64"
	"github.com/tcg-go/tcg/pkg/ir"
	"github.com/tcg-go/tcg/pkg/opcode"
	"github.com/tcg-go/tcg/pkg/temp"
	"github.com/tcg-go/tcg/pkg/types"
)

// Exception codes this frontend raises via ExitTb, offset from
// tb.ExitExceptionBase by the execution loop. internal/guestexec
// interprets these on an ExitException result.
const (
	// ExcUnsupported marks an instruction this frontend does not
	// decode (compressed, M/A-extension, floating point, CSR).
	ExcUnsupported uint64 = 0
	// ExcSyscall marks an ecall: the Go-side driver reads a7/a0-a6
	// from CPUState and dispatches the syscall itself: a plain TB
	// exit stands in for the IR's unmodeled Call-target addressing
	// (see regalloc's doCall), which is sufficient since the only
	// "call" this frontend ever needs is a trap back to Go.
	ExcSyscall uint64 = 1
)

// DisasJumpType records how the instruction just translated
// terminates (or doesn't terminate) the current TB, mirroring the
// reference translator's DisasContextBase.is_jmp field.
type DisasJumpType int

const (
	// DisasNext continues translating the following instruction.
	DisasNext DisasJumpType = iota
	// DisasTooMany means the TB hit its instruction budget.
	DisasTooMany
	// DisasNoReturn means the instruction ended the TB itself (a
	// branch, jump, ecall, or unsupported-opcode exit); no
	// fallthrough closing code should be emitted.
	DisasNoReturn
)

// InsnReader fetches guest instruction words for translation. Guest
// address translation (if any) is the reader's concern; the frontend
// only ever asks for the word at a guest PC.
type InsnReader interface {
	ReadU32(guestPC uint64) uint32
}

// CPU is a GuestCpu for the RV64I integer subset: it owns the
// architectural state and a reader over guest memory, and registers
// one Global temp per GPR (plus pc/guest_base) on its first
// translation: globals must be registered before any local temp.
type CPU struct {
	State *CPUState
	Mem   InsnReader

	registered bool
	env        temp.Idx
	gpr        [NumGPRs]temp.Idx
	pcGlobal   temp.Idx
	guestBase  temp.Idx
}

// NewCPU builds a CPU over state, reading guest instructions from mem.
func NewCPU(state *CPUState, mem InsnReader) *CPU {
	return &CPU{State: state, Mem: mem}
}

func (c *CPU) PC() uint64      { return c.State.PC }
func (c *CPU) Flags() uint32   { return 0 }
func (c *CPU) EnvPtr() unsafe.Pointer { return unsafe.Pointer(c.State) }

func (c *CPU) registerGlobals(ctx *ir.Context) {
	c.env = ctx.NewFixed(types.I64, uint8(x86_64.Rbp), "env")
	for i := 0; i < NumGPRs; i++ {
		c.gpr[i] = ctx.NewGlobal(types.I64, c.env, GPROffsetOf(i), gprName(i))
	}
	c.pcGlobal = ctx.NewGlobal(types.I64, c.env, PCOffset, "pc")
	c.guestBase = ctx.NewGlobal(types.I64, c.env, GuestBaseOffset, "guest_base")
	c.registered = true
}

func gprName(i int) string { return reg(uint32(i)) }

// dc is the per-TB translation context threaded through one GenCode
// call: the IR builder plus the running guest PC, mirroring the
// reference DisasContextBase.
type dc struct {
	ctx      *ir.Context
	cpu      *CPU
	pcFirst  uint64
	pc       uint64
	numInsns uint32
	maxInsns uint32
	jmp      DisasJumpType
}

// GenCode implements tcgexec.GuestCpu: translate guest instructions
// starting at pc into ctx until a control-flow-terminating
// instruction, an unsupported opcode, or maxInsns is reached.
func (c *CPU) GenCode(ctx *ir.Context, pc uint64, maxInsns uint32) uint32 {
	if !c.registered {
		c.registerGlobals(ctx)
	}
	d := &dc{ctx: ctx, cpu: c, pcFirst: pc, pc: pc, maxInsns: maxInsns}
	for {
		d.translateInsn()
		d.numInsns++
		if d.jmp != DisasNext {
			break
		}
		if d.numInsns >= d.maxInsns {
			d.jmp = DisasTooMany
			d.endFallthrough(d.pc)
			break
		}
	}
	return uint32(d.pc - d.pcFirst)
}

func (d *dc) insnStart() {
	idx := d.ctx.NextOpIdx()
	d.ctx.EmitOp(ir.NewOpArgs(idx, opcode.InsnStart, types.I64, []temp.Idx{temp.Idx(d.pc)}))
}

func (d *dc) emit(opc opcode.Opcode, ty types.Type, args ...temp.Idx) {
	idx := d.ctx.NextOpIdx()
	d.ctx.EmitOp(ir.NewOpArgs(idx, opc, ty, args))
}

func (d *dc) constTemp(val uint64) temp.Idx {
	return d.ctx.NewConst(types.I64, val)
}

// writeGPR stores srcVal into register rd, unless rd is x0 (hardwired
// zero): the write is simply dropped, since nothing may observe a
// write to x0 taking effect.
func (d *dc) writeGPR(rd uint32, srcVal temp.Idx) {
	if rd == 0 {
		return
	}
	d.emit(opcode.Mov, types.I64, d.cpu.gpr[rd], srcVal)
}

// endFallthrough sets pc to target and emits the single-exit TB
// closing sequence (chainable via goto_tb slot 0).
func (d *dc) endFallthrough(target uint64) {
	d.emit(opcode.Mov, types.I64, d.cpu.pcGlobal, d.constTemp(target))
	d.emit(opcode.GotoTb, types.I64, 0)
	d.emit(opcode.ExitTb, types.I64, temp.Idx(0))
}

// endBranch closes a TB with two goto_tb-chainable exits, predicated
// on cond(lhs, rhs): the not-taken path (slot 0) falls through to
// notTaken, the taken path (slot 1) lands at taken.
func (d *dc) endBranch(cond types.Cond, lhs, rhs temp.Idx, notTaken, taken uint64) {
	label := d.ctx.NewLabel()
	d.emit(opcode.BrCond, types.I64, lhs, rhs, temp.Idx(cond), temp.Idx(label))

	d.emit(opcode.Mov, types.I64, d.cpu.pcGlobal, d.constTemp(notTaken))
	d.emit(opcode.GotoTb, types.I64, 0)
	d.emit(opcode.ExitTb, types.I64, temp.Idx(0))

	setIdx := d.ctx.NextOpIdx()
	d.ctx.EmitOp(ir.NewOpArgs(setIdx, opcode.SetLabel, types.I64, []temp.Idx{temp.Idx(label)}))

	d.emit(opcode.Mov, types.I64, d.cpu.pcGlobal, d.constTemp(taken))
	d.emit(opcode.GotoTb, types.I64, 1)
	d.emit(opcode.ExitTb, types.I64, temp.Idx(1))
}

// endIndirect sets pc to a runtime-computed value (held in target) and
// exits without a goto_tb: the destination is not known at translation
// time, so there is nothing to chain — the execution loop resolves it
// via the jump cache / TB store on the next dispatch.
func (d *dc) endIndirect(target temp.Idx) {
	d.emit(opcode.Mov, types.I64, d.cpu.pcGlobal, target)
	d.emit(opcode.ExitTb, types.I64, temp.Idx(0))
}

// endException records the faulting pc (so a handler can inspect it)
// and exits with the given exception code.
func (d *dc) endException(code uint64) {
	d.emit(opcode.Mov, types.I64, d.cpu.pcGlobal, d.constTemp(d.pc))
	d.emit(opcode.ExitTb, types.I64, temp.Idx(4+code)) // tb.ExitExceptionBase == 4
}

// translateInsn decodes and translates one instruction, advancing
// d.pc and setting d.jmp exactly as the reference translator_loop's
// TranslatorOps.translate_insn contract requires.
func (d *dc) translateInsn() {
	d.insnStart()

	low16 := uint16(d.cpu.Mem.ReadU32(d.pc))
	if Compressed(low16) {
		d.jmp = DisasNoReturn
		d.endException(ExcUnsupported)
		return
	}

	raw := d.cpu.Mem.ReadU32(d.pc)
	in := Decode(raw)

	switch in.Opcode {
	case opLui:
		d.writeGPR(in.Rd, d.constTemp(uint64(in.ImmU)))
		d.pc += 4
		d.jmp = DisasNext

	case opAuipc:
		d.writeGPR(in.Rd, d.constTemp(d.pc+uint64(in.ImmU)))
		d.pc += 4
		d.jmp = DisasNext

	case opJal:
		if in.Rd != 0 {
			d.writeGPR(in.Rd, d.constTemp(d.pc+4))
		}
		target := d.pc + uint64(in.ImmJ)
		d.jmp = DisasNoReturn
		d.endFallthrough(target)

	case opJalr:
		linkVal := d.pc + 4
		addr := d.ctx.NewTemp(types.I64)
		d.emit(opcode.Add, types.I64, addr, d.cpu.gpr[in.Rs1], d.constTemp(uint64(in.ImmI)))
		masked := d.ctx.NewTemp(types.I64)
		d.emit(opcode.And, types.I64, masked, addr, d.constTemp(^uint64(1)))
		if in.Rd != 0 {
			d.writeGPR(in.Rd, d.constTemp(linkVal))
		}
		d.jmp = DisasNoReturn
		d.endIndirect(masked)

	case opBranch:
		cond, ok := branchCond(in.Funct3)
		if !ok {
			d.jmp = DisasNoReturn
			d.endException(ExcUnsupported)
			return
		}
		d.jmp = DisasNoReturn
		d.endBranch(cond, d.cpu.gpr[in.Rs1], d.cpu.gpr[in.Rs2], d.pc+4, d.pc+uint64(in.ImmB))

	case opMiscMem:
		// fence: no-op in a single-vCPU, non-self-modifying-aware core.
		d.pc += 4
		d.jmp = DisasNext

	case opSystem:
		if in.Funct3 == 0 && in.ImmI == 0 {
			d.jmp = DisasNoReturn
			d.endException(ExcSyscall)
			return
		}
		d.jmp = DisasNoReturn
		d.endException(ExcUnsupported)

	case opLoad:
		if !d.translateLoad(in) {
			d.jmp = DisasNoReturn
			d.endException(ExcUnsupported)
			return
		}
		d.pc += 4
		d.jmp = DisasNext

	case opStore:
		if !d.translateStore(in) {
			d.jmp = DisasNoReturn
			d.endException(ExcUnsupported)
			return
		}
		d.pc += 4
		d.jmp = DisasNext

	case opOpImm:
		if !d.translateOpImm(in) {
			d.jmp = DisasNoReturn
			d.endException(ExcUnsupported)
			return
		}
		d.pc += 4
		d.jmp = DisasNext

	case opOp:
		if !d.translateOp(in) {
			d.jmp = DisasNoReturn
			d.endException(ExcUnsupported)
			return
		}
		d.pc += 4
		d.jmp = DisasNext

	case opOpImm32:
		if !d.translateOpImm32(in) {
			d.jmp = DisasNoReturn
			d.endException(ExcUnsupported)
			return
		}
		d.pc += 4
		d.jmp = DisasNext

	case opOp32:
		if !d.translateOp32(in) {
			d.jmp = DisasNoReturn
			d.endException(ExcUnsupported)
			return
		}
		d.pc += 4
		d.jmp = DisasNext

	default:
		d.jmp = DisasNoReturn
		d.endException(ExcUnsupported)
	}
}

func branchCond(funct3 uint32) (types.Cond, bool) {
	switch funct3 {
	case funct3Beq:
		return types.CondEq, true
	case funct3Bne:
		return types.CondNe, true
	case funct3Blt:
		return types.CondLt, true
	case funct3Bge:
		return types.CondGe, true
	case funct3Bltu:
		return types.CondLtu, true
	case funct3Bgeu:
		return types.CondGeu, true
	default:
		return 0, false
	}
}

// guestHostAddr computes guest_base + gpr[rs1] + imm into a fresh
// temp, the host address a Ld/St op's base argument expects.
func (d *dc) guestHostAddr(rs1 uint32, imm int64) temp.Idx {
	withBase := d.ctx.NewTemp(types.I64)
	d.emit(opcode.Add, types.I64, withBase, d.cpu.guestBase, d.cpu.gpr[rs1])
	addr := d.ctx.NewTemp(types.I64)
	d.emit(opcode.Add, types.I64, addr, withBase, d.constTemp(uint64(imm)))
	return addr
}

// translateLoad handles the word/doubleword LOAD encodings the core's
// Ld op can express (I32/I64 widths only — byte and halfword loads
// have no representable width in pkg/types.Type, so LB/LH/LBU/LHU are
// reported unsupported rather than approximated).
func (d *dc) translateLoad(in Insn) bool {
	addr := d.guestHostAddr(in.Rs1, in.ImmI)
	switch in.Funct3 {
	case funct3Lw:
		raw := d.ctx.NewTemp(types.I32)
		d.emit(opcode.Ld, types.I32, raw, addr, temp.Idx(0), temp.Idx(0))
		ext := d.ctx.NewTemp(types.I64)
		d.emit(opcode.Ext32s, types.I64, ext, raw)
		d.writeGPR(in.Rd, ext)
		return true
	case funct3Lwu:
		raw := d.ctx.NewTemp(types.I32)
		d.emit(opcode.Ld, types.I32, raw, addr, temp.Idx(0), temp.Idx(0))
		d.writeGPR(in.Rd, raw)
		return true
	case funct3Ld:
		raw := d.ctx.NewTemp(types.I64)
		d.emit(opcode.Ld, types.I64, raw, addr, temp.Idx(0), temp.Idx(0))
		d.writeGPR(in.Rd, raw)
		return true
	default:
		return false
	}
}

func (d *dc) translateStore(in Insn) bool {
	addr := d.guestHostAddr(in.Rs1, in.ImmS)
	switch in.Funct3 {
	case funct3Sw:
		d.emit(opcode.St, types.I32, d.cpu.gpr[in.Rs2], addr, temp.Idx(0), temp.Idx(0))
		return true
	case funct3Sd:
		d.emit(opcode.St, types.I64, d.cpu.gpr[in.Rs2], addr, temp.Idx(0), temp.Idx(0))
		return true
	default:
		return false
	}
}

func (d *dc) translateOpImm(in Insn) bool {
	dst := d.ctx.NewTemp(types.I64)
	rs1 := d.cpu.gpr[in.Rs1]
	imm := d.constTemp(uint64(in.ImmI))
	switch in.Funct3 {
	case funct3AddSub:
		d.emit(opcode.Add, types.I64, dst, rs1, imm)
	case funct3Xor:
		d.emit(opcode.Xor, types.I64, dst, rs1, imm)
	case funct3Or:
		d.emit(opcode.Or, types.I64, dst, rs1, imm)
	case funct3And:
		d.emit(opcode.And, types.I64, dst, rs1, imm)
	case funct3Slt:
		d.emit(opcode.Setcond, types.I64, dst, rs1, imm, temp.Idx(types.CondLt))
	case funct3Sltu:
		d.emit(opcode.Setcond, types.I64, dst, rs1, imm, temp.Idx(types.CondLtu))
	case funct3Sll:
		shamt := d.constTemp(uint64(in.ImmI) & 0x3f) // RV64 shift amount is imm[5:0]
		d.emit(opcode.Shl, types.I64, dst, rs1, shamt)
	case funct3SrlSra:
		shamt := d.constTemp(uint64(in.ImmI) & 0x3f)
		if in.Funct7&^1 == funct7Alt { // funct7's low bit is shamt bit 5
			d.emit(opcode.Sar, types.I64, dst, rs1, shamt)
		} else {
			d.emit(opcode.Shr, types.I64, dst, rs1, shamt)
		}
	default:
		return false
	}
	d.writeGPR(in.Rd, dst)
	return true
}

func (d *dc) translateOp(in Insn) bool {
	if in.Funct7 == funct7Mul {
		return false // M-extension: unsupported by this frontend
	}
	dst := d.ctx.NewTemp(types.I64)
	rs1, rs2 := d.cpu.gpr[in.Rs1], d.cpu.gpr[in.Rs2]
	switch in.Funct3 {
	case funct3AddSub:
		if in.Funct7 == funct7Alt {
			d.emit(opcode.Sub, types.I64, dst, rs1, rs2)
		} else {
			d.emit(opcode.Add, types.I64, dst, rs1, rs2)
		}
	case funct3Xor:
		d.emit(opcode.Xor, types.I64, dst, rs1, rs2)
	case funct3Or:
		d.emit(opcode.Or, types.I64, dst, rs1, rs2)
	case funct3And:
		d.emit(opcode.And, types.I64, dst, rs1, rs2)
	case funct3Slt:
		d.emit(opcode.Setcond, types.I64, dst, rs1, rs2, temp.Idx(types.CondLt))
	case funct3Sltu:
		d.emit(opcode.Setcond, types.I64, dst, rs1, rs2, temp.Idx(types.CondLtu))
	case funct3Sll:
		d.emit(opcode.Shl, types.I64, dst, rs1, rs2)
	case funct3SrlSra:
		if in.Funct7 == funct7Alt {
			d.emit(opcode.Sar, types.I64, dst, rs1, rs2)
		} else {
			d.emit(opcode.Shr, types.I64, dst, rs1, rs2)
		}
	default:
		return false
	}
	d.writeGPR(in.Rd, dst)
	return true
}

// translateOpImm32/translateOp32 cover only ADDIW/ADDW/SUBW: the
// shift-immediate *W forms need a 32-bit-masked shift count this
// frontend does not bother computing (32-bit shift guests are rare in
// the startup/syscall-only code this frontend targets), so they are
// reported unsupported rather than mistranslated.
func (d *dc) translateOpImm32(in Insn) bool {
	if in.Funct3 != funct3AddSub {
		return false
	}
	w := d.ctx.NewTemp(types.I32)
	d.emit(opcode.Add, types.I32, w, d.cpu.gpr[in.Rs1], d.constTemp(uint64(in.ImmI)))
	dst := d.ctx.NewTemp(types.I64)
	d.emit(opcode.Ext32s, types.I64, dst, w)
	d.writeGPR(in.Rd, dst)
	return true
}

func (d *dc) translateOp32(in Insn) bool {
	if in.Funct3 != funct3AddSub || in.Funct7 == funct7Mul {
		return false
	}
	w := d.ctx.NewTemp(types.I32)
	if in.Funct7 == funct7Alt {
		d.emit(opcode.Sub, types.I32, w, d.cpu.gpr[in.Rs1], d.cpu.gpr[in.Rs2])
	} else {
		d.emit(opcode.Add, types.I32, w, d.cpu.gpr[in.Rs1], d.cpu.gpr[in.Rs2])
	}
	dst := d.ctx.NewTemp(types.I64)
	d.emit(opcode.Ext32s, types.I64, dst, w)
	d.writeGPR(in.Rd, dst)
	return true
}
