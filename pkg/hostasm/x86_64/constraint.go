package x86_64

import (
	"github.com/tcg-go/tcg/pkg/hostasm"
	"github.com/tcg-go/tcg/pkg/opcode"
	"github.com/tcg-go/tcg/pkg/types"
)

// generalRegs is every allocatable GPR: all sixteen minus RSP/RBP.
var generalRegs = func() types.RegSet {
	rs := types.EmptyRegSet
	for r := Rax; r <= R15; r++ {
		rs = rs.Set(uint8(r))
	}
	return rs.Subtract(ReservedRegs)
}()

// shiftCountReg restricts variable shift-count operands to RCX, matching
// the x86 SHL/SHR/SAR encoding that only accepts CL as a register count.
var shiftCountReg = types.EmptyRegSet.Set(uint8(Rcx))

func anyReg() hostasm.ArgConstraint {
	return hostasm.ArgConstraint{Kind: hostasm.ArgAnyReg, Regs: generalRegs}
}

func sameAsOutput(n int) hostasm.ArgConstraint {
	return hostasm.ArgConstraint{Kind: hostasm.ArgSameAsOutput, SameAs: n}
}

func regOrConst() hostasm.ArgConstraint {
	return hostasm.ArgConstraint{Kind: hostasm.ArgRegOrConst, Regs: generalRegs}
}

// constraints is the static per-opcode register-class table. Two-operand
// x86 arithmetic (dst = dst op src) is modeled by tying the first input
// to the output; the allocator materializes a copy when the source temp
// must survive the op.
var constraints = map[opcode.Opcode]*hostasm.OpConstraint{
	opcode.Mov: {
		Outputs: []hostasm.ArgConstraint{anyReg()},
		Inputs:  []hostasm.ArgConstraint{anyReg()},
	},
	opcode.Movi: {
		Outputs: []hostasm.ArgConstraint{anyReg()},
	},
	opcode.Add: twoOpArith(),
	opcode.Sub: twoOpArith(),
	opcode.Mul: twoOpArith(),
	opcode.And: twoOpArith(),
	opcode.Or:  twoOpArith(),
	opcode.Xor: twoOpArith(),
	opcode.DivS: {
		Outputs: []hostasm.ArgConstraint{{Kind: hostasm.ArgFixedReg, Regs: types.EmptyRegSet.Set(uint8(Rax))}},
		Inputs:  []hostasm.ArgConstraint{{Kind: hostasm.ArgFixedReg, Regs: types.EmptyRegSet.Set(uint8(Rax))}, anyReg()},
	},
	opcode.DivU: {
		Outputs: []hostasm.ArgConstraint{{Kind: hostasm.ArgFixedReg, Regs: types.EmptyRegSet.Set(uint8(Rax))}},
		Inputs:  []hostasm.ArgConstraint{{Kind: hostasm.ArgFixedReg, Regs: types.EmptyRegSet.Set(uint8(Rax))}, anyReg()},
	},
	opcode.RemS: {
		Outputs: []hostasm.ArgConstraint{{Kind: hostasm.ArgFixedReg, Regs: types.EmptyRegSet.Set(uint8(Rdx))}},
		Inputs:  []hostasm.ArgConstraint{{Kind: hostasm.ArgFixedReg, Regs: types.EmptyRegSet.Set(uint8(Rax))}, anyReg()},
	},
	opcode.RemU: {
		Outputs: []hostasm.ArgConstraint{{Kind: hostasm.ArgFixedReg, Regs: types.EmptyRegSet.Set(uint8(Rdx))}},
		Inputs:  []hostasm.ArgConstraint{{Kind: hostasm.ArgFixedReg, Regs: types.EmptyRegSet.Set(uint8(Rax))}, anyReg()},
	},
	opcode.Not: {
		Outputs: []hostasm.ArgConstraint{anyReg()},
		Inputs:  []hostasm.ArgConstraint{sameAsOutput(0)},
	},
	opcode.Neg: {
		Outputs: []hostasm.ArgConstraint{anyReg()},
		Inputs:  []hostasm.ArgConstraint{sameAsOutput(0)},
	},
	opcode.Shl: shiftOp(),
	opcode.Shr: shiftOp(),
	opcode.Sar: shiftOp(),
	opcode.Rotl: shiftOp(),
	opcode.Rotr: shiftOp(),
	opcode.Ext8s:  extOp(), opcode.Ext16s: extOp(), opcode.Ext32s: extOp(),
	opcode.Ext8u:  extOp(), opcode.Ext16u: extOp(), opcode.Ext32u: extOp(),
	opcode.Setcond: {
		Outputs: []hostasm.ArgConstraint{anyReg()},
		Inputs:  []hostasm.ArgConstraint{anyReg(), regOrConst()},
	},
	opcode.Ld: {
		Outputs: []hostasm.ArgConstraint{anyReg()},
		Inputs:  []hostasm.ArgConstraint{anyReg()},
	},
	opcode.St: {
		Inputs: []hostasm.ArgConstraint{anyReg(), anyReg()},
	},
	opcode.BrCond: {
		Inputs: []hostasm.ArgConstraint{anyReg(), regOrConst()},
	},
}

func twoOpArith() *hostasm.OpConstraint {
	return &hostasm.OpConstraint{
		Outputs: []hostasm.ArgConstraint{anyReg()},
		Inputs:  []hostasm.ArgConstraint{sameAsOutput(0), regOrConst()},
	}
}

func shiftOp() *hostasm.OpConstraint {
	return &hostasm.OpConstraint{
		Outputs: []hostasm.ArgConstraint{anyReg()},
		Inputs:  []hostasm.ArgConstraint{sameAsOutput(0), {Kind: hostasm.ArgRegOrConst, Regs: shiftCountReg}},
	}
}

func extOp() *hostasm.OpConstraint {
	return &hostasm.OpConstraint{
		Outputs: []hostasm.ArgConstraint{anyReg()},
		Inputs:  []hostasm.ArgConstraint{anyReg()},
	}
}

// defaultConstraint applies to opcodes with no entry above (Nop,
// InsnStart, SetLabel, Br, Call, GotoTb, ExitTb): no register
// constraints beyond what the allocator derives from arity directly.
var defaultConstraint = &hostasm.OpConstraint{}

// OpConstraint returns the static register-class constraint for opc.
func (g *X86_64CodeGen) OpConstraint(opc opcode.Opcode) *hostasm.OpConstraint {
	if c, ok := constraints[opc]; ok {
		return c
	}
	return defaultConstraint
}
