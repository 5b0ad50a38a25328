// Package ir implements the per-TB intermediate representation: the
// fixed-width Op record, labels and their relocations, and the Context
// that owns a TB's temp pool, op list, and label list.
package ir

import (
	"github.com/tcg-go/tcg/pkg/opcode"
	"github.com/tcg-go/tcg/pkg/temp"
	"github.com/tcg-go/tcg/pkg/types"
)

// MaxOpArgs is the fixed capacity of an Op's argument array.
const MaxOpArgs = 10

// OpIdx indexes an Op within a Context's op list.
type OpIdx uint32

// LifeData packs two liveness bits per argument position: dead-after-op
// and needs-sync-before-death.
type LifeData uint32

func deadBit(n int) uint32 { return 1 << (uint(n) * 2) }
func syncBit(n int) uint32 { return 1 << (uint(n)*2 + 1) }

func (l LifeData) IsDead(n int) bool { return uint32(l)&deadBit(n) != 0 }
func (l LifeData) IsSync(n int) bool { return uint32(l)&syncBit(n) != 0 }

func (l *LifeData) SetDead(n int) { *l |= LifeData(deadBit(n)) }
func (l *LifeData) SetSync(n int) { *l |= LifeData(syncBit(n)) }

// Op is a fixed-width IR operation.
type Op struct {
	Idx    OpIdx
	Opc    opcode.Opcode
	OpType types.Type
	// Param1/Param2 are opcode-specific parameters (call-info / flags /
	// vector element size).
	Param1, Param2 uint8
	Life           LifeData
	// OutputPref holds per-output register preference sets (hints to the
	// allocator), indexed by output-argument position.
	OutputPref [2]types.RegSet
	Args       [MaxOpArgs]temp.Idx
	NArgs      uint8
}

// NewOp creates an Op with no arguments.
func NewOp(idx OpIdx, opc opcode.Opcode, opType types.Type) Op {
	return Op{Idx: idx, Opc: opc, OpType: opType}
}

// NewOpArgs creates an Op with the given argument list (outputs, then
// inputs, then constants, per the opcode's arity).
func NewOpArgs(idx OpIdx, opc opcode.Opcode, opType types.Type, args []temp.Idx) Op {
	op := NewOp(idx, opc, opType)
	n := len(args)
	if n > MaxOpArgs {
		n = MaxOpArgs
	}
	copy(op.Args[:n], args[:n])
	op.NArgs = uint8(n)
	return op
}

// OArgs returns the output-argument slice.
func (o *Op) OArgs() []temp.Idx {
	n := int(o.Opc.Def().NbOargs)
	return o.Args[:n]
}

// IArgs returns the input-argument slice.
func (o *Op) IArgs() []temp.Idx {
	d := o.Opc.Def()
	start := int(d.NbOargs)
	return o.Args[start : start+int(d.NbIargs)]
}

// CArgs returns the constant-argument slice.
func (o *Op) CArgs() []temp.Idx {
	d := o.Opc.Def()
	start := int(d.NbOargs) + int(d.NbIargs)
	return o.Args[start : start+int(d.NbCargs)]
}
