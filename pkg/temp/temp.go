// Package temp implements TCG-style temporaries: the operand pool shared
// by the IR and the register allocator.
package temp

import "github.com/tcg-go/tcg/pkg/types"

// Idx indexes a Temp within a Context's temp pool.
type Idx uint32

// Kind classifies a temporary's lifetime and backing storage.
type Kind uint8

const (
	// Ebb: live within a single extended basic block.
	Ebb Kind = iota
	// Tb: live across the entire translation block.
	Tb
	// Global: persists across TBs, backed by a field of the CPU-state record.
	Global
	// Fixed: bound to a specific host register for its entire lifetime.
	Fixed
	// Const: a compile-time immediate.
	Const
)

func (k Kind) String() string {
	switch k {
	case Ebb:
		return "ebb"
	case Tb:
		return "tb"
	case Global:
		return "global"
	case Fixed:
		return "fixed"
	case Const:
		return "const"
	default:
		return "kind(?)"
	}
}

// Val is the register allocator's current value location for a temp.
type Val uint8

const (
	Dead Val = iota
	Reg
	Mem
	ValConst
)

func (v Val) String() string {
	switch v {
	case Dead:
		return "dead"
	case Reg:
		return "reg"
	case Mem:
		return "mem"
	case ValConst:
		return "const"
	default:
		return "val(?)"
	}
}

// Temp is a single IR operand: its static properties (type, kind) plus
// the register allocator's mutable bookkeeping for its current location.
type Temp struct {
	Idx      Idx
	Ty       types.Type
	BaseType types.Type
	Kind     Kind

	// -- Register allocator state --
	ValType      Val
	Reg          uint8
	HasReg       bool
	MemCoherent  bool
	MemAllocated bool
	MemSlot      int64 // offset within [frame_start, frame_end) once allocated

	// -- Constant / global info --
	Val       uint64   // for Const temps: the immediate value
	MemBase   Idx      // for Global temps: the base temp (e.g. env pointer)
	HasBase   bool
	MemOffset int64 // for Global temps: byte offset from MemBase

	Name string // optional debug name
}

// NewEbb creates an extended-basic-block-scoped temp.
func NewEbb(idx Idx, ty types.Type) Temp {
	return Temp{Idx: idx, Ty: ty, BaseType: ty, Kind: Ebb, ValType: Dead}
}

// NewTb creates a whole-TB-scoped temp.
func NewTb(idx Idx, ty types.Type) Temp {
	t := NewEbb(idx, ty)
	t.Kind = Tb
	return t
}

// NewConst creates a compile-time-constant temp.
func NewConst(idx Idx, ty types.Type, val uint64) Temp {
	return Temp{Idx: idx, Ty: ty, BaseType: ty, Kind: Const, ValType: ValConst, Val: val}
}

// NewGlobal creates a temp backed by a CPU-state field at base+offset.
func NewGlobal(idx Idx, ty types.Type, base Idx, offset int64, name string) Temp {
	return Temp{
		Idx: idx, Ty: ty, BaseType: ty, Kind: Global, ValType: Mem,
		MemCoherent: true, MemAllocated: true,
		MemBase: base, HasBase: true, MemOffset: offset, Name: name,
	}
}

// NewFixed creates a temp permanently bound to host register reg.
func NewFixed(idx Idx, ty types.Type, reg uint8, name string) Temp {
	return Temp{
		Idx: idx, Ty: ty, BaseType: ty, Kind: Fixed,
		ValType: Reg, Reg: reg, HasReg: true, Name: name,
	}
}

func (t *Temp) IsConst() bool  { return t.Kind == Const }
func (t *Temp) IsGlobal() bool { return t.Kind == Global }
func (t *Temp) IsFixed() bool  { return t.Kind == Fixed }

// IsGlobalOrFixed reports whether t must be saved back to memory / is
// pinned at basic-block boundaries.
func (t *Temp) IsGlobalOrFixed() bool {
	return t.Kind == Global || t.Kind == Fixed
}

// SetReg records that t's value now lives in host register r.
func (t *Temp) SetReg(r uint8) {
	t.ValType = Reg
	t.Reg = r
	t.HasReg = true
}

// SetDead marks t as holding no live value.
func (t *Temp) SetDead() {
	t.ValType = Dead
	t.HasReg = false
	if t.Kind != Global {
		t.MemCoherent = false
	}
}
