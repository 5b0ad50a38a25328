// Package opcode holds the static opcode table: one enumerator per IR
// operation, its arity, and its behavioral flags. Opcode -> behavior is
// data (a table lookup), never virtual dispatch.
package opcode

import "fmt"

// Opcode identifies one IR operation.
type Opcode uint16

const (
	Nop Opcode = iota
	InsnStart

	Mov
	Movi

	Add
	Sub
	Mul
	DivS
	DivU
	RemS
	RemU
	And
	Or
	Xor
	Not
	Neg
	Shl
	Shr
	Sar
	Rotl
	Rotr

	Ext8s
	Ext16s
	Ext32s
	Ext8u
	Ext16u
	Ext32u

	Setcond

	Ld
	St

	SetLabel
	Br
	BrCond

	Call

	GotoTb
	ExitTb

	OpCodeCount
)

// String implements fmt.Stringer using the catalog mnemonic.
func (o Opcode) String() string {
	if int(o) < len(defs) && defs[o].Mnemonic != "" {
		return defs[o].Mnemonic
	}
	return fmt.Sprintf("opcode(%d)", uint16(o))
}

// Flags is a bitset of opcode behavioral properties.
type Flags uint16

const (
	// FlagInt marks an opcode as integer-type-polymorphic (op_type selects
	// I32 vs I64 behavior).
	FlagInt Flags = 1 << iota
	// FlagVector marks an opcode as vector-type-polymorphic.
	FlagVector
	// FlagBBEnd marks an opcode as terminating a basic block for
	// liveness purposes (globals are re-marked live).
	FlagBBEnd
	// FlagBBExit marks an opcode as terminating the TB itself.
	FlagBBExit
	// FlagCondBranch marks a conditional branch.
	FlagCondBranch
	// FlagSideEffects marks an opcode that must never be eliminated
	// even if its outputs are dead.
	FlagSideEffects
	// FlagCallClobber marks an opcode that clobbers caller-saved host
	// registers (a call).
	FlagCallClobber
	// FlagCarryIn marks an opcode that consumes a carry/borrow flag.
	FlagCarryIn
	// FlagCarryOut marks an opcode that produces a carry/borrow flag.
	FlagCarryOut
)

func (f Flags) Contains(bit Flags) bool { return f&bit != 0 }

// Def is the static per-opcode record: mnemonic, arity triple, and flags.
type Def struct {
	Mnemonic string
	NbOargs  uint8
	NbIargs  uint8
	NbCargs  uint8
	Flags    Flags
}

// NbArgs returns the total argument count nb_oargs+nb_iargs+nb_cargs.
func (d Def) NbArgs() int {
	return int(d.NbOargs) + int(d.NbIargs) + int(d.NbCargs)
}

// defs is the static opcode table, indexed by Opcode.
var defs = [OpCodeCount]Def{
	Nop:       {"nop", 0, 0, 0, 0},
	InsnStart: {"insn_start", 0, 0, 1, 0},

	Mov:  {"mov", 1, 1, 0, FlagInt},
	Movi: {"movi", 1, 0, 1, FlagInt},

	Add:  {"add", 1, 2, 0, FlagInt},
	Sub:  {"sub", 1, 2, 0, FlagInt},
	Mul:  {"mul", 1, 2, 0, FlagInt},
	DivS: {"div", 1, 2, 0, FlagInt | FlagSideEffects},
	DivU: {"divu", 1, 2, 0, FlagInt | FlagSideEffects},
	RemS: {"rem", 1, 2, 0, FlagInt | FlagSideEffects},
	RemU: {"remu", 1, 2, 0, FlagInt | FlagSideEffects},
	And:  {"and", 1, 2, 0, FlagInt},
	Or:   {"or", 1, 2, 0, FlagInt},
	Xor:  {"xor", 1, 2, 0, FlagInt},
	Not:  {"not", 1, 1, 0, FlagInt},
	Neg:  {"neg", 1, 1, 0, FlagInt},
	Shl:  {"shl", 1, 2, 0, FlagInt},
	Shr:  {"shr", 1, 2, 0, FlagInt},
	Sar:  {"sar", 1, 2, 0, FlagInt},
	Rotl: {"rotl", 1, 2, 0, FlagInt},
	Rotr: {"rotr", 1, 2, 0, FlagInt},

	Ext8s:  {"ext8s", 1, 1, 0, FlagInt},
	Ext16s: {"ext16s", 1, 1, 0, FlagInt},
	Ext32s: {"ext32s", 1, 1, 0, FlagInt},
	Ext8u:  {"ext8u", 1, 1, 0, FlagInt},
	Ext16u: {"ext16u", 1, 1, 0, FlagInt},
	Ext32u: {"ext32u", 1, 1, 0, FlagInt},

	Setcond: {"setcond", 1, 2, 1, FlagInt},

	Ld: {"ld", 1, 1, 2, FlagInt},
	St: {"st", 0, 2, 2, FlagInt | FlagSideEffects},

	SetLabel: {"set_label", 0, 0, 1, FlagBBEnd},
	Br:       {"br", 0, 0, 1, FlagBBEnd | FlagSideEffects},
	BrCond:   {"brcond", 0, 2, 2, FlagBBEnd | FlagCondBranch | FlagSideEffects},

	Call: {"call", 0, 0, 0, FlagCallClobber | FlagSideEffects},

	GotoTb: {"goto_tb", 0, 0, 1, FlagBBEnd | FlagBBExit | FlagSideEffects},
	ExitTb: {"exit_tb", 0, 0, 1, FlagBBEnd | FlagBBExit | FlagSideEffects},
}

// Def returns the static definition for opcode o.
func (o Opcode) Def() Def {
	return defs[o]
}

// init asserts that every opcode has a definition and that mnemonics
// are unique across the table.
func init() {
	seen := make(map[string]Opcode, OpCodeCount)
	for i := Opcode(0); i < OpCodeCount; i++ {
		d := defs[i]
		if d.Mnemonic == "" {
			panic(fmt.Sprintf("opcode: opcode %d has no definition", i))
		}
		if prev, ok := seen[d.Mnemonic]; ok {
			panic(fmt.Sprintf("opcode: mnemonic %q reused by opcode %d and %d", d.Mnemonic, prev, i))
		}
		seen[d.Mnemonic] = i
	}
}

// Call ops carry their return and argument temps in the generic args
// array; param1 records the number of integer arguments, param2 the
// number of return values (0 or 1). No callee address is carried.
