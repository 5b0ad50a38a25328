package riscv

// Major opcode field values (bits [6:0]) for the RV64I base subset this
// frontend decodes. Compressed (C), multiply/divide (M), and atomic (A)
// encodings are recognized only far enough to be rejected as
// unsupported — see translateInsn.
const (
	opLoad    = 0x03
	opMiscMem = 0x0F
	opOpImm   = 0x13
	opAuipc   = 0x17
	opOpImm32 = 0x1B
	opStore   = 0x23
	opOp      = 0x33
	opLui     = 0x37
	opOp32    = 0x3B
	opBranch  = 0x63
	opJalr    = 0x67
	opJal     = 0x6F
	opSystem  = 0x73
)

// Insn is one decoded 32-bit RISC-V instruction: the raw word plus
// every field a translator might need, regardless of which the
// instruction's format actually uses (unused fields are simply
// ignored by the caller).
type Insn struct {
	Raw    uint32
	Opcode uint32
	Funct3 uint32
	Funct7 uint32
	Rd     uint32
	Rs1    uint32
	Rs2    uint32

	ImmI int64
	ImmS int64
	ImmB int64
	ImmU int64
	ImmJ int64
}

func signExtend(val uint32, bits uint) int64 {
	shift := 32 - bits
	return int64(int32(val<<shift)) >> shift
}

// Decode unpacks every field of a 32-bit instruction word. It does not
// validate that the encoding's opcode is compressed-free; Compressed()
// reports that separately so callers can reject 16-bit instructions
// before calling Decode.
func Decode(raw uint32) Insn {
	in := Insn{
		Raw:    raw,
		Opcode: raw & 0x7f,
		Rd:     (raw >> 7) & 0x1f,
		Funct3: (raw >> 12) & 0x7,
		Rs1:    (raw >> 15) & 0x1f,
		Rs2:    (raw >> 20) & 0x1f,
		Funct7: (raw >> 25) & 0x7f,
	}
	in.ImmI = signExtend(raw>>20, 12)
	in.ImmS = signExtend(((raw>>25)<<5)|((raw>>7)&0x1f), 12)
	in.ImmB = signExtend(
		(((raw>>31)&1)<<12)|(((raw>>7)&1)<<11)|(((raw>>25)&0x3f)<<5)|(((raw>>8)&0xf)<<1),
		13,
	)
	in.ImmU = int64(int32(raw & 0xfffff000))
	in.ImmJ = signExtend(
		(((raw>>31)&1)<<20)|(((raw>>12)&0xff)<<12)|(((raw>>20)&1)<<11)|(((raw>>21)&0x3ff)<<1),
		21,
	)
	return in
}

// Compressed reports whether the low 16 bits of raw encode a compressed
// (2-byte) instruction. This frontend does not decode compressed
// instructions; translateInsn exits the TB with an unsupported-opcode
// exception whenever this is true.
func Compressed(low16 uint16) bool {
	return low16&0x3 != 0x3
}

// Branch funct3 values.
const (
	funct3Beq  = 0x0
	funct3Bne  = 0x1
	funct3Blt  = 0x4
	funct3Bge  = 0x5
	funct3Bltu = 0x6
	funct3Bgeu = 0x7
)

// Load/store funct3 values.
const (
	funct3Lb  = 0x0
	funct3Lh  = 0x1
	funct3Lw  = 0x2
	funct3Ld  = 0x3
	funct3Lbu = 0x4
	funct3Lhu = 0x5
	funct3Lwu = 0x6

	funct3Sb = 0x0
	funct3Sh = 0x1
	funct3Sw = 0x2
	funct3Sd = 0x3
)

// OP/OP-IMM funct3 values.
const (
	funct3AddSub = 0x0
	funct3Sll    = 0x1
	funct3Slt    = 0x2
	funct3Sltu   = 0x3
	funct3Xor    = 0x4
	funct3SrlSra = 0x5
	funct3Or     = 0x6
	funct3And    = 0x7
)

// funct7 values distinguishing ADD/SUB and SRL/SRA.
const (
	funct7Base = 0x00
	funct7Alt  = 0x20 // SUB, SRA
	funct7Mul  = 0x01 // RV32M; unsupported by this frontend
)
