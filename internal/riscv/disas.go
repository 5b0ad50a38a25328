package riscv

import "fmt"

// regABI is the RISC-V calling-convention register name table, in x0-x31
// order. Mirrors the reference disassembler's REG_ABI table.
var regABI = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2", "s0", "s1", "a0", "a1",
	"a2", "a3", "a4", "a5", "a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

func reg(r uint32) string { return regABI[r&0x1f] }

// Disassemble formats the 32-bit instruction word raw (fetched from pc,
// for PC-relative operands) as RV64I assembly text. Compressed encodings
// print as ".half 0x.... (compressed, unsupported)"; the other
// non-RV64I-base encodings — M, A, floating point, CSR — print as
// "unknown" rather than attempting a full RV64GC disassembly; this
// package's translator does not execute them either.
func Disassemble(pc uint64, raw uint32) string {
	low16 := uint16(raw)
	if Compressed(low16) {
		return fmt.Sprintf(".half 0x%04x (compressed, unsupported)", low16)
	}
	in := Decode(raw)
	switch in.Opcode {
	case opLui:
		return fmt.Sprintf("lui     %s, 0x%x", reg(in.Rd), uint32(in.ImmU)>>12)
	case opAuipc:
		return fmt.Sprintf("auipc   %s, 0x%x", reg(in.Rd), uint32(in.ImmU)>>12)
	case opJal:
		return fmt.Sprintf("jal     %s, 0x%x", reg(in.Rd), pc+uint64(in.ImmJ))
	case opJalr:
		return fmt.Sprintf("jalr    %s, %d(%s)", reg(in.Rd), in.ImmI, reg(in.Rs1))
	case opBranch:
		name, ok := branchMnemonic(in.Funct3)
		if !ok {
			return unknown(raw)
		}
		return fmt.Sprintf("%-7s %s, %s, 0x%x", name, reg(in.Rs1), reg(in.Rs2), pc+uint64(in.ImmB))
	case opLoad:
		name, ok := loadMnemonic(in.Funct3)
		if !ok {
			return unknown(raw)
		}
		return fmt.Sprintf("%-7s %s, %d(%s)", name, reg(in.Rd), in.ImmI, reg(in.Rs1))
	case opStore:
		name, ok := storeMnemonic(in.Funct3)
		if !ok {
			return unknown(raw)
		}
		return fmt.Sprintf("%-7s %s, %d(%s)", name, reg(in.Rs2), in.ImmS, reg(in.Rs1))
	case opMiscMem:
		return "fence"
	case opSystem:
		if in.Funct3 == 0 && in.ImmI == 0 {
			return "ecall"
		}
		return unknown(raw)
	case opOpImm:
		name, ok := opImmMnemonic(in)
		if !ok {
			return unknown(raw)
		}
		if in.Funct3 == funct3Sll || in.Funct3 == funct3SrlSra {
			return fmt.Sprintf("%-7s %s, %s, 0x%x", name, reg(in.Rd), reg(in.Rs1), in.Rs2)
		}
		return fmt.Sprintf("%-7s %s, %s, %d", name, reg(in.Rd), reg(in.Rs1), in.ImmI)
	case opOp:
		name, ok := opMnemonic(in)
		if !ok {
			return unknown(raw)
		}
		return fmt.Sprintf("%-7s %s, %s, %s", name, reg(in.Rd), reg(in.Rs1), reg(in.Rs2))
	case opOpImm32:
		if in.Funct3 != funct3AddSub {
			return unknown(raw)
		}
		return fmt.Sprintf("addiw   %s, %s, %d", reg(in.Rd), reg(in.Rs1), in.ImmI)
	case opOp32:
		if in.Funct3 != funct3AddSub {
			return unknown(raw)
		}
		name := "addw"
		if in.Funct7 == funct7Alt {
			name = "subw"
		}
		return fmt.Sprintf("%-7s %s, %s, %s", name, reg(in.Rd), reg(in.Rs1), reg(in.Rs2))
	default:
		return unknown(raw)
	}
}

func unknown(raw uint32) string {
	return fmt.Sprintf(".word 0x%08x (unknown)", raw)
}

func branchMnemonic(funct3 uint32) (string, bool) {
	switch funct3 {
	case funct3Beq:
		return "beq", true
	case funct3Bne:
		return "bne", true
	case funct3Blt:
		return "blt", true
	case funct3Bge:
		return "bge", true
	case funct3Bltu:
		return "bltu", true
	case funct3Bgeu:
		return "bgeu", true
	default:
		return "", false
	}
}

func loadMnemonic(funct3 uint32) (string, bool) {
	switch funct3 {
	case funct3Lb:
		return "lb", true
	case funct3Lh:
		return "lh", true
	case funct3Lw:
		return "lw", true
	case funct3Ld:
		return "ld", true
	case funct3Lbu:
		return "lbu", true
	case funct3Lhu:
		return "lhu", true
	case funct3Lwu:
		return "lwu", true
	default:
		return "", false
	}
}

func storeMnemonic(funct3 uint32) (string, bool) {
	switch funct3 {
	case funct3Sb:
		return "sb", true
	case funct3Sh:
		return "sh", true
	case funct3Sw:
		return "sw", true
	case funct3Sd:
		return "sd", true
	default:
		return "", false
	}
}

func opImmMnemonic(in Insn) (string, bool) {
	switch in.Funct3 {
	case funct3AddSub:
		return "addi", true
	case funct3Slt:
		return "slti", true
	case funct3Sltu:
		return "sltiu", true
	case funct3Xor:
		return "xori", true
	case funct3Or:
		return "ori", true
	case funct3And:
		return "andi", true
	case funct3Sll:
		return "slli", true
	case funct3SrlSra:
		if in.Funct7 == funct7Alt {
			return "srai", true
		}
		return "srli", true
	default:
		return "", false
	}
}

func opMnemonic(in Insn) (string, bool) {
	if in.Funct7 == funct7Mul {
		return "", false
	}
	switch in.Funct3 {
	case funct3AddSub:
		if in.Funct7 == funct7Alt {
			return "sub", true
		}
		return "add", true
	case funct3Slt:
		return "slt", true
	case funct3Sltu:
		return "sltu", true
	case funct3Xor:
		return "xor", true
	case funct3Or:
		return "or", true
	case funct3And:
		return "and", true
	case funct3Sll:
		return "sll", true
	case funct3SrlSra:
		if in.Funct7 == funct7Alt {
			return "sra", true
		}
		return "srl", true
	default:
		return "", false
	}
}
