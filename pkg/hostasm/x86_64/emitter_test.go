package x86_64

import (
	"testing"

	"github.com/tcg-go/tcg/pkg/codebuf"
	"github.com/tcg-go/tcg/pkg/ir"
	"github.com/tcg-go/tcg/pkg/opcode"
	"github.com/tcg-go/tcg/pkg/types"
)

func newBuf(t *testing.T) *codebuf.CodeBuffer {
	t.Helper()
	b, err := codebuf.New(64 * 1024)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestPrologueEpilogueEmitsRet(t *testing.T) {
	g := New()
	buf := newBuf(t)
	g.EmitPrologue(buf)
	if buf.Offset() == 0 {
		t.Fatalf("prologue emitted no bytes")
	}
	g.EmitEpilogue(buf)
	if g.EpilogueOffset() == 0 {
		t.Errorf("EpilogueOffset() should be set after EmitEpilogue")
	}
	last := buf.Offset() - 1
	if got := buf.AsSlice()[last]; got != 0xC3 {
		t.Errorf("epilogue should end in ret (0xC3), got %#x", got)
	}
}

func TestPatchJumpDisplacement(t *testing.T) {
	g := New()
	buf := newBuf(t)
	// Reserve a 4-byte placeholder at a fixed, unaligned offset, as the
	// allocator can for a label use (goto_tb placeholders are aligned).
	for i := 0; i < 10; i++ {
		buf.EmitU8(0x90) // nop padding up to offset 10
	}
	jmpOff, _ := buf.EmitU32(0)
	if jmpOff != 10 {
		t.Fatalf("setup: jmpOff = %d, want 10", jmpOff)
	}
	g.PatchJump(buf, jmpOff, 64)
	got := int32(buf.ReadU32(jmpOff))
	want := int32(64 - (10 + 4))
	if got != want {
		t.Errorf("PatchJump displacement = %d, want %d", got, want)
	}
}

// TestExt32uEncodesRexForExtendedRegs exercises Ext32u with both
// operands in r8-r15 (allocatable since its constraint is a plain
// anyReg() on both sides): the mov must carry a REX prefix with R/B
// set, or the ModR/M byte's 3-bit register field silently aliases a
// completely different low register.
func TestExt32uEncodesRexForExtendedRegs(t *testing.T) {
	g := New()
	buf := newBuf(t)
	op := &ir.Op{Opc: opcode.Ext32u, OpType: types.I64}
	oregs := []uint8{uint8(R9)}
	iregs := []uint8{uint8(R8)}

	off := buf.Offset()
	g.TcgOutOp(buf, nil, op, oregs, iregs, nil)
	emitted := buf.AsSlice()[off:buf.Offset()]

	if len(emitted) != 3 {
		t.Fatalf("Ext32u emitted %d bytes (%x), want 3 (REX + opcode + ModR/M)", len(emitted), emitted)
	}
	if emitted[0]&0x40 == 0 {
		t.Fatalf("expected a REX prefix byte, got %#x", emitted[0])
	}
	if emitted[0]&0x04 == 0 { // REX.R, for the reg field (src = R8)
		t.Errorf("REX.R not set for an r8-r15 source register, byte = %#x", emitted[0])
	}
	if emitted[0]&0x01 == 0 { // REX.B, for the rm field (dst = R9)
		t.Errorf("REX.B not set for an r8-r15 destination register, byte = %#x", emitted[0])
	}
	if emitted[1] != 0x89 {
		t.Errorf("expected mov opcode 0x89, got %#x", emitted[1])
	}
}

func TestMoviEmitsBytes(t *testing.T) {
	g := New()
	buf := newBuf(t)
	off := buf.Offset()
	g.TcgOutMovi(buf, 0, uint8(Rax), 0x1234)
	if buf.Offset() == off {
		t.Errorf("TcgOutMovi emitted no bytes")
	}
}
