package tb

import (
	"testing"

	"github.com/tcg-go/tcg/pkg/codebuf"
	"github.com/tcg-go/tcg/pkg/hostasm"
	"github.com/tcg-go/tcg/pkg/hostasm/x86_64"
)

func TestAllocLookupInsert(t *testing.T) {
	s := NewStore()
	idx := s.Alloc(0x1000, 0, 0)
	if _, ok := s.Lookup(0x1000, 0); ok {
		t.Fatalf("Lookup before Insert should miss")
	}
	s.Insert(idx)
	got, ok := s.Lookup(0x1000, 0)
	if !ok || got != idx {
		t.Fatalf("Lookup = (%d, %v), want (%d, true)", got, ok, idx)
	}
	if _, ok := s.Lookup(0x1000, 1); ok {
		t.Errorf("different flags should not match")
	}
}

func TestInvalidateRemovesFromLookup(t *testing.T) {
	s := NewStore()
	backend := x86_64.New()
	buf, err := codebuf.New(64 * 1024)
	if err != nil {
		t.Fatalf("codebuf.New() error: %v", err)
	}
	t.Cleanup(func() { buf.Close() })

	idx := s.Alloc(0x2000, 0, 0)
	s.Insert(idx)

	s.Invalidate(idx, backend, buf)
	if _, ok := s.Lookup(0x2000, 0); ok {
		t.Errorf("Lookup should miss after Invalidate")
	}
	if !s.Get(idx).Invalid {
		t.Errorf("Get(idx).Invalid should be true")
	}
}

// TestChainingDisplacement reproduces the reference TB-chaining
// scenario: TB A at 0x1000 falls through via goto_tb to TB B at
// 0x1020. The patched displacement at A's jmp_insn_offset must equal
// B.code_start - (A.jmp_insn_offset + 4).
func TestChainingDisplacement(t *testing.T) {
	s := NewStore()
	backend := x86_64.New()
	buf, err := codebuf.New(64 * 1024)
	if err != nil {
		t.Fatalf("codebuf.New() error: %v", err)
	}
	t.Cleanup(func() { buf.Close() })

	aIdx := s.Alloc(0x1000, 0, 0)
	a := s.Get(aIdx)
	for i := 0; i < 10; i++ {
		buf.EmitU8(0x90)
	}
	jmpOff, _ := buf.EmitU32(0) // placeholder rel32 for A's goto_tb
	resetOff := buf.Offset()
	a.JmpOffsets[0] = hostasm.GotoTbOffsets{JmpOffset: jmpOff, ResetOffset: resetOff}
	a.NumJmp = 1
	a.CodeEnd = buf.Offset()
	s.Insert(aIdx)

	for buf.Offset() < 64 {
		buf.EmitU8(0x90)
	}
	bIdx := s.Alloc(0x1020, 0, 0)
	b := s.Get(bIdx)
	b.CodeStart = buf.Offset()
	s.Insert(bIdx)

	backend.PatchJump(buf, a.JmpOffsets[0].JmpOffset, b.CodeStart)
	s.Chain(aIdx, 0, bIdx)

	got := int32(buf.ReadU32(jmpOff))
	want := int32(b.CodeStart - (jmpOff + 4))
	if got != want {
		t.Errorf("patched displacement = %d, want %d", got, want)
	}
	if a.JmpDest[0] != bIdx {
		t.Errorf("a.JmpDest[0] = %d, want %d", a.JmpDest[0], bIdx)
	}
	if len(b.JmpList) != 1 || b.JmpList[0] != aIdx {
		t.Errorf("b.JmpList = %v, want [%d]", b.JmpList, aIdx)
	}

	// Invalidating B must unchain A back to the reset offset.
	s.Invalidate(bIdx, backend, buf)
	gotUnchained := int32(buf.ReadU32(jmpOff))
	wantUnchained := int32(resetOff - (jmpOff + 4))
	if gotUnchained != wantUnchained {
		t.Errorf("unchained displacement = %d, want %d", gotUnchained, wantUnchained)
	}
	if a.JmpDest[0] != noTB {
		t.Errorf("a.JmpDest[0] = %d after invalidate, want %d", a.JmpDest[0], noTB)
	}
}

func TestJumpCacheOverwriteAndInvalidate(t *testing.T) {
	c := NewJumpCache(4)
	if _, ok := c.Lookup(0x100); ok {
		t.Fatalf("empty cache should miss")
	}
	c.Insert(0x100, 7)
	if got, ok := c.Lookup(0x100); !ok || got != 7 {
		t.Fatalf("Lookup = (%d,%v), want (7,true)", got, ok)
	}
	c.Insert(0x100, 9)
	if got, ok := c.Lookup(0x100); !ok || got != 9 {
		t.Fatalf("overwrite: Lookup = (%d,%v), want (9,true)", got, ok)
	}
	c.Invalidate()
	if _, ok := c.Lookup(0x100); ok {
		t.Errorf("Lookup after Invalidate should miss")
	}
}

func TestEncodeDecodeExit(t *testing.T) {
	cases := []struct {
		predIdx  int
		exitCode uint8
	}{
		{-1, ExitHalt},
		{0, ExitSlot0},
		{41, ExitSlot1},
		{-1, ExitExceptionBase + 3},
	}
	for _, c := range cases {
		enc := EncodeExit(c.predIdx, c.exitCode)
		gotPred, gotCode, hasPred := DecodeExit(enc)
		if gotCode != c.exitCode {
			t.Errorf("predIdx=%d: exitCode = %d, want %d", c.predIdx, gotCode, c.exitCode)
		}
		wantHasPred := c.predIdx >= 0
		if hasPred != wantHasPred {
			t.Errorf("predIdx=%d: hasPred = %v, want %v", c.predIdx, hasPred, wantHasPred)
		}
		if wantHasPred && gotPred != c.predIdx {
			t.Errorf("predIdx=%d: decoded = %d", c.predIdx, gotPred)
		}
	}
}
