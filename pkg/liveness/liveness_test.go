package liveness

import (
	"testing"

	"github.com/tcg-go/tcg/pkg/ir"
	"github.com/tcg-go/tcg/pkg/opcode"
	"github.com/tcg-go/tcg/pkg/temp"
	"github.com/tcg-go/tcg/pkg/types"
)

// TestDeadAfterLastUse builds: t2 = add(t0, t1); exit_tb. Neither t0 nor
// t1 is read again, so both input args of the add should be marked dead.
// t2 is never read either, so as an output it also gets a dead bit (an
// output is marked dead when it is not live after the op); this test
// checks only the input positions.
func TestDeadAfterLastUse(t *testing.T) {
	ctx := ir.New()
	t0 := ctx.NewTemp(types.I64)
	t1 := ctx.NewTemp(types.I64)
	t2 := ctx.NewTemp(types.I64)

	addIdx := ctx.NextOpIdx()
	ctx.EmitOp(ir.NewOpArgs(addIdx, opcode.Add, types.I64, []temp.Idx{t2, t0, t1}))

	exitIdx := ctx.NextOpIdx()
	ctx.EmitOp(ir.NewOp(exitIdx, opcode.ExitTb, types.I64))

	Analyze(ctx)

	add := ctx.Op(addIdx)
	// nb_oargs=1 (t2 at position 0), nb_iargs=2 (t0 at 1, t1 at 2)
	if add.Life.IsDead(1) == false {
		t.Errorf("t0 (input pos 1) should be dead after add")
	}
	if add.Life.IsDead(2) == false {
		t.Errorf("t1 (input pos 2) should be dead after add")
	}
}

// TestGlobalWriteLiveAtTBEnd verifies that a global written by the last
// op of a TB is not marked dead (globals are live at the end of the TB)
// and that its output position carries no sync bit.
func TestGlobalWriteLiveAtTBEnd(t *testing.T) {
	ctx := ir.New()
	env := ctx.NewFixed(types.I64, 5, "env")
	pc := ctx.NewGlobal(types.I64, env, 128, "pc")
	one := ctx.NewConst(types.I64, 1)
	tmp := ctx.NewTemp(types.I64)

	addIdx := ctx.NextOpIdx()
	ctx.EmitOp(ir.NewOpArgs(addIdx, opcode.Add, types.I64, []temp.Idx{tmp, pc, one}))

	movIdx := ctx.NextOpIdx()
	ctx.EmitOp(ir.NewOpArgs(movIdx, opcode.Mov, types.I64, []temp.Idx{pc, tmp}))

	Analyze(ctx)

	mov := ctx.Op(movIdx)
	// mov has nb_oargs=1 (pc at 0), nb_iargs=1 (tmp at 1)
	if mov.Life.IsDead(0) {
		t.Errorf("pc should stay live as mov's output (globals are live at TB end)")
	}
	// Output positions never carry a sync requirement in this scheme;
	// sync only applies to dying input args.
	if mov.Life.IsSync(0) {
		t.Errorf("output dead bit should not carry a sync bit")
	}
}

// TestBBEndRevivesGlobals checks that globals are re-marked live at a
// BB_END op even if they were previously exhausted, so that an earlier
// def of a global is not considered dead across a basic-block boundary.
func TestBBEndRevivesGlobals(t *testing.T) {
	ctx := ir.New()
	env := ctx.NewFixed(types.I64, 5, "env")
	pc := ctx.NewGlobal(types.I64, env, 128, "pc")
	one := ctx.NewConst(types.I64, 1)

	movIdx := ctx.NextOpIdx()
	ctx.EmitOp(ir.NewOpArgs(movIdx, opcode.Mov, types.I64, []temp.Idx{pc, one}))

	exitIdx := ctx.NextOpIdx()
	ctx.EmitOp(ir.NewOp(exitIdx, opcode.ExitTb, types.I64))

	Analyze(ctx)

	mov := ctx.Op(movIdx)
	if mov.Life.IsDead(0) {
		t.Errorf("pc should be live at TB exit (BB_END revives globals), not dead")
	}
}

func TestSkipsNopAndInsnStart(t *testing.T) {
	ctx := ir.New()
	t0 := ctx.NewTemp(types.I64)

	nopIdx := ctx.NextOpIdx()
	ctx.EmitOp(ir.NewOp(nopIdx, opcode.Nop, types.I64))

	startIdx := ctx.NextOpIdx()
	ctx.EmitOp(ir.NewOp(startIdx, opcode.InsnStart, types.I64))

	movIdx := ctx.NextOpIdx()
	one := ctx.NewConst(types.I64, 7)
	ctx.EmitOp(ir.NewOpArgs(movIdx, opcode.Mov, types.I64, []temp.Idx{t0, one}))

	Analyze(ctx)

	// Nop/InsnStart ops should retain zero-value LifeData since the
	// analysis continues past them without touching op.Life.
	if ctx.Op(nopIdx).Life != 0 {
		t.Errorf("Nop should not receive LifeData")
	}
	if ctx.Op(startIdx).Life != 0 {
		t.Errorf("InsnStart should not receive LifeData")
	}
}
