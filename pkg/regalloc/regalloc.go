// Package regalloc implements the one-pass linear-scan register
// allocator and codegen driver: a single forward walk over a
// post-liveness IR context that chooses host registers for every temp,
// spills on exhaustion, and drives a hostasm.CodeGen to append the
// corresponding host instructions to a code buffer.
package regalloc

import (
	"fmt"

	"github.com/tcg-go/tcg/pkg/codebuf"
	"github.com/tcg-go/tcg/pkg/hostasm"
	"github.com/tcg-go/tcg/pkg/ir"
	"github.com/tcg-go/tcg/pkg/opcode"
	"github.com/tcg-go/tcg/pkg/temp"
	"github.com/tcg-go/tcg/pkg/types"
)

const numRegs = 64

// GotoTbOffsets is returned by Run for the TB store to record on the
// finished TB, so the execution loop can chain or unchain each slot's
// direct jump.
type GotoTbOffsets = hostasm.GotoTbOffsets

// alloc holds the register allocator's working state for one codegen
// pass over a single Context.
type alloc struct {
	ctx     *ir.Context
	backend hostasm.CodeGen
	buf     *codebuf.CodeBuffer

	owner    [numRegs]int64 // temp.Idx+1 currently held in register r, 0 = free
	lastUsed [numRegs]uint64
	clock    uint64
}

// Run executes the full register-allocation + codegen pass over ctx,
// which must already have had liveness run on it. It returns the
// (jump, reset) offset pairs recorded for every goto_tb encountered, in
// op order.
func Run(ctx *ir.Context, backend hostasm.CodeGen, buf *codebuf.CodeBuffer) []GotoTbOffsets {
	backend.ClearGotoTbOffsets()
	a := &alloc{ctx: ctx, backend: backend, buf: buf}
	for i := 0; i < numRegs; i++ {
		a.owner[i] = 0
	}

	numOps := ctx.NumOps()
	for oi := 0; oi < numOps; oi++ {
		op := ctx.Op(ir.OpIdx(oi))
		a.step(op)
	}

	for _, l := range ctx.Labels() {
		if l.HasPendingUses() {
			panic(fmt.Sprintf("regalloc: label %d referenced but never bound", l.ID))
		}
	}

	return backend.GotoTbOffsets()
}

func (a *alloc) step(op *ir.Op) {
	switch op.Opc {
	case opcode.Nop, opcode.InsnStart:
		return
	case opcode.Mov:
		a.doMov(op)
	case opcode.Movi:
		a.doMovi(op)
	case opcode.SetLabel:
		a.doSetLabel(op)
	case opcode.Br:
		a.doBr(op)
	case opcode.BrCond:
		a.doBrCond(op)
	case opcode.GotoTb:
		a.doGotoTb(op)
	case opcode.ExitTb:
		a.doExitTb(op)
	case opcode.Call:
		a.doCall(op)
	default:
		a.doGeneral(op)
	}
}

// --- bookkeeping helpers ---

func (a *alloc) temp(idx temp.Idx) *temp.Temp { return a.ctx.Temp(idx) }

func (a *alloc) tick() uint64 {
	a.clock++
	return a.clock
}

// freeReg releases r's binding to whatever temp currently owns it,
// without touching that temp's own location fields (callers update
// those separately via free/markDead).
func (a *alloc) freeReg(r uint8) {
	a.owner[r] = 0
}

// bindReg records that temp idx now lives in register r.
func (a *alloc) bindReg(idx temp.Idx, r uint8) {
	a.owner[r] = int64(idx) + 1
	a.lastUsed[r] = a.tick()
	t := a.temp(idx)
	t.SetReg(r)
}

// free drops idx's register binding (its value is no longer needed).
// It only clears owner[r] if r is still bound to idx: a same-as-output
// constrained input can die in the same op whose output reuses its
// register (bound to the output before applyLife runs), and must not
// clobber that fresher binding.
func (a *alloc) free(idx temp.Idx) {
	t := a.temp(idx)
	if t.HasReg && a.owner[t.Reg] == int64(idx)+1 {
		a.freeReg(t.Reg)
	}
	t.SetDead()
}

// pickFree returns a free register from allowed, or false if none.
func (a *alloc) pickFree(allowed types.RegSet) (uint8, bool) {
	avoid := a.ctx.ReservedRegs
	for r := uint8(0); r < numRegs; r++ {
		if !allowed.Contains(r) || avoid.Contains(r) {
			continue
		}
		if a.owner[r] == 0 {
			return r, true
		}
	}
	return 0, false
}

// spillVictim picks the least-recently-used non-fixed register in
// allowed whose current occupant is not itself needed live right now
// (the caller is responsible for excluding registers holding args of
// the current op via the `busy` set).
func (a *alloc) spillVictim(allowed, busy types.RegSet) (uint8, bool) {
	best := uint8(0)
	bestTime := ^uint64(0)
	found := false
	avoid := a.ctx.ReservedRegs
	for r := uint8(0); r < numRegs; r++ {
		if !allowed.Contains(r) || avoid.Contains(r) || busy.Contains(r) {
			continue
		}
		ownerIdx := a.owner[r]
		if ownerIdx == 0 {
			continue
		}
		t := a.temp(temp.Idx(ownerIdx - 1))
		if t.Kind == temp.Fixed {
			continue
		}
		if a.lastUsed[r] < bestTime {
			bestTime = a.lastUsed[r]
			best = r
			found = true
		}
	}
	return best, found
}

// allocReg finds or frees a register in allowed, spilling the LRU
// occupant to its stack slot if none is free.
func (a *alloc) allocReg(allowed, busy types.RegSet) uint8 {
	if r, ok := a.pickFree(allowed); ok {
		return r
	}
	r, ok := a.spillVictim(allowed, busy)
	if !ok {
		panic("regalloc: no register available to spill")
	}
	victim := a.temp(temp.Idx(a.owner[r] - 1))
	a.spillToMemory(victim)
	a.freeReg(r)
	return r
}

// spillSlot lazily allocates victim a stack slot within the backend's
// frame window, [FrameStart, FrameEnd).
func (a *alloc) spillSlot(t *temp.Temp) int64 {
	if t.MemAllocated {
		return t.MemSlot
	}
	// Slots are assigned densely by temp index, 8 bytes apart; this is
	// a simple bump allocator over the frame window, sufficient because
	// temps are never freed and re-packed within one TB's lifetime.
	slot := a.ctx.FrameStart + int64(t.Idx)*8
	if slot+8 > a.ctx.FrameEnd {
		panic("regalloc: spill area exhausted")
	}
	t.MemSlot = slot
	t.MemAllocated = true
	return slot
}

// spillToMemory writes t's current register value to its stack slot if
// not already coherent, and marks it Mem.
func (a *alloc) spillToMemory(t *temp.Temp) {
	if t.Kind == temp.Global {
		a.syncGlobal(t)
		return
	}
	if !t.HasReg {
		return
	}
	slot := a.spillSlot(t)
	if !t.MemCoherent {
		a.backend.TcgOutSt(a.buf, t.Ty, t.Reg, uint8(a.ctx.FrameReg), slot)
		t.MemCoherent = true
	}
	t.ValType = temp.Mem
	t.HasReg = false
}

// syncGlobal writes a global's current register value back to its
// CPU-state slot.
func (a *alloc) syncGlobal(t *temp.Temp) {
	if !t.HasReg || t.MemCoherent {
		return
	}
	base := a.temp(t.MemBase)
	a.backend.TcgOutSt(a.buf, t.Ty, t.Reg, base.Reg, t.MemOffset)
	t.MemCoherent = true
}

// materialize ensures idx's value is available in a host register
// (loading from memory or encoding a constant as needed) and returns
// that register.
func (a *alloc) materialize(idx temp.Idx, busy types.RegSet) uint8 {
	t := a.temp(idx)
	if t.HasReg {
		a.lastUsed[t.Reg] = a.tick()
		return t.Reg
	}
	r := a.allocReg(generalRegs(), busy)
	switch t.ValType {
	case temp.ValConst:
		a.backend.TcgOutMovi(a.buf, t.Ty, r, t.Val)
	case temp.Mem:
		base := uint8(a.ctx.FrameReg)
		off := t.MemSlot
		if t.Kind == temp.Global {
			base = a.temp(t.MemBase).Reg
			off = t.MemOffset
		}
		a.backend.TcgOutLd(a.buf, t.Ty, r, base, off)
	case temp.Dead:
		// Reading a dead temp never happens on well-formed IR; treat as
		// an uninitialized register rather than crash the allocator.
	}
	a.bindReg(idx, r)
	return r
}

// generalRegs is the default allocatable set absent a narrower
// constraint: everything not reserved by the backend.
func generalRegs() types.RegSet {
	all := types.RegSet(0)
	for r := uint8(0); r < numRegs; r++ {
		all = all.Set(r)
	}
	return all
}

// --- op handlers ---

// doMov implements Mov as pure value-location bookkeeping: the
// destination becomes an alias of the source's current location
// (register or constant). No host instruction is emitted unless a
// later use forces materialization. Only the current-value fields
// transfer; the destination keeps its own identity (kind, memory
// backing for Global/Fixed temps).
func (a *alloc) doMov(op *ir.Op) {
	dstIdx := op.OArgs()[0]
	srcIdx := op.IArgs()[0]
	dt, st := a.temp(dstIdx), a.temp(srcIdx)

	if dt.HasReg {
		a.freeReg(dt.Reg)
	}
	switch st.ValType {
	case temp.Reg:
		a.bindReg(dstIdx, st.Reg)
	case temp.ValConst:
		dt.ValType = temp.ValConst
		dt.Val = st.Val
		dt.HasReg = false
	case temp.Mem:
		r := a.materialize(srcIdx, 0)
		a.bindReg(dstIdx, r)
	}
	dt.MemCoherent = false
	a.applyLife(op)
}

func (a *alloc) doMovi(op *ir.Op) {
	dst := op.OArgs()[0]
	val := uint64(op.CArgs()[0])
	t := a.temp(dst)
	if t.HasReg {
		a.freeReg(t.Reg)
	}
	t.ValType = temp.ValConst
	t.Val = val
	t.HasReg = false
	t.MemCoherent = false
	a.applyLife(op)
}

func (a *alloc) doSetLabel(op *ir.Op) {
	id := uint32(op.CArgs()[0])
	l := a.ctx.Label(id)
	off := a.buf.Offset()
	l.SetValue(off)
	for _, use := range l.Uses {
		switch use.Kind {
		case ir.Rel32:
			a.backend.PatchJump(a.buf, use.Offset, off)
		}
	}
}

// flushBlockEnd writes every live global back to memory and forgets all
// non-fixed register bindings, so the next block starts from a clean
// slate: every successor observes globals only via memory.
func (a *alloc) flushBlockEnd() {
	for i := 0; i < a.ctx.NbGlobals(); i++ {
		t := a.temp(temp.Idx(i))
		if t.Kind == temp.Global {
			a.syncGlobal(t)
		}
	}
	for r := uint8(0); r < numRegs; r++ {
		if a.owner[r] == 0 {
			continue
		}
		t := a.temp(temp.Idx(a.owner[r] - 1))
		if t.Kind == temp.Fixed {
			continue
		}
		a.freeReg(r)
		t.HasReg = false
		if t.ValType == temp.Reg {
			t.ValType = temp.Mem
		}
	}
}

func (a *alloc) emitRel32Branch(labelID uint32) {
	a.buf.EmitU8(0xE9) // jmp rel32
	off, _ := a.buf.EmitU32(0)
	l := a.ctx.Label(labelID)
	if l.HasValue {
		a.backend.PatchJump(a.buf, off, l.Value)
	} else {
		l.AddUse(off, ir.Rel32)
	}
}

func (a *alloc) doBr(op *ir.Op) {
	labelID := uint32(op.CArgs()[0])
	a.emitRel32Branch(labelID)
	a.flushBlockEnd()
}

func (a *alloc) doBrCond(op *ir.Op) {
	lhs := op.IArgs()[0]
	rhs := op.IArgs()[1]
	lr := a.materialize(lhs, 0)
	rr := a.materialize(rhs, types.EmptyRegSet.Set(lr))
	cond := types.Cond(op.CArgs()[0])
	labelID := uint32(op.CArgs()[1])
	off := a.backend.TcgOutCondJump(a.buf, op.OpType, lr, rr, cond)
	l := a.ctx.Label(labelID)
	if l.HasValue {
		a.backend.PatchJump(a.buf, off, l.Value)
	} else {
		l.AddUse(off, ir.Rel32)
	}
	a.applyLife(op)
	a.flushBlockEnd()
}

// doGotoTb emits a chainable direct jump and records its (jump, reset)
// offset pair. The op's carg is the exit slot index k used by the
// execution loop to address TB.goto_tb_offsets()[k]; slots are recorded
// in emission order, which the frontend is required to match to k.
//
// The jump's rel32 is padded to a 4-byte-aligned offset before it is
// recorded: chain() and Invalidate() patch it while other vCPUs may
// already be executing this TB, and PatchJump only takes its atomic
// path for an aligned offset.
func (a *alloc) doGotoTb(op *ir.Op) {
	for (a.buf.Offset()+1)%4 != 0 {
		a.buf.EmitU8(0x90)
	}
	jmpOff := a.buf.Offset() + 1
	a.buf.EmitU8(0xE9)
	a.buf.EmitU32(0)
	resetOff := a.buf.Offset()
	if rec, ok := a.backend.(interface {
		RecordGotoTb(jmpOffset, resetOffset int)
	}); ok {
		rec.RecordGotoTb(jmpOff, resetOff)
	}
	a.flushBlockEnd()
}

func (a *alloc) doExitTb(op *ir.Op) {
	a.flushBlockEnd()
	code := uint64(op.CArgs()[0])
	a.backend.TcgOutMovi(a.buf, types.I64, 0 /* RAX */, code)
	a.emitJmpToEpilogue()
}

func (a *alloc) emitJmpToEpilogue() {
	off := a.buf.Offset() + 1
	a.buf.EmitU8(0xE9)
	a.buf.EmitU32(0)
	a.backend.PatchJump(a.buf, off, a.backend.EpilogueOffset())
}

func (a *alloc) doCall(op *ir.Op) {
	nargs := int(op.Param1)
	hasRet := op.Param2 != 0
	n := int(op.NArgs)
	start := 0
	if hasRet {
		start = 1
	}
	argTemps := op.Args[start : start+nargs]
	if n < start+nargs {
		panic("regalloc: call op args shorter than param1/param2 declare")
	}
	for i, t := range argTemps {
		if i >= len(callArgRegsPlaceholder) {
			break
		}
		r := callArgRegsPlaceholder[i]
		a.syncOrMoveIntoCallArg(t, r)
	}
	a.spillCallClobbered()
	// The actual `call` instruction (target address, typically a Go
	// trampoline for syscalls/helpers) is backend-specific; TcgOutOp
	// handles it once args are staged, consistent with the general-op
	// path below.
	a.backend.TcgOutOp(a.buf, a.ctx, op, nil, nil, nil)
	if hasRet {
		dst := op.Args[0]
		a.bindReg(dst, callReturnRegPlaceholder)
	}
	a.applyLife(op)
}

// callArgRegsPlaceholder and callReturnRegPlaceholder are the
// System-V-style argument/return register numbers; the core package
// stays backend-agnostic so these mirror, but do not import, the
// x86-64 backend's CallArgRegs/Rax.
var callArgRegsPlaceholder = []uint8{7, 6, 2, 1, 8, 9} // rdi,rsi,rdx,rcx,r8,r9
const callReturnRegPlaceholder = 0                     // rax

func (a *alloc) syncOrMoveIntoCallArg(idx temp.Idx, reg uint8) {
	a.forceIntoReg(idx, reg, 0)
}

// forceIntoReg materializes idx and, if it did not land in reg, moves it
// there: evicting reg's current occupant (spilling it to memory) and
// emitting a register-to-register move. Used wherever a constraint pins
// an argument to one specific register (call argument slots, RAX for
// idiv's dividend, RCX for shift counts) rather than leaving the choice
// to the allocator.
func (a *alloc) forceIntoReg(idx temp.Idx, reg uint8, busy types.RegSet) uint8 {
	t := a.temp(idx)
	src := a.materialize(idx, busy)
	if src == reg {
		return reg
	}
	if a.owner[reg] != 0 {
		victim := a.temp(temp.Idx(a.owner[reg] - 1))
		a.spillToMemory(victim)
		a.freeReg(reg)
	}
	a.backend.TcgOutMov(a.buf, t.Ty, reg, src)
	a.freeReg(src)
	a.bindReg(idx, reg)
	return reg
}

// spillCallClobbered writes back every live non-fixed temp so a callee
// is free to clobber caller-saved registers, per CALL_CLOBBER.
func (a *alloc) spillCallClobbered() {
	for r := uint8(0); r < numRegs; r++ {
		if a.owner[r] == 0 {
			continue
		}
		t := a.temp(temp.Idx(a.owner[r] - 1))
		if t.Kind == temp.Fixed {
			continue
		}
		a.spillToMemory(t)
		a.freeReg(r)
	}
}

func (a *alloc) doGeneral(op *ir.Op) {
	def := op.Opc.Def()
	oargs := op.OArgs()
	iargs := op.IArgs()
	constr := a.backend.OpConstraint(op.Opc)

	busy := types.RegSet(0)
	iregs := make([]uint8, len(iargs))
	for i, idx := range iargs {
		var r uint8
		var pinned uint8
		var hasPin bool
		if i < len(constr.Inputs) {
			ic := constr.Inputs[i]
			switch {
			case ic.Kind == hostasm.ArgFixedReg:
				// Contract: ArgFixedReg.Regs is always a singleton.
				pinned, hasPin = ic.Regs.First()
			case ic.Kind == hostasm.ArgRegOrConst && ic.Regs.Count() == 1:
				// A RegOrConst narrowed to one register (e.g. shift count
				// pinned to RCX) is a real pin; a broad allowed set (e.g.
				// any general register) is not.
				pinned, hasPin = ic.Regs.First()
			}
		}
		if hasPin {
			r = a.forceIntoReg(idx, pinned, busy)
		} else {
			r = a.materialize(idx, busy)
		}
		iregs[i] = r
		busy = busy.Set(r)
	}

	oregs := make([]uint8, len(oargs))
	for i, idx := range oargs {
		tied := -1
		for ii, ic := range constr.Inputs {
			if ic.Kind == hostasm.ArgSameAsOutput && ic.SameAs == i && ii < len(iregs) {
				tied = iregs[ii]
			}
		}
		// An output pinned to the exact register an input is also
		// pinned to (DivS/DivU's quotient sharing RAX with the
		// dividend) is not a second independent allocation: the
		// instruction itself overwrites that input register in place.
		if tied < 0 && i < len(constr.Outputs) && constr.Outputs[i].Kind == hostasm.ArgFixedReg {
			for ii, ic := range constr.Inputs {
				if ic.Kind == hostasm.ArgFixedReg && ii < len(iregs) && ic.Regs == constr.Outputs[i].Regs {
					tied = iregs[ii]
					break
				}
			}
		}
		var r uint8
		if tied >= 0 {
			r = uint8(tied)
		} else {
			allowed := generalRegs()
			if i < len(constr.Outputs) && !constr.Outputs[i].Regs.Empty() {
				allowed = constr.Outputs[i].Regs
			}
			r = a.allocReg(allowed, busy)
		}
		oregs[i] = r
		busy = busy.Set(r)
		a.bindReg(idx, r)
	}

	cargs := make([]uint64, len(op.CArgs()))
	for i, c := range op.CArgs() {
		cargs[i] = uint64(c)
	}

	if def.Flags.Contains(opcode.FlagSideEffects) || !allOutputsDead(op) {
		a.backend.TcgOutOp(a.buf, a.ctx, op, oregs, iregs, cargs)
	}

	a.applyLife(op)
}

func allOutputsDead(op *ir.Op) bool {
	for i := range op.OArgs() {
		if !op.Life.IsDead(i) {
			return false
		}
	}
	return len(op.OArgs()) > 0
}

// applyLife frees dead args' registers (syncing globals first) after an
// op's host code has been emitted, per the op's precomputed LifeData.
func (a *alloc) applyLife(op *ir.Op) {
	oargs := op.OArgs()
	iargs := op.IArgs()
	nbO := len(oargs)
	for i, idx := range oargs {
		if op.Life.IsDead(i) {
			t := a.temp(idx)
			if op.Life.IsSync(i) && t.Kind == temp.Global {
				a.syncGlobal(t)
			}
			a.free(idx)
		}
	}
	for i, idx := range iargs {
		pos := nbO + i
		if op.Life.IsDead(pos) {
			t := a.temp(idx)
			if op.Life.IsSync(pos) && t.Kind == temp.Global {
				a.syncGlobal(t)
			}
			a.free(idx)
		}
	}
}
