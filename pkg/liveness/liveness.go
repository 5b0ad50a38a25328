// Package liveness computes per-op dead/sync bits by a single backward
// sweep over a translation block's IR, so the register allocator knows
// which temps can be discarded and which globals must be flushed to
// their backing memory before they die.
package liveness

import (
	"github.com/tcg-go/tcg/pkg/ir"
	"github.com/tcg-go/tcg/pkg/opcode"
	"github.com/tcg-go/tcg/pkg/temp"
)

// Analyze walks ctx's ops in reverse and writes LifeData onto each op,
// recording which output/input argument positions hold a temp that is
// dead after that op, and which of those are globals needing a sync to
// memory before they die.
func Analyze(ctx *ir.Context) {
	nbTemps := ctx.NbTemps()
	nbGlobals := ctx.NbGlobals()

	// live[i] == true means temp i currently holds a value that will
	// be read again later in program order (i.e. earlier in this
	// reverse walk).
	live := make([]bool, nbTemps)
	for i := 0; i < nbGlobals; i++ {
		live[i] = true
	}

	numOps := ctx.NumOps()
	for oi := numOps - 1; oi >= 0; oi-- {
		op := ctx.Op(ir.OpIdx(oi))
		def := op.Opc.Def()

		if def.Flags.Contains(opcode.FlagBBEnd) {
			for i := 0; i < nbGlobals; i++ {
				live[i] = true
			}
		}

		if op.Opc == opcode.Nop || op.Opc == opcode.InsnStart {
			continue
		}

		var life ir.LifeData
		nbOargs := int(def.NbOargs)
		nbIargs := int(def.NbIargs)

		for i := 0; i < nbOargs; i++ {
			tidx := int(op.Args[i])
			if tidx < nbTemps {
				if !live[tidx] {
					life.SetDead(i)
				}
				live[tidx] = false
			}
		}

		for i := 0; i < nbIargs; i++ {
			argPos := nbOargs + i
			tidx := int(op.Args[argPos])
			if tidx >= nbTemps {
				continue
			}
			if !live[tidx] {
				life.SetDead(argPos)
				if ctx.Temp(temp.Idx(tidx)).Kind == temp.Global {
					life.SetSync(argPos)
				}
			}
			live[tidx] = true
		}

		op.Life = life
	}
}
