package ir

import (
	"github.com/tcg-go/tcg/pkg/temp"
	"github.com/tcg-go/tcg/pkg/types"
)

type constKey struct {
	ty  types.Type
	val uint64
}

// Context is the per-TB mutable translation state: the temp pool, the op
// list, the label list, frame layout, and the reserved-register set.
//
// Invariant: globals (Global- and Fixed-kind temps) occupy a prefix of
// the temp pool, followed by locals (Ebb/Tb/Const). Registering a global
// after any local has been created is a programming error and panics —
// the Context is not recoverable.
type Context struct {
	temps        []temp.Temp
	localsBegun  bool
	ops          []Op
	labels       []Label
	constDedup   map[constKey]temp.Idx

	FrameReg    uint8
	HasFrameReg bool
	FrameStart  int64
	FrameEnd    int64

	ReservedRegs types.RegSet
}

// New creates an empty Context.
func New() *Context {
	return &Context{
		constDedup: make(map[constKey]temp.Idx),
	}
}

func (c *Context) nextTempIdx() temp.Idx {
	return temp.Idx(len(c.temps))
}

// NewTemp allocates an extended-basic-block-scoped local temp.
func (c *Context) NewTemp(ty types.Type) temp.Idx {
	idx := c.nextTempIdx()
	c.temps = append(c.temps, temp.NewEbb(idx, ty))
	c.localsBegun = true
	return idx
}

// NewTempTb allocates a whole-TB-scoped local temp.
func (c *Context) NewTempTb(ty types.Type) temp.Idx {
	idx := c.nextTempIdx()
	c.temps = append(c.temps, temp.NewTb(idx, ty))
	c.localsBegun = true
	return idx
}

// NewConst allocates (or returns the existing) constant temp for
// (ty, val). Constants are deduplicated by (type, value) pair.
func (c *Context) NewConst(ty types.Type, val uint64) temp.Idx {
	key := constKey{ty, val}
	if idx, ok := c.constDedup[key]; ok {
		return idx
	}
	idx := c.nextTempIdx()
	c.temps = append(c.temps, temp.NewConst(idx, ty, val))
	c.localsBegun = true
	c.constDedup[key] = idx
	return idx
}

// NewGlobal registers a global temp backed by base+offset in the guest
// CPU-state record. Panics if any local has already been created.
func (c *Context) NewGlobal(ty types.Type, base temp.Idx, offset int64, name string) temp.Idx {
	if c.localsBegun {
		panic("ir: globals must be registered before locals")
	}
	idx := c.nextTempIdx()
	c.temps = append(c.temps, temp.NewGlobal(idx, ty, base, offset, name))
	return idx
}

// NewFixed registers a temp permanently bound to host register reg.
// Panics if any local has already been created.
func (c *Context) NewFixed(ty types.Type, reg uint8, name string) temp.Idx {
	if c.localsBegun {
		panic("ir: globals must be registered before locals")
	}
	idx := c.nextTempIdx()
	c.temps = append(c.temps, temp.NewFixed(idx, ty, reg, name))
	return idx
}

// NbTemps returns the total number of temps in the pool.
func (c *Context) NbTemps() int { return len(c.temps) }

// NbGlobals returns the number of Global/Fixed temps at the prefix of
// the pool.
func (c *Context) NbGlobals() int {
	n := 0
	for i := range c.temps {
		if c.temps[i].IsGlobalOrFixed() {
			n++
		} else {
			break
		}
	}
	return n
}

// Globals returns the indices of every global/fixed temp.
func (c *Context) Globals() []temp.Idx {
	n := c.NbGlobals()
	out := make([]temp.Idx, n)
	for i := 0; i < n; i++ {
		out[i] = temp.Idx(i)
	}
	return out
}

// Temp returns a mutable pointer to the temp at idx.
func (c *Context) Temp(idx temp.Idx) *temp.Temp {
	return &c.temps[idx]
}

// Temps returns the full temp pool.
func (c *Context) Temps() []temp.Temp { return c.temps }

// NextOpIdx returns the index the next emitted op will receive.
func (c *Context) NextOpIdx() OpIdx {
	return OpIdx(len(c.ops))
}

// EmitOp appends op to the op list.
func (c *Context) EmitOp(op Op) {
	c.ops = append(c.ops, op)
}

// NumOps returns the number of ops emitted so far.
func (c *Context) NumOps() int { return len(c.ops) }

// Op returns a mutable pointer to the op at idx.
func (c *Context) Op(idx OpIdx) *Op {
	return &c.ops[idx]
}

// Ops returns the full op list.
func (c *Context) Ops() []Op { return c.ops }

// NewLabel allocates a new, unplaced label and returns its id.
func (c *Context) NewLabel() uint32 {
	id := uint32(len(c.labels))
	c.labels = append(c.labels, NewLabel(id))
	return id
}

// Label returns a pointer to the label with the given id.
func (c *Context) Label(id uint32) *Label {
	return &c.labels[id]
}

// Labels returns the full label list.
func (c *Context) Labels() []Label { return c.labels }

// SetFrame records the stack-frame register, base offset, and size; the
// allocator spills temps into [FrameStart, FrameEnd).
func (c *Context) SetFrame(reg uint8, start, size int64) {
	c.FrameReg = reg
	c.HasFrameReg = true
	c.FrameStart = start
	c.FrameEnd = start + size
}

// Reset clears locals, ops, and labels while preserving globals (and the
// frame/reserved-register configuration installed by the backend).
func (c *Context) Reset() {
	nbGlobals := c.NbGlobals()
	c.temps = c.temps[:nbGlobals]
	c.localsBegun = false
	c.ops = c.ops[:0]
	c.labels = c.labels[:0]
	for k := range c.constDedup {
		delete(c.constDedup, k)
	}
}
