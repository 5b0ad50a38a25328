// Package tcgexec drives the lookup → translate → execute cycle: per
// vCPU, consult the jump cache and TB store for an already-compiled
// block, fall back to the frontend's translator on a miss, then
// dispatch into the generated host code and interpret its exit value.
package tcgexec

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sync/singleflight"

	"github.com/tcg-go/tcg/pkg/codebuf"
	"github.com/tcg-go/tcg/pkg/hostasm"
	"github.com/tcg-go/tcg/pkg/ir"
	"github.com/tcg-go/tcg/pkg/liveness"
	"github.com/tcg-go/tcg/pkg/regalloc"
	"github.com/tcg-go/tcg/pkg/tb"
)

// minCodeBufRemaining is the low-water mark that triggers a flush of
// the TB store and jump cache before translating a new block.
const minCodeBufRemaining = 4096

const codeBufSize = 16 * 1024 * 1024

// MaxInsnsPerBlock caps how many guest instructions gen_code will
// translate into a single TB.
const MaxInsnsPerBlock = 512

// ExitReason classifies why a dispatch into host code returned.
type ExitReason int

const (
	// ExitNormal means the TB ran off the end of its translated
	// instructions with no outgoing goto_tb (fell through to exit_tb).
	ExitNormal ExitReason = iota
	// ExitChained means the dispatch returned via a goto_tb slot
	// pointing at an as-yet-unchained successor; the loop resolves and
	// chains it, then continues without re-entering the dispatcher.
	ExitChained
	// ExitInterrupt means an asynchronous interrupt is pending.
	ExitInterrupt
	// ExitException means the guest raised an exception; Code holds
	// the guest-defined exception number.
	ExitException
	// ExitHalt means the guest requested a halt (e.g. exit syscall).
	ExitHalt
)

func (r ExitReason) String() string {
	switch r {
	case ExitNormal:
		return "normal"
	case ExitChained:
		return "chained"
	case ExitInterrupt:
		return "interrupt"
	case ExitException:
		return "exception"
	case ExitHalt:
		return "halt"
	default:
		return fmt.Sprintf("ExitReason(%d)", int(r))
	}
}

// GuestCpu is implemented by a guest architecture frontend: PC/flags
// accessors the loop consults on every iteration, and the translator
// entry point invoked only on a TB-cache miss.
type GuestCpu interface {
	// PC returns the current guest program counter.
	PC() uint64
	// Flags returns the CPU mode flags that affect translation
	// (privilege level, ISA extension state, endianness, ...).
	Flags() uint32
	// GenCode translates guest code starting at pc into ctx, emitting
	// at most maxInsns instructions. Returns the number of guest bytes
	// translated. Called only on a TB-cache miss; the frontend
	// registers its globals on the first call and reuses them
	// (ctx.Reset preserves the global prefix) on every call after.
	GenCode(ctx *ir.Context, pc uint64, maxInsns uint32) (bytesTranslated uint32)
	// EnvPtr returns a pointer to the CPU state struct the generated
	// code's Fixed/Global temps are offset against.
	EnvPtr() unsafe.Pointer
}

// ExecEnv holds the translation state shared across TBs for one vCPU:
// the code buffer, the host backend, the IR context reused (and
// Reset) between translations, the shared TB store, and this vCPU's
// private jump cache.
type ExecEnv struct {
	Store     *tb.Store
	JumpCache *tb.JumpCache
	CodeBuf   *codebuf.CodeBuffer
	Backend   hostasm.CodeGen
	IRCtx     *ir.Context

	prologueOffset int
	codeGenStart   int

	// bufMu, when non-nil, guards the CodeBuf's W^X protection state
	// across ExecEnvs sharing it (the MTTCG demo). Dispatch (which
	// needs the buffer executable) holds the read lock, so any number
	// of vCPUs may execute concurrently; translate/chain (which flip
	// the buffer briefly writable) take the write lock, which blocks
	// until every in-flight dispatch has returned. This is the "global
	// lock around the TB store" approximation the reference
	// concurrency model explicitly permits, widened to also cover the
	// buffer's protection bit since a single shared mapping cannot
	// otherwise be patched while another vCPU is executing it.
	bufMu       *sync.RWMutex
	ownsCodeBuf bool

	// translateGroup deduplicates concurrent misses on the same
	// (pc, flags) across every ExecEnv sharing it: if vCPU B requests a
	// translation already in flight from vCPU A, B blocks on A's result
	// instead of repeating the work once both reach bufMu. Standalone
	// ExecEnvs get a private Group of their own, since there is no
	// other vCPU to race with.
	translateGroup *singleflight.Group
}

// NewExecEnv allocates a fresh code buffer, emits the prologue and
// epilogue trampoline, and wires up an IR context against backend.
// store and jumpCache may be shared across multiple ExecEnvs (one
// store, one JumpCache per vCPU) for a multi-vCPU configuration.
func NewExecEnv(backend hostasm.CodeGen, store *tb.Store, jumpCache *tb.JumpCache) (*ExecEnv, error) {
	buf, err := codebuf.New(codeBufSize)
	if err != nil {
		return nil, fmt.Errorf("tcgexec: allocate code buffer: %w", err)
	}
	prologueOffset := buf.Offset()
	backend.EmitPrologue(buf)
	backend.EmitEpilogue(buf)

	ctx := ir.New()
	backend.InitContext(ctx)

	return &ExecEnv{
		Store:          store,
		JumpCache:      jumpCache,
		CodeBuf:        buf,
		Backend:        backend,
		IRCtx:          ctx,
		prologueOffset: prologueOffset,
		codeGenStart:   buf.Offset(),
		ownsCodeBuf:    true,
		translateGroup: &singleflight.Group{},
	}, nil
}

// NewSharedExecEnv builds an ExecEnv over a CodeBuf and Store shared
// with other vCPUs (the multi-vCPU demo): prologueOffset locates the
// trampoline already emitted into codeBuf by whichever vCPU emitted
// it first, and bufMu is the protection-state lock shared by every
// vCPU over this buffer. backend and the IR context remain per-vCPU:
// codegen bookkeeping (epilogue offset, goto_tb slots, temp pool) is
// not safe to share even though its output lands in a common buffer.
func NewSharedExecEnv(backend hostasm.CodeGen, store *tb.Store, jumpCache *tb.JumpCache, codeBuf *codebuf.CodeBuffer, prologueOffset int, bufMu *sync.RWMutex, translateGroup *singleflight.Group) *ExecEnv {
	ctx := ir.New()
	backend.InitContext(ctx)
	return &ExecEnv{
		Store:          store,
		JumpCache:      jumpCache,
		CodeBuf:        codeBuf,
		Backend:        backend,
		IRCtx:          ctx,
		prologueOffset: prologueOffset,
		codeGenStart:   codeBuf.Offset(),
		bufMu:          bufMu,
		translateGroup: translateGroup,
	}
}

// Close releases the code buffer's mapping, if this ExecEnv owns it
// (NewSharedExecEnv callers own the buffer themselves and must close
// it exactly once after every sharing ExecEnv is done with it).
func (e *ExecEnv) Close() error {
	if !e.ownsCodeBuf {
		return nil
	}
	return e.CodeBuf.Close()
}

// flush drops every TB and jump-cache entry and rewinds the code
// buffer cursor to just past the prologue/epilogue region.
func (e *ExecEnv) flush() {
	e.Store.Flush()
	e.JumpCache.Invalidate()
	e.CodeBuf.Reset(e.codeGenStart)
}

// mustProtect panics on an mprotect failure: the mapping itself is
// broken, not a recoverable resource condition like running out of
// buffer space.
func mustProtect(err error) {
	if err != nil {
		panic(err)
	}
}

// translate runs the frontend on a TB-cache miss, compiles the
// resulting IR, and installs the new block into the store and jump
// cache. Returns the new TB's index. Concurrent misses on the same
// (pc, flags) from other vCPUs sharing translateGroup collapse onto a
// single compile via singleflight; bufMu's own recheck-after-lock
// guards the remaining window between a singleflight call admitting a
// caller and that caller actually taking the lock.
func (e *ExecEnv) translate(cpu GuestCpu, pc uint64, flags uint32) int {
	key := fmt.Sprintf("%x:%x", pc, flags)
	v, _, _ := e.translateGroup.Do(key, func() (interface{}, error) {
		return e.translateOnce(cpu, pc, flags), nil
	})
	return v.(int)
}

func (e *ExecEnv) translateOnce(cpu GuestCpu, pc uint64, flags uint32) int {
	if e.bufMu != nil {
		e.bufMu.Lock()
		defer e.bufMu.Unlock()
		// Another vCPU may have translated this exact (pc, flags) while
		// we waited for the lock; recheck before compiling again.
		if idx, ok := e.Store.Lookup(pc, flags); ok {
			e.JumpCache.Insert(pc, idx)
			return idx
		}
	}

	mustProtect(e.CodeBuf.SetWritable())

	if e.CodeBuf.Remaining() < minCodeBufRemaining {
		e.flush()
	}

	e.IRCtx.Reset()
	cpu.GenCode(e.IRCtx, pc, MaxInsnsPerBlock)
	liveness.Analyze(e.IRCtx)

	idx := e.Store.Alloc(pc, flags, 0)
	block := e.Store.Get(idx)
	block.CodeStart = e.CodeBuf.Offset()

	offsets := regalloc.Run(e.IRCtx, e.Backend, e.CodeBuf)
	block.NumJmp = len(offsets)
	for i, off := range offsets {
		if i >= len(block.JmpOffsets) {
			break
		}
		block.JmpOffsets[i] = off
	}
	block.CodeEnd = e.CodeBuf.Offset()

	e.Store.Insert(idx)
	e.JumpCache.Insert(pc, idx)
	mustProtect(e.CodeBuf.SetExecutable())
	return idx
}

// chain resolves predecessor's goto_tb slot to point directly at
// target, patching the jump and recording the link for unchaining.
func (e *ExecEnv) chain(predIdx, slot, target int) {
	pred := e.Store.Get(predIdx)
	if slot >= pred.NumJmp {
		return
	}
	if e.bufMu != nil {
		e.bufMu.Lock()
		defer e.bufMu.Unlock()
	}
	mustProtect(e.CodeBuf.SetWritable())
	off := pred.JmpOffsets[slot]
	targetBlock := e.Store.Get(target)
	e.Backend.PatchJump(e.CodeBuf, off.JmpOffset, targetBlock.CodeStart)
	e.Store.Chain(predIdx, slot, target)
	mustProtect(e.CodeBuf.SetExecutable())
}

// Step runs one dispatch: resolve (or translate) the TB at the
// guest's current (pc, flags), enter the generated code, and report
// why control returned. A fallthrough exit (ExitSlot0/ExitSlot1) is
// resolved and chained in-loop — the previous iteration's TB index and
// exit slot are remembered so that once the successor is known, its
// direct jump is patched to skip the dispatcher on the next visit —
// so the caller only observes terminal reasons.
func (e *ExecEnv) Step(cpu GuestCpu) (ExitReason, uint32) {
	lastIdx, lastSlot := -1, -1
	for {
		pc := cpu.PC()
		flags := cpu.Flags()

		idx, ok := e.JumpCache.Lookup(pc)
		if !ok {
			idx, ok = e.Store.Lookup(pc, flags)
			if ok {
				e.JumpCache.Insert(pc, idx)
			}
		}
		if !ok {
			idx = e.translate(cpu, pc, flags)
		}

		if lastIdx >= 0 {
			e.chain(lastIdx, lastSlot, idx)
		}

		block := e.Store.Get(idx)
		base := uintptr(unsafe.Pointer(e.CodeBuf.PtrAt(0)))
		prologueAddr := base + uintptr(e.prologueOffset)
		tbAddr := base + uintptr(block.CodeStart)

		if e.bufMu != nil {
			e.bufMu.RLock()
		}
		raw := callTB(prologueAddr, uintptr(cpu.EnvPtr()), tbAddr)
		if e.bufMu != nil {
			e.bufMu.RUnlock()
		}
		_, exitCode, _ := tb.DecodeExit(raw)

		switch {
		case exitCode == tb.ExitSlot0 || exitCode == tb.ExitSlot1:
			lastIdx, lastSlot = idx, int(exitCode)
			continue
		case exitCode == tb.ExitInterrupt:
			return ExitInterrupt, 0
		case exitCode == tb.ExitHalt:
			return ExitHalt, 0
		default:
			return ExitException, uint32(exitCode - tb.ExitExceptionBase)
		}
	}
}

// Run drives Step in a loop until the guest halts or raises an
// exception or interrupt, returning the terminal reason.
func (e *ExecEnv) Run(cpu GuestCpu) (ExitReason, uint32) {
	for {
		reason, code := e.Step(cpu)
		if reason != ExitNormal {
			return reason, code
		}
	}
}
