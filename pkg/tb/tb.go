// Package tb implements the translation-block store: the shared,
// index-addressed arena of translated guest code blocks, a hash table
// keyed by (pc, flags) for miss/hit lookup, and the unchaining logic
// that runs on invalidation.
package tb

import (
	"sync"

	"github.com/tcg-go/tcg/pkg/codebuf"
	"github.com/tcg-go/tcg/pkg/hostasm"
)

// TBHashBits sizes the store's bucket table; TBHashSize must be a
// power of two so hash() can mask instead of mod.
const (
	TBHashBits = 15
	TBHashSize = 1 << TBHashBits
)

// maxJmpSlots is the number of outgoing direct jumps a TB can chain:
// the common case of two successors (taken/fallthrough), matching
// GotoTb's two-slot layout.
const maxJmpSlots = 2

const noTB = -1

// TranslationBlock is one compiled unit of guest code: the guest PC
// and flags it was translated under, the host byte range it occupies,
// and the bookkeeping needed to chain or unchain direct jumps to its
// successors.
type TranslationBlock struct {
	PC     uint64
	Flags  uint32
	Cflags uint32

	CodeStart int
	CodeEnd   int
	NumInsns  int

	// JmpOffsets holds the (jmp_offset, reset_offset) pair recorded by
	// the allocator for each goto_tb emitted in this block.
	JmpOffsets [maxJmpSlots]hostasm.GotoTbOffsets
	NumJmp     int

	// JmpDest[slot] is the TB index that slot is currently chained to,
	// or noTB if unchained (falls through to the epilogue reset path).
	JmpDest [maxJmpSlots]int

	// JmpList holds the indices of TBs that have chained a jump into
	// this one, so invalidate can unchain them.
	JmpList []int

	Invalid bool

	hashNext int
}

func newTranslationBlock(pc uint64, flags, cflags uint32) *TranslationBlock {
	tb := &TranslationBlock{PC: pc, Flags: flags, Cflags: cflags, hashNext: noTB}
	tb.JmpDest[0], tb.JmpDest[1] = noTB, noTB
	return tb
}

// hash maps (pc, flags) to a bucket via a 64-bit finalizer mix (the
// first xorshift-multiply-xorshift round of MurmurHash3's fmix64),
// masked to TBHashSize.
func hash(pc uint64, flags uint32) int {
	h := pc ^ uint64(flags)
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return int(h & (TBHashSize - 1))
}

// Store owns every TranslationBlock by index; all cross references
// (hash chains, jmp_dest, jmp_list) are indices into this arena, never
// pointers, so the whole structure survives a slice reallocation.
//
// Reads (Lookup, Get) take the read lock; writes (Alloc, Insert,
// Chain, Invalidate, Flush) take the write lock, per the
// reader-writer discipline a shared store needs under concurrent vCPUs.
type Store struct {
	mu      sync.RWMutex
	tbs     []*TranslationBlock
	buckets [TBHashSize]int
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.buckets {
		s.buckets[i] = noTB
	}
	return s
}

// Alloc reserves a new TB at the next index. The caller fills in the
// code range, jmp offsets, and instruction count as codegen proceeds,
// then calls Insert to make it visible to Lookup.
func (s *Store) Alloc(pc uint64, flags, cflags uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.tbs)
	s.tbs = append(s.tbs, newTranslationBlock(pc, flags, cflags))
	return idx
}

// Lookup finds a valid TB by (pc, flags).
func (s *Store) Lookup(pc uint64, flags uint32) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.buckets[hash(pc, flags)]
	for cur != noTB {
		tb := s.tbs[cur]
		if !tb.Invalid && tb.PC == pc && tb.Flags == flags {
			return cur, true
		}
		cur = tb.hashNext
	}
	return 0, false
}

// Insert prepends idx to its (pc, flags) hash bucket, making it
// reachable from Lookup.
func (s *Store) Insert(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb := s.tbs[idx]
	b := hash(tb.PC, tb.Flags)
	tb.hashNext = s.buckets[b]
	s.buckets[b] = idx
}

// Get returns the TB at idx. The returned pointer is stable for the
// lifetime of the store (never reallocated, never freed until Flush);
// callers must not mutate fields that Invalidate/Flush also touch
// without holding their own synchronization.
func (s *Store) Get(idx int) *TranslationBlock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tbs[idx]
}

// Len returns the number of TBs currently allocated.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tbs)
}

// Chain records that predIdx's goto_tb slot now jumps directly to
// idx, and that idx must unchain predIdx on invalidation. The caller
// is responsible for having already called backend.PatchJump to
// rewrite the actual displacement.
func (s *Store) Chain(predIdx, slot, idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pred := s.tbs[predIdx]
	pred.JmpDest[slot] = idx
	dest := s.tbs[idx]
	dest.JmpList = append(dest.JmpList, predIdx)
}

// Invalidate marks idx invalid, unlinks it from its hash bucket, and
// unchains every predecessor's direct jump back to that jump's
// reset_offset (the epilogue fallthrough), so no vCPU can re-enter the
// stale block via an already-patched jump.
func (s *Store) Invalidate(idx int, backend hostasm.CodeGen, buf *codebuf.CodeBuffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb := s.tbs[idx]
	if tb.Invalid {
		return
	}
	tb.Invalid = true

	b := hash(tb.PC, tb.Flags)
	prev := noTB
	cur := s.buckets[b]
	for cur != noTB {
		if cur == idx {
			next := s.tbs[cur].hashNext
			if prev == noTB {
				s.buckets[b] = next
			} else {
				s.tbs[prev].hashNext = next
			}
			s.tbs[cur].hashNext = noTB
			break
		}
		prev = cur
		cur = s.tbs[cur].hashNext
	}

	for _, predIdx := range tb.JmpList {
		pred := s.tbs[predIdx]
		for slot := 0; slot < pred.NumJmp; slot++ {
			if pred.JmpDest[slot] != idx {
				continue
			}
			off := pred.JmpOffsets[slot]
			backend.PatchJump(buf, off.JmpOffset, off.ResetOffset)
			pred.JmpDest[slot] = noTB
		}
	}
	tb.JmpList = nil
}

// Flush drops every TB and resets the hash table. The code buffer
// itself is reset by the caller (the execution loop), since the
// prologue/epilogue trampoline region must survive a flush.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tbs = s.tbs[:0]
	for i := range s.buckets {
		s.buckets[i] = noTB
	}
}
