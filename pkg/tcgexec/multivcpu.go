package tcgexec

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/tcg-go/tcg/pkg/codebuf"
	"github.com/tcg-go/tcg/pkg/hostasm"
	"github.com/tcg-go/tcg/pkg/tb"
)

// MultiVCPU runs several GuestCpu instances concurrently against one
// shared TB store and code buffer (MTTCG): each vCPU gets its own
// JumpCache, IR context, and backend instance, but translated code
// and the hash-table lookup structure are shared, so a block compiled
// by one vCPU is immediately visible to every other.
type MultiVCPU struct {
	store   *tb.Store
	codeBuf *codebuf.CodeBuffer
	bufMu   sync.RWMutex

	envs []*ExecEnv

	steps atomic.Int64
}

// NewMultiVCPU builds numVCPUs execution environments sharing one code
// buffer and TB store. newBackend is invoked once per vCPU to build an
// independent host backend instance (codegen bookkeeping must not be
// shared even though its output lands in the common buffer).
func NewMultiVCPU(numVCPUs int, newBackend func() hostasm.CodeGen, jumpCacheBits int) (*MultiVCPU, error) {
	if numVCPUs <= 0 {
		return nil, fmt.Errorf("tcgexec: NewMultiVCPU: numVCPUs must be positive, got %d", numVCPUs)
	}

	buf, err := codebuf.New(codeBufSize)
	if err != nil {
		return nil, fmt.Errorf("tcgexec: allocate shared code buffer: %w", err)
	}

	primary := newBackend()
	prologueOffset := buf.Offset()
	primary.EmitPrologue(buf)
	primary.EmitEpilogue(buf)

	store := tb.NewStore()
	m := &MultiVCPU{store: store, codeBuf: buf}
	group := &singleflight.Group{}

	m.envs = make([]*ExecEnv, numVCPUs)
	m.envs[0] = NewSharedExecEnv(primary, store, tb.NewJumpCache(jumpCacheBits), buf, prologueOffset, &m.bufMu, group)
	for i := 1; i < numVCPUs; i++ {
		m.envs[i] = NewSharedExecEnv(newBackend(), store, tb.NewJumpCache(jumpCacheBits), buf, prologueOffset, &m.bufMu, group)
	}
	return m, nil
}

// Close releases the shared code buffer's mapping.
func (m *MultiVCPU) Close() error {
	return m.codeBuf.Close()
}

// Stats returns the number of dispatch steps taken across all vCPUs
// so far.
func (m *MultiVCPU) Stats() (steps int64) {
	return m.steps.Load()
}

// RunResult is one vCPU's terminal outcome.
type RunResult struct {
	VCPU   int
	Reason ExitReason
	Code   uint32
}

// RunAll drives every vCPU's Run loop concurrently against its own
// GuestCpu and returns each one's terminal exit reason, in vCPU index
// order. cpus must have exactly as many entries as NewMultiVCPU's
// numVCPUs.
func (m *MultiVCPU) RunAll(cpus []GuestCpu) ([]RunResult, error) {
	if len(cpus) != len(m.envs) {
		return nil, fmt.Errorf("tcgexec: RunAll: %d cpus for %d vCPU environments", len(cpus), len(m.envs))
	}

	results := make([]RunResult, len(m.envs))
	var wg sync.WaitGroup
	for i := range m.envs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reason, code := m.runOne(i, cpus[i])
			results[i] = RunResult{VCPU: i, Reason: reason, Code: code}
		}(i)
	}
	wg.Wait()
	return results, nil
}

func (m *MultiVCPU) runOne(i int, cpu GuestCpu) (ExitReason, uint32) {
	env := m.envs[i]
	for {
		m.steps.Add(1)
		reason, code := env.Step(cpu)
		if reason != ExitNormal {
			return reason, code
		}
	}
}
