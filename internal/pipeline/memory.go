package pipeline

import (
	"sync/atomic"

	"github.com/ajitpratap0/nebula-sink/pkg/nebulaerrors"
)

// MemoryManager hands out a fixed memory budget in equal blocks.
// It never blocks: a request that does not fit is refused and the caller
// decides how to wait.
type MemoryManager struct {
	budget    int64
	block     int64
	allocated atomic.Int64
}

// NewMemoryManager creates a manager for budget bytes granted block bytes at
// a time.
func NewMemoryManager(budget, block int64) (*MemoryManager, error) {
	if budget <= 0 {
		return nil, nebulaerrors.Newf(nebulaerrors.ErrorTypeConfig, "memory budget must be positive, got %d", budget)
	}
	if block <= 0 || block > budget {
		return nil, nebulaerrors.Newf(nebulaerrors.ErrorTypeConfig, "block size %d must be in (0, %d]", block, budget)
	}
	return &MemoryManager{budget: budget, block: block}, nil
}

// RequestMemory grants exactly one block, or 0 when the block does not fit.
func (m *MemoryManager) RequestMemory() int64 {
	for {
		cur := m.allocated.Load()
		if cur+m.block > m.budget {
			return 0
		}
		if m.allocated.CompareAndSwap(cur, cur+m.block) {
			return m.block
		}
	}
}

// Free returns bytes to the budget. Freeing more than is outstanding clamps
// the allocation at zero.
func (m *MemoryManager) Free(bytes int64) {
	if bytes <= 0 {
		return
	}
	for {
		cur := m.allocated.Load()
		next := cur - bytes
		if next < 0 {
			next = 0
		}
		if m.allocated.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Allocated returns the bytes currently granted.
func (m *MemoryManager) Allocated() int64 { return m.allocated.Load() }

// Budget returns the total budget.
func (m *MemoryManager) Budget() int64 { return m.budget }

// BlockSize returns the grant size.
func (m *MemoryManager) BlockSize() int64 { return m.block }

// Available returns the bytes not currently granted.
func (m *MemoryManager) Available() int64 { return m.budget - m.allocated.Load() }

// Utilization returns allocated/budget in [0, 1].
func (m *MemoryManager) Utilization() float64 {
	return float64(m.allocated.Load()) / float64(m.budget)
}
