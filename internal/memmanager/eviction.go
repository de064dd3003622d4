package memmanager

import (
	"context"

	"github.com/aerisarn/rambrain-go/internal/chunk"
	"github.com/aerisarn/rambrain-go/internal/rerrors"
)

// ensureRoom evicts chunks along the cyclic ring, starting at active, until
// at least need bytes are free under the memory ceiling, or until a full
// revolution finds nothing further to evict. The batch targets
// max(deficit, SwapOutFraction*MemoryCeiling), not just the bare deficit,
// so a single eviction pass tends to buy headroom for the allocations that
// follow instead of swapping out one chunk per request. The caller must
// hold mu.
func (m *Manager) ensureRoom(ctx context.Context, need uintptr) error {
	if m.usedMemory+need <= m.cfg.MemoryCeiling {
		return nil
	}

	deficit := m.usedMemory + need - m.cfg.MemoryCeiling

	target := deficit
	if frac := m.swapOutFractionBytes(); frac > target {
		target = frac
	}

	var freed uintptr

	batch := m.collectVictims(target)
	if len(batch) == 0 && freed < target {
		return rerrors.OutOfMemory(need, m.cfg.MemoryCeiling)
	}

	for _, c := range batch {
		size := c.Size

		if _, err := m.engine.SwapOut(ctx, c); err != nil {
			return err
		}

		freed += size

		if freed >= target {
			break
		}
	}

	// SwapOut only schedules the write; RAM is released when each write
	// lands, so wait for the scheduled batch before re-checking the ceiling.
	for m.usedMemory+need > m.cfg.MemoryCeiling {
		pending := false

		for _, c := range batch {
			if c.State == chunk.SwapOut && c.Fatal() == nil {
				pending = true
			}
		}

		if !pending {
			break
		}

		m.cond.Wait()
	}

	if m.usedMemory+need > m.cfg.MemoryCeiling {
		return rerrors.OutOfMemory(need, m.cfg.MemoryCeiling)
	}

	return nil
}

// collectVictims walks the ring from active forward, collecting evictable,
// unpinned chunks whose combined size covers target, preferring cold ones
// (outside the hot window), then advances active past the span the first
// walk consumed -- the cyclic CLOCK policy from design note 9.
func (m *Manager) collectVictims(target uintptr) []*chunk.Chunk {
	var (
		victims []*chunk.Chunk
		sum     uintptr
		walked  int
	)

	m.ring.Walk(func(c *chunk.Chunk) bool {
		walked++

		if sum >= target {
			return false
		}

		if c.UseCount == 0 && c.State.Evictable() && !m.ring.InHotWindow(c) {
			victims = append(victims, c)
			sum += c.Size
		}

		return sum < target
	})

	// Cold chunks go first; idle chunks inside the hot window are taken only
	// when the cold ones cannot cover target, so the request fails only when
	// every resident chunk is in use.
	if sum < target {
		m.ring.Walk(func(c *chunk.Chunk) bool {
			if c.UseCount == 0 && c.State.Evictable() && m.ring.InHotWindow(c) {
				victims = append(victims, c)
				sum += c.Size
			}

			return sum < target
		})
	}

	m.ring.Advance(walked)

	return victims
}

// swapOutFractionBytes returns SwapOutFraction of the memory ceiling, the
// floor ensureRoom applies to its eviction batch so it frees more than the
// bare deficit when there's room to do so.
func (m *Manager) swapOutFractionBytes() uintptr {
	return uintptr(float64(m.cfg.MemoryCeiling) * m.cfg.SwapOutFraction)
}

// PreemptiveSwapIn opportunistically brings adjacent swapped chunks back
// into RAM when headroom exists, per design scenario
// "PreemptiveSwapInAdjacent": once a chunk is used, its ring neighbors are
// likely to be used next (sequential/matrix-transpose access patterns), so
// warming them ahead of time turns a future SwapIn into a no-op. It is a
// no-op if cfg.PreemptiveLoad is off, or once used memory is within
// PreemptiveTurnoffFraction of the ceiling.
func (m *Manager) PreemptiveSwapIn(ctx context.Context, id chunk.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.PreemptiveLoad {
		return
	}

	turnoff := uintptr(float64(m.cfg.MemoryCeiling) * m.cfg.PreemptiveTurnoffFraction)
	if m.cfg.MemoryCeiling-m.usedMemory < turnoff {
		return
	}

	c := m.registry.Lookup(id)
	if c == nil {
		return
	}

	budget := uintptr(float64(m.cfg.MemoryCeiling) * m.cfg.SwapInFraction)
	var loaded uintptr

	m.ring.Walk(func(n *chunk.Chunk) bool {
		if n.ID == id {
			return true
		}

		if loaded >= budget {
			return false
		}

		if n.State != chunk.Swapped {
			return true
		}

		if m.usedMemory+n.Size > m.cfg.MemoryCeiling {
			return false
		}

		if err := m.engine.SwapIn(ctx, n); err == nil {
			loaded += n.Size
		}

		return loaded < budget
	})
}
