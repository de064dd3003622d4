// Package memmanager implements the manager (component E): the single
// state-mutex domain that owns the chunk registry, the eviction ring, the
// swap-file set and the async I/O queue, and drives the swap engine through
// the Hooks interface so swapengine never has to import this package back.
package memmanager

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/aerisarn/rambrain-go/internal/asyncio"
	"github.com/aerisarn/rambrain-go/internal/chunk"
	"github.com/aerisarn/rambrain-go/internal/rerrors"
	"github.com/aerisarn/rambrain-go/internal/swapengine"
	"github.com/aerisarn/rambrain-go/internal/swapfile"
)

// Manager is the top-level coordinator. Every exported method other than
// the swapengine.Hooks ones takes mu internally; swapengine's completion
// callbacks re-enter it via Hooks.Lock, which is safe because Go's
// sync.Mutex is not reentrant but those callbacks never run on a goroutine
// that already holds the lock: they fire from the reaper goroutine, or from
// a fresh goroutine when asyncio.Transaction.SubmissionComplete is the last
// to finish.
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg *Config

	registry *chunk.Registry
	ring     *chunk.Ring
	fs       *swapfile.FileSet
	queue    *asyncio.Queue
	engine   *swapengine.Engine

	usedMemory uintptr
	usedSwap   uintptr
}

// New builds a Manager from cfg: opens (or creates) the swap-file set,
// starts the async I/O worker pool and reaper, and wires the swap engine's
// Hooks back to this Manager's accounting and condition variable.
func New(ctx context.Context, cfg *Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, rerrors.ConfigError(err.Error())
	}

	m := &Manager{
		cfg:      cfg,
		registry: chunk.NewRegistry(),
		ring:     chunk.NewRing(),
	}
	m.cond = sync.NewCond(&m.mu)

	alignment := int64(1)
	if cfg.DMAEnabled {
		alignment = swapfile.PageSize()
	}

	var backend swapfile.Backend
	if cfg.FileTemplate == "" {
		capacity := int64(cfg.SwapCeiling)
		if cfg.SwapPolicy != Fixed {
			capacity = 0 // a growable policy gets an unbounded dummy disk
		}

		backend = swapfile.NewMemBackend(capacity)
	} else {
		backend = swapfile.NewFileBackend(fmt.Sprintf(cfg.FileTemplate, os.Getpid()), cfg.DMAEnabled)
	}

	m.fs = swapfile.New(backend, cfg.FileSize, alignment, swapfile.WithCleanup(m.cleanupCached))

	initialFiles := 1
	if cfg.SwapCeiling > 0 {
		initialFiles = int((int64(cfg.SwapCeiling) + cfg.FileSize - 1) / cfg.FileSize)
		if initialFiles < 1 {
			initialFiles = 1
		}
	}

	if err := m.fs.OpenRange(ctx, initialFiles); err != nil {
		return nil, rerrors.ConfigError(err.Error())
	}

	m.queue = asyncio.NewQueue(m.fs, cfg.Workers, nil)
	m.queue.Start(ctx)

	go m.queue.RunReaper(ctx)

	m.engine = swapengine.New(m.fs, m.queue, m, cfg.ResizeFraction, m.growSwap)

	return m, nil
}

// --- swapengine.Hooks ---

func (m *Manager) Lock()   { m.mu.Lock() }
func (m *Manager) Unlock() { m.mu.Unlock() }

func (m *Manager) ClaimRAM(size uintptr) error {
	if m.usedMemory+size > m.cfg.MemoryCeiling {
		return rerrors.OutOfMemory(size, m.cfg.MemoryCeiling)
	}

	m.usedMemory += size

	return nil
}

func (m *Manager) ReleaseRAM(size uintptr) {
	if size > m.usedMemory {
		m.usedMemory = 0
	} else {
		m.usedMemory -= size
	}
}

func (m *Manager) ClaimSwap(size uintptr) error {
	if m.cfg.SwapCeiling > 0 && m.usedSwap+size > m.cfg.SwapCeiling {
		return rerrors.OutOfSwap(size, m.cfg.SwapCeiling)
	}

	m.usedSwap += size

	return nil
}

func (m *Manager) ReleaseSwap(size uintptr) {
	if size > m.usedSwap {
		m.usedSwap = 0
	} else {
		m.usedSwap -= size
	}
}

func (m *Manager) SignalSwapCond() {
	m.cond.Broadcast()
}

// growSwap implements the SwapPolicy knob for the engine's OutOfSwap retry
// hook. It is never called with mu unlocked: the caller (Engine.SwapOut)
// runs under Hooks' lock.
func (m *Manager) growSwap(ctx context.Context, deficit int64) error {
	switch m.cfg.SwapPolicy {
	case AutoExtendable:
		if err := m.fs.Extend(ctx, deficit); err != nil {
			return err
		}

		m.cfg.SwapCeiling += uintptr(deficit)

		return nil
	case Interactive:
		return m.promptGrow(ctx, deficit)
	default:
		return rerrors.OutOfSwap(uintptr(deficit), m.cfg.SwapCeiling)
	}
}

// promptGrow asks an operator (via stdin/stdout) whether to extend the swap
// file set by deficit bytes. It is a direct port of the design's
// "Interactive" policy: a batch system has no one to ask and should use
// Fixed or AutoExtendable instead.
func (m *Manager) promptGrow(ctx context.Context, deficit int64) error {
	fmt.Fprintf(os.Stderr, "rambrain: swap exhausted, need %d more bytes; extend? [y/N] ", deficit)

	var answer string

	if _, err := fmt.Fscanln(os.Stdin, &answer); err != nil {
		return rerrors.OutOfSwap(uintptr(deficit), m.cfg.SwapCeiling)
	}

	if answer != "y" && answer != "Y" {
		return rerrors.OutOfSwap(uintptr(deficit), m.cfg.SwapCeiling)
	}

	if err := m.fs.Extend(ctx, deficit); err != nil {
		return err
	}

	m.cfg.SwapCeiling += uintptr(deficit)

	return nil
}

// cleanupCached is the swapfile.WithCleanup hook: it drops cached-swap
// placements (RAM-resident chunks that also still carry a valid disk copy)
// to make room in the placement arena without paying an I/O cost, per the
// "cached swap" zero-cost re-eviction design.
func (m *Manager) cleanupCached(deficit int64) int64 {
	var freed int64

	m.registry.Each(func(c *chunk.Chunk) {
		if freed >= deficit {
			return
		}

		if c.CachedSwap() && c.UseCount == 0 {
			m.engine.SwapDelete(c)
			freed += int64(c.Size)
		}
	})

	return freed
}

// Allocate creates a new chunk of size bytes, evicting as needed to make
// room under the memory ceiling, and returns its id.
func (m *Manager) Allocate(ctx context.Context, size uintptr) (chunk.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if size > m.cfg.MemoryCeiling {
		return 0, rerrors.OutOfMemory(size, m.cfg.MemoryCeiling)
	}

	if err := m.ensureRoom(ctx, size); err != nil {
		return 0, err
	}

	c := m.registry.Create(size)
	c.RAM = make([]byte, size)
	m.usedMemory += size
	m.ring.Insert(c)

	return c.ID, nil
}

// Free releases a chunk's RAM and swap backing entirely and removes it from
// the registry and ring. It is an error to Free a chunk that is in use.
func (m *Manager) Free(id chunk.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.registry.Lookup(id)
	if c == nil {
		return rerrors.InvariantViolation("free of unknown chunk", map[string]interface{}{"chunk": id})
	}

	if c.UseCount > 0 {
		return rerrors.InvariantViolation("free of chunk still in use", map[string]interface{}{"chunk": id, "useCount": c.UseCount})
	}

	for m.inFlight(c) {
		m.cond.Wait()
	}

	if c.State.InRAM() {
		m.ReleaseRAM(c.Size)
	}

	if c.Placement != nil {
		m.engine.SwapDelete(c)
	}

	m.ring.Remove(c)
	m.registry.Delete(id)

	return nil
}

func (m *Manager) inFlight(c *chunk.Chunk) bool {
	return c.State == chunk.SwapIn || c.State == chunk.SwapOut
}

// SetUse pins a chunk for read (write=false) or write (write=true) access,
// bringing it back into RAM first if necessary, and returns its RAM buffer.
// A write use invalidates any cached swap copy, since the copy is about to
// become stale.
func (m *Manager) SetUse(ctx context.Context, id chunk.ID, write bool) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.registry.Lookup(id)
	if c == nil {
		return nil, rerrors.InvariantViolation("use of unknown chunk", map[string]interface{}{"chunk": id})
	}

	if err := c.Fatal(); err != nil {
		return nil, err
	}

	// Resolved open question: a setUse racing an in-flight SwapOut write
	// does not resurrect the RAM buffer in place. It waits for the write
	// to finish (the chunk lands in Swapped), then drives a fresh SwapIn.
	for c.State == chunk.SwapOut {
		m.cond.Wait()

		if err := c.Fatal(); err != nil {
			return nil, err
		}
	}

	if !c.State.InRAM() {
		if err := m.ensureRoom(ctx, c.Size); err != nil {
			return nil, err
		}

		if err := m.engine.SwapIn(ctx, c); err != nil {
			return nil, err
		}

		for c.State == chunk.SwapIn {
			m.cond.Wait()

			if err := c.Fatal(); err != nil {
				return nil, err
			}
		}
	}

	if write && c.Placement != nil {
		m.engine.InvalidateCache(c)
	}

	c.UseCount++
	if write {
		c.State = chunk.AllocatedInUseWrite
	} else if c.State != chunk.AllocatedInUseWrite {
		c.State = chunk.AllocatedInUseRead
	}

	m.ring.TouchActiveSide(c)

	return c.RAM, nil
}

// UnsetUse releases one pin on a chunk. Once the last pin drops, the chunk
// returns to Allocated and becomes eligible for eviction again.
func (m *Manager) UnsetUse(id chunk.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.registry.Lookup(id)
	if c == nil {
		return rerrors.InvariantViolation("unset-use of unknown chunk", map[string]interface{}{"chunk": id})
	}

	if c.UseCount == 0 {
		return rerrors.InvariantViolation("unset-use with no outstanding use", map[string]interface{}{"chunk": id})
	}

	c.UseCount--
	if c.UseCount == 0 {
		c.State = chunk.Allocated
	}

	return nil
}

// Stats is a read-only snapshot of manager accounting, exposed for the
// signal-driven diagnostic dump (component H) and tests.
type Stats struct {
	UsedMemory  uintptr
	UsedSwap    uintptr
	Ceiling     uintptr
	SwapCeiling uintptr
	ChunkCount  int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		UsedMemory:  m.usedMemory,
		UsedSwap:    m.usedSwap,
		Ceiling:     m.cfg.MemoryCeiling,
		SwapCeiling: m.cfg.SwapCeiling,
		ChunkCount:  m.registry.Len(),
	}
}

// SetPreemptiveLoad, SetSwapOutFraction, SetSwapInFraction and
// SetPreemptiveTurnoffFraction apply the narrow set of knobs the hot-reload
// watcher (internal/rconfig) is allowed to change on a running Manager;
// MemoryCeiling, SwapCeiling and SwapPolicy remain fixed for the Manager's
// lifetime.
func (m *Manager) SetPreemptiveLoad(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cfg.PreemptiveLoad = on
}

func (m *Manager) SetSwapOutFraction(f float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cfg.SwapOutFraction = f
}

func (m *Manager) SetSwapInFraction(f float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cfg.SwapInFraction = f
}

func (m *Manager) SetPreemptiveTurnoffFraction(f float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cfg.PreemptiveTurnoffFraction = f
}

// Close shuts down the async I/O queue and the swap-file backend.
func (m *Manager) Close() error {
	m.queue.Close()

	if err := m.queue.Wait(); err != nil && err != context.Canceled {
		return err
	}

	return m.fs.Close()
}
