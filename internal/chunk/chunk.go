// Package chunk defines the managed allocation unit (component A of the
// design: the chunk registry) and its state machine.
package chunk

import "unsafe"

// ID is a stable, monotonically increasing chunk identity.
type ID uint64

// State is a node in the chunk residency state machine.
type State int

const (
	// Allocated means the chunk is RAM-resident, not pinned, and eligible
	// for eviction.
	Allocated State = iota
	// AllocatedInUseRead means the chunk is RAM-resident and pinned by at
	// least one read-only use.
	AllocatedInUseRead
	// AllocatedInUseWrite means the chunk is RAM-resident and pinned by a
	// writable use (strongest wins over concurrent read uses).
	AllocatedInUseWrite
	// SwapIn means a read transaction is in flight to bring the chunk back
	// into RAM.
	SwapIn
	// SwapOut means a write transaction is in flight to back the chunk on
	// disk.
	SwapOut
	// Swapped means the chunk has no RAM residency; only its swap
	// placement is valid.
	Swapped
)

func (s State) String() string {
	switch s {
	case Allocated:
		return "Allocated"
	case AllocatedInUseRead:
		return "AllocatedInUseRead"
	case AllocatedInUseWrite:
		return "AllocatedInUseWrite"
	case SwapIn:
		return "SwapIn"
	case SwapOut:
		return "SwapOut"
	case Swapped:
		return "Swapped"
	default:
		return "Unknown"
	}
}

// InRAM reports whether the state implies a live RAM buffer.
func (s State) InRAM() bool {
	switch s {
	case Allocated, AllocatedInUseRead, AllocatedInUseWrite, SwapIn, SwapOut:
		return true
	default:
		return false
	}
}

// Evictable reports whether a chunk in this state, with useCount == 0, may
// be chosen as an eviction victim.
func (s State) Evictable() bool {
	return s == Allocated
}

// Placement is the minimal view the chunk package needs of a swap
// placement; the concrete type lives in package swapfile to avoid an import
// cycle (swapfile does not need to know about Chunk).
type Placement interface {
	// Len returns the number of bytes the placement backs.
	Len() int64
}

// Chunk is the fundamental unit of managed memory.
type Chunk struct {
	ID    ID
	Size  uintptr
	State State

	// UseCount is >0 exactly when State is one of the InUse variants.
	UseCount int

	// RAM holds the resident bytes; nil when the chunk has no RAM
	// residency. Its base address is also reachable as LocPtr for callers
	// that need raw pointer semantics (the C-callable facade).
	RAM []byte

	// Placement is non-nil exactly when the chunk has swap backing
	// (Swapped, SwapOut, or a cached-but-still-resident copy after a
	// read-only use).
	Placement Placement

	// ring position, managed exclusively by package chunk's Ring.
	ringCell int32

	// fatal, once set, marks the chunk as having failed a transaction
	// irrecoverably; any further use returns an InvariantViolation.
	fatal error
}

// New creates a chunk record. The caller is responsible for registering it
// with a Registry and a Ring under the manager's state mutex.
func New(id ID, size uintptr) *Chunk {
	return &Chunk{ID: id, Size: size, State: Allocated, ringCell: -1}
}

// LocPtr returns the address of the RAM buffer, or nil if not resident.
func (c *Chunk) LocPtr() unsafe.Pointer {
	if len(c.RAM) == 0 {
		return nil
	}

	return unsafe.Pointer(&c.RAM[0])
}

// Fatal records an unrecoverable transaction failure on the chunk.
func (c *Chunk) Fatal() error { return c.fatal }

// SetFatal marks the chunk as fatally broken; idempotent.
func (c *Chunk) SetFatal(err error) {
	if c.fatal == nil {
		c.fatal = err
	}
}

// CachedSwap reports whether the chunk is RAM-resident but also still
// backed by a valid (not yet invalidated) swap placement -- the "cached
// swap" state that allows a zero-cost re-eviction.
func (c *Chunk) CachedSwap() bool {
	return c.Placement != nil && c.State.InRAM() && c.State != SwapIn && c.State != SwapOut
}
