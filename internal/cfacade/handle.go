// Package cfacade implements the C-callable ABI facade (component G): a
// pure-Go handle table exposing Allocate/Free/Reference/Dereference over
// opaque uint64 handles, structured so a downstream package main can wrap
// it 1:1 behind cgo //export shims without this module importing "C"
// itself.
package cfacade

import (
	"context"
	"errors"
	"sync"

	"unsafe"

	"github.com/aerisarn/rambrain-go/internal/chunk"
	"github.com/aerisarn/rambrain-go/internal/memmanager"
)

// ErrInvalidHandle is returned for a stale or forged Handle.
var ErrInvalidHandle = errors.New("cfacade: invalid handle")

// Handle is an opaque value combining a 16-bit integrity token (high bits)
// with a 48-bit table index, so a handle from a prior Allocate/Free cycle
// at the same index cannot be mistaken for the current occupant.
type Handle uint64

const (
	tokenBits = 16
	idxMask   = (uint64(1) << (64 - tokenBits)) - 1
)

func makeHandle(token uint16, idx uint64) Handle {
	return Handle(uint64(token)<<(64-tokenBits) | (idx & idxMask))
}

func (h Handle) token() uint16 { return uint16(uint64(h) >> (64 - tokenBits)) }
func (h Handle) index() uint64 { return uint64(h) & idxMask }

type slot struct {
	id    chunk.ID
	token uint16
	live  bool
}

// Table is the handle table, bound to a single Manager.
type Table struct {
	mgr *memmanager.Manager

	mu    sync.Mutex
	slots []slot
	free  []uint64
	next  uint16
}

// NewTable creates an empty handle table over mgr.
func NewTable(mgr *memmanager.Manager) *Table {
	return &Table{mgr: mgr}
}

// Allocate reserves size bytes and returns a handle to it, or the zero
// Handle on failure.
func (t *Table) Allocate(ctx context.Context, size uintptr) Handle {
	id, err := t.mgr.Allocate(ctx, size)
	if err != nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	token := t.next

	var idx uint64

	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[idx] = slot{id: id, token: token, live: true}
	} else {
		idx = uint64(len(t.slots))
		t.slots = append(t.slots, slot{id: id, token: token, live: true})
	}

	return makeHandle(token, idx)
}

func (t *Table) lookup(h Handle) (chunk.ID, bool) {
	idx := h.index()
	if idx >= uint64(len(t.slots)) {
		return 0, false
	}

	s := t.slots[idx]
	if !s.live || s.token != h.token() {
		return 0, false
	}

	return s.id, true
}

// Free releases the chunk behind h and retires the handle; a subsequent
// call with the same h (or a recycled index at a different token) fails
// with ErrInvalidHandle.
func (t *Table) Free(h Handle) error {
	t.mu.Lock()

	id, ok := t.lookup(h)
	if !ok {
		t.mu.Unlock()

		return ErrInvalidHandle
	}

	idx := h.index()
	t.slots[idx] = slot{}
	t.free = append(t.free, idx)

	t.mu.Unlock()

	return t.mgr.Free(id)
}

// Reference pins the chunk behind h for write-capable raw access and
// returns its address. Each call pins again; the caller must Dereference
// once per Reference.
func (t *Table) Reference(ctx context.Context, h Handle) (unsafe.Pointer, error) {
	t.mu.Lock()
	id, ok := t.lookup(h)
	t.mu.Unlock()

	if !ok {
		return nil, ErrInvalidHandle
	}

	buf, err := t.mgr.SetUse(ctx, id, true)
	if err != nil {
		return nil, err
	}

	if len(buf) == 0 {
		return nil, nil
	}

	return unsafe.Pointer(&buf[0]), nil
}

// Dereference releases one pin acquired by Reference.
func (t *Table) Dereference(h Handle) error {
	t.mu.Lock()
	id, ok := t.lookup(h)
	t.mu.Unlock()

	if !ok {
		return ErrInvalidHandle
	}

	return t.mgr.UnsetUse(id)
}
