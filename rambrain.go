// Package rambrain is the public facade over the memory manager: typed
// handles (Pointer[T]) backed by chunks that may be transparently swapped
// to disk, and scoped pins (Use/UseWrite) that bind a handle to RAM for the
// duration of a read or write.
package rambrain

import (
	"context"
	"sync"
	"unsafe"

	"github.com/Masterminds/semver/v3"

	"github.com/aerisarn/rambrain-go/internal/cfacade"
	"github.com/aerisarn/rambrain-go/internal/chunk"
	"github.com/aerisarn/rambrain-go/internal/gid"
	"github.com/aerisarn/rambrain-go/internal/memmanager"
	"github.com/aerisarn/rambrain-go/internal/rconfig"
)

const moduleVersion = "0.1.0"

// Version returns the parsed module version, the single place a consuming
// binary should read it from rather than hard-coding a string.
func Version() *semver.Version {
	v, err := semver.NewVersion(moduleVersion)
	if err != nil {
		panic(err) // moduleVersion is a compile-time constant; a bad one is a build defect
	}

	return v
}

// Config, SwapPolicy and the With* functional options are re-exported from
// internal/memmanager so callers never need to import an internal package.
type (
	Config     = memmanager.Config
	SwapPolicy = memmanager.SwapPolicy
	Option     = memmanager.Option
)

const (
	Fixed          = memmanager.Fixed
	AutoExtendable = memmanager.AutoExtendable
	Interactive    = memmanager.Interactive
)

var (
	DefaultConfig                  = memmanager.DefaultConfig
	WithSwapPolicy                 = memmanager.WithSwapPolicy
	WithDMA                        = memmanager.WithDMA
	WithPreemptiveLoad             = memmanager.WithPreemptiveLoad
	WithFileSize                   = memmanager.WithFileSize
	WithFileTemplate               = memmanager.WithFileTemplate
	WithWorkers                    = memmanager.WithWorkers
	WithSwapOutFraction            = memmanager.WithSwapOutFraction
	WithSwapInFraction             = memmanager.WithSwapInFraction
	WithPreemptiveTurnoffFraction  = memmanager.WithPreemptiveTurnoffFraction
)

// Instance owns a Manager and the parental-tracking state the facade needs
// for recursive construction of nested pointers.
type Instance struct {
	mgr *memmanager.Manager

	parentalMutex sync.Mutex
	parents       sync.Map // goroutine id (uint64) -> chunk.ID
}

// New creates an Instance from cfg, opening its swap-file set and starting
// the async I/O pipeline.
func New(ctx context.Context, cfg *Config) (*Instance, error) {
	mgr, err := memmanager.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Instance{mgr: mgr}, nil
}

// Close shuts down the underlying manager.
func (in *Instance) Close() error { return in.mgr.Close() }

// WatchConfig starts a hot-reload watch over a JSON sidecar at path,
// applying PreemptiveLoad/SwapOutFraction/SwapInFraction/
// PreemptiveTurnoffFraction updates to this Instance's Manager as they
// change on disk.
func (in *Instance) WatchConfig(path string) (*rconfig.Watcher, error) {
	return rconfig.New(path, func(t rconfig.Tunables) {
		in.mgr.SetPreemptiveLoad(t.PreemptiveLoad)
		in.mgr.SetSwapOutFraction(t.SwapOutFraction)
		in.mgr.SetSwapInFraction(t.SwapInFraction)
		in.mgr.SetPreemptiveTurnoffFraction(t.PreemptiveTurnoffFraction)
	})
}

// Stats returns a snapshot of memory/swap accounting.
func (in *Instance) Stats() memmanager.Stats { return in.mgr.Stats() }

// ErrInvalidHandle is returned by the C-callable facade (internal/cfacade)
// for a stale or forged Handle; re-exported here since it is part of the
// public ABI surface described alongside Pointer.
var ErrInvalidHandle = cfacade.ErrInvalidHandle

// Pointer is a typed handle over a managed chunk. Its zero value is not
// valid; obtain one from New or NewIn. A Pointer may be copied across
// goroutines, but a live Pin obtained from one of its pins must not be.
type Pointer[T any] struct {
	inst *Instance
	id   chunk.ID
}

// New allocates a chunk sized to hold a T, copies value into it, and
// returns a handle. If the calling goroutine is already inside another
// pointer's construction (tracked via internal/gid and parentalMutex), the
// outer construction's entry is left in place; no parent/child link is
// recorded, and the manager does not treat nested allocations specially.
func New[T any](ctx context.Context, inst *Instance, value T) (Pointer[T], error) {
	size := unsafe.Sizeof(value)

	inst.parentalMutex.Lock()
	g := gid.Current()
	_, nested := inst.parents.Load(g)
	inst.parentalMutex.Unlock()

	id, err := inst.mgr.Allocate(ctx, size)
	if err != nil {
		return Pointer[T]{}, err
	}

	if !nested {
		inst.parents.Store(g, id)

		defer inst.parents.Delete(g)
	}

	p := Pointer[T]{inst: inst, id: id}

	if err := p.write(ctx, value); err != nil {
		inst.mgr.Free(id)

		return Pointer[T]{}, err
	}

	return p, nil
}

func (p Pointer[T]) write(ctx context.Context, value T) error {
	buf, err := p.inst.mgr.SetUse(ctx, p.id, true)
	if err != nil {
		return err
	}

	defer p.inst.mgr.UnsetUse(p.id)

	if len(buf) > 0 {
		*(*T)(unsafe.Pointer(&buf[0])) = value
	}

	return nil
}

// Free releases the chunk. The Pointer must not be used afterward.
func (p Pointer[T]) Free() error {
	return p.inst.mgr.Free(p.id)
}

// Pin is a scoped access: it binds a Pointer's chunk to RAM for its
// lifetime. Close releases the pin. A Pin must be closed exactly once, from
// the goroutine that created it, and must not outlive the Instance.
type Pin[T any] struct {
	inst   *Instance
	id     chunk.ID
	value  *T
	closed bool
}

// Value returns a pointer to the pinned T. It is valid only between
// creation of the Pin and its Close.
func (p *Pin[T]) Value() *T { return p.value }

// Close releases one pin on the underlying chunk.
func (p *Pin[T]) Close() error {
	if p.closed {
		return nil
	}

	p.closed = true

	return p.inst.mgr.UnsetUse(p.id)
}

// Use pins ptr for read access, bringing its chunk back into RAM first if
// it was swapped out.
func Use[T any](ctx context.Context, ptr Pointer[T]) (*Pin[T], error) {
	return pin[T](ctx, ptr, false)
}

// UseWrite pins ptr for write access, invalidating any cached swap copy.
func UseWrite[T any](ctx context.Context, ptr Pointer[T]) (*Pin[T], error) {
	return pin[T](ctx, ptr, true)
}

func pin[T any](ctx context.Context, ptr Pointer[T], write bool) (*Pin[T], error) {
	buf, err := ptr.inst.mgr.SetUse(ctx, ptr.id, write)
	if err != nil {
		return nil, err
	}

	var valPtr *T
	if len(buf) > 0 {
		valPtr = (*T)(unsafe.Pointer(&buf[0]))
	} else {
		var zero T
		valPtr = &zero
	}

	ptr.inst.mgr.PreemptiveSwapIn(ctx, ptr.id)

	return &Pin[T]{inst: ptr.inst, id: ptr.id, value: valPtr}, nil
}
