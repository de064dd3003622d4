// Package swapengine implements swap-in/out/delete of chunks (component
// D): it fragments large chunks across free regions via the swap-file set
// when needed, schedules the resulting sub-requests on the async I/O
// queue, and completes transactions against chunk state from the reaper.
package swapengine

import (
	"context"
	"sync"

	"github.com/aerisarn/rambrain-go/internal/asyncio"
	"github.com/aerisarn/rambrain-go/internal/chunk"
	"github.com/aerisarn/rambrain-go/internal/rerrors"
	"github.com/aerisarn/rambrain-go/internal/swapfile"
)

// Hooks is the manager-provided integration surface: the engine never
// reasons about RAM/swap ceilings itself, and every transaction-completion
// callback it installs re-enters the caller's state mutex, exactly as the
// design requires ("invokes async-arrival handling under the manager's
// state mutex").
type Hooks interface {
	sync.Locker
	ClaimRAM(size uintptr) error
	ReleaseRAM(size uintptr)
	ClaimSwap(size uintptr) error
	ReleaseSwap(size uintptr)
	SignalSwapCond()
}

// Engine ties a FileSet and an asyncio.Queue together with the chunk state
// machine transitions from design section 4.D.
type Engine struct {
	fs             *swapfile.FileSet
	queue          *asyncio.Queue
	hooks          Hooks
	resizeFraction float64

	// growSwap is consulted when pfAlloc reports OutOfSwap; it encodes the
	// configured SwapPolicy (Fixed/AutoExtendable/Interactive) without
	// making this package depend on memmanager's Config type.
	growSwap func(ctx context.Context, deficit int64) error
}

// New creates a swap engine over fs and queue. resizeFraction controls how
// aggressively a backing file grows past a placement's end (see
// EnsureFileLength). growSwap is called once, with the size that failed to
// place, whenever the swap-file set is exhausted; a nil growSwap always
// fails closed (equivalent to the Fixed policy).
func New(fs *swapfile.FileSet, queue *asyncio.Queue, hooks Hooks, resizeFraction float64, growSwap func(ctx context.Context, deficit int64) error) *Engine {
	if resizeFraction <= 0 {
		resizeFraction = 1.0
	}

	return &Engine{fs: fs, queue: queue, hooks: hooks, resizeFraction: resizeFraction, growSwap: growSwap}
}

// SwapOut schedules (or, for a cached chunk, immediately performs) a
// chunk's move to disk. The caller must hold hooks' lock.
func (e *Engine) SwapOut(ctx context.Context, c *chunk.Chunk) (uintptr, error) {
	switch c.State {
	case chunk.Swapped, chunk.SwapOut:
		return 0, nil
	}

	if c.Placement != nil {
		// A cached swap copy is already valid on disk: drop RAM for free.
		size := c.Size
		c.RAM = nil
		c.State = chunk.Swapped
		e.hooks.ReleaseRAM(size)
		e.hooks.SignalSwapCond()

		return size, nil
	}

	p, err := e.fs.Alloc(swapfile.OwnerID(c.ID), int64(c.Size))
	if err != nil {
		if e.growSwap == nil {
			return 0, err
		}

		if growErr := e.growSwap(ctx, int64(c.Size)); growErr != nil {
			return 0, err
		}

		p, err = e.fs.Alloc(swapfile.OwnerID(c.ID), int64(c.Size))
		if err != nil {
			return 0, err
		}
	}

	if err := e.hooks.ClaimSwap(c.Size); err != nil {
		e.fs.Free(p)

		return 0, err
	}

	c.Placement = p
	c.State = chunk.SwapOut

	spans := e.fs.ChainSpans(p)
	tx := asyncio.NewTransaction(len(spans), func(err error) {
		e.hooks.Lock()
		defer e.hooks.Unlock()

		e.completeWrite(c, err)
	})

	off := int64(0)

	for _, span := range spans {
		if err := e.fs.EnsureFileLength(ctx, span.FileIndex, span.Offset+span.Length, e.resizeFraction); err != nil {
			tx.SubmissionComplete()

			return 0, rerrors.ConfigError(err.Error())
		}

		buf := c.RAM[off : off+span.Length]
		e.queue.Submit(ctx, asyncio.SubRequest{Span: span, Buf: buf, Write: true, Tx: tx})
		off += span.Length
	}

	tx.SubmissionComplete()

	return c.Size, nil
}

// completeWrite is the write-completion action from design 4.D: release
// the RAM buffer, clear locPtr, transition to Swapped, signal.
func (e *Engine) completeWrite(c *chunk.Chunk, err error) {
	if err != nil {
		c.SetFatal(rerrors.InvariantViolation("write transaction failed", map[string]interface{}{"chunk": c.ID, "cause": err}))
		e.hooks.SignalSwapCond()

		return
	}

	if c.State != chunk.SwapOut {
		c.SetFatal(rerrors.InvariantViolation("write completion observed chunk outside SwapOut", map[string]interface{}{"chunk": c.ID, "state": c.State.String()}))

		return
	}

	size := c.Size
	c.RAM = nil
	c.State = chunk.Swapped
	e.hooks.ReleaseRAM(size)
	e.hooks.SignalSwapCond()
}

// SwapIn schedules a chunk's move back into RAM. The caller must hold
// hooks' lock.
func (e *Engine) SwapIn(ctx context.Context, c *chunk.Chunk) error {
	if c.State.InRAM() {
		return nil
	}

	if err := e.hooks.ClaimRAM(c.Size); err != nil {
		return err
	}

	c.RAM = make([]byte, c.Size)
	c.State = chunk.SwapIn

	spans := e.fs.ChainSpans(c.Placement.(*swapfile.Placement))
	tx := asyncio.NewTransaction(len(spans), func(err error) {
		e.hooks.Lock()
		defer e.hooks.Unlock()

		e.completeRead(c, err)
	})

	off := int64(0)

	for _, span := range spans {
		buf := c.RAM[off : off+span.Length]
		e.queue.Submit(ctx, asyncio.SubRequest{Span: span, Buf: buf, Write: false, Tx: tx})
		off += span.Length
	}

	tx.SubmissionComplete()

	return nil
}

// completeRead is the read-completion action: transition to Allocated if
// useCount is 0, else to AllocatedInUseRead (a caller was already
// waiting). The swap placement is deliberately left attached: the chunk
// is now a valid cached-swap copy, allowing a zero-cost re-eviction.
func (e *Engine) completeRead(c *chunk.Chunk, err error) {
	if err != nil {
		c.SetFatal(rerrors.InvariantViolation("read transaction failed", map[string]interface{}{"chunk": c.ID, "cause": err}))
		e.hooks.SignalSwapCond()

		return
	}

	if c.State != chunk.SwapIn {
		c.SetFatal(rerrors.InvariantViolation("read completion observed chunk outside SwapIn", map[string]interface{}{"chunk": c.ID, "state": c.State.String()}))

		return
	}

	if c.UseCount == 0 {
		c.State = chunk.Allocated
	} else {
		c.State = chunk.AllocatedInUseRead
	}

	e.hooks.SignalSwapCond()
}

// SwapDelete releases a chunk's swap placement entirely (used by Free, and
// by eviction cleanup when a cached copy must be reclaimed for space).
func (e *Engine) SwapDelete(c *chunk.Chunk) {
	if c.Placement == nil {
		return
	}

	if p, ok := c.Placement.(*swapfile.Placement); ok {
		e.fs.Free(p)
	}

	c.Placement = nil
	e.hooks.ReleaseSwap(c.Size)
}

// InvalidateCache drops a chunk's cached swap placement without touching
// its RAM residency -- called when a writable use begins on a chunk that
// still has a valid cached copy, since the write makes that copy stale.
func (e *Engine) InvalidateCache(c *chunk.Chunk) {
	e.SwapDelete(c)
}
