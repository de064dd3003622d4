package memmanager

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/aerisarn/rambrain-go/internal/chunk"
)

func newTestManager(t *testing.T, memCeiling, swapCeiling uintptr) *Manager {
	t.Helper()

	cfg := DefaultConfig(memCeiling, swapCeiling)
	cfg.FileTemplate = ""
	cfg.FileSize = 4096
	cfg.Workers = 2

	m, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Cleanup(func() { _ = m.Close() })

	return m
}

func TestAllocateAndFreeRoundTrip(t *testing.T) {
	m := newTestManager(t, 1<<16, 1<<20)

	id, err := m.Allocate(context.Background(), 1024)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := m.Free(id); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestManualRoundTripSetUseWritesSurvive(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 1<<16, 1<<20)

	id, err := m.Allocate(ctx, 256)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	buf, err := m.SetUse(ctx, id, true)
	if err != nil {
		t.Fatalf("SetUse write: %v", err)
	}

	copy(buf, []byte("hello"))

	if err := m.UnsetUse(id); err != nil {
		t.Fatalf("UnsetUse: %v", err)
	}

	buf2, err := m.SetUse(ctx, id, false)
	if err != nil {
		t.Fatalf("SetUse read: %v", err)
	}

	if string(buf2[:5]) != "hello" {
		t.Fatalf("expected surviving write, got %q", buf2[:5])
	}

	if err := m.UnsetUse(id); err != nil {
		t.Fatalf("UnsetUse: %v", err)
	}
}

// TestRandomAccessUniformEvictsUnderCeiling forces many more live chunks
// than fit in the memory ceiling at once, then confirms usedMemory never
// exceeds the configured ceiling even as every chunk is touched in turn.
func TestRandomAccessUniformEvictsUnderCeiling(t *testing.T) {
	ctx := context.Background()

	const chunkSize = 1024
	const chunkCount = 32
	const ceiling = 8 * chunkSize

	m := newTestManager(t, ceiling, 1<<20)

	ids := make([]chunk.ID, 0, chunkCount)

	for i := 0; i < chunkCount; i++ {
		id, err := m.Allocate(ctx, chunkSize)
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}

		ids = append(ids, id)

		if m.usedMemory > ceiling {
			t.Fatalf("usedMemory %d exceeds ceiling %d after allocate %d", m.usedMemory, ceiling, i)
		}
	}

	for round := 0; round < 3; round++ {
		for _, id := range ids {
			buf, err := m.SetUse(ctx, id, false)
			if err != nil {
				t.Fatalf("SetUse %d: %v", id, err)
			}

			_ = buf[0]

			if err := m.UnsetUse(id); err != nil {
				t.Fatalf("UnsetUse %d: %v", id, err)
			}

			if m.usedMemory > ceiling {
				t.Fatalf("usedMemory %d exceeds ceiling %d mid-round", m.usedMemory, ceiling)
			}
		}
	}
}

func TestSwapPolicyFixedFailsClosed(t *testing.T) {
	ctx := context.Background()

	cfg := DefaultConfig(1<<20, 2048)
	cfg.FileTemplate = ""
	cfg.FileSize = 1024
	cfg.SwapPolicy = Fixed

	m, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	ids := make([]chunk.ID, 0, 4)

	for i := 0; i < 4; i++ {
		id, err := m.Allocate(ctx, 1024)
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}

		ids = append(ids, id)
	}

	var sawOutOfSwap bool

	m.mu.Lock()

	for _, id := range ids {
		if _, err := m.engine.SwapOut(ctx, m.registry.Lookup(id)); err != nil {
			sawOutOfSwap = true
		}
	}

	m.mu.Unlock()

	if !sawOutOfSwap {
		t.Fatal("expected at least one OutOfSwap failure under a Fixed policy with a too-small swap ceiling")
	}
}

func TestSwapPolicyAutoExtendableGrowsOnDemand(t *testing.T) {
	ctx := context.Background()

	cfg := DefaultConfig(1<<20, 1024)
	cfg.FileTemplate = ""
	cfg.FileSize = 1024
	cfg.SwapPolicy = AutoExtendable

	m, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	ids := make([]chunk.ID, 0, 4)

	for i := 0; i < 4; i++ {
		id, err := m.Allocate(ctx, 800)
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}

		ids = append(ids, id)
	}

	m.mu.Lock()

	for i, id := range ids {
		c := m.registry.Lookup(id)
		if _, err := m.engine.SwapOut(ctx, c); err != nil {
			m.mu.Unlock()
			t.Fatalf("SwapOut %d under AutoExtendable: %v", i, err)
		}
	}

	m.mu.Unlock()
}

// TestSetUseDuringInFlightSwapOut resolves the documented open question: a
// SetUse that arrives while a write transaction is in flight must not
// resurrect the RAM buffer in place. It blocks until the write lands
// (Swapped), then drives a fresh SwapIn -- a deliberate two-trip cost.
func TestSetUseDuringInFlightSwapOut(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 1<<20, 1<<20)

	id, err := m.Allocate(ctx, 512)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	m.mu.Lock()

	c := m.registry.Lookup(id)
	if _, err := m.engine.SwapOut(ctx, c); err != nil {
		m.mu.Unlock()
		t.Fatalf("SwapOut: %v", err)
	}

	if c.State != chunk.SwapOut {
		m.mu.Unlock()
		t.Fatalf("expected SwapOut state immediately after scheduling, got %v", c.State)
	}

	m.mu.Unlock()

	done := make(chan struct{})

	go func() {
		defer close(done)

		buf, err := m.SetUse(ctx, id, false)
		if err != nil {
			t.Errorf("SetUse during in-flight SwapOut: %v", err)

			return
		}

		if len(buf) != 512 {
			t.Errorf("expected 512-byte buffer after swap-in, got %d", len(buf))
		}

		_ = m.UnsetUse(id)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SetUse did not complete after the in-flight write finished")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c.State != chunk.AllocatedInUseRead && c.State != chunk.Allocated {
		t.Fatalf("expected chunk back in a RAM-resident state, got %v", c.State)
	}
}

func TestFreeWaitsForInFlightSwapOut(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 1<<20, 1<<20)

	id, err := m.Allocate(ctx, 256)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	m.mu.Lock()

	c := m.registry.Lookup(id)
	if _, err := m.engine.SwapOut(ctx, c); err != nil {
		m.mu.Unlock()
		t.Fatalf("SwapOut: %v", err)
	}

	m.mu.Unlock()

	done := make(chan error, 1)

	go func() {
		done <- m.Free(id)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Free: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Free did not complete after the in-flight write finished")
	}
}

// waitForState polls until c reaches want or the deadline passes.
func waitForState(t *testing.T, m *Manager, c *chunk.Chunk, want chunk.State) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	for {
		m.mu.Lock()
		got := c.State
		m.mu.Unlock()

		if got == want {
			return
		}

		if time.Now().After(deadline) {
			t.Fatalf("chunk %d never reached state %v, stuck at %v", c.ID, want, got)
		}

		time.Sleep(time.Millisecond)
	}
}

// TestLazyCachedRead resolves scenario 1: a read-only use of a swapped
// chunk leaves the swap placement attached (a "cached swap" copy), so a
// subsequent SwapOut of that same chunk is satisfied for free -- it
// returns synchronously without scheduling a new write transaction.
func TestLazyCachedRead(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 15*8, 1<<20)

	id, err := m.Allocate(ctx, 10*8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := m.SetUse(ctx, id, false); err != nil {
			t.Fatalf("SetUse read %d: %v", i, err)
		}

		if err := m.UnsetUse(id); err != nil {
			t.Fatalf("UnsetUse %d: %v", i, err)
		}
	}

	m.mu.Lock()
	c := m.registry.Lookup(id)
	if _, err := m.engine.SwapOut(ctx, c); err != nil {
		m.mu.Unlock()
		t.Fatalf("SwapOut: %v", err)
	}
	m.mu.Unlock()

	waitForState(t, m, c, chunk.Swapped)

	if _, err := m.SetUse(ctx, id, false); err != nil {
		t.Fatalf("SetUse read after swap-out: %v", err)
	}

	if err := m.UnsetUse(id); err != nil {
		t.Fatalf("UnsetUse: %v", err)
	}

	m.mu.Lock()
	if !c.CachedSwap() {
		m.mu.Unlock()
		t.Fatal("expected chunk to carry a cached swap copy after a read-only reload")
	}
	m.mu.Unlock()

	// The chunk is RAM-resident with a still-valid placement: SwapOut must
	// take the zero-cost cached path and land in Swapped synchronously,
	// with no asynchronous write in between.
	m.mu.Lock()
	freed, err := m.engine.SwapOut(ctx, c)
	state := c.State
	m.mu.Unlock()

	if err != nil {
		t.Fatalf("cached SwapOut: %v", err)
	}

	if freed != c.Size {
		t.Fatalf("expected cached SwapOut to report the full chunk size, got %d", freed)
	}

	if state != chunk.Swapped {
		t.Fatalf("expected cached SwapOut to land in Swapped synchronously, got %v", state)
	}

	if err := m.Free(id); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

// TestMatrixTransposeRoundTrip resolves scenario 4, scaled down from the
// spec's 1000x1000 matrix for test speed while preserving the algorithm: a
// row-major matrix backed by one chunk per row, RAM holding far fewer rows
// than exist, transposed in place by swapping (i,j) with (j,i) through
// SetUse/UnsetUse pairs.
func TestMatrixTransposeRoundTrip(t *testing.T) {
	ctx := context.Background()

	const n = 48
	const rowBytes = n * 8

	m := newTestManager(t, 8*rowBytes, 1<<20)

	ids := make([]chunk.ID, n)

	for i := 0; i < n; i++ {
		id, err := m.Allocate(ctx, rowBytes)
		if err != nil {
			t.Fatalf("Allocate row %d: %v", i, err)
		}

		buf, err := m.SetUse(ctx, id, true)
		if err != nil {
			t.Fatalf("SetUse row %d: %v", i, err)
		}

		for j := 0; j < n; j++ {
			binary.LittleEndian.PutUint64(buf[j*8:], uint64(i*n+j))
		}

		if err := m.UnsetUse(id); err != nil {
			t.Fatalf("UnsetUse row %d: %v", i, err)
		}

		ids[i] = id
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			bi, err := m.SetUse(ctx, ids[i], true)
			if err != nil {
				t.Fatalf("SetUse row %d: %v", i, err)
			}

			bj, err := m.SetUse(ctx, ids[j], true)
			if err != nil {
				t.Fatalf("SetUse row %d: %v", j, err)
			}

			vi := binary.LittleEndian.Uint64(bi[j*8:])
			vj := binary.LittleEndian.Uint64(bj[i*8:])

			binary.LittleEndian.PutUint64(bi[j*8:], vj)
			binary.LittleEndian.PutUint64(bj[i*8:], vi)

			if err := m.UnsetUse(ids[j]); err != nil {
				t.Fatalf("UnsetUse row %d: %v", j, err)
			}

			if err := m.UnsetUse(ids[i]); err != nil {
				t.Fatalf("UnsetUse row %d: %v", i, err)
			}
		}
	}

	for i := 0; i < n; i++ {
		buf, err := m.SetUse(ctx, ids[i], false)
		if err != nil {
			t.Fatalf("SetUse verify row %d: %v", i, err)
		}

		for j := 0; j < n; j++ {
			got := binary.LittleEndian.Uint64(buf[j*8:])
			want := uint64(j*n + i)

			if got != want {
				t.Fatalf("entry (%d,%d) = %d, want %d", i, j, got, want)
			}
		}

		if err := m.UnsetUse(ids[i]); err != nil {
			t.Fatalf("UnsetUse verify row %d: %v", i, err)
		}
	}

	for _, id := range ids {
		if err := m.Free(id); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}
}

// TestSwapSingleIslandNoCorruption resolves scenario 6: two large chunks
// that together exceed the memory ceiling straddle RAM and swap as they're
// allocated and evicted in turn, and a third, small chunk fits in whatever
// remains -- all three must read back byte-for-byte intact afterward.
func TestSwapSingleIslandNoCorruption(t *testing.T) {
	ctx := context.Background()

	const ceiling = 64 << 10

	m := newTestManager(t, ceiling, ceiling)

	bigSize := uintptr(ceiling * 8 / 10)
	smallSize := uintptr(ceiling * 2 / 10)

	fill := func(id chunk.ID, pattern byte) {
		t.Helper()

		buf, err := m.SetUse(ctx, id, true)
		if err != nil {
			t.Fatalf("SetUse fill: %v", err)
		}

		for i := range buf {
			buf[i] = pattern
		}

		if err := m.UnsetUse(id); err != nil {
			t.Fatalf("UnsetUse fill: %v", err)
		}
	}

	verify := func(id chunk.ID, pattern byte) {
		t.Helper()

		buf, err := m.SetUse(ctx, id, false)
		if err != nil {
			t.Fatalf("SetUse verify: %v", err)
		}

		for i, b := range buf {
			if b != pattern {
				t.Fatalf("byte %d = %#x, want %#x", i, b, pattern)
			}
		}

		if err := m.UnsetUse(id); err != nil {
			t.Fatalf("UnsetUse verify: %v", err)
		}
	}

	id1, err := m.Allocate(ctx, bigSize)
	if err != nil {
		t.Fatalf("Allocate big 1: %v", err)
	}

	fill(id1, 0xAA)

	id2, err := m.Allocate(ctx, bigSize)
	if err != nil {
		t.Fatalf("Allocate big 2: %v", err)
	}

	fill(id2, 0xBB)

	id3, err := m.Allocate(ctx, smallSize)
	if err != nil {
		t.Fatalf("Allocate small: %v", err)
	}

	fill(id3, 0xCC)

	if m.usedMemory > ceiling {
		t.Fatalf("usedMemory %d exceeds ceiling %d", m.usedMemory, ceiling)
	}

	verify(id1, 0xAA)
	verify(id2, 0xBB)
	verify(id3, 0xCC)

	for _, id := range []chunk.ID{id1, id2, id3} {
		if err := m.Free(id); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}
}

// TestPreemptiveSwapInAdjacent resolves scenario 7: touching a chunk with
// PreemptiveLoad on schedules an asynchronous swap-in of its cold,
// already-swapped ring neighbor without the caller blocking on the I/O.
func TestPreemptiveSwapInAdjacent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 1<<20, 1<<20)

	m.SetPreemptiveLoad(true)

	ids := make([]chunk.ID, 4)

	for i := range ids {
		id, err := m.Allocate(ctx, 128)
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}

		ids[i] = id
	}

	if _, err := m.SetUse(ctx, ids[0], false); err != nil {
		t.Fatalf("SetUse: %v", err)
	}

	if err := m.UnsetUse(ids[0]); err != nil {
		t.Fatalf("UnsetUse: %v", err)
	}

	m.mu.Lock()
	neighbor := m.registry.Lookup(ids[1])
	if _, err := m.engine.SwapOut(ctx, neighbor); err != nil {
		m.mu.Unlock()
		t.Fatalf("SwapOut neighbor: %v", err)
	}
	m.mu.Unlock()

	waitForState(t, m, neighbor, chunk.Swapped)

	m.PreemptiveSwapIn(ctx, ids[0])

	m.mu.Lock()
	afterSchedule := neighbor.State
	m.mu.Unlock()

	if afterSchedule == chunk.Swapped {
		t.Fatal("expected PreemptiveSwapIn to schedule or complete a swap-in of the cold neighbor")
	}

	deadline := time.Now().Add(2 * time.Second)

	for {
		m.mu.Lock()
		inRAM := neighbor.State.InRAM()
		m.mu.Unlock()

		if inRAM {
			break
		}

		if time.Now().After(deadline) {
			t.Fatal("preemptive swap-in never completed")
		}

		time.Sleep(time.Millisecond)
	}

	for _, id := range ids {
		if err := m.Free(id); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}
}
