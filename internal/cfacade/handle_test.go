package cfacade

import (
	"context"
	"testing"

	"github.com/aerisarn/rambrain-go/internal/memmanager"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()

	cfg := memmanager.DefaultConfig(1<<16, 1<<20)
	cfg.FileTemplate = ""
	cfg.FileSize = 4096
	cfg.Workers = 2

	m, err := memmanager.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Cleanup(func() { _ = m.Close() })

	return NewTable(m)
}

func TestHandleReferenceDereferenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t)

	h := tbl.Allocate(ctx, 64)
	if h == 0 {
		t.Fatalf("Allocate returned zero handle")
	}

	ptr, err := tbl.Reference(ctx, h)
	if err != nil {
		t.Fatalf("Reference: %v", err)
	}

	if ptr == nil {
		t.Fatalf("Reference returned nil pointer for non-empty chunk")
	}

	if err := tbl.Dereference(h); err != nil {
		t.Fatalf("Dereference: %v", err)
	}

	if err := tbl.Free(h); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

// TestHandleInvalidAfterFree confirms a handle cannot be reused once freed,
// even though its table index may be recycled by a later Allocate.
func TestHandleInvalidAfterFree(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t)

	h := tbl.Allocate(ctx, 32)
	if h == 0 {
		t.Fatalf("Allocate returned zero handle")
	}

	if err := tbl.Free(h); err != nil {
		t.Fatalf("Free: %v", err)
	}

	if err := tbl.Free(h); err != ErrInvalidHandle {
		t.Fatalf("second Free = %v, want ErrInvalidHandle", err)
	}

	if _, err := tbl.Reference(ctx, h); err != ErrInvalidHandle {
		t.Fatalf("Reference after free = %v, want ErrInvalidHandle", err)
	}

	if err := tbl.Dereference(h); err != ErrInvalidHandle {
		t.Fatalf("Dereference after free = %v, want ErrInvalidHandle", err)
	}

	// The recycled index must not validate the stale handle's token.
	h2 := tbl.Allocate(ctx, 32)
	if h2 == 0 {
		t.Fatalf("Allocate returned zero handle")
	}

	if h2 == h {
		t.Fatalf("recycled handle is identical to the freed one, token reuse not exercised")
	}

	if _, err := tbl.Reference(ctx, h); err != ErrInvalidHandle {
		t.Fatalf("Reference with stale handle after reallocation = %v, want ErrInvalidHandle", err)
	}
}
