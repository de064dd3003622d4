// Command rambrain-bench exercises the manager under a chosen access
// pattern and reports final accounting. It offers random and sequential
// access over equal-sized chunks only; it does not run the matrix-transpose
// or round-trip scenarios of SPEC_FULL.md section 8.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/aerisarn/rambrain-go/internal/chunk"
	"github.com/aerisarn/rambrain-go/internal/cli"
	"github.com/aerisarn/rambrain-go/internal/memmanager"
)

func main() {
	var (
		memCeiling  int64
		swapCeiling int64
		chunkSize   int64
		chunkCount  int
		iterations  int
		pattern     string
		dummySwap   bool
		showVersion bool
	)

	flag.Int64Var(&memCeiling, "mem-ceiling", 16<<20, "memory ceiling in bytes")
	flag.Int64Var(&swapCeiling, "swap-ceiling", 256<<20, "swap ceiling in bytes")
	flag.Int64Var(&chunkSize, "chunk-size", 64<<10, "bytes per allocated chunk")
	flag.IntVar(&chunkCount, "chunk-count", 64, "number of chunks to allocate")
	flag.IntVar(&iterations, "iterations", 1000, "number of access operations to perform")
	flag.StringVar(&pattern, "pattern", "random", "access pattern: random|sequential")
	flag.BoolVar(&dummySwap, "dummy-swap", true, "use the in-memory dummy swap backend instead of real files")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		cli.PrintVersion("rambrain-bench", false)

		return
	}

	cfg := memmanager.DefaultConfig(uintptr(memCeiling), uintptr(swapCeiling))
	if dummySwap {
		cfg.FileTemplate = ""
	}

	ctx := context.Background()

	mgr, err := memmanager.New(ctx, cfg)
	if err != nil {
		cli.ExitWithError("creating manager: %v", err)
	}
	defer mgr.Close()

	ids := make([]chunk.ID, 0, chunkCount)

	for i := 0; i < chunkCount; i++ {
		id, err := mgr.Allocate(ctx, uintptr(chunkSize))
		if err != nil {
			cli.ExitWithError("allocate %d: %v", i, err)
		}

		ids = append(ids, id)
	}

	for i := 0; i < iterations; i++ {
		var idx int

		switch pattern {
		case "sequential":
			idx = i % len(ids)
		default:
			idx = rand.Intn(len(ids))
		}

		id := ids[idx]

		buf, err := mgr.SetUse(ctx, id, i%7 == 0)
		if err != nil {
			cli.ExitWithError("use chunk %d: %v", idx, err)
		}

		if len(buf) > 0 {
			buf[0]++
		}

		if err := mgr.UnsetUse(id); err != nil {
			cli.ExitWithError("unset-use chunk %d: %v", idx, err)
		}
	}

	s := mgr.Stats()
	fmt.Fprintf(os.Stdout, "final: used=%d/%d swap=%d/%d chunks=%d\n",
		s.UsedMemory, s.Ceiling, s.UsedSwap, s.SwapCeiling, s.ChunkCount)
}
