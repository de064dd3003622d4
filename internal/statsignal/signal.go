// Package statsignal implements the statistics & signal hook (component
// H): a SIGUSR1 handler that dumps a read-only Manager.Stats() snapshot,
// grounded in the teacher's gdb-rsp-server/debug-http pattern of exposing
// runtime diagnostics without touching live state.
package statsignal

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/aerisarn/rambrain-go/internal/memmanager"
)

// Handler installs a SIGUSR1 listener that writes a Manager.Stats()
// snapshot to w (os.Stderr if nil) as a single log line, one per signal.
type Handler struct {
	stop chan struct{}
	sigC chan os.Signal
}

// Install starts the signal handler in a background goroutine; Close stops
// it.
func Install(mgr *memmanager.Manager, w io.Writer) *Handler {
	if w == nil {
		w = os.Stderr
	}

	h := &Handler{
		stop: make(chan struct{}),
		sigC: make(chan os.Signal, 1),
	}

	signal.Notify(h.sigC, syscall.SIGUSR1)

	go h.loop(mgr, w)

	return h
}

func (h *Handler) loop(mgr *memmanager.Manager, w io.Writer) {
	for {
		select {
		case <-h.stop:
			signal.Stop(h.sigC)

			return
		case <-h.sigC:
			s := mgr.Stats()
			fmt.Fprintf(w, "rambrain: used=%d/%d swap=%d/%d chunks=%d\n",
				s.UsedMemory, s.Ceiling, s.UsedSwap, s.SwapCeiling, s.ChunkCount)
		}
	}
}

// Close stops the handler.
func (h *Handler) Close() { close(h.stop) }
