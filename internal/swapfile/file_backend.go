package swapfile

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// fileBackend is the production Backend: one real os.File per virtual
// file, named from a printf-style template populated with the process id
// and file index (e.g. "/tmp/rambrainswap-12345-0"). Files carry no
// header; they are truncated to zero on open and unlinked on Close.
type fileBackend struct {
	mu        sync.RWMutex
	template  string
	files     []*os.File
	pageSize  int64
	dma       bool
	dmaForced bool
}

// NewFileBackend creates a Backend rooted at the given printf template
// (must contain exactly one "%d" for the file index; the pid is woven in
// by the caller building the template, matching the design's example
// "/tmp/rambrainswap-<pid>-%d").
func NewFileBackend(template string, dma bool) Backend {
	return &fileBackend{template: template, pageSize: int64(pageSize()), dma: dma && supportsDirectIO}
}

func (b *fileBackend) OpenRange(ctx context.Context, start, end int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := start; i < end; i++ {
		name := fmt.Sprintf(b.template, i)

		flags := os.O_RDWR | os.O_CREATE | os.O_TRUNC
		if b.dma && i == 0 && !b.dmaForced {
			flags |= directFlag()
		}

		f, err := os.OpenFile(name, flags, 0o600)
		if err != nil && b.dma && i == 0 && !b.dmaForced {
			// DMA/O_DIRECT unsupported on this filesystem: report once,
			// disable, and retry without it.
			b.dma = false
			b.dmaForced = true

			fmt.Fprintf(os.Stderr, "swapfile: DMA unsupported for %s, continuing without O_DIRECT\n", name)

			f, err = os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
		}

		if err != nil {
			for _, opened := range b.files {
				_ = opened.Close()
			}

			return fmt.Errorf("swapfile: open %s: %w", name, err)
		}

		for len(b.files) <= i {
			b.files = append(b.files, nil)
		}

		b.files[i] = f
	}

	return nil
}

func (b *fileBackend) Extend(ctx context.Context, fileIndex int, newLength int64) error {
	b.mu.RLock()
	f := b.files[fileIndex]
	b.mu.RUnlock()

	if err := f.Truncate(newLength); err != nil {
		return fmt.Errorf("swapfile: truncate to %d: %w", newLength, err)
	}

	// Force real allocation on filesystems that would otherwise leave the
	// tail sparse: position past the new end minus one page and write an
	// aligned page of zeros.
	page := make([]byte, b.pageSize)
	at := newLength - b.pageSize

	if at < 0 {
		at = 0
		page = page[:newLength]
	}

	if _, err := f.WriteAt(page, at); err != nil {
		return fmt.Errorf("swapfile: force-allocate tail page: %w", err)
	}

	return nil
}

func (b *fileBackend) ReadAt(fileIndex int, offset int64, buf []byte) (int, error) {
	b.mu.RLock()
	f := b.files[fileIndex]
	b.mu.RUnlock()

	return f.ReadAt(buf, offset)
}

func (b *fileBackend) WriteAt(fileIndex int, offset int64, buf []byte) (int, error) {
	b.mu.RLock()
	f := b.files[fileIndex]
	b.mu.RUnlock()

	return f.WriteAt(buf, offset)
}

func (b *fileBackend) FreeSpace() (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.files) == 0 {
		return statfsFree(".")
	}

	return statfsFree(b.files[0].Name())
}

func (b *fileBackend) SupportsDMA() bool { return b.dma }

func (b *fileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error

	for _, f := range b.files {
		if f == nil {
			continue
		}

		name := f.Name()
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		_ = os.Remove(name)
	}

	b.files = nil

	return firstErr
}
