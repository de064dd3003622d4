package swapfile

import (
	"context"
	"fmt"
)

// FileSet owns the flat virtual address space: N backing files (through a
// Backend), the placement arena, and the free-space allocator described in
// pfAlloc/pfFree.
type FileSet struct {
	arena
	chainHeads []int32

	backend    Backend
	fileSize   int64
	alignment  int64
	numFiles   int
	dmaWarned  bool
	cleanupFn  func(deficit int64) int64
}

// Option configures a FileSet at construction.
type Option func(*FileSet)

// WithCleanup installs the "cleanupCachedElements" hook pfAlloc falls back
// to when first-fit and fragmenting both fail: it should drop swap
// placements of chunks that are RAM-resident with a still-valid cached
// copy and return the number of bytes it freed.
func WithCleanup(fn func(deficit int64) int64) Option {
	return func(fs *FileSet) { fs.cleanupFn = fn }
}

// New creates a FileSet backed by backend, with fileSize bytes per file and
// the given alignment (1 to disable, a power of two such as the page size
// otherwise).
func New(backend Backend, fileSize, alignment int64, opts ...Option) *FileSet {
	fs := &FileSet{
		arena:     arena{addrHead: -1, addrTail: -1},
		backend:   backend,
		fileSize:  fileSize,
		alignment: alignment,
	}

	for _, opt := range opts {
		opt(fs)
	}

	return fs
}

func (fs *FileSet) capacity() int64 {
	return int64(fs.numFiles) * fs.fileSize
}

// OpenRange creates files [0,n) and seeds the placement arena with one
// large Free node per file. If the backend fails while alignment is above
// 1, it drops alignment to 1 (DMA off) and retries the open once.
func (fs *FileSet) OpenRange(ctx context.Context, n int) error {
	if err := fs.backend.OpenRange(ctx, 0, n); err != nil {
		if fs.alignment > 1 && !fs.dmaWarned {
			fs.dmaWarned = true
			fs.alignment = 1

			if err2 := fs.backend.OpenRange(ctx, 0, n); err2 == nil {
				return fs.seedFreeNodes(0, n)
			}
		}

		return fmt.Errorf("swapfile: open range [0,%d): %w", n, err)
	}

	if !fs.backend.SupportsDMA() && fs.alignment > 1 {
		fs.alignment = 1
	}

	return fs.seedFreeNodes(0, fs.numFiles+n)
}

func (fs *FileSet) seedFreeNodes(from, to int) error {
	for i := from; i < to; i++ {
		idx := fs.arenaAllocNode(node{fileIndex: i, offset: 0, length: fs.fileSize, status: StatusFree, addrNext: -1, addrPrev: -1})
		fs.insertAfter(fs.addrTail, idx)
	}

	fs.numFiles = to

	return nil
}

// Extend grows the file set by deltaBytes, rounded up to whole files,
// appending new files and adding them to freeSpace. It fails with a
// wrapped ConfigError-class error if the backing filesystem reports less
// free space than requested.
func (fs *FileSet) Extend(ctx context.Context, deltaBytes int64) error {
	if deltaBytes <= 0 {
		return nil
	}

	free, err := fs.backend.FreeSpace()
	if err == nil && free < deltaBytes {
		return fmt.Errorf("swapfile: extend by %d exceeds free disk space %d", deltaBytes, free)
	}

	addFiles := int((deltaBytes + fs.fileSize - 1) / fs.fileSize)
	start := fs.numFiles
	end := start + addFiles

	if err := fs.backend.OpenRange(ctx, start, end); err != nil {
		return fmt.Errorf("swapfile: extend open [%d,%d): %w", start, end, err)
	}

	return fs.seedFreeNodes(start, end)
}

// Alloc places size bytes for owner, returning the backing Placement.
func (fs *FileSet) Alloc(owner OwnerID, size int64) (*Placement, error) {
	return fs.pfAlloc(owner, size, fs.cleanupFn)
}

// Free releases a placement's backing region(s).
func (fs *FileSet) Free(p *Placement) {
	fs.pfFree(p)
}

// ReadAt/WriteAt perform I/O against every node in a placement's chain in
// order, growing the target file lazily per node if its end exceeds the
// file's current length (handled by the caller via Extend before calling
// here in the common path; FileSet itself only dispatches per-node I/O).
func (fs *FileSet) ReadAt(p *Placement, buf []byte) (int, error) {
	return fs.ioChain(p, buf, fs.backend.ReadAt)
}

func (fs *FileSet) WriteAt(p *Placement, buf []byte) (int, error) {
	return fs.ioChain(p, buf, fs.backend.WriteAt)
}

func (fs *FileSet) ioChain(p *Placement, buf []byte, op func(int, int64, []byte) (int, error)) (int, error) {
	idx := fs.chainHeads[p.end]
	off := 0
	total := 0

	for idx != -1 {
		n := fs.nodes[idx]
		end := off + int(n.length)

		if end > len(buf) {
			end = len(buf)
		}

		if off >= end {
			break
		}

		k, err := op(n.fileIndex, n.offset, buf[off:end])
		total += k

		if err != nil {
			return total, err
		}

		off = end
		idx = n.chainNext
	}

	return total, nil
}

// Alignment reports the currently active I/O alignment (1 if DMA is off or
// unsupported).
func (fs *FileSet) Alignment() int64 { return fs.alignment }

// FileSize reports the configured per-file size.
func (fs *FileSet) FileSize() int64 { return fs.fileSize }

// NumFiles reports the number of backing files currently open.
func (fs *FileSet) NumFiles() int { return fs.numFiles }

// Close releases the backend's resources.
func (fs *FileSet) Close() error { return fs.backend.Close() }

// PageSize reports the platform's native page size, the alignment DMA mode
// requires for every ReadAt/WriteAt buffer and offset.
func PageSize() int64 { return int64(pageSize()) }

// GlobalOffsetOf returns the global (fileIndex*fileSize+offset) address of
// a placement's first node, for diagnostics and tests.
func (fs *FileSet) GlobalOffsetOf(p *Placement) int64 {
	return fs.globalOffset(fs.chainHeads[p.end])
}

// Span is the file region of one chain node of a placement: the unit the
// async I/O queue schedules one sub-request per.
type Span struct {
	FileIndex int
	Offset    int64
	Length    int64
}

// ChainSpans returns the ordered list of file regions backing p, one per
// chain node, so callers (the async I/O queue) can schedule one
// sub-request per node.
func (fs *FileSet) ChainSpans(p *Placement) []Span {
	var spans []Span

	for idx := fs.chainHeads[p.end]; idx != -1; idx = fs.nodes[idx].chainNext {
		n := fs.nodes[idx]
		spans = append(spans, Span{FileIndex: n.fileIndex, Offset: n.offset, Length: n.length})
	}

	return spans
}

// EnsureFileLength extends the backing file for fileIndex if a span would
// run past its current tracked length, in resizeFraction*fileSize steps
// rounded up to cover the span, per the design's lazy-growth rule.
func (fs *FileSet) EnsureFileLength(ctx context.Context, fileIndex int, end int64, resizeFraction float64) error {
	step := int64(float64(fs.fileSize) * resizeFraction)
	if step <= 0 {
		step = fs.fileSize
	}

	target := (end + step - 1) / step * step
	if target > fs.fileSize {
		target = fs.fileSize // a single file never exceeds its configured size
	}

	return fs.backend.Extend(ctx, fileIndex, target)
}

// ReadAtSpan/WriteAtSpan perform I/O against a single chain span; used by
// the async I/O queue to issue one sub-request per placement node.
func (fs *FileSet) ReadAtSpan(s Span, buf []byte) (int, error) {
	return fs.backend.ReadAt(s.FileIndex, s.Offset, buf)
}

func (fs *FileSet) WriteAtSpan(s Span, buf []byte) (int, error) {
	return fs.backend.WriteAt(s.FileIndex, s.Offset, buf)
}
