// Package swapfile implements the growable swap-file set (component B):
// the flat virtual address space spanning N backing files, the placement
// map that tracks free and used regions inside it, and the first-fit /
// fragmenting allocator (pfAlloc/pfFree) described in the design.
package swapfile

import (
	"fmt"

	"github.com/aerisarn/rambrain-go/internal/rerrors"
)

// Status is the state of one placement node.
type Status int

const (
	// StatusFree marks an unused region available for allocation.
	StatusFree Status = iota
	// StatusPart marks a non-terminal link in a fragmented chunk's chain.
	StatusPart
	// StatusEnd marks the terminal link of a chunk's chain; the chunk's
	// non-owning handle always points at this node.
	StatusEnd
)

// OwnerID identifies the chunk owning an allocated chain; the swapfile
// package does not import package chunk to avoid a cycle, so this is a
// bare integer with the same underlying type as chunk.ID.
type OwnerID uint64

type node struct {
	fileIndex int
	offset    int64
	length    int64
	status    Status

	// addrPrev/addrNext thread every node (free or used) in ascending
	// global-offset order, for O(1) neighbor coalescing on free.
	addrPrev, addrNext int32

	// chainNext links Part -> Part -> End for one allocation; -1 for Free
	// nodes and for a lone End.
	chainNext int32
	owner     OwnerID
}

// Placement is the handle a chunk holds to its backing chain: a reference
// to the chain's terminal (End) node, the only externally addressable
// point, per design note 9 ("chunks hold a non-owning handle to the End
// node").
type Placement struct {
	end int32
	set *FileSet
}

// Len returns the total number of bytes the chain backs.
func (p *Placement) Len() int64 {
	total := int64(0)
	idx := p.set.chainHead(p.end)

	for idx != -1 {
		n := &p.set.nodes[idx]
		total += n.length
		idx = n.chainNext
	}

	return total
}

// arena of placement nodes, owned exclusively by FileSet.
type arena struct {
	nodes []node
	free  []int32

	addrHead, addrTail int32 // ascending global-offset order, -1 if empty
}

func (a *arena) alloc(n node) int32 {
	if k := len(a.free); k > 0 {
		idx := a.free[k-1]
		a.free = a.free[:k-1]
		a.nodes[idx] = n

		return idx
	}

	a.nodes = append(a.nodes, n)

	return int32(len(a.nodes) - 1)
}

func (a *arena) release(idx int32) {
	a.nodes[idx] = node{}
	a.free = append(a.free, idx)
}

// globalOffset returns fileIndex*fileSize + offset for the node at idx.
func (fs *FileSet) globalOffset(idx int32) int64 {
	n := &fs.nodes[idx]

	return int64(n.fileIndex)*fs.fileSize + n.offset
}

// insertAfter threads a brand-new node into the address-ordered list
// immediately after the node at afterIdx (-1 means "at the head").
func (fs *FileSet) insertAfter(afterIdx, idx int32) {
	if afterIdx == -1 {
		fs.nodes[idx].addrNext = fs.addrHead
		fs.nodes[idx].addrPrev = -1

		if fs.addrHead != -1 {
			fs.nodes[fs.addrHead].addrPrev = idx
		}

		fs.addrHead = idx
		if fs.addrTail == -1 {
			fs.addrTail = idx
		}

		return
	}

	next := fs.nodes[afterIdx].addrNext
	fs.nodes[idx].addrPrev = afterIdx
	fs.nodes[idx].addrNext = next
	fs.nodes[afterIdx].addrNext = idx

	if next != -1 {
		fs.nodes[next].addrPrev = idx
	} else {
		fs.addrTail = idx
	}
}

func (fs *FileSet) unlinkAddr(idx int32) {
	n := &fs.nodes[idx]

	if n.addrPrev != -1 {
		fs.nodes[n.addrPrev].addrNext = n.addrNext
	} else {
		fs.addrHead = n.addrNext
	}

	if n.addrNext != -1 {
		fs.nodes[n.addrNext].addrPrev = n.addrPrev
	} else {
		fs.addrTail = n.addrPrev
	}
}

// chainHead returns the first node of the chain whose End node is end.
// Chains are linked only forward (chainNext) and a fragmented chain need
// not be contiguous in address order, so FileSet records each chain's head
// in chainHeads, indexed by its End node; this is a plain lookup there.
func (fs *FileSet) chainHead(end int32) int32 {
	return fs.chainHeads[end]
}

// alignUp rounds size up to a multiple of alignment (alignment must be a
// power of two, or 1 to disable alignment).
func alignUp(size, alignment int64) int64 {
	if alignment <= 1 {
		return size
	}

	return (size + alignment - 1) &^ (alignment - 1)
}

// pfAlloc implements the free-space policy from the design: first-fit, then
// fragmenting split across accumulated free nodes, then a caller-supplied
// cleanup callback (dropping cached swap copies) as a last resort before
// failing OutOfSwap.
func (fs *FileSet) pfAlloc(owner OwnerID, size int64, cleanup func(deficit int64) int64) (*Placement, error) {
	if size <= 0 {
		return nil, fmt.Errorf("swapfile: pfAlloc requires size > 0, got %d", size)
	}

	alignedSize := alignUp(size, fs.alignment)

	if p := fs.firstFit(owner, alignedSize); p != nil {
		return p, nil
	}

	if p := fs.fragmented(owner, alignedSize); p != nil {
		return p, nil
	}

	if cleanup != nil {
		freed := cleanup(alignedSize)
		if freed > 0 {
			if p := fs.firstFit(owner, alignedSize); p != nil {
				return p, nil
			}

			if p := fs.fragmented(owner, alignedSize); p != nil {
				return p, nil
			}
		}
	}

	return nil, rerrors.OutOfSwap(uintptr(size), uintptr(fs.capacity()))
}

// firstFit scans the address-ordered list for the first free node large
// enough to hold alignedSize, splitting off a residual free node if the
// leftover would be meaningful.
func (fs *FileSet) firstFit(owner OwnerID, alignedSize int64) *Placement {
	for idx := fs.addrHead; idx != -1; idx = fs.nodes[idx].addrNext {
		n := &fs.nodes[idx]
		if n.status != StatusFree || n.length < alignedSize {
			continue
		}

		return fs.carveSingle(owner, idx, alignedSize)
	}

	return nil
}

// carveSingle turns all or a prefix of the free node at idx into a single
// End node owned by owner, leaving a residual Free node if the remainder
// would be at least minResidual bytes.
func (fs *FileSet) carveSingle(owner OwnerID, idx int32, alignedSize int64) *Placement {
	n := fs.nodes[idx]

	const minResidual = 64 // below this, the remainder is absorbed as overhead

	if n.length-alignedSize >= minResidual {
		// Shrink the existing free node to the residual tail and insert a
		// new End node covering the head of the region.
		endIdx := fs.arenaAllocNode(node{
			fileIndex: n.fileIndex,
			offset:    n.offset,
			length:    alignedSize,
			status:    StatusEnd,
			owner:     owner,
			chainNext: -1,
		})
		fs.insertAfter(n.addrPrev, endIdx)

		fs.nodes[idx].offset += alignedSize
		fs.nodes[idx].length -= alignedSize
		fs.nodes[endIdx].addrNext = idx
		fs.nodes[idx].addrPrev = endIdx

		fs.setChainHead(endIdx, endIdx)

		return &Placement{end: endIdx, set: fs}
	}

	// Consume the whole node (remainder too small to be worth keeping).
	fs.nodes[idx].status = StatusEnd
	fs.nodes[idx].owner = owner
	fs.nodes[idx].chainNext = -1
	fs.setChainHead(idx, idx)

	return &Placement{end: idx, set: fs}
}

// fragmented accumulates free nodes in ascending address order until their
// total covers alignedSize, then splits the request across them: the first
// k-1 pieces become Part nodes chained to the next, the last becomes End.
func (fs *FileSet) fragmented(owner OwnerID, alignedSize int64) *Placement {
	var pieces []int32

	remaining := alignedSize

	for idx := fs.addrHead; idx != -1 && remaining > 0; idx = fs.nodes[idx].addrNext {
		if fs.nodes[idx].status != StatusFree {
			continue
		}

		pieces = append(pieces, idx)
		remaining -= fs.nodes[idx].length
	}

	if remaining > 0 {
		return nil
	}

	var headIdx int32 = -1

	var prevPieceIdx int32 = -1

	left := alignedSize

	for i, idx := range pieces {
		take := fs.nodes[idx].length
		if take > left {
			take = left
		}

		var pieceIdx int32
		if take == fs.nodes[idx].length {
			pieceIdx = idx
		} else {
			// Split off a residual free tail from this node.
			n := fs.nodes[idx]
			pieceIdx = fs.arenaAllocNode(node{
				fileIndex: n.fileIndex,
				offset:    n.offset,
				length:    take,
				status:    StatusFree,
			})
			fs.insertAfter(n.addrPrev, pieceIdx)
			fs.nodes[idx].offset += take
			fs.nodes[idx].length -= take
			fs.nodes[pieceIdx].addrNext = idx
			fs.nodes[idx].addrPrev = pieceIdx
		}

		last := i == len(pieces)-1
		status := StatusPart
		if last {
			status = StatusEnd
		}

		fs.nodes[pieceIdx].status = status
		fs.nodes[pieceIdx].owner = owner
		fs.nodes[pieceIdx].chainNext = -1

		if prevPieceIdx != -1 {
			fs.nodes[prevPieceIdx].chainNext = pieceIdx
		}

		if headIdx == -1 {
			headIdx = pieceIdx
		}

		prevPieceIdx = pieceIdx
		left -= take

		if last {
			fs.setChainHead(pieceIdx, headIdx)

			return &Placement{end: pieceIdx, set: fs}
		}
	}

	return nil
}

func (fs *FileSet) arenaAllocNode(n node) int32 {
	return fs.arena.alloc(n)
}

func (fs *FileSet) setChainHead(end, head int32) {
	for int32(len(fs.chainHeads)) <= end {
		fs.chainHeads = append(fs.chainHeads, -1)
	}

	fs.chainHeads[end] = head
}

// pfFree walks the chain starting at its head, merging each node with its
// address-order neighbors if they are free, and recomputing each merged
// node's size from neighbor offsets so fragmentation does not accumulate.
func (fs *FileSet) pfFree(p *Placement) {
	idx := fs.chainHeads[p.end]

	for idx != -1 {
		next := fs.nodes[idx].chainNext
		fs.freeNode(idx)
		idx = next
	}

	fs.chainHeads[p.end] = -1
}

func (fs *FileSet) freeNode(idx int32) {
	fs.nodes[idx].status = StatusFree
	fs.nodes[idx].owner = 0
	fs.nodes[idx].chainNext = -1

	// Merge with the immediately-following free neighbor first so idx
	// remains valid for the subsequent prior-neighbor merge.
	if next := fs.nodes[idx].addrNext; next != -1 && fs.nodes[next].status == StatusFree && fs.nodes[next].fileIndex == fs.nodes[idx].fileIndex {
		fs.nodes[idx].length += fs.nodes[next].length
		fs.unlinkAddr(next)
		fs.arena.release(next)
	}

	if prev := fs.nodes[idx].addrPrev; prev != -1 && fs.nodes[prev].status == StatusFree && fs.nodes[prev].fileIndex == fs.nodes[idx].fileIndex {
		fs.nodes[prev].length += fs.nodes[idx].length
		fs.unlinkAddr(idx)
		fs.arena.release(idx)
	}
}
