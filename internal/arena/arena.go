// Package arena implements a deterministic fixed-pool allocator with O(1)
// allocate and free. The pool is a single region carved into equal-size
// blocks tracked by a free-list; callers hold opaque handles, never raw
// offsets. The arena carries no lock of its own: every call is made while
// the owning node's mutex is held.
package arena

import (
	"errors"
	"fmt"
)

var (
	ErrPoolTooSmall   = errors.New("arena: pool smaller than one block")
	ErrBadBlockSize   = errors.New("arena: block size must be positive")
	ErrExhausted      = errors.New("arena: pool exhausted")
	ErrOversizedAlloc = errors.New("arena: request exceeds block size")
	ErrBadHandle      = errors.New("arena: handle does not name a live block")
)

// Handle names one allocated block. The zero Handle is not valid; use Nil
// for "no block".
type Handle struct {
	idx int32
	gen uint32
}

// Nil is the no-block handle.
var Nil = Handle{idx: -1}

// IsNil reports whether h names no block.
func (h Handle) IsNil() bool {
	return h.idx < 0
}

// Stats is a snapshot of allocator traffic, read under the same lock
// discipline as the calls it counts.
type Stats struct {
	Allocated uint64
	Freed     uint64
	Failed    uint64
	Capacity  int
	InUse     int
}

// Arena is the pool. Not safe for concurrent use.
type Arena struct {
	blockSize int
	pool      []byte
	freeList  []int32
	gens      []uint32
	live      []bool
	sizes     []int

	allocated uint64
	freed     uint64
	failed    uint64
}

// New carves a pool of poolSize bytes into blockSize blocks. Any remainder
// beyond a whole number of blocks is unused.
func New(poolSize, blockSize int) (*Arena, error) {
	if blockSize <= 0 {
		return nil, ErrBadBlockSize
	}
	count := poolSize / blockSize
	if count < 1 {
		return nil, fmt.Errorf("%w: pool=%d block=%d", ErrPoolTooSmall, poolSize, blockSize)
	}
	a := &Arena{
		blockSize: blockSize,
		pool:      make([]byte, count*blockSize),
		freeList:  make([]int32, 0, count),
		gens:      make([]uint32, count),
		live:      make([]bool, count),
		sizes:     make([]int, count),
	}
	for i := count - 1; i >= 0; i-- {
		a.freeList = append(a.freeList, int32(i))
	}
	return a, nil
}

// Allocate reserves one block for size bytes. Exhaustion and oversized
// requests fail without side effects; the caller decides what to abandon.
func (a *Arena) Allocate(size int) (Handle, error) {
	if size > a.blockSize {
		a.failed++
		return Nil, fmt.Errorf("%w: %d > %d", ErrOversizedAlloc, size, a.blockSize)
	}
	if len(a.freeList) == 0 {
		a.failed++
		return Nil, ErrExhausted
	}
	idx := a.freeList[len(a.freeList)-1]
	a.freeList = a.freeList[:len(a.freeList)-1]
	a.live[idx] = true
	a.sizes[idx] = size
	a.allocated++
	return Handle{idx: idx, gen: a.gens[idx]}, nil
}

// Free returns a block to the pool. Stale and double frees are rejected,
// never absorbed: a second free of the same handle is a caller bug.
func (a *Arena) Free(h Handle) error {
	if h.idx < 0 || int(h.idx) >= len(a.live) || !a.live[h.idx] || a.gens[h.idx] != h.gen {
		return fmt.Errorf("%w: idx=%d gen=%d", ErrBadHandle, h.idx, h.gen)
	}
	a.live[h.idx] = false
	a.gens[h.idx]++
	a.sizes[h.idx] = 0
	a.freeList = append(a.freeList, h.idx)
	a.freed++
	return nil
}

// Bytes returns the usable storage of a live block, sized to its
// allocation. The slice is valid until the block is freed.
func (a *Arena) Bytes(h Handle) []byte {
	if h.idx < 0 || int(h.idx) >= len(a.live) || !a.live[h.idx] || a.gens[h.idx] != h.gen {
		return nil
	}
	off := int(h.idx) * a.blockSize
	return a.pool[off : off+a.sizes[h.idx]]
}

// BlockSize returns the fixed block size.
func (a *Arena) BlockSize() int {
	return a.blockSize
}

func (a *Arena) Stats() Stats {
	return Stats{
		Allocated: a.allocated,
		Freed:     a.freed,
		Failed:    a.failed,
		Capacity:  len(a.live),
		InUse:     len(a.live) - len(a.freeList),
	}
}
