package node

import (
	"container/heap"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/buslink/internal/arena"
	"github.com/danmuck/buslink/internal/engine"
	"github.com/danmuck/buslink/internal/frame"
)

var errLinkBusy = errors.New("link busy")

type subKey struct {
	kind engine.TransferKind
	port engine.PortID
}

type txItem struct {
	prio engine.Priority
	seq  uint64
	f    frame.Frame
	h    arena.Handle
}

type txHeap []*txItem

func (q txHeap) Len() int { return len(q) }
func (q txHeap) Less(i, j int) bool {
	if q[i].prio != q[j].prio {
		return q[i].prio < q[j].prio
	}
	return q[i].seq < q[j].seq
}
func (q txHeap) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *txHeap) Push(x any)   { *q = append(*q, x.(*txItem)) }
func (q *txHeap) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// fakeEngine is a scriptable engine collaborator. Every entry point bumps
// an in-use counter; any overlap is recorded as a violation, which is how
// the tests prove the node lock is the sole serializer.
type fakeEngine struct {
	alloc engine.Allocator
	chunk int

	inUse      atomic.Int32
	violations atomic.Int64

	tx          txHeap
	seq         uint64
	transferSeq uint32
	lastOut     engine.Outbound
	pushErr     error

	subs     map[subKey]int
	acceptFn func(f frame.Frame, transport uint8, ts time.Time) (engine.Transfer, bool, error)
}

func newFakeEngine(alloc engine.Allocator) *fakeEngine {
	e := &fakeEngine{alloc: alloc, chunk: 8, subs: make(map[subKey]int)}
	e.acceptFn = e.completeEachFrame
	return e
}

func (e *fakeEngine) enter() func() {
	if e.inUse.Add(1) != 1 {
		e.violations.Add(1)
	}
	return func() { e.inUse.Add(-1) }
}

func (e *fakeEngine) Subscribe(kind engine.TransferKind, port engine.PortID, extent int, idTimeout time.Duration) error {
	defer e.enter()()
	key := subKey{kind: kind, port: port}
	if _, ok := e.subs[key]; ok {
		return engine.ErrDuplicate
	}
	e.subs[key] = extent
	return nil
}

func (e *fakeEngine) Unsubscribe(kind engine.TransferKind, port engine.PortID) error {
	defer e.enter()()
	key := subKey{kind: kind, port: port}
	if _, ok := e.subs[key]; !ok {
		return engine.ErrNotSubscribed
	}
	delete(e.subs, key)
	return nil
}

// Push splits the payload into chunk-sized frames, one allocator block
// per frame, numbered within the transfer so tests can assert send order.
func (e *fakeEngine) Push(out engine.Outbound) error {
	defer e.enter()()
	e.lastOut = out
	if e.pushErr != nil {
		return e.pushErr
	}

	payload := out.Payload
	count := (len(payload) + e.chunk - 1) / e.chunk
	if count == 0 {
		count = 1
	}
	base := e.transferSeq
	e.transferSeq++

	items := make([]*txItem, 0, count)
	for i := 0; i < count; i++ {
		lo := i * e.chunk
		hi := min(lo+e.chunk, len(payload))
		part := payload[lo:hi]
		h, err := e.alloc.Allocate(len(part))
		if err != nil {
			for _, it := range items {
				_ = e.alloc.Free(it.h)
			}
			return fmt.Errorf("%w: %v", engine.ErrNoMemory, err)
		}
		copy(e.alloc.Bytes(h), part)
		f := frame.Frame{ID: base<<8 | uint32(i), Len: len(part)}
		copy(f.Data[:], part)
		items = append(items, &txItem{prio: out.Priority, seq: e.seq, f: f, h: h})
		e.seq++
	}
	for _, it := range items {
		heap.Push(&e.tx, it)
	}
	return nil
}

func (e *fakeEngine) Peek() (frame.Frame, arena.Handle, bool) {
	defer e.enter()()
	if e.tx.Len() == 0 {
		return frame.Frame{}, arena.Nil, false
	}
	head := e.tx[0]
	return head.f, head.h, true
}

func (e *fakeEngine) Pop() {
	defer e.enter()()
	if e.tx.Len() > 0 {
		heap.Pop(&e.tx)
	}
}

func (e *fakeEngine) Accept(f frame.Frame, transport uint8, ts time.Time) (engine.Transfer, bool, error) {
	defer e.enter()()
	return e.acceptFn(f, transport, ts)
}

// completeEachFrame is the default accept behavior: every frame completes
// a single-frame transfer carrying that frame's payload in an allocator
// block.
func (e *fakeEngine) completeEachFrame(f frame.Frame, _ uint8, ts time.Time) (engine.Transfer, bool, error) {
	h, err := e.alloc.Allocate(f.Len)
	if err != nil {
		return engine.Transfer{}, false, fmt.Errorf("%w: %v", engine.ErrNoMemory, err)
	}
	copy(e.alloc.Bytes(h), f.Payload())
	return engine.Transfer{
		Timestamp:  ts,
		Kind:       engine.KindMessage,
		Port:       engine.PortID(f.ID & 0xFFFF),
		Remote:     engine.NodeIDUnset,
		Payload:    h,
		PayloadLen: f.Len,
	}, true, nil
}

func (e *fakeEngine) queued() int {
	return e.tx.Len()
}
