// Package singleframe is a protocol engine for transfers that fit in one
// frame. It packs CAN-style 29-bit extended identifiers, appends the
// usual tail byte, and reassembles nothing: a frame either carries a
// whole transfer or is rejected. Multi-frame reassembly belongs to a
// heavier engine behind the same interface.
//
// Like every engine implementation, this one is not safe for concurrent
// use. The owning node's lock serializes all calls.
package singleframe

import (
	"container/heap"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/buslink/internal/arena"
	"github.com/danmuck/buslink/internal/engine"
	"github.com/danmuck/buslink/internal/frame"
)

var (
	ErrPayloadTooLong = errors.New("singleframe: payload exceeds single frame capacity")
	ErrMultiFrame     = errors.New("singleframe: multi-frame transfers unsupported")
)

// 29-bit identifier layout, service frames flagged by bit 25:
//
//	message:  pri[28:26] subject[23:8]          src[6:0]
//	service:  pri[28:26] 1<<25 req[24] svc[22:14] dst[13:7] src[6:0]
const (
	priShift     = 26
	serviceBit   = 1 << 25
	requestBit   = 1 << 24
	subjectShift = 8
	subjectMask  = 0xFFFF
	serviceShift = 14
	serviceMask  = 0x1FF
	destShift    = 7
	nodeMask     = 0x7F

	// tail byte: start-of-transfer, end-of-transfer, toggle, transfer ID
	tailSingle = 0xE0
	tailIDMask = 0x1F
)

type subKey struct {
	kind engine.TransferKind
	port engine.PortID
}

type subscription struct {
	extent    int
	idTimeout time.Duration
}

type txItem struct {
	f   frame.Frame
	h   arena.Handle
	pri engine.Priority
	seq uint64
}

type txHeap []txItem

func (q txHeap) Len() int { return len(q) }
func (q txHeap) Less(i, j int) bool {
	if q[i].pri != q[j].pri {
		return q[i].pri < q[j].pri
	}
	return q[i].seq < q[j].seq
}
func (q txHeap) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *txHeap) Push(x any)   { *q = append(*q, x.(txItem)) }
func (q *txHeap) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

// Options fixes the engine's bus identity and frame size at construction.
type Options struct {
	LocalID engine.NodeID
	MTU     frame.MTUClass
}

// Engine implements engine.Engine for single-frame transfers.
type Engine struct {
	alloc engine.Allocator
	local engine.NodeID
	mtu   frame.MTUClass
	subs  map[subKey]subscription
	tx    txHeap
	seq   uint64
}

var _ engine.Engine = (*Engine)(nil)

func New(alloc engine.Allocator, opts Options) (*Engine, error) {
	if alloc == nil {
		return nil, errors.New("singleframe: nil allocator")
	}
	return &Engine{
		alloc: alloc,
		local: opts.LocalID,
		mtu:   opts.MTU,
		subs:  make(map[subKey]subscription),
	}, nil
}

func (e *Engine) Subscribe(kind engine.TransferKind, port engine.PortID, extent int, idTimeout time.Duration) error {
	k := subKey{kind, port}
	if _, ok := e.subs[k]; ok {
		return fmt.Errorf("%w: %s port %d", engine.ErrDuplicate, kind, port)
	}
	e.subs[k] = subscription{extent: extent, idTimeout: idTimeout}
	return nil
}

func (e *Engine) Unsubscribe(kind engine.TransferKind, port engine.PortID) error {
	k := subKey{kind, port}
	if _, ok := e.subs[k]; !ok {
		return fmt.Errorf("%w: %s port %d", engine.ErrNotSubscribed, kind, port)
	}
	delete(e.subs, k)
	return nil
}

// Push builds exactly one frame: payload bytes followed by the tail byte.
// The frame's backing block comes from the allocator so the transmit
// drain can free it after the link accepts the frame.
func (e *Engine) Push(out engine.Outbound) error {
	size := e.mtu.Size()
	if len(out.Payload) > size-1 {
		return fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLong, len(out.Payload), size-1)
	}

	h, err := e.alloc.Allocate(len(out.Payload) + 1)
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrNoMemory, err)
	}
	buf := e.alloc.Bytes(h)
	copy(buf, out.Payload)
	buf[len(out.Payload)] = tailSingle | out.TransferID&tailIDMask

	var f frame.Frame
	f.ID = e.packID(out)
	f.Len = len(out.Payload) + 1
	copy(f.Data[:], buf[:f.Len])

	e.seq++
	heap.Push(&e.tx, txItem{f: f, h: h, pri: out.Priority, seq: e.seq})
	return nil
}

func (e *Engine) Peek() (frame.Frame, arena.Handle, bool) {
	if len(e.tx) == 0 {
		return frame.Frame{}, arena.Nil, false
	}
	head := e.tx[0]
	return head.f, head.h, true
}

func (e *Engine) Pop() {
	if len(e.tx) > 0 {
		heap.Pop(&e.tx)
	}
}

// Accept parses one frame. Frames for ports without a subscription, or
// service frames addressed to another node, are ignored without error.
// The produced transfer's payload block belongs to the caller.
func (e *Engine) Accept(f frame.Frame, transport uint8, receivedAt time.Time) (engine.Transfer, bool, error) {
	if f.Len < 1 {
		return engine.Transfer{}, false, fmt.Errorf("%w: empty frame", engine.ErrMalformed)
	}
	tail := f.Data[f.Len-1]
	if tail&tailSingle != tailSingle {
		return engine.Transfer{}, false, ErrMultiFrame
	}

	kind, port, src, dst := unpackID(f.ID)
	if kind != engine.KindMessage && dst != e.local {
		return engine.Transfer{}, false, nil
	}
	sub, ok := e.subs[subKey{kind, port}]
	if !ok {
		return engine.Transfer{}, false, nil
	}

	n := f.Len - 1
	if n > sub.extent {
		n = sub.extent
	}
	payload := arena.Nil
	if n > 0 {
		h, err := e.alloc.Allocate(n)
		if err != nil {
			return engine.Transfer{}, false, fmt.Errorf("%w: %v", engine.ErrNoMemory, err)
		}
		copy(e.alloc.Bytes(h), f.Data[:n])
		payload = h
	}

	return engine.Transfer{
		Timestamp:  receivedAt,
		Priority:   engine.Priority(f.ID >> priShift & 0x7),
		Kind:       kind,
		Port:       port,
		Remote:     src,
		TransferID: tail & tailIDMask,
		Payload:    payload,
		PayloadLen: n,
	}, true, nil
}

func (e *Engine) packID(out engine.Outbound) uint32 {
	id := uint32(out.Priority&0x7) << priShift
	switch out.Kind {
	case engine.KindMessage:
		id |= uint32(out.Port&subjectMask) << subjectShift
	case engine.KindRequest:
		id |= serviceBit | requestBit
		id |= uint32(out.Port&serviceMask) << serviceShift
		id |= uint32(out.Remote&nodeMask) << destShift
	case engine.KindResponse:
		id |= serviceBit
		id |= uint32(out.Port&serviceMask) << serviceShift
		id |= uint32(out.Remote&nodeMask) << destShift
	}
	return id | uint32(e.local&nodeMask)
}

func unpackID(id uint32) (engine.TransferKind, engine.PortID, engine.NodeID, engine.NodeID) {
	src := engine.NodeID(id & nodeMask)
	if id&serviceBit == 0 {
		return engine.KindMessage, engine.PortID(id >> subjectShift & subjectMask), src, engine.NodeIDUnset
	}
	kind := engine.KindResponse
	if id&requestBit != 0 {
		kind = engine.KindRequest
	}
	port := engine.PortID(id >> serviceShift & serviceMask)
	dst := engine.NodeID(id >> destShift & nodeMask)
	return kind, port, src, dst
}
