package engine

import (
	"errors"
	"time"

	"github.com/danmuck/buslink/internal/arena"
	"github.com/danmuck/buslink/internal/frame"
)

var (
	ErrNoMemory      = errors.New("engine: allocation failed")
	ErrNotSubscribed = errors.New("engine: no matching subscription")
	ErrDuplicate     = errors.New("engine: duplicate subscription")
	ErrMalformed     = errors.New("engine: malformed frame")
)

// TransferKind distinguishes broadcast messages from service calls.
type TransferKind uint8

const (
	KindMessage TransferKind = iota
	KindRequest
	KindResponse
)

func (k TransferKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "message"
	}
}

// Priority orders outbound transfers on the send queue. Lower values win.
type Priority uint8

const (
	PriorityExceptional Priority = iota
	PriorityImmediate
	PriorityFast
	PriorityHigh
	PriorityNominal
	PriorityLow
	PrioritySlow
	PriorityOptional
)

// PortID addresses a subject or service.
type PortID uint16

// NodeID identifies a node on the bus. NodeIDUnset marks anonymous or
// broadcast traffic.
type NodeID uint8

const NodeIDUnset NodeID = 0xFF

// Outbound describes one transfer handed to the engine for transmission.
// Payload is borrowed for the duration of the Push call only; the engine
// copies it into allocator-owned frames.
type Outbound struct {
	Timestamp  time.Time
	Priority   Priority
	Kind       TransferKind
	Port       PortID
	Remote     NodeID
	TransferID uint8
	Payload    []byte
}

// Transfer is one reassembled inbound transfer. Payload names an
// allocator-owned block of PayloadLen bytes; the caller frees it exactly
// once after delivering the transfer.
type Transfer struct {
	Timestamp  time.Time
	Priority   Priority
	Kind       TransferKind
	Port       PortID
	Remote     NodeID
	TransferID uint8
	Payload    arena.Handle
	PayloadLen int
}

// Allocator is the deterministic pool the engine draws from. Both calls
// are O(1) and made only while the owning node's lock is held.
type Allocator interface {
	Allocate(size int) (arena.Handle, error)
	Free(h arena.Handle) error
	Bytes(h arena.Handle) []byte
}

// Engine is the protocol engine collaborator. Implementations are not
// safe for concurrent use; the node's lock serializes every call.
type Engine interface {
	// Subscribe registers interest in a port. Extent bounds the payload
	// storage for reassembly; idTimeout is the transfer-ID timeout.
	Subscribe(kind TransferKind, port PortID, extent int, idTimeout time.Duration) error
	Unsubscribe(kind TransferKind, port PortID) error

	// Push splits an outbound transfer into frames on the priority-ordered
	// send queue. Ties between equal priorities break on a monotonic
	// per-transfer sequence, preserving enqueue order.
	Push(out Outbound) error

	// Peek returns the head of the send queue and the allocator block
	// backing it. Pop removes the head; the caller frees the block.
	Peek() (frame.Frame, arena.Handle, bool)
	Pop()

	// Accept feeds one received frame into reassembly. ok reports whether
	// a complete transfer was produced. Any error means the frame was
	// dropped by the engine; no partial state needs cleanup by the caller.
	Accept(f frame.Frame, transport uint8, receivedAt time.Time) (Transfer, bool, error)
}
