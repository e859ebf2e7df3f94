package node

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/buslink/internal/arena"
	"github.com/danmuck/buslink/internal/engine"
	"github.com/danmuck/buslink/internal/frame"
	"github.com/danmuck/buslink/internal/ingest"
	"github.com/danmuck/buslink/internal/observability"
)

// DefaultBlockSize covers one FD frame plus typical reassembled payloads.
const DefaultBlockSize = 128

var (
	ErrNilSendFunc        = errors.New("node: nil platform send function")
	ErrNilTransferHandler = errors.New("node: nil transfer handler")
	ErrNilEngineFactory   = errors.New("node: nil engine factory")
	ErrNilTransferID      = errors.New("node: nil transfer-id counter")
	ErrClosed             = errors.New("node: closed")
)

// SendFunc delivers one frame to the platform link. extended reports
// whether extended-payload framing is in effect. A nil error means the
// link accepted the frame; any error means busy, and the frame stays
// queued for a later drain.
type SendFunc func(f frame.Frame, extended bool) error

// TransferHandler receives each completed inbound transfer, from the
// processing task only, with the node lock held. It must not call back
// into lock-taking operations on the same node and must not retain
// payload beyond its return; the backing memory is freed immediately
// after.
type TransferHandler func(n *Node, t engine.Transfer, payload []byte)

// EngineFactory constructs the protocol engine bound to the node's
// allocator. Called once, during initialization, under the node lock.
type EngineFactory func(alloc engine.Allocator) (engine.Engine, error)

// Config enumerates everything a node needs at initialization. Any
// missing required field is a configuration error: New fails and the
// node never runs half-wired.
type Config struct {
	Name          string
	NodeID        engine.NodeID
	MTU           frame.MTUClass
	PoolSize      int
	BlockSize     int
	QueueCapacity int

	// TaskPriority records the integrator's chosen processing-task
	// priority. Advisory under the Go scheduler; surfaced in Stats so
	// deployments keep it in view.
	TaskPriority int

	Send       SendFunc
	OnTransfer TransferHandler
	Engine     EngineFactory
	Logger     zerolog.Logger
}

// Stats is a point-in-time snapshot of one node's traffic and resource
// counters.
type Stats struct {
	Name         string       `json:"name"`
	NodeID       uint8        `json:"node_id"`
	MTU          string       `json:"mtu"`
	TaskPriority int          `json:"task_priority"`
	Queue        ingest.Stats `json:"queue"`
	QueueLen     int          `json:"queue_len"`
	QueueCap     int          `json:"queue_cap"`
	Arena        arena.Stats  `json:"arena"`

	AcceptFailures     uint64 `json:"accept_failures"`
	TransfersDelivered uint64 `json:"transfers_delivered"`
	FramesSent         uint64 `json:"frames_sent"`
	LinkBusy           uint64 `json:"link_busy"`
}

// Node is the lock-guarded state around one engine instance: the mutex,
// the allocator pool, the ingestion queue, the platform send function and
// the transfer handler. One value per engine, alive for the process.
type Node struct {
	mu sync.Mutex

	name       string
	nodeID     engine.NodeID
	mtu        frame.MTUClass
	priority   int
	eng        engine.Engine
	pool       *arena.Arena
	alloc      *poolAllocator
	queue      *ingest.Queue
	send       SendFunc
	onTransfer TransferHandler
	userRef    any
	log        zerolog.Logger

	acceptFailures uint64
	delivered      uint64
	framesSent     uint64
	linkBusy       uint64

	closed bool
	wg     sync.WaitGroup
}

// New initializes a node and starts its processing task. Initialization
// runs under the node lock so the processing task cannot observe torn
// state, and fails outright on configuration errors.
func New(cfg Config) (*Node, error) {
	if cfg.Send == nil {
		return nil, ErrNilSendFunc
	}
	if cfg.OnTransfer == nil {
		return nil, ErrNilTransferHandler
	}
	if cfg.Engine == nil {
		return nil, ErrNilEngineFactory
	}
	name := cfg.Name
	if name == "" {
		name = "buslink"
	}
	blockSize := cfg.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	capacity := cfg.QueueCapacity
	if capacity == 0 {
		capacity = ingest.DefaultCapacity
	}

	n := &Node{
		name:       name,
		nodeID:     cfg.NodeID,
		mtu:        cfg.MTU,
		priority:   cfg.TaskPriority,
		send:       cfg.Send,
		onTransfer: cfg.OnTransfer,
		log:        cfg.Logger.With().Str("node", name).Logger(),
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	pool, err := arena.New(cfg.PoolSize, blockSize)
	if err != nil {
		return nil, fmt.Errorf("node: memory pool: %w", err)
	}
	queue, err := ingest.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("node: ingestion queue: %w", err)
	}
	n.pool = pool
	n.queue = queue
	n.alloc = &poolAllocator{n: n}

	eng, err := cfg.Engine(n.alloc)
	if err != nil {
		return nil, fmt.Errorf("node: engine init: %w", err)
	}
	n.eng = eng

	n.wg.Add(1)
	go n.run()

	n.log.Info().
		Uint8("node_id", uint8(n.nodeID)).
		Str("mtu", n.mtu.String()).
		Int("queue_cap", capacity).
		Int("pool_blocks", pool.Stats().Capacity).
		Msg("node initialized")
	return n, nil
}

// Subscribe registers interest in a port with the engine.
func (n *Node) Subscribe(kind engine.TransferKind, port engine.PortID, extent int, idTimeout time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	return n.eng.Subscribe(kind, port, extent, idTimeout)
}

// Unsubscribe removes a subscription.
func (n *Node) Unsubscribe(kind engine.TransferKind, port engine.PortID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	return n.eng.Unsubscribe(kind, port)
}

// NodeID returns the node's bus identity.
func (n *Node) NodeID() engine.NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodeID
}

// SetNodeID changes the node's bus identity.
func (n *Node) SetNodeID(id engine.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodeID = id
}

// MTU returns the configured link mode.
func (n *Node) MTU() frame.MTUClass {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mtu
}

// SetMTU changes the link mode for subsequent transmissions.
func (n *Node) SetMTU(c frame.MTUClass) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mtu = c
}

// UserRef returns the opaque application pointer. Concurrency discipline
// for what it points at is the integrator's responsibility.
func (n *Node) UserRef() any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.userRef
}

// SetUserRef stores the opaque application pointer.
func (n *Node) SetUserRef(ref any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.userRef = ref
}

// Name returns the node's configured label.
func (n *Node) Name() string {
	return n.name
}

// Stats snapshots the node's counters.
func (n *Node) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Stats{
		Name:               n.name,
		NodeID:             uint8(n.nodeID),
		MTU:                n.mtu.String(),
		TaskPriority:       n.priority,
		Queue:              n.queue.Stats(),
		QueueLen:           n.queue.Len(),
		QueueCap:           n.queue.Cap(),
		Arena:              n.pool.Stats(),
		AcceptFailures:     n.acceptFailures,
		TransfersDelivered: n.delivered,
		FramesSent:         n.framesSent,
		LinkBusy:           n.linkBusy,
	}
}

// Close stops the processing task once the queue drains, then rejects
// further operations. Idempotent.
func (n *Node) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	n.queue.Close()
	n.wg.Wait()
	n.log.Info().Msg("node closed")
}

// poolAllocator adapts the arena to the engine's allocator boundary.
// Every call happens while the node lock is held, so the arena itself
// stays lock-free.
type poolAllocator struct {
	n *Node
}

func (a *poolAllocator) Allocate(size int) (arena.Handle, error) {
	h, err := a.n.pool.Allocate(size)
	if err != nil {
		observability.RecordAllocFailure(a.n.name)
		a.n.log.Debug().Err(err).Int("size", size).Msg("allocation failed")
	}
	return h, err
}

func (a *poolAllocator) Free(h arena.Handle) error {
	if err := a.n.pool.Free(h); err != nil {
		a.n.log.Error().Err(err).Msg("allocator free rejected")
		return err
	}
	return nil
}

func (a *poolAllocator) Bytes(h arena.Handle) []byte {
	return a.n.pool.Bytes(h)
}
