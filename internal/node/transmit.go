package node

import (
	"time"

	"github.com/danmuck/buslink/internal/engine"
	"github.com/danmuck/buslink/internal/frame"
	"github.com/danmuck/buslink/internal/ingest"
	"github.com/danmuck/buslink/internal/observability"
)

// TransmitMessage queues a broadcast message and drains the send queue as
// far as the link allows. transferID is the caller's persistent counter,
// incremented exactly once per call. Never blocks on the link.
func (n *Node) TransmitMessage(port engine.PortID, priority engine.Priority, payload []byte, transferID *uint8) error {
	return n.transmit(engine.Outbound{
		Priority: priority,
		Kind:     engine.KindMessage,
		Port:     port,
		Remote:   engine.NodeIDUnset,
		Payload:  payload,
	}, transferID)
}

// TransmitRequest queues a service request to a destination node.
func (n *Node) TransmitRequest(dest engine.NodeID, port engine.PortID, priority engine.Priority, payload []byte, transferID *uint8) error {
	return n.transmit(engine.Outbound{
		Priority: priority,
		Kind:     engine.KindRequest,
		Port:     port,
		Remote:   dest,
		Payload:  payload,
	}, transferID)
}

// TransmitResponse queues a service response. The transfer ID must echo
// the request's, so unlike the other transmit calls the counter semantics
// are the caller's: the counter is still incremented exactly once.
func (n *Node) TransmitResponse(dest engine.NodeID, port engine.PortID, priority engine.Priority, payload []byte, transferID *uint8) error {
	return n.transmit(engine.Outbound{
		Priority: priority,
		Kind:     engine.KindResponse,
		Port:     port,
		Remote:   dest,
		Payload:  payload,
	}, transferID)
}

// Flush drains the send queue without enqueuing anything new: the resume
// path after a busy link.
func (n *Node) Flush() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	n.drainLocked()
	return nil
}

// IngestFrame hands a received frame to the processing task, blocking up
// to timeout if the queue is full. Task context only.
func (n *Node) IngestFrame(f frame.Frame, transport uint8, timeout time.Duration) error {
	err := n.queue.Push(frame.Queued{
		Frame:      f,
		ReceivedAt: time.Now(),
		Transport:  transport,
	}, timeout)
	if err != nil {
		observability.RecordIngestDrop(n.name)
	}
	return err
}

// IngestFrameNoWait is the interrupt-context variant: it never blocks and
// never allocates. A full queue drops the frame, counted but otherwise
// silent; sustained overload degrades by dropping, it does not error.
// The enqueue itself wakes the processing task.
func (n *Node) IngestFrameNoWait(f frame.Frame, transport uint8) bool {
	ok := n.queue.TryPush(frame.Queued{
		Frame:      f,
		ReceivedAt: time.Now(),
		Transport:  transport,
	})
	if !ok {
		observability.RecordIngestDrop(n.name)
	}
	return ok
}

// QueueStats exposes ingestion queue counters for integrators tracking
// drop visibility.
func (n *Node) QueueStats() ingest.Stats {
	return n.queue.Stats()
}

func (n *Node) transmit(out engine.Outbound, transferID *uint8) error {
	if transferID == nil {
		return ErrNilTransferID
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}

	out.Timestamp = time.Now()
	out.TransferID = *transferID
	*transferID++

	if err := n.eng.Push(out); err != nil {
		n.log.Debug().Err(err).
			Uint16("port", uint16(out.Port)).
			Str("kind", out.Kind.String()).
			Msg("outbound push rejected")
		return err
	}
	n.drainLocked()
	return nil
}

// drainLocked sends queued frames until the queue empties or the link
// reports busy. Each delivered frame's block is freed before the next
// peek. Callers hold n.mu; that lock is what serializes the drain against
// other transmit calls and against the processing task.
func (n *Node) drainLocked() {
	extended := n.mtu.Extended()
	for {
		f, h, ok := n.eng.Peek()
		if !ok {
			return
		}
		if err := n.send(f, extended); err != nil {
			n.linkBusy++
			observability.RecordLinkBusy(n.name)
			n.log.Debug().Err(err).Uint32("frame_id", f.ID).Msg("link busy, drain paused")
			return
		}
		n.eng.Pop()
		_ = n.alloc.Free(h)
		n.framesSent++
		observability.RecordFrameSent(n.name)
	}
}
