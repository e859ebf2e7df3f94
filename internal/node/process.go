package node

import (
	"github.com/danmuck/buslink/internal/frame"
	"github.com/danmuck/buslink/internal/observability"
)

// run is the processing task: the single consumer of the ingestion queue.
// It blocks for the next frame and performs the lock-guarded accept
// sequence until the queue closes.
func (n *Node) run() {
	defer n.wg.Done()
	for {
		qf, ok := n.queue.Pop()
		if !ok {
			return
		}
		n.accept(qf)
	}
}

// accept feeds one frame into the engine under the lock. Three outcomes:
// a complete transfer is handed to the application and its payload freed
// exactly once; a partial transfer consumes the frame silently; an accept
// failure drops the frame with a counter. A bad frame never stalls the
// loop.
func (n *Node) accept(qf frame.Queued) {
	n.mu.Lock()
	defer n.mu.Unlock()

	// The frame keeps its arrival timestamp, not the dequeue time, so
	// transfer timeouts inside the engine stay accurate under queueing
	// delay.
	t, ok, err := n.eng.Accept(qf.Frame, qf.Transport, qf.ReceivedAt)
	if err != nil {
		n.acceptFailures++
		observability.RecordAcceptFailure(n.name)
		n.log.Debug().Err(err).
			Uint32("frame_id", qf.Frame.ID).
			Uint8("transport", qf.Transport).
			Msg("frame dropped by engine")
		return
	}
	if !ok {
		return
	}

	var payload []byte
	if !t.Payload.IsNil() {
		payload = n.alloc.Bytes(t.Payload)[:t.PayloadLen]
	}
	n.onTransfer(n, t, payload)
	if !t.Payload.IsNil() {
		_ = n.alloc.Free(t.Payload)
	}
	n.delivered++
	observability.RecordTransferDelivered(n.name)
}
