package singleframe

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/buslink/internal/arena"
	"github.com/danmuck/buslink/internal/engine"
	"github.com/danmuck/buslink/internal/frame"
)

func newTestEngine(t *testing.T, opts Options) (*Engine, *arena.Arena) {
	t.Helper()
	pool, err := arena.New(4096, 128)
	if err != nil {
		t.Fatalf("arena: %v", err)
	}
	e, err := New(pool, opts)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e, pool
}

func TestNewRejectsNilAllocator(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Fatal("expected error for nil allocator")
	}
}

func TestSubscribeDuplicateAndUnsubscribe(t *testing.T) {
	e, _ := newTestEngine(t, Options{LocalID: 9})

	if err := e.Subscribe(engine.KindMessage, 42, 64, time.Second); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := e.Subscribe(engine.KindMessage, 42, 64, time.Second); !errors.Is(err, engine.ErrDuplicate) {
		t.Fatalf("duplicate subscribe: %v", err)
	}
	if err := e.Unsubscribe(engine.KindMessage, 42); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := e.Unsubscribe(engine.KindMessage, 42); !errors.Is(err, engine.ErrNotSubscribed) {
		t.Fatalf("second unsubscribe: %v", err)
	}
}

func TestPushRejectsOversizedPayload(t *testing.T) {
	e, _ := newTestEngine(t, Options{LocalID: 9, MTU: frame.MTUClassClassic})

	// 7 payload bytes + tail byte fill a classic frame exactly.
	if err := e.Push(engine.Outbound{Payload: make([]byte, 7)}); err != nil {
		t.Fatalf("push at capacity: %v", err)
	}
	if err := e.Push(engine.Outbound{Payload: make([]byte, 8)}); !errors.Is(err, ErrPayloadTooLong) {
		t.Fatalf("push over capacity: %v", err)
	}
}

func TestSendQueueOrdersByPriorityThenSequence(t *testing.T) {
	e, pool := newTestEngine(t, Options{LocalID: 9})

	push := func(pri engine.Priority, port engine.PortID) {
		t.Helper()
		if err := e.Push(engine.Outbound{Priority: pri, Port: port, Payload: []byte{1}}); err != nil {
			t.Fatalf("push port %d: %v", port, err)
		}
	}
	push(engine.PriorityNominal, 1)
	push(engine.PriorityHigh, 2)
	push(engine.PriorityNominal, 3)
	push(engine.PriorityExceptional, 4)

	var ports []engine.PortID
	for {
		f, h, ok := e.Peek()
		if !ok {
			break
		}
		kind, port, _, _ := unpackID(f.ID)
		if kind != engine.KindMessage {
			t.Fatalf("kind: %v", kind)
		}
		ports = append(ports, port)
		e.Pop()
		if err := pool.Free(h); err != nil {
			t.Fatalf("free: %v", err)
		}
	}

	want := []engine.PortID{4, 2, 1, 3}
	if len(ports) != len(want) {
		t.Fatalf("drained %d frames, want %d", len(ports), len(want))
	}
	for i := range want {
		if ports[i] != want[i] {
			t.Fatalf("drain order: got %v want %v", ports, want)
		}
	}
	if st := pool.Stats(); st.InUse != 0 {
		t.Fatalf("blocks leaked: %+v", st)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	tx, _ := newTestEngine(t, Options{LocalID: 9})
	rx, pool := newTestEngine(t, Options{LocalID: 10})

	if err := rx.Subscribe(engine.KindMessage, 300, 64, time.Second); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	payload := []byte("hello")
	if err := tx.Push(engine.Outbound{
		Priority:   engine.PriorityFast,
		Port:       300,
		Remote:     engine.NodeIDUnset,
		TransferID: 17,
		Payload:    payload,
	}); err != nil {
		t.Fatalf("push: %v", err)
	}

	f, h, ok := tx.Peek()
	if !ok {
		t.Fatal("empty send queue")
	}
	tx.Pop()
	defer tx.alloc.Free(h)

	now := time.Now()
	tr, ok, err := rx.Accept(f, 1, now)
	if err != nil || !ok {
		t.Fatalf("accept: ok=%v err=%v", ok, err)
	}
	if tr.Kind != engine.KindMessage || tr.Port != 300 || tr.Remote != 9 {
		t.Fatalf("addressing: %+v", tr)
	}
	if tr.Priority != engine.PriorityFast || tr.TransferID != 17 {
		t.Fatalf("header: %+v", tr)
	}
	if !tr.Timestamp.Equal(now) {
		t.Fatalf("timestamp: %v", tr.Timestamp)
	}
	got := pool.Bytes(tr.Payload)[:tr.PayloadLen]
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload: %q want %q", got, payload)
	}
	if err := pool.Free(tr.Payload); err != nil {
		t.Fatalf("free: %v", err)
	}
}

func TestServiceRoundTripAndAddressing(t *testing.T) {
	tx, _ := newTestEngine(t, Options{LocalID: 9})
	rx, pool := newTestEngine(t, Options{LocalID: 10})

	if err := rx.Subscribe(engine.KindRequest, 77, 64, time.Second); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := tx.Push(engine.Outbound{
		Kind:       engine.KindRequest,
		Port:       77,
		Remote:     10,
		TransferID: 3,
		Payload:    []byte{0xAB},
	}); err != nil {
		t.Fatalf("push: %v", err)
	}
	f, h, _ := tx.Peek()
	tx.Pop()
	defer tx.alloc.Free(h)

	tr, ok, err := rx.Accept(f, 0, time.Now())
	if err != nil || !ok {
		t.Fatalf("accept: ok=%v err=%v", ok, err)
	}
	if tr.Kind != engine.KindRequest || tr.Port != 77 || tr.Remote != 9 {
		t.Fatalf("addressing: %+v", tr)
	}
	pool.Free(tr.Payload)

	// Same frame at a third node: addressed elsewhere, silently ignored.
	other, _ := newTestEngine(t, Options{LocalID: 11})
	if err := other.Subscribe(engine.KindRequest, 77, 64, time.Second); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, ok, err := other.Accept(f, 0, time.Now()); ok || err != nil {
		t.Fatalf("misaddressed frame: ok=%v err=%v", ok, err)
	}
}

func TestAcceptIgnoresUnsubscribedPorts(t *testing.T) {
	tx, _ := newTestEngine(t, Options{LocalID: 9})
	rx, pool := newTestEngine(t, Options{LocalID: 10})

	tx.Push(engine.Outbound{Port: 500, Payload: []byte{1}})
	f, h, _ := tx.Peek()
	tx.Pop()
	defer tx.alloc.Free(h)

	if _, ok, err := rx.Accept(f, 0, time.Now()); ok || err != nil {
		t.Fatalf("unsubscribed accept: ok=%v err=%v", ok, err)
	}
	if st := pool.Stats(); st.Allocated != 0 {
		t.Fatalf("ignored frame allocated: %+v", st)
	}
}

func TestAcceptRejectsMalformedFrames(t *testing.T) {
	rx, _ := newTestEngine(t, Options{LocalID: 10})
	rx.Subscribe(engine.KindMessage, 1, 64, time.Second)

	if _, _, err := rx.Accept(frame.Frame{ID: 1 << subjectShift}, 0, time.Now()); !errors.Is(err, engine.ErrMalformed) {
		t.Fatalf("empty frame: %v", err)
	}

	// Start-of-transfer without end-of-transfer marks a multi-frame
	// transfer, which this engine does not reassemble.
	var f frame.Frame
	f.ID = 1 << subjectShift
	f.Data[0] = 0xA0 | 5
	f.Len = 1
	if _, _, err := rx.Accept(f, 0, time.Now()); !errors.Is(err, ErrMultiFrame) {
		t.Fatalf("multi-frame: %v", err)
	}
}

func TestAcceptTruncatesToExtent(t *testing.T) {
	tx, _ := newTestEngine(t, Options{LocalID: 9, MTU: frame.MTUClassFD})
	rx, pool := newTestEngine(t, Options{LocalID: 10, MTU: frame.MTUClassFD})

	rx.Subscribe(engine.KindMessage, 5, 4, time.Second)
	tx.Push(engine.Outbound{Port: 5, Payload: []byte("0123456789")})
	f, h, _ := tx.Peek()
	tx.Pop()
	defer tx.alloc.Free(h)

	tr, ok, err := rx.Accept(f, 0, time.Now())
	if err != nil || !ok {
		t.Fatalf("accept: ok=%v err=%v", ok, err)
	}
	if tr.PayloadLen != 4 {
		t.Fatalf("extent truncation: %d", tr.PayloadLen)
	}
	got := pool.Bytes(tr.Payload)[:tr.PayloadLen]
	if !bytes.Equal(got, []byte("0123")) {
		t.Fatalf("payload: %q", got)
	}
	pool.Free(tr.Payload)
}
