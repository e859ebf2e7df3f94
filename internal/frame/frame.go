package frame

import (
	"errors"
	"fmt"
	"time"
)

// MTU sizes for the supported link modes.
const (
	MTUClassic = 8
	MTUFD      = 64
)

var (
	ErrPayloadTooLarge = errors.New("frame: payload exceeds MTU capacity")
	ErrUnknownMTU      = errors.New("frame: unknown mtu class")
)

// MTUClass selects the link mode a node is configured for.
type MTUClass int

const (
	MTUClassClassic MTUClass = iota
	MTUClassFD
)

func (c MTUClass) Size() int {
	if c == MTUClassFD {
		return MTUFD
	}
	return MTUClassic
}

// Extended reports whether extended-payload framing is in effect.
func (c MTUClass) Extended() bool {
	return c.Size() > MTUClassic
}

func (c MTUClass) String() string {
	if c == MTUClassFD {
		return "fd"
	}
	return "classic"
}

// ParseMTUClass maps a config string to an MTUClass.
func ParseMTUClass(raw string) (MTUClass, error) {
	switch raw {
	case "classic", "":
		return MTUClassClassic, nil
	case "fd":
		return MTUClassFD, nil
	default:
		return MTUClassClassic, fmt.Errorf("%w: %q", ErrUnknownMTU, raw)
	}
}

// Frame is one link-layer data frame. It is a value type: it is copied by
// value into queues and never shared across contexts. Data is sized for the
// largest link mode; Len tracks the bytes actually in use.
type Frame struct {
	ID   uint32
	Data [MTUFD]byte
	Len  int
}

// New copies payload into a Frame. Payloads longer than the FD MTU are
// rejected; the frame capacity is the hard limit regardless of the local
// node's configured link mode.
func New(id uint32, payload []byte) (Frame, error) {
	if len(payload) > MTUFD {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MTUFD)
	}
	f := Frame{ID: id, Len: len(payload)}
	copy(f.Data[:], payload)
	return f, nil
}

// Payload returns the in-use portion of the frame buffer. The slice aliases
// the frame's own storage.
func (f *Frame) Payload() []byte {
	return f.Data[:f.Len]
}

// Queued is a Frame captured for the processing task, stamped with its
// arrival time and the redundant transport it arrived on. Immutable after
// enqueue; consumed exactly once.
type Queued struct {
	Frame      Frame
	ReceivedAt time.Time
	Transport  uint8
}
