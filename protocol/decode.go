package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ProtocolError reports a corrupt reassembly buffer: more bytes accumulated
// than the active selection's frame length. The decoder discards the buffer
// when this happens, so streaming can resynchronize on the next fragment.
type ProtocolError struct {
	Expected int
	Got      int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("reassembly overflow: accumulated %d bytes for an expected %d-byte frame", e.Got, e.Expected)
}

// Frame is one fully reassembled sensor reading. Fields preserve wire order
// (bitmask order); values are the raw decoded numbers, uninterpreted.
// A frame is handed to exactly one consumer and never retained by the core.
type Frame struct {
	// Epoch is the host-clock decode timestamp in seconds.
	Epoch  float64
	Fields *orderedmap.OrderedMap[string, float64]
}

// Decoder reassembles notification fragments into typed sensor frames.
// The expected frame length and field order are derived from the same
// sensorTable the command encoder uses, so what the device was told to send
// is exactly what the decoder expects to receive.
//
// A Decoder is bound to one selection for its lifetime; callers that change
// the selection start a new session with a new decoder. Not safe for
// concurrent use - all fragments for a session arrive on one goroutine.
type Decoder struct {
	fields   []string
	expected int
	buf      []byte

	now func() time.Time // overridable in tests
}

// NewDecoder builds a decoder for the given selection.
func NewDecoder(sel *Selection) *Decoder {
	return &Decoder{
		fields:   sel.FieldNames(),
		expected: sel.FrameSize(),
		buf:      make([]byte, 0, MaxFramePayload),
		now:      time.Now,
	}
}

// Expected returns the frame length the decoder is reassembling toward.
func (d *Decoder) Expected() int {
	return d.expected
}

// Pending returns the number of bytes currently buffered.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Decode appends one notification fragment to the reassembly buffer.
//
// Returns (nil, nil) while the frame is still incomplete, a complete Frame
// once the accumulated length matches the expected frame length, and a
// ProtocolError if the buffer overflows the expected length. On overflow the
// buffer is discarded so subsequent well-formed frames decode normally.
func (d *Decoder) Decode(fragment []byte) (*Frame, error) {
	d.buf = append(d.buf, fragment...)

	if len(d.buf) < d.expected {
		return nil, nil
	}
	if len(d.buf) > d.expected {
		got := len(d.buf)
		d.buf = d.buf[:0]
		return nil, &ProtocolError{Expected: d.expected, Got: got}
	}

	frame := &Frame{
		Epoch:  float64(d.now().UnixNano()) / float64(time.Second),
		Fields: orderedmap.New[string, float64](),
	}
	for i, name := range d.fields {
		bits := binary.LittleEndian.Uint32(d.buf[i*fieldSize:])
		frame.Fields.Set(name, float64(math.Float32frombits(bits)))
	}

	d.buf = d.buf[:0]
	return frame, nil
}
