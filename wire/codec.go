package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// ErrUnknownPacketKind is returned when encoding or decoding a kind with no
// registered payload schema.
var ErrUnknownPacketKind = fmt.Errorf("wire: unknown packet kind")

// schemas is the payload schema lookup table keyed by kind. Adding a packet
// kind means adding a payload type and registering its constructor here.
var schemas = map[Kind]func() Payload{
	KindLog:    func() Payload { return &LogPayload{} },
	KindError:  func() Payload { return &ErrorPayload{} },
	KindStatus: func() Payload { return &StatusPayload{} },
	KindEvents: func() Payload { return &EventsPayload{} },
}

// Encode serializes a payload with a header built from the given identity and
// instant. The header and payload are two concatenated binary sections.
func Encode(p Payload, id Identity, now time.Time) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("wire: payload is required")
	}
	kind := p.kind()
	if _, ok := schemas[kind]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPacketKind, uint8(kind))
	}

	w := &writer{}
	encodeHeader(w, Header{
		Kind:      kind,
		SuiteID:   id.SuiteID,
		RunnerID:  id.RunnerID,
		Timestamp: now,
	})
	p.encode(w)
	return w.buf, nil
}

// Decode deserializes one packet. The header is read first; its kind selects
// the payload schema for the remaining bytes.
func Decode(data []byte) (Packet, error) {
	hdr, n, err := DecodeHeader(data)
	if err != nil {
		return Packet{}, err
	}

	mk, ok := schemas[hdr.Kind]
	if !ok {
		return Packet{}, fmt.Errorf("%w: %d", ErrUnknownPacketKind, uint8(hdr.Kind))
	}

	payload := mk()
	r := &reader{buf: data, off: n}
	if err := payload.decode(r); err != nil {
		return Packet{}, fmt.Errorf("wire: decoding %s payload: %w", hdr.Kind, err)
	}
	if r.off != len(data) {
		return Packet{}, fmt.Errorf("wire: %d trailing bytes after %s payload", len(data)-r.off, hdr.Kind)
	}
	return Packet{Header: hdr, Payload: payload}, nil
}

// DecodeHeader reads only the header section and reports how many bytes it
// consumed. The suite and runner IDs are length-prefixed, so the header is
// dynamic-width and the payload offset must come from the returned count.
func DecodeHeader(data []byte) (Header, int, error) {
	r := &reader{buf: data}
	hdr := Header{Kind: Kind(r.u8())}
	hdr.SuiteID = r.str()
	hdr.RunnerID = r.str()
	hdr.Timestamp = time.Unix(0, int64(r.u64())).UTC()
	if r.err != nil {
		return Header{}, 0, fmt.Errorf("wire: decoding header: %w", r.err)
	}
	return hdr, r.off, nil
}

func encodeHeader(w *writer, hdr Header) {
	w.u8(uint8(hdr.Kind))
	w.str(hdr.SuiteID)
	w.str(hdr.RunnerID)
	w.u64(uint64(hdr.Timestamp.UnixNano()))
}

// writer appends big-endian fields to a growing buffer. Strings are
// length-prefixed with a uint32.
type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) f64(v float64) { w.u64(math.Float64bits(v)) }

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// reader consumes fields from a buffer, latching the first error. Callers
// check r.err once after a batch of reads.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("short buffer: need %d bytes at offset %d, have %d", n, r.off, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) f64() float64 {
	return math.Float64frombits(r.u64())
}

func (r *reader) bool() bool {
	return r.u8() != 0
}

func (r *reader) str() string {
	n := r.u32()
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}
