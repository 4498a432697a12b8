// Package wire implements the MTProto type-language (TL) wire codec: the
// little-endian, 4-byte-word-aligned encoding used for every primitive,
// string, vector, and boxed type that crosses the connection to a
// datacenter. See spec §4.1 (component C1).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrShortBuffer is returned by any Fetch/Skip call that runs past
	// the end of the deserializer's backing slice.
	ErrShortBuffer = errors.New("wire: short buffer")

	// ErrBadConstructor is returned when a boxed read's constructor code
	// does not match any expected variant.
	ErrBadConstructor = errors.New("wire: unexpected constructor code")

	// ErrBadLength is returned for a malformed string/bytes length prefix.
	ErrBadLength = errors.New("wire: malformed length prefix")
)

// VectorCode is the boxed constructor for a generic vector.
const VectorCode uint32 = 0x1cb5c415

const (
	boolFalseCode uint32 = 0xbc799737
	boolTrueCode  uint32 = 0x997275b5
)

// Serializer is an append-only little-endian word buffer with
// rewrite-at-position support, used to back-patch length-prefixed fields
// (e.g. a container's byte length) once the payload size is known.
type Serializer struct {
	buf []byte
}

// NewSerializer returns an empty Serializer.
func NewSerializer() *Serializer { return &Serializer{} }

// Bytes returns the accumulated buffer.
func (s *Serializer) Bytes() []byte { return s.buf }

// Len returns the number of bytes written so far.
func (s *Serializer) Len() int { return len(s.buf) }

// PutRaw appends raw bytes without interpretation.
func (s *Serializer) PutRaw(b []byte) { s.buf = append(s.buf, b...) }

// PutInt32 appends a little-endian i32.
func (s *Serializer) PutInt32(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	s.buf = append(s.buf, b[:]...)
}

// PutUint32 appends a little-endian u32 (used for constructor codes).
func (s *Serializer) PutUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	s.buf = append(s.buf, b[:]...)
}

// PutInt64 appends a little-endian i64.
func (s *Serializer) PutInt64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	s.buf = append(s.buf, b[:]...)
}

// PutUint64 appends a little-endian u64.
func (s *Serializer) PutUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	s.buf = append(s.buf, b[:]...)
}

// PutDouble appends a little-endian IEEE754 double.
func (s *Serializer) PutDouble(v float64) {
	s.PutUint64(math.Float64bits(v))
}

// PutBool appends a tagged bool constructor.
func (s *Serializer) PutBool(v bool) {
	if v {
		s.PutUint32(boolTrueCode)
	} else {
		s.PutUint32(boolFalseCode)
	}
}

// PutString appends length-prefixed, zero-padded-to-4-bytes bytes: the
// short form (1-byte length) for payloads under 254 bytes, the long form
// (0xfe marker + 3-byte length) otherwise.
func (s *Serializer) PutString(b []byte) {
	n := len(b)
	if n < 254 {
		s.buf = append(s.buf, byte(n))
		s.buf = append(s.buf, b...)
		s.padTo4(1 + n)
	} else {
		s.buf = append(s.buf, 0xfe, byte(n), byte(n>>8), byte(n>>16))
		s.buf = append(s.buf, b...)
		s.padTo4(4 + n)
	}
}

func (s *Serializer) padTo4(written int) {
	if rem := written % 4; rem != 0 {
		s.buf = append(s.buf, make([]byte, 4-rem)...)
	}
}

// VectorWriter is a function that serializes one vector element.
type VectorWriter func(s *Serializer)

// PutVector appends the vector constructor, the element count, then each
// element via put.
func (s *Serializer) PutVector(n int, put func(i int)) {
	s.PutUint32(VectorCode)
	s.PutInt32(int32(n))
	for i := 0; i < n; i++ {
		put(i)
	}
}

// BeginLength reserves a 4-byte slot to be back-patched with PatchLength
// once the enclosed payload has been written — used for container byte
// counts.
func (s *Serializer) BeginLength() int {
	pos := len(s.buf)
	s.buf = append(s.buf, 0, 0, 0, 0)
	return pos
}

// PatchLength rewrites the 4-byte slot at pos (as returned by
// BeginLength) with the number of bytes written since.
func (s *Serializer) PatchLength(pos int) {
	n := uint32(len(s.buf) - pos - 4)
	binary.LittleEndian.PutUint32(s.buf[pos:pos+4], n)
}

// Deserializer is a cursor over an immutable byte range.
type Deserializer struct {
	buf []byte
	pos int
}

// NewDeserializer wraps buf for reading from the start.
func NewDeserializer(buf []byte) *Deserializer {
	return &Deserializer{buf: buf}
}

// Remaining returns the number of unread bytes.
func (d *Deserializer) Remaining() int { return len(d.buf) - d.pos }

// Pos returns the current read offset.
func (d *Deserializer) Pos() int { return d.pos }

func (d *Deserializer) need(n int) error {
	if d.Remaining() < n {
		return fmt.Errorf("%w: need %d have %d", ErrShortBuffer, n, d.Remaining())
	}
	return nil
}

// FetchRaw returns the next n raw bytes and advances the cursor.
func (d *Deserializer) FetchRaw(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// SkipRaw advances the cursor by n bytes without returning them.
func (d *Deserializer) SkipRaw(n int) error {
	if err := d.need(n); err != nil {
		return err
	}
	d.pos += n
	return nil
}

// FetchInt32 reads a little-endian i32.
func (d *Deserializer) FetchInt32() (int32, error) {
	b, err := d.FetchRaw(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// FetchUint32 reads a little-endian u32 (e.g. a constructor code).
func (d *Deserializer) FetchUint32() (uint32, error) {
	b, err := d.FetchRaw(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// FetchInt64 reads a little-endian i64.
func (d *Deserializer) FetchInt64() (int64, error) {
	b, err := d.FetchRaw(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// FetchUint64 reads a little-endian u64.
func (d *Deserializer) FetchUint64() (uint64, error) {
	b, err := d.FetchRaw(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// FetchDouble reads a little-endian IEEE754 double.
func (d *Deserializer) FetchDouble() (float64, error) {
	v, err := d.FetchUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// FetchBool reads and validates a tagged bool constructor.
func (d *Deserializer) FetchBool() (bool, error) {
	code, err := d.FetchUint32()
	if err != nil {
		return false, err
	}
	switch code {
	case boolTrueCode:
		return true, nil
	case boolFalseCode:
		return false, nil
	default:
		return false, fmt.Errorf("%w: bool code %#x", ErrBadConstructor, code)
	}
}

// FetchString reads a length-prefixed, zero-padded byte string.
func (d *Deserializer) FetchString() ([]byte, error) {
	if err := d.need(1); err != nil {
		return nil, err
	}
	first := d.buf[d.pos]
	var n, headerLen int
	if first == 0xfe {
		if err := d.need(4); err != nil {
			return nil, err
		}
		n = int(d.buf[d.pos+1]) | int(d.buf[d.pos+2])<<8 | int(d.buf[d.pos+3])<<16
		headerLen = 4
	} else {
		n = int(first)
		headerLen = 1
	}
	if err := d.need(headerLen + n); err != nil {
		return nil, err
	}
	start := d.pos + headerLen
	b := d.buf[start : start+n]
	total := headerLen + n
	pad := (4 - total%4) % 4
	d.pos += total
	if err := d.SkipRaw(pad); err != nil {
		return nil, err
	}
	return b, nil
}

// SkipString advances past a length-prefixed byte string without
// returning it.
func (d *Deserializer) SkipString() error {
	_, err := d.FetchString()
	return err
}

// FetchVectorHeader validates the vector constructor and returns the
// element count; the caller then fetches count elements of the
// declared item type.
func (d *Deserializer) FetchVectorHeader() (int, error) {
	code, err := d.FetchUint32()
	if err != nil {
		return 0, err
	}
	if code != VectorCode {
		return 0, fmt.Errorf("%w: vector code %#x", ErrBadConstructor, code)
	}
	n, err := d.FetchInt32()
	if err != nil {
		return 0, err
	}
	if n < 0 || int(n) > d.Remaining() {
		return 0, fmt.Errorf("%w: vector count %d", ErrBadLength, n)
	}
	return int(n), nil
}

// ExpectConstructor reads a constructor code and fails the read with
// ErrBadConstructor if it does not match want — the rule that "the codec
// must reject a boxed read whose code does not match any variant of the
// expected type".
func (d *Deserializer) ExpectConstructor(want uint32) error {
	got, err := d.FetchUint32()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: got %#x want %#x", ErrBadConstructor, got, want)
	}
	return nil
}

// PeekConstructor reads a constructor code without advancing the cursor,
// used to route a boxed value to the right decoder.
func (d *Deserializer) PeekConstructor() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(d.buf[d.pos : d.pos+4]), nil
}
