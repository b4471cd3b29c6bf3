package ycrdt

import (
	"errors"
	"fmt"
	"math"
)

// Binary codec compatible with the lib0 encoding used by the Yjs wire format.
// All multi-byte integers are variable-length with a 0x80 continuation bit.

var (
	// ErrUnexpectedEOF is returned when a frame ends inside a value.
	ErrUnexpectedEOF = errors.New("ycrdt: unexpected end of input")

	// ErrOverflow is returned when a variable-length integer exceeds 64 bits.
	ErrOverflow = errors.New("ycrdt: varint overflow")
)

// Decoder reads lib0-encoded values from a byte slice.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder creates a decoder over buf. The decoder does not copy buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining reports how many bytes are left to read.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// ReadByte reads a single byte.
func (d *Decoder) ReadByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, ErrUnexpectedEOF
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

// ReadVarUint reads an unsigned variable-length integer.
func (d *Decoder) ReadVarUint() (uint64, error) {
	var num uint64
	var shift uint
	for {
		b, err := d.ReadByte()
		if err != nil {
			return 0, err
		}
		if shift > 63 {
			return 0, ErrOverflow
		}
		num |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return num, nil
		}
		shift += 7
	}
}

// ReadVarInt reads a signed variable-length integer. The first byte carries the
// sign in bit 0x40 and six payload bits.
func (d *Decoder) ReadVarInt() (int64, error) {
	b, err := d.ReadByte()
	if err != nil {
		return 0, err
	}
	num := uint64(b & 0x3f)
	negative := b&0x40 != 0
	if b < 0x80 {
		if negative {
			return -int64(num), nil
		}
		return int64(num), nil
	}
	shift := uint(6)
	for {
		b, err = d.ReadByte()
		if err != nil {
			return 0, err
		}
		if shift > 63 {
			return 0, ErrOverflow
		}
		num |= uint64(b&0x7f) << shift
		if b < 0x80 {
			if negative {
				return -int64(num), nil
			}
			return int64(num), nil
		}
		shift += 7
	}
}

// ReadVarUint8Array reads a length-prefixed byte slice. The returned slice
// aliases the decoder's buffer.
func (d *Decoder) ReadVarUint8Array() ([]byte, error) {
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.Remaining()) {
		return nil, ErrUnexpectedEOF
	}
	out := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return out, nil
}

// ReadVarString reads a length-prefixed UTF-8 string.
func (d *Decoder) ReadVarString() (string, error) {
	b, err := d.ReadVarUint8Array()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadFloat32 reads a big-endian IEEE 754 float32.
func (d *Decoder) ReadFloat32() (float32, error) {
	if d.Remaining() < 4 {
		return 0, ErrUnexpectedEOF
	}
	var bits uint32
	for i := 0; i < 4; i++ {
		bits = bits<<8 | uint32(d.buf[d.pos+i])
	}
	d.pos += 4
	return math.Float32frombits(bits), nil
}

// ReadFloat64 reads a big-endian IEEE 754 float64.
func (d *Decoder) ReadFloat64() (float64, error) {
	if d.Remaining() < 8 {
		return 0, ErrUnexpectedEOF
	}
	var bits uint64
	for i := 0; i < 8; i++ {
		bits = bits<<8 | uint64(d.buf[d.pos+i])
	}
	d.pos += 8
	return math.Float64frombits(bits), nil
}

// ReadInt64 reads a big-endian signed 64-bit integer (lib0 "bigint").
func (d *Decoder) ReadInt64() (int64, error) {
	if d.Remaining() < 8 {
		return 0, ErrUnexpectedEOF
	}
	var bits uint64
	for i := 0; i < 8; i++ {
		bits = bits<<8 | uint64(d.buf[d.pos+i])
	}
	d.pos += 8
	return int64(bits), nil
}

// ReadAny reads a lib0 "any" value: nil, bool, numbers, strings, arrays,
// objects and raw byte slices.
func (d *Decoder) ReadAny() (any, error) {
	t, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	switch t {
	case 127: // undefined
		return nil, nil
	case 126: // null
		return nil, nil
	case 125: // integer
		return d.ReadVarInt()
	case 124:
		return d.ReadFloat32()
	case 123:
		return d.ReadFloat64()
	case 122:
		return d.ReadInt64()
	case 121:
		return false, nil
	case 120:
		return true, nil
	case 119:
		return d.ReadVarString()
	case 118: // object
		n, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		obj := make(map[string]any, n)
		for i := uint64(0); i < n; i++ {
			key, err := d.ReadVarString()
			if err != nil {
				return nil, err
			}
			val, err := d.ReadAny()
			if err != nil {
				return nil, err
			}
			obj[key] = val
		}
		return obj, nil
	case 117: // array
		n, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		arr := make([]any, 0, n)
		for i := uint64(0); i < n; i++ {
			val, err := d.ReadAny()
			if err != nil {
				return nil, err
			}
			arr = append(arr, val)
		}
		return arr, nil
	case 116: // Uint8Array
		b, err := d.ReadVarUint8Array()
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	default:
		return nil, fmt.Errorf("ycrdt: unknown any type tag %d", t)
	}
}

// Encoder writes lib0-encoded values to a growing byte slice.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an empty encoder.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 128)}
}

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// WriteUint8 appends a single byte.
func (e *Encoder) WriteUint8(b byte) {
	e.buf = append(e.buf, b)
}

// WriteVarUint appends an unsigned variable-length integer.
func (e *Encoder) WriteVarUint(num uint64) {
	for num >= 0x80 {
		e.buf = append(e.buf, byte(num)|0x80)
		num >>= 7
	}
	e.buf = append(e.buf, byte(num))
}

// WriteVarInt appends a signed variable-length integer.
func (e *Encoder) WriteVarInt(num int64) {
	var sign byte
	if num < 0 {
		sign = 0x40
		num = -num
	}
	unum := uint64(num)
	first := byte(unum&0x3f) | sign
	unum >>= 6
	if unum > 0 {
		first |= 0x80
	}
	e.buf = append(e.buf, first)
	for unum > 0 {
		b := byte(unum & 0x7f)
		unum >>= 7
		if unum > 0 {
			b |= 0x80
		}
		e.buf = append(e.buf, b)
	}
}

// WriteVarUint8Array appends a length-prefixed byte slice.
func (e *Encoder) WriteVarUint8Array(b []byte) {
	e.WriteVarUint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// WriteVarString appends a length-prefixed UTF-8 string.
func (e *Encoder) WriteVarString(s string) {
	e.WriteVarUint8Array([]byte(s))
}

// WriteFloat32 appends a big-endian IEEE 754 float32.
func (e *Encoder) WriteFloat32(f float32) {
	bits := math.Float32bits(f)
	e.buf = append(e.buf, byte(bits>>24), byte(bits>>16), byte(bits>>8), byte(bits))
}

// WriteFloat64 appends a big-endian IEEE 754 float64.
func (e *Encoder) WriteFloat64(f float64) {
	bits := math.Float64bits(f)
	for shift := 56; shift >= 0; shift -= 8 {
		e.buf = append(e.buf, byte(bits>>uint(shift)))
	}
}

// WriteInt64 appends a big-endian signed 64-bit integer (lib0 "bigint").
func (e *Encoder) WriteInt64(v int64) {
	bits := uint64(v)
	for shift := 56; shift >= 0; shift -= 8 {
		e.buf = append(e.buf, byte(bits>>uint(shift)))
	}
}

// WriteAny appends a lib0 "any" value.
func (e *Encoder) WriteAny(v any) {
	switch val := v.(type) {
	case nil:
		e.WriteUint8(126)
	case bool:
		if val {
			e.WriteUint8(120)
		} else {
			e.WriteUint8(121)
		}
	case int64:
		e.WriteUint8(125)
		e.WriteVarInt(val)
	case int:
		e.WriteUint8(125)
		e.WriteVarInt(int64(val))
	case float32:
		e.WriteUint8(124)
		e.WriteFloat32(val)
	case float64:
		e.WriteUint8(123)
		e.WriteFloat64(val)
	case string:
		e.WriteUint8(119)
		e.WriteVarString(val)
	case map[string]any:
		e.WriteUint8(118)
		e.WriteVarUint(uint64(len(val)))
		for key, item := range val {
			e.WriteVarString(key)
			e.WriteAny(item)
		}
	case []any:
		e.WriteUint8(117)
		e.WriteVarUint(uint64(len(val)))
		for _, item := range val {
			e.WriteAny(item)
		}
	case []byte:
		e.WriteUint8(116)
		e.WriteVarUint8Array(val)
	default:
		// Unrepresentable values degrade to their string form rather than
		// corrupting the stream.
		e.WriteUint8(119)
		e.WriteVarString(fmt.Sprintf("%v", val))
	}
}
