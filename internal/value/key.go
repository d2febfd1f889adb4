package value

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf16"
)

// ErrInvalidKey is returned when a value cannot be used as a store key.
var ErrInvalidKey = errors.New("invalid key")

// Key type tags. Their numeric order defines cross-type ordering:
// numbers sort before strings, strings before arrays.
const (
	tagEnd    byte = 0x00
	tagNumber byte = 0x10
	tagString byte = 0x30
	tagArray  byte = 0x50

	unitMarker byte = 0x01
)

// ValidateKey reports whether v is a legal key: a number (not NaN), a string,
// or an array whose elements are all legal keys.
func ValidateKey(v Value) error {
	switch val := v.(type) {
	case Int, String:
		return nil
	case Float:
		if math.IsNaN(float64(val)) {
			return fmt.Errorf("%w: NaN", ErrInvalidKey)
		}
		return nil
	case Array:
		for i, elem := range val {
			if err := ValidateKey(elem); err != nil {
				return fmt.Errorf("key[%d]: %w", i, err)
			}
		}
		return nil
	case nil:
		return fmt.Errorf("%w: missing", ErrInvalidKey)
	default:
		return fmt.Errorf("%w: %T", ErrInvalidKey, v)
	}
}

// EncodeKey produces an order-preserving byte encoding of a key:
// bytes.Compare on two encodings agrees with CompareKeys on the keys.
//
// Layout:
//   - number: 0x10 + 8 byte big-endian float64 with sign-flipped bits
//   - string: 0x30 + (0x01 hi lo) per UTF-16 code unit + 0x00
//   - array:  0x50 + encoded elements + 0x00
func EncodeKey(v Value) ([]byte, error) {
	if err := ValidateKey(v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	encodeKey(&buf, v)
	return buf.Bytes(), nil
}

func encodeKey(buf *bytes.Buffer, v Value) {
	switch val := v.(type) {
	case Int:
		encodeNumber(buf, float64(val))
	case Float:
		encodeNumber(buf, float64(val))
	case String:
		buf.WriteByte(tagString)
		for _, u := range utf16.Encode([]rune(string(val))) {
			buf.WriteByte(unitMarker)
			buf.WriteByte(byte(u >> 8))
			buf.WriteByte(byte(u))
		}
		buf.WriteByte(tagEnd)
	case Array:
		buf.WriteByte(tagArray)
		for _, elem := range val {
			encodeKey(buf, elem)
		}
		buf.WriteByte(tagEnd)
	}
}

func encodeNumber(buf *bytes.Buffer, f float64) {
	if f == 0 {
		f = 0 // fold -0 into +0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) == 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	var b [9]byte
	b[0] = tagNumber
	binary.BigEndian.PutUint64(b[1:], bits)
	buf.Write(b[:])
}

// DecodeKey reverses EncodeKey. Integral numbers within int64 range decode
// as Int.
func DecodeKey(data []byte) (Value, error) {
	v, rest, err := decodeKey(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidKey, len(rest))
	}
	return v, nil
}

func decodeKey(data []byte) (Value, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%w: truncated", ErrInvalidKey)
	}
	switch data[0] {
	case tagNumber:
		if len(data) < 9 {
			return nil, nil, fmt.Errorf("%w: truncated number", ErrInvalidKey)
		}
		bits := binary.BigEndian.Uint64(data[1:9])
		if bits&(1<<63) != 0 {
			bits ^= 1 << 63
		} else {
			bits = ^bits
		}
		f := math.Float64frombits(bits)
		if i, ok := AsInt(Float(f)); ok {
			return Int(i), data[9:], nil
		}
		return Float(f), data[9:], nil
	case tagString:
		var units []uint16
		rest := data[1:]
		for {
			if len(rest) == 0 {
				return nil, nil, fmt.Errorf("%w: unterminated string", ErrInvalidKey)
			}
			if rest[0] == tagEnd {
				return String(string(utf16.Decode(units))), rest[1:], nil
			}
			if rest[0] != unitMarker || len(rest) < 3 {
				return nil, nil, fmt.Errorf("%w: malformed string", ErrInvalidKey)
			}
			units = append(units, uint16(rest[1])<<8|uint16(rest[2]))
			rest = rest[3:]
		}
	case tagArray:
		arr := Array{}
		rest := data[1:]
		for {
			if len(rest) == 0 {
				return nil, nil, fmt.Errorf("%w: unterminated array", ErrInvalidKey)
			}
			if rest[0] == tagEnd {
				return arr, rest[1:], nil
			}
			elem, next, err := decodeKey(rest)
			if err != nil {
				return nil, nil, err
			}
			arr = append(arr, elem)
			rest = next
		}
	}
	return nil, nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrInvalidKey, data[0])
}

// CompareKeys orders two keys: numbers < strings < arrays, numbers
// numerically, strings by UTF-16 code units, arrays element-wise.
func CompareKeys(a, b Value) (int, error) {
	ea, err := EncodeKey(a)
	if err != nil {
		return 0, err
	}
	eb, err := EncodeKey(b)
	if err != nil {
		return 0, err
	}
	return bytes.Compare(ea, eb), nil
}
