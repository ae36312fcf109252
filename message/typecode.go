package message

import "fmt"

// TypeCode identifies the type of the values stored under a key.
// Built-in codes are four printable characters packed big-endian.
type TypeCode uint32

// Built-in type codes.
const (
	BoolType      TypeCode = 'B'<<24 | 'O'<<16 | 'O'<<8 | 'L'
	Int8Type      TypeCode = 'B'<<24 | 'Y'<<16 | 'T'<<8 | 'E'
	Uint8Type     TypeCode = 'U'<<24 | 'B'<<16 | 'Y'<<8 | 'T'
	Int16Type     TypeCode = 'S'<<24 | 'H'<<16 | 'R'<<8 | 'T'
	Uint16Type    TypeCode = 'U'<<24 | 'S'<<16 | 'H'<<8 | 'T'
	Int32Type     TypeCode = 'L'<<24 | 'O'<<16 | 'N'<<8 | 'G'
	Uint32Type    TypeCode = 'U'<<24 | 'L'<<16 | 'N'<<8 | 'G'
	Int64Type     TypeCode = 'L'<<24 | 'L'<<16 | 'N'<<8 | 'G'
	Uint64Type    TypeCode = 'U'<<24 | 'L'<<16 | 'L'<<8 | 'G'
	Float32Type   TypeCode = 'F'<<24 | 'L'<<16 | 'O'<<8 | 'T'
	Float64Type   TypeCode = 'D'<<24 | 'B'<<16 | 'L'<<8 | 'E'
	PointType     TypeCode = 'B'<<24 | 'P'<<16 | 'N'<<8 | 'T'
	RectType      TypeCode = 'R'<<24 | 'E'<<16 | 'C'<<8 | 'T'
	MessengerType TypeCode = 'M'<<24 | 'S'<<16 | 'N'<<8 | 'G'
	StringType    TypeCode = 'C'<<24 | 'S'<<16 | 'T'<<8 | 'R'
	RawType       TypeCode = 'R'<<24 | 'A'<<16 | 'W'<<8 | 'T'
	MessageType   TypeCode = 'M'<<24 | 'S'<<16 | 'G'<<8 | 'G'
)

// MakeCode packs four bytes into a code, first byte most significant.
func MakeCode(a, b, c, d byte) uint32 {
	return uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
}

// String returns the four-character form when every byte is printable
// and a hex form otherwise.
func (t TypeCode) String() string {
	return codeString(uint32(t))
}

// IsBuiltin reports whether t is one of the built-in type codes.
func (t TypeCode) IsBuiltin() bool {
	switch t {
	case BoolType, Int8Type, Uint8Type, Int16Type, Uint16Type,
		Int32Type, Uint32Type, Int64Type, Uint64Type,
		Float32Type, Float64Type, PointType, RectType, MessengerType,
		StringType, RawType, MessageType:
		return true
	default:
		return false
	}
}

// FixedSize returns the wire width of a fixed-size type. Variable-width
// and unknown types report false.
func (t TypeCode) FixedSize() (int, bool) {
	switch t {
	case BoolType, Int8Type, Uint8Type:
		return 1, true
	case Int16Type, Uint16Type:
		return 2, true
	case Int32Type, Uint32Type, Float32Type:
		return 4, true
	case Int64Type, Uint64Type, Float64Type, PointType:
		return 8, true
	case MessengerType:
		return 12, true
	case RectType:
		return 16, true
	default:
		return 0, false
	}
}

func codeString(c uint32) string {
	b := [4]byte{byte(c >> 24), byte(c >> 16), byte(c >> 8), byte(c)}
	for _, ch := range b {
		if ch < 0x20 || ch > 0x7e {
			return fmt.Sprintf("0x%08x", c)
		}
	}
	return "'" + string(b[:]) + "'"
}
